package uploader

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/ericogr/probe-uploader/pkg/cloud"
	"github.com/ericogr/probe-uploader/pkg/metrics"
	"github.com/ericogr/probe-uploader/pkg/queue"
	"github.com/ericogr/probe-uploader/pkg/queue/local"
)

type fakeCloud struct {
	mu       sync.Mutex
	existing map[string]bool
	lookups  map[string]int
	creates  map[string]int
	updates  []cloud.Datastream
	// failures left per channel before UpdateDatastream succeeds; -1 never
	failUpdates map[string]int
	feedErr     error
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		existing:    map[string]bool{},
		lookups:     map[string]int{},
		creates:     map[string]int{},
		failUpdates: map[string]int{},
	}
}

func (f *fakeCloud) Feed(_ context.Context, feedID string) (cloud.Feed, error) {
	if f.feedErr != nil {
		return cloud.Feed{}, f.feedErr
	}
	return cloud.Feed{ID: 42, Title: "pi"}, nil
}

func (f *fakeCloud) LookupDatastream(_ context.Context, _, id string) (cloud.Datastream, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups[id]++
	if !f.existing[id] {
		return cloud.Datastream{}, false, nil
	}
	return cloud.Datastream{ID: id}, true, nil
}

func (f *fakeCloud) CreateDatastream(_ context.Context, _, id string, tags []string) (cloud.Datastream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates[id]++
	f.existing[id] = true
	return cloud.Datastream{ID: id, Tags: tags}, nil
}

func (f *fakeCloud) UpdateDatastream(_ context.Context, _ string, ds cloud.Datastream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, ds)
	if n := f.failUpdates[ds.ID]; n != 0 {
		if n > 0 {
			f.failUpdates[ds.ID] = n - 1
		}
		return &cloud.HTTPError{StatusCode: http.StatusServiceUnavailable, Status: "503 Service Unavailable"}
	}
	return nil
}

func (f *fakeCloud) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

// fakeAcker counts settlements.
type fakeAcker struct {
	acks, nacks, rejects int
	rejectErr            error
}

func (a *fakeAcker) Ack() error  { a.acks++; return nil }
func (a *fakeAcker) Nack() error { a.nacks++; return nil }
func (a *fakeAcker) Reject(string) error {
	a.rejects++
	return a.rejectErr
}

func newTestUploader(c Cloud, maxRetries int) *Uploader {
	log, _ := test.NewNullLogger()
	return New(c, Options{FeedID: "42", MaxRetries: maxRetries, Timeout: time.Second, Logger: log})
}

func TestHandleDeliveryUpdatesAndAcks(t *testing.T) {
	c := newFakeCloud()
	u := newTestUploader(c, 0)
	a := &fakeAcker{}
	d := queue.NewDelivery("1", "pressure", []byte(`["pressure", 1000000, 101.3]`), 1, a)

	if got := u.HandleDelivery(context.Background(), d); got != Acked {
		t.Fatalf("outcome: %v", got)
	}
	if len(c.updates) != 1 {
		t.Fatalf("updates: %d", len(c.updates))
	}
	up := c.updates[0]
	if up.ID != "pressure" || up.CurrentValue != "101.3" || !up.At.Equal(time.Unix(1000000, 0)) {
		t.Fatalf("unexpected update: %+v", up)
	}
	if a.acks != 1 || a.nacks != 0 || a.rejects != 0 {
		t.Fatalf("settlement: %+v", a)
	}
}

func TestRegistryResolvesOncePerChannel(t *testing.T) {
	c := newFakeCloud()
	u := newTestUploader(c, 0)
	for i, body := range []string{`["temperature",1,20.5]`, `["temperature",2,20.75]`} {
		a := &fakeAcker{}
		if got := u.HandleDelivery(context.Background(), queue.NewDelivery("id", "temperature", []byte(body), 1, a)); got != Acked {
			t.Fatalf("delivery %d outcome: %v", i, got)
		}
	}
	if c.lookups["temperature"] != 1 || c.creates["temperature"] != 1 {
		t.Fatalf("expected one get-or-create, got lookups=%d creates=%d", c.lookups["temperature"], c.creates["temperature"])
	}
	if len(c.updates) != 2 || c.updates[1].CurrentValue != "20.75" {
		t.Fatalf("updates: %+v", c.updates)
	}
	if u.Registry().Len() != 1 {
		t.Fatalf("registry size: %d", u.Registry().Len())
	}
}

// lookupCloud records lookup deadlines and fails lookups for one channel.
type lookupCloud struct {
	*fakeCloud
	failOn    string
	deadlines []bool
}

func (c *lookupCloud) LookupDatastream(ctx context.Context, feedID, id string) (cloud.Datastream, bool, error) {
	_, ok := ctx.Deadline()
	c.deadlines = append(c.deadlines, ok)
	if id == c.failOn {
		return cloud.Datastream{}, false, &cloud.HTTPError{StatusCode: http.StatusBadGateway, Status: "502 Bad Gateway"}
	}
	return c.fakeCloud.LookupDatastream(ctx, feedID, id)
}

func TestRegistryPreload(t *testing.T) {
	c := &lookupCloud{fakeCloud: newFakeCloud(), failOn: "pressure"}
	log, _ := test.NewNullLogger()
	r := NewRegistry(c, "42", nil, log, nil)

	err := r.Preload(context.Background(), []string{"load_avg", "pressure", "temperature"}, time.Second)
	var he *cloud.HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected HTTPError 502, got %v", err)
	}
	if r.Len() != 1 || c.lookups["temperature"] != 0 {
		t.Fatalf("preload must stop at the first failure: len=%d lookups=%v", r.Len(), c.lookups)
	}
	for i, ok := range c.deadlines {
		if !ok {
			t.Fatalf("lookup %d ran without a deadline", i)
		}
	}

	c.deadlines = nil
	if err := r.Preload(context.Background(), []string{"humidity"}, 0); err != nil {
		t.Fatalf("Preload: %v", err)
	}
	if len(c.deadlines) != 1 || c.deadlines[0] {
		t.Fatalf("zero timeout must not add a deadline: %v", c.deadlines)
	}
}

func TestRegistryFoundSkipsCreate(t *testing.T) {
	c := newFakeCloud()
	c.existing["load_avg"] = true
	log, _ := test.NewNullLogger()
	r := NewRegistry(c, "42", nil, log, nil)
	ds, err := r.Resolve(context.Background(), "load_avg")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ds.ID != "load_avg" || c.creates["load_avg"] != 0 {
		t.Fatalf("found datastream must not be created: %+v creates=%d", ds, c.creates["load_avg"])
	}
}

func TestHandleDeliveryPushFailureNacks(t *testing.T) {
	c := newFakeCloud()
	c.failUpdates["pressure"] = -1
	u := newTestUploader(c, 3)

	a := &fakeAcker{}
	if got := u.HandleDelivery(context.Background(), queue.NewDelivery("1", "pressure", []byte(`["pressure",1,1]`), 1, a)); got != Requeued {
		t.Fatalf("outcome: %v", got)
	}
	if a.acks != 0 || a.nacks != 1 {
		t.Fatalf("failed push must not be acked: %+v", a)
	}

	a = &fakeAcker{}
	if got := u.HandleDelivery(context.Background(), queue.NewDelivery("1", "pressure", []byte(`["pressure",1,1]`), 3, a)); got != DeadLettered {
		t.Fatalf("exhausted outcome: %v", got)
	}
	if a.rejects != 1 || a.nacks != 0 {
		t.Fatalf("exhausted delivery must be dead-lettered: %+v", a)
	}
}

func TestHandleDeliveryMalformedDeadLetters(t *testing.T) {
	c := newFakeCloud()
	u := newTestUploader(c, 0)
	for _, body := range []string{`not json`, `["pressure"]`, `["pressure",1,"abc"]`} {
		a := &fakeAcker{}
		if got := u.HandleDelivery(context.Background(), queue.NewDelivery("1", "pressure", []byte(body), 1, a)); got != DeadLettered {
			t.Fatalf("%s: outcome %v", body, got)
		}
		if a.rejects != 1 {
			t.Fatalf("%s: expected reject", body)
		}
	}
	if c.updateCount() != 0 {
		t.Fatalf("malformed readings must not reach the cloud")
	}
}

func TestRejectFailureRequeues(t *testing.T) {
	u := newTestUploader(newFakeCloud(), 0)
	a := &fakeAcker{rejectErr: errors.New("broker gone")}
	if got := u.HandleDelivery(context.Background(), queue.NewDelivery("1", "x", []byte(`{}`), 1, a)); got != Requeued {
		t.Fatalf("outcome: %v", got)
	}
}

func TestStartFailsWithoutFeed(t *testing.T) {
	c := newFakeCloud()
	c.feedErr = &cloud.HTTPError{StatusCode: http.StatusUnauthorized, Status: "401 Unauthorized"}
	u := newTestUploader(c, 0)
	err := u.Start(context.Background())
	var he *cloud.HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected HTTPError 401, got %v", err)
	}
}

func TestStartPreloadsChannels(t *testing.T) {
	c := newFakeCloud()
	c.existing["pressure"] = true
	log, _ := test.NewNullLogger()
	u := New(c, Options{FeedID: "42", Channels: []string{"load_avg", "pressure", "temperature"}, Logger: log})
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if u.Registry().Len() != 3 {
		t.Fatalf("registry size: %d", u.Registry().Len())
	}
	if c.creates["load_avg"] != 1 || c.creates["pressure"] != 0 {
		t.Fatalf("creates: %v", c.creates)
	}
}

func TestOutcomeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	log, _ := test.NewNullLogger()
	u := New(newFakeCloud(), Options{FeedID: "42", Logger: log, Metrics: metrics.New(reg)})
	u.HandleDelivery(context.Background(), queue.NewDelivery("1", "pressure", []byte(`["pressure",1,1]`), 1, &fakeAcker{}))
	u.HandleDelivery(context.Background(), queue.NewDelivery("2", "pressure", []byte(`bad`), 1, &fakeAcker{}))

	if n, err := testutil.GatherAndCount(reg, "probeuploader_deliveries_total"); err != nil || n != 2 {
		t.Fatalf("expected acked and dead_lettered series, got %d (%v)", n, err)
	}
}

func openLocal(t *testing.T) *local.Queue {
	t.Helper()
	log, _ := test.NewNullLogger()
	q, err := local.Open(local.Options{Prefetch: 1, RetryDelay: 5 * time.Millisecond, PollPeriod: 5 * time.Millisecond, Logger: log})
	if err != nil {
		t.Fatalf("open local queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRunPublishThenConsume(t *testing.T) {
	q := openLocal(t)
	c := newFakeCloud()
	u := newTestUploader(c, 0)

	msg := queue.Message{ID: "m1", Channel: "pressure", Body: []byte(`["pressure",1000000,101.3]`)}
	if err := q.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- u.Run(ctx, q) }()

	waitFor(t, func() bool {
		n, _ := q.Len()
		return c.updateCount() == 1 && n == 0
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.updates[0].CurrentValue != "101.3" || c.updates[0].At.Unix() != 1000000 {
		t.Fatalf("unexpected update: %+v", c.updates[0])
	}
}

func TestRunFailureHoldsLaterMessages(t *testing.T) {
	q := openLocal(t)
	c := newFakeCloud()
	c.failUpdates["pressure"] = 2
	u := newTestUploader(c, 0)

	for i, ch := range []string{"pressure", "temperature"} {
		body := []byte(`["` + ch + `",1,1]`)
		if err := q.Publish(context.Background(), queue.Message{ID: string(rune('a' + i)), Channel: ch, Body: body}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- u.Run(ctx, q) }()

	waitFor(t, func() bool { return c.updateCount() == 4 })
	cancel()
	<-done

	want := []string{"pressure", "pressure", "pressure", "temperature"}
	for i, w := range want {
		if c.updates[i].ID != w {
			t.Fatalf("update %d went to %s, want %s (all: %+v)", i, c.updates[i].ID, w, c.updates)
		}
	}
}

func TestRunDeadLettersAfterMaxRetries(t *testing.T) {
	q := openLocal(t)
	c := newFakeCloud()
	c.failUpdates["humidity"] = -1
	u := newTestUploader(c, 2)

	if err := q.Publish(context.Background(), queue.Message{ID: "h", Channel: "humidity", Body: []byte(`["humidity",1,40]`)}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- u.Run(ctx, q) }()

	waitFor(t, func() bool {
		dl, _ := q.DeadLetters()
		return len(dl) == 1
	})
	cancel()
	<-done

	if c.updateCount() != 2 {
		t.Fatalf("expected 2 attempts before dead-lettering, got %d", c.updateCount())
	}
	dl, _ := q.DeadLetters()
	if dl[0].Channel != "humidity" || dl[0].Attempts != 2 {
		t.Fatalf("unexpected dead letter: %+v", dl[0])
	}
}
