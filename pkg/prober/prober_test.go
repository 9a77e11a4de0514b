package prober

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/ericogr/probe-uploader/pkg/metrics"
	"github.com/ericogr/probe-uploader/pkg/queue"
	"github.com/ericogr/probe-uploader/pkg/reading"
	"github.com/ericogr/probe-uploader/pkg/sensor"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []queue.Message
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, m queue.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func constProbe(name string, v float64) sensor.Probe {
	return sensor.Probe{Name: name, Read: func() (float64, error) { return v, nil }}
}

func fixedClock() time.Time { return time.Unix(1000000, 0) }

func TestRunCyclePublishesInOrder(t *testing.T) {
	pub := &recordingPublisher{}
	log, _ := test.NewNullLogger()
	r := New([]sensor.Probe{constProbe("load_avg", 0.42), constProbe("pressure", 101.3)}, pub, time.Second,
		WithLogger(log), WithClock(fixedClock))

	if err := r.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(pub.msgs) != 2 {
		t.Fatalf("published %d messages", len(pub.msgs))
	}
	if pub.msgs[0].Channel != "load_avg" || pub.msgs[1].Channel != "pressure" {
		t.Fatalf("unexpected order: %+v", pub.msgs)
	}
	if string(pub.msgs[1].Body) != `["pressure",1000000,101.3]` {
		t.Fatalf("unexpected body: %s", pub.msgs[1].Body)
	}
	if pub.msgs[0].ID == "" || pub.msgs[0].ID == pub.msgs[1].ID {
		t.Fatalf("message ids must be unique: %q %q", pub.msgs[0].ID, pub.msgs[1].ID)
	}
}

func TestRunCycleSkipsFailingProbe(t *testing.T) {
	pub := &recordingPublisher{}
	log, hook := test.NewNullLogger()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	bad := sensor.Probe{Name: "temperature", Read: func() (float64, error) { return 0, errors.New("i2c nack") }}
	r := New([]sensor.Probe{bad, constProbe("pressure", 99)}, pub, time.Second,
		WithLogger(log), WithClock(fixedClock), WithMetrics(m))

	err := r.RunCycle(context.Background())
	var re *sensor.ReadError
	if !errors.As(err, &re) || re.Probe != "temperature" {
		t.Fatalf("expected ReadError for temperature, got %v", err)
	}
	if len(pub.msgs) != 1 || pub.msgs[0].Channel != "pressure" {
		t.Fatalf("remaining probes must still publish: %+v", pub.msgs)
	}
	if hook.LastEntry() == nil || hook.LastEntry().Level != logrus.WarnLevel {
		t.Fatalf("expected a warning to be logged")
	}
	if n, err := testutil.GatherAndCount(reg, "probeuploader_probe_reads_total"); err != nil || n != 2 {
		t.Fatalf("expected two probe series, got %d (%v)", n, err)
	}
}

func TestRunCyclePublishErrorAborts(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	log, _ := test.NewNullLogger()
	calls := 0
	counting := sensor.Probe{Name: "pressure", Read: func() (float64, error) { calls++; return 1, nil }}
	r := New([]sensor.Probe{counting, counting}, pub, time.Second, WithLogger(log))

	err := r.RunCycle(context.Background())
	if err == nil || onlyReadErrors(err) {
		t.Fatalf("expected publish error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("cycle should stop after the failed publish, probes read: %d", calls)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	pub := &recordingPublisher{}
	log, _ := test.NewNullLogger()
	r := New([]sensor.Probe{constProbe("load_avg", 1)}, pub, 10*time.Millisecond, WithLogger(log))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for pub.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if pub.count() < 2 {
		t.Fatalf("expected repeated cycles, got %d", pub.count())
	}
}

func TestRunKeepsGoingOnProbeFailure(t *testing.T) {
	pub := &recordingPublisher{}
	log, _ := test.NewNullLogger()
	bad := sensor.Probe{Name: "humidity", Read: func() (float64, error) { return 0, errors.New("crc") }}
	r := New([]sensor.Probe{bad, constProbe("load_avg", 1)}, pub, 5*time.Millisecond, WithLogger(log))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("probe failures must not stop the loop: %v", err)
	}
	if pub.count() < 2 {
		t.Fatalf("expected several cycles, got %d", pub.count())
	}
}

func TestPublishedBodyDecodes(t *testing.T) {
	pub := &recordingPublisher{}
	log, _ := test.NewNullLogger()
	r := New([]sensor.Probe{constProbe("temperature", 21.25)}, pub, time.Second, WithLogger(log), WithClock(fixedClock))
	if err := r.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	rd, err := reading.Decode(pub.msgs[0].Body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rd.Channel != "temperature" || rd.Value != 21.25 || !rd.Time().Equal(fixedClock()) {
		t.Fatalf("unexpected reading: %+v", rd)
	}
}
