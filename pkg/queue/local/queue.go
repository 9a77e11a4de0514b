// Package local implements an embedded store-and-forward queue. A durable
// queue keeps messages in a bbolt file and survives restarts; a transient one
// keeps them in memory.
//
// Deliveries are strictly ordered: the oldest unsettled message blocks the
// ones behind it while it waits for redelivery, and at most Prefetch messages
// are outstanding at a time.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ericogr/probe-uploader/pkg/queue"
)

// ErrFull is returned by Publish when the queue holds Capacity messages.
var ErrFull = errors.New("local queue: full")

const (
	DefaultPath       = "./data/probedata.db"
	DefaultPollPeriod = time.Second
)

type Options struct {
	// Path of the bbolt file. Used only when Durable is set.
	Path       string
	Durable    bool
	Prefetch   int
	Capacity   int
	RetryDelay time.Duration
	PollPeriod time.Duration
	Logger     logrus.FieldLogger
	Now        func() time.Time
}

// DeadLetter is a message removed from the live queue.
type DeadLetter struct {
	ID       string
	Channel  string
	Body     []byte
	Attempts int
	Enqueued time.Time
	Reason   string
}

type Queue struct {
	store      store
	retryDelay time.Duration
	poll       time.Duration
	log        logrus.FieldLogger
	now        func() time.Time

	slots  chan struct{}
	notify chan struct{}

	mu       sync.Mutex
	inflight map[uint64]bool
}

func Open(opts Options) (*Queue, error) {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.PollPeriod <= 0 {
		opts.PollPeriod = DefaultPollPeriod
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	var (
		st  store
		err error
	)
	if opts.Durable {
		if opts.Path == "" {
			opts.Path = DefaultPath
		}
		st, err = openBoltStore(opts.Path, opts.Capacity)
		if err != nil {
			return nil, err
		}
	} else {
		st = newMemStore(opts.Capacity)
	}

	return &Queue{
		store:      st,
		retryDelay: opts.RetryDelay,
		poll:       opts.PollPeriod,
		log:        opts.Logger.WithField("queue", "local"),
		now:        opts.Now,
		slots:      make(chan struct{}, opts.Prefetch),
		notify:     make(chan struct{}, 1),
		inflight:   make(map[uint64]bool),
	}, nil
}

func (q *Queue) Publish(ctx context.Context, msg queue.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env := &envelope{
		ID:       msg.ID,
		Channel:  msg.Channel,
		Body:     msg.Body,
		Enqueued: q.now().UnixNano(),
	}
	if err := q.store.append(env); err != nil {
		return fmt.Errorf("local publish: %w", err)
	}
	q.signal()
	return nil
}

func (q *Queue) Consume(ctx context.Context, h queue.Handler) error {
	for {
		select {
		case q.slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		env, wait, err := q.claim()
		if err != nil {
			<-q.slots
			return err
		}
		if env == nil {
			<-q.slots
			if !q.sleep(ctx, wait) {
				return nil
			}
			continue
		}
		h(ctx, queue.NewDelivery(env.ID, env.Channel, env.Body, env.Attempts, &acker{q: q, env: env}))
	}
}

// Len reports the number of live (ready or in-flight) messages.
func (q *Queue) Len() (int, error) {
	return q.store.size()
}

func (q *Queue) DeadLetters() ([]DeadLetter, error) {
	envs, err := q.store.dead()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(envs))
	for _, e := range envs {
		out = append(out, DeadLetter{
			ID:       e.ID,
			Channel:  e.Channel,
			Body:     e.Body,
			Attempts: e.Attempts,
			Enqueued: time.Unix(0, e.Enqueued).UTC(),
			Reason:   e.Reason,
		})
	}
	return out, nil
}

// RequeueDeadLetters moves every dead letter back to the tail of the live
// queue with a fresh attempt count.
func (q *Queue) RequeueDeadLetters() (int, error) {
	n, err := q.store.requeueDead()
	if n > 0 {
		q.signal()
	}
	return n, err
}

func (q *Queue) Close() error {
	return q.store.close()
}

// claim picks the oldest message not already in flight. When that message is
// still waiting out its retry delay nothing is returned, so later messages
// never overtake it.
func (q *Queue) claim() (*envelope, time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var after uint64
	for {
		env, ok, err := q.store.next(after)
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			return nil, q.poll, nil
		}
		if q.inflight[env.Seq] {
			after = env.Seq
			continue
		}
		now := q.now()
		if env.NotBefore > now.UnixNano() {
			wait := time.Duration(env.NotBefore - now.UnixNano())
			if wait > q.poll {
				wait = q.poll
			}
			return nil, wait, nil
		}
		env.Attempts++
		if err := q.store.update(env); err != nil {
			return nil, 0, err
		}
		q.inflight[env.Seq] = true
		return env, 0, nil
	}
}

func (q *Queue) settle(seq uint64) {
	q.mu.Lock()
	delete(q.inflight, seq)
	q.mu.Unlock()
	<-q.slots
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-q.notify:
	case <-t.C:
	}
	return true
}

type acker struct {
	q   *Queue
	env *envelope
}

func (a *acker) Ack() error {
	defer a.q.settle(a.env.Seq)
	return a.q.store.remove(a.env.Seq)
}

func (a *acker) Nack() error {
	defer a.q.settle(a.env.Seq)
	if a.q.retryDelay > 0 {
		a.env.NotBefore = a.q.now().Add(a.q.retryDelay).UnixNano()
	}
	return a.q.store.update(a.env)
}

func (a *acker) Reject(reason string) error {
	defer a.q.settle(a.env.Seq)
	a.env.Reason = reason
	a.q.log.WithFields(logrus.Fields{
		"channel":  a.env.Channel,
		"id":       a.env.ID,
		"attempts": a.env.Attempts,
	}).Warnf("dead-lettering message: %s", reason)
	return a.q.store.bury(a.env)
}

var (
	_ queue.Publisher  = (*Queue)(nil)
	_ queue.Subscriber = (*Queue)(nil)
)
