// Package queue is the broker-neutral contract between the probe runner and
// the uploader. Transports live in subpackages.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrAlreadySettled is returned when a delivery is acked, nacked or rejected
// more than once.
var ErrAlreadySettled = errors.New("queue: delivery already settled")

// Message is one serialized reading on its way to the broker.
type Message struct {
	ID      string
	Channel string
	Body    []byte
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Handler processes one delivery and must settle it. Unsettled deliveries
// count against the subscriber's prefetch limit.
type Handler func(ctx context.Context, d *Delivery)

type Subscriber interface {
	// Consume blocks, dispatching deliveries to h, until ctx is cancelled or
	// the transport fails.
	Consume(ctx context.Context, h Handler) error
	Close() error
}

// Acknowledger is implemented by each transport to settle a delivery with
// its broker.
type Acknowledger interface {
	Ack() error
	Nack() error
	Reject(reason string) error
}

type Delivery struct {
	ID          string
	Channel     string
	Body        []byte
	Attempts    int
	Redelivered bool

	acker   Acknowledger
	settled atomic.Bool
}

func NewDelivery(id, channel string, body []byte, attempts int, acker Acknowledger) *Delivery {
	if attempts < 1 {
		attempts = 1
	}
	return &Delivery{
		ID:          id,
		Channel:     channel,
		Body:        body,
		Attempts:    attempts,
		Redelivered: attempts > 1,
		acker:       acker,
	}
}

// Ack removes the message from the queue.
func (d *Delivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return d.acker.Ack()
}

// Nack leaves the message on the queue for redelivery.
func (d *Delivery) Nack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return d.acker.Nack()
}

// Reject moves the message to the dead-letter sink.
func (d *Delivery) Reject(reason string) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return d.acker.Reject(reason)
}

func (d *Delivery) Settled() bool { return d.settled.Load() }

// AttemptTracker counts deliveries per message id for brokers that do not
// persist a delivery count.
type AttemptTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewAttemptTracker() *AttemptTracker {
	return &AttemptTracker{counts: make(map[string]int)}
}

// Next records one more delivery of id and returns the running count.
func (t *AttemptTracker) Next(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[id]++
	return t.counts[id]
}

func (t *AttemptTracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, id)
}

func (t *AttemptTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}
