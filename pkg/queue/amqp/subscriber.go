package amqp

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/ericogr/probe-uploader/pkg/queue"
)

// ErrConsumerClosed is returned by Consume when the broker closes the
// delivery channel.
var ErrConsumerClosed = errors.New("amqp: delivery channel closed")

type Subscriber struct {
	conn        *amqp.Connection
	ch          channel
	queue       string
	consumerTag string
	retryDelay  time.Duration
	attempts    *queue.AttemptTracker
	log         logrus.FieldLogger
}

func NewSubscriber(o Options) (*Subscriber, error) {
	conn, ch, err := dial(o)
	if err != nil {
		return nil, err
	}
	s, err := newSubscriber(ch, o)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.conn = conn
	return s, nil
}

func newSubscriber(ch channel, o Options) (*Subscriber, error) {
	if err := declare(ch, o); err != nil {
		return nil, err
	}
	prefetch := o.Prefetch
	if prefetch < 1 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("amqp qos: %w", err)
	}
	tag := o.Config.ConsumerTag
	if tag == "" {
		tag = DefaultConsumerTag
	}
	return &Subscriber{
		ch:          ch,
		queue:       o.queueName(),
		consumerTag: tag,
		retryDelay:  o.RetryDelay,
		attempts:    queue.NewAttemptTracker(),
		log:         o.logger().WithField("queue", "amqp"),
	}, nil
}

func (s *Subscriber) Consume(ctx context.Context, h queue.Handler) error {
	deliveries, err := s.ch.ConsumeWithContext(ctx, s.queue, s.consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume %s: %w", s.queue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrConsumerClosed
			}
			h(ctx, s.wrap(ctx, d))
		}
	}
}

func (s *Subscriber) wrap(ctx context.Context, d amqp.Delivery) *queue.Delivery {
	key := d.MessageId
	if key == "" {
		key = fmt.Sprintf("tag-%d", d.DeliveryTag)
	}
	attempts := s.attempts.Next(key)
	if n, ok := deliveryCount(d.Headers); ok && n+1 > attempts {
		attempts = n + 1
	}
	// redelivered after a restart: at least the second attempt
	if d.Redelivered && attempts < 2 {
		attempts = 2
	}
	channel, _ := d.Headers[headerChannel].(string)
	id := d.MessageId
	if id == "" {
		id = key
	}
	return queue.NewDelivery(id, channel, d.Body, attempts, &acker{ctx: ctx, s: s, d: d, key: key})
}

func deliveryCount(h amqp.Table) (int, bool) {
	switch v := h[headerDeliveryCount].(type) {
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

func (s *Subscriber) Close() error {
	err := s.ch.Close()
	if s.conn != nil {
		err = errors.Join(err, s.conn.Close())
	}
	return err
}

type acker struct {
	ctx context.Context
	s   *Subscriber
	d   amqp.Delivery
	key string
}

func (a *acker) Ack() error {
	a.s.attempts.Forget(a.key)
	return a.d.Ack(false)
}

// Nack holds the message for the retry delay, then requeues it at the head
// of the queue.
func (a *acker) Nack() error {
	if a.s.retryDelay > 0 {
		t := time.NewTimer(a.s.retryDelay)
		select {
		case <-a.ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
	return a.d.Nack(false, true)
}

// Reject routes the message to the dead-letter queue.
func (a *acker) Reject(reason string) error {
	a.s.attempts.Forget(a.key)
	a.s.log.WithFields(logrus.Fields{"message_id": a.d.MessageId, "queue": a.s.queue}).Warnf("dead-lettered message: %s", reason)
	return a.d.Reject(false)
}

var _ queue.Subscriber = (*Subscriber)(nil)
