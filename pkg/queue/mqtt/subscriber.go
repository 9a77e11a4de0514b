package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/ericogr/probe-uploader/pkg/queue"
)

type outcome int

const (
	outcomeAck outcome = iota
	outcomeNack
)

// Subscriber consumes <prefix>/+ with manual acknowledgement. Messages are
// handled one at a time in arrival order; a nacked message is redelivered
// locally after the retry delay and, since the broker never saw its ack, by
// the broker after a reconnect.
type Subscriber struct {
	client     mqtt.Client
	prefix     string
	filter     string
	qos        byte
	deadPrefix string
	retryDelay time.Duration
	attempts   *queue.AttemptTracker
	log        logrus.FieldLogger

	// deadLetter publishes a rejected payload; replaced in tests
	deadLetter func(topic string, body []byte) error

	mu      sync.Mutex
	pending []mqtt.Message
	wake    chan struct{}
}

func newSubscriber(o Options) *Subscriber {
	return &Subscriber{
		prefix:     o.Config.TopicPrefix,
		filter:     channelTopic(o.Config.TopicPrefix, "+"),
		qos:        qosFor(o.Durable),
		deadPrefix: o.Config.DeadLetterPrefix,
		retryDelay: o.RetryDelay,
		attempts:   queue.NewAttemptTracker(),
		log:        o.logger().WithField("queue", "mqtt"),
		wake:       make(chan struct{}, 1),
	}
}

func NewSubscriber(o Options) (*Subscriber, error) {
	s := newSubscriber(o)
	opts := clientOptions(o)
	opts.SetAutoAckDisabled(true)
	opts.SetOrderMatters(true)
	// (re)subscribe on every connect; a clean session forgets subscriptions
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(s.filter, s.qos, s.onMessage)
		go func() {
			if token.Wait() && token.Error() != nil {
				s.log.WithError(token.Error()).WithField("filter", s.filter).Error("mqtt subscribe failed")
			}
		}()
	})
	client, err := connect(opts)
	if err != nil {
		return nil, err
	}
	s.client = client
	s.deadLetter = func(topic string, body []byte) error {
		token := client.Publish(topic, 1, false, body)
		if !token.WaitTimeout(10 * time.Second) {
			return fmt.Errorf("mqtt dead-letter publish to %s timed out", topic)
		}
		return token.Error()
	}
	return s, nil
}

// onMessage must not block: paho delivers in order from a single goroutine.
func (s *Subscriber) onMessage(_ mqtt.Client, m mqtt.Message) {
	s.mu.Lock()
	s.pending = append(s.pending, m)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscriber) Consume(ctx context.Context, h queue.Handler) error {
	for {
		m, ok := s.next(ctx)
		if !ok {
			return nil
		}
		if err := s.dispatch(ctx, h, m); err != nil {
			return nil
		}
	}
}

func (s *Subscriber) next(ctx context.Context) (mqtt.Message, bool) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			m := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return m, true
		}
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, false
		case <-s.wake:
		}
	}
}

// dispatch hands m to h until it is acked or rejected.
func (s *Subscriber) dispatch(ctx context.Context, h queue.Handler, m mqtt.Message) error {
	key := m.Topic() + "\x00" + string(m.Payload())
	channel := channelFromTopic(s.prefix, m.Topic())
	id := fmt.Sprintf("%s#%d", m.Topic(), m.MessageID())
	for {
		a := &acker{s: s, msg: m, key: key, channel: channel, result: make(chan outcome, 1)}
		h(ctx, queue.NewDelivery(id, channel, m.Payload(), s.attempts.Next(key), a))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-a.result:
			if res == outcomeAck {
				return nil
			}
		}

		if s.retryDelay > 0 {
			t := time.NewTimer(s.retryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
}

func (s *Subscriber) Close() error {
	if s.client != nil {
		s.client.Disconnect(disconnectMs)
	}
	return nil
}

type acker struct {
	s       *Subscriber
	msg     mqtt.Message
	key     string
	channel string
	result  chan outcome
}

func (a *acker) Ack() error {
	a.msg.Ack()
	a.s.attempts.Forget(a.key)
	a.result <- outcomeAck
	return nil
}

func (a *acker) Nack() error {
	a.result <- outcomeNack
	return nil
}

func (a *acker) Reject(reason string) error {
	topic := channelTopic(a.s.deadPrefix, a.channel)
	if err := a.s.deadLetter(topic, a.msg.Payload()); err != nil {
		a.result <- outcomeNack
		return fmt.Errorf("dead-letter %s: %w", a.channel, err)
	}
	a.s.log.WithFields(logrus.Fields{"channel": a.channel, "topic": topic}).Warnf("dead-lettered message: %s", reason)
	return a.Ack()
}

var _ queue.Subscriber = (*Subscriber)(nil)
