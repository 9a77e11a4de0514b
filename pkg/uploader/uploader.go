// Package uploader consumes readings from the queue and pushes each one to
// its channel's cloud datastream, acknowledging only after the push
// succeeded.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ericogr/probe-uploader/pkg/cloud"
	"github.com/ericogr/probe-uploader/pkg/metrics"
	"github.com/ericogr/probe-uploader/pkg/queue"
	"github.com/ericogr/probe-uploader/pkg/reading"
)

// Cloud is the part of the cloud API the uploader needs.
type Cloud interface {
	Feed(ctx context.Context, feedID string) (cloud.Feed, error)
	LookupDatastream(ctx context.Context, feedID, id string) (cloud.Datastream, bool, error)
	CreateDatastream(ctx context.Context, feedID, id string, tags []string) (cloud.Datastream, error)
	UpdateDatastream(ctx context.Context, feedID string, ds cloud.Datastream) error
}

// Outcome is how a delivery was settled.
type Outcome int

const (
	Acked Outcome = iota
	Requeued
	DeadLettered
)

func (o Outcome) String() string {
	switch o {
	case Acked:
		return "acked"
	case Requeued:
		return "requeued"
	case DeadLettered:
		return "dead_lettered"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

type Options struct {
	FeedID string
	Tags   []string
	// Channels resolved at startup.
	Channels []string
	// MaxRetries dead-letters a delivery once it has been attempted this
	// many times. Zero retries forever.
	MaxRetries int
	// Timeout bounds each cloud call.
	Timeout time.Duration
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

type Uploader struct {
	cloud      Cloud
	registry   *Registry
	feedID     string
	channels   []string
	maxRetries int
	timeout    time.Duration
	log        logrus.FieldLogger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func New(c Cloud, o Options) *Uploader {
	log := o.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = cloud.DefaultTimeout
	}
	return &Uploader{
		cloud:      c,
		registry:   NewRegistry(c, o.FeedID, o.Tags, log, o.Metrics),
		feedID:     o.FeedID,
		channels:   o.Channels,
		maxRetries: o.MaxRetries,
		timeout:    timeout,
		log:        log,
		metrics:    o.Metrics,
		now:        time.Now,
	}
}

func (u *Uploader) Registry() *Registry { return u.registry }

// Start checks the feed is reachable and resolves the configured channels.
func (u *Uploader) Start(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, u.timeout)
	feed, err := u.cloud.Feed(cctx, u.feedID)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch feed %s: %w", u.feedID, err)
	}
	u.log.WithFields(logrus.Fields{"feed": u.feedID, "title": feed.Title}).Info("feed ready")

	return u.registry.Preload(ctx, u.channels, u.timeout)
}

// Run starts the uploader and consumes sub until ctx is cancelled.
func (u *Uploader) Run(ctx context.Context, sub queue.Subscriber) error {
	if err := u.Start(ctx); err != nil {
		return err
	}
	u.log.Info("waiting for readings")
	return sub.Consume(ctx, func(ctx context.Context, d *queue.Delivery) {
		u.HandleDelivery(ctx, d)
	})
}

// HandleDelivery decodes, pushes and settles one delivery.
func (u *Uploader) HandleDelivery(ctx context.Context, d *queue.Delivery) Outcome {
	start := u.now()
	log := u.log.WithFields(logrus.Fields{"channel": d.Channel, "attempt": d.Attempts, "message_id": d.ID})

	rd, err := reading.Decode(d.Body)
	if err != nil {
		log.WithError(err).Error("malformed reading")
		return u.settle(log, u.reject(d, err.Error()), start)
	}
	log = log.WithField("channel", rd.Channel)

	if err := u.push(ctx, rd); err != nil {
		if u.maxRetries > 0 && d.Attempts >= u.maxRetries {
			log.WithError(err).Error("upload failed, retries exhausted")
			return u.settle(log, u.reject(d, fmt.Sprintf("%d attempts: %v", d.Attempts, err)), start)
		}
		var he *cloud.HTTPError
		if errors.As(err, &he) {
			log.WithError(err).WithField("status", he.StatusCode).Warn("upload rejected by cloud")
		} else {
			log.WithError(err).Warn("upload failed")
		}
		if nerr := d.Nack(); nerr != nil {
			log.WithError(nerr).Error("nack failed")
		}
		return u.settle(log, Requeued, start)
	}

	if err := d.Ack(); err != nil {
		log.WithError(err).Error("ack failed")
	}
	log.WithFields(logrus.Fields{"value": rd.Value, "ts": rd.Timestamp}).Debug("uploaded reading")
	return u.settle(log, Acked, start)
}

func (u *Uploader) reject(d *queue.Delivery, reason string) Outcome {
	if err := d.Reject(reason); err != nil {
		u.log.WithError(err).WithField("channel", d.Channel).Error("dead-letter failed, message requeued")
		return Requeued
	}
	return DeadLettered
}

func (u *Uploader) settle(log logrus.FieldLogger, o Outcome, start time.Time) Outcome {
	u.metrics.Delivery(o.String(), u.now().Sub(start))
	log.WithField("outcome", o.String()).Debug("delivery settled")
	return o
}

// push resolves the datastream and updates it with the reading.
func (u *Uploader) push(ctx context.Context, rd reading.Reading) error {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	ds, err := u.registry.Resolve(ctx, rd.Channel)
	if err != nil {
		return err
	}
	ds.SetValue(rd.Value, rd.Time())
	if err := u.cloud.UpdateDatastream(ctx, u.feedID, ds); err != nil {
		return fmt.Errorf("update datastream %s: %w", rd.Channel, err)
	}
	u.registry.store(ds)
	return nil
}
