// Package prober samples the configured probes and publishes one reading per
// probe per cycle.
package prober

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ericogr/probe-uploader/pkg/metrics"
	"github.com/ericogr/probe-uploader/pkg/queue"
	"github.com/ericogr/probe-uploader/pkg/reading"
	"github.com/ericogr/probe-uploader/pkg/sensor"
)

const DefaultInterval = 36 * time.Second

type Runner struct {
	probes   []sensor.Probe
	pub      queue.Publisher
	interval time.Duration
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() string
}

type Option func(*Runner)

func WithLogger(l logrus.FieldLogger) Option { return func(r *Runner) { r.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Runner) { r.metrics = m } }

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

func New(probes []sensor.Probe, pub queue.Publisher, interval time.Duration, opts ...Option) *Runner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	r := &Runner{
		probes:   probes,
		pub:      pub,
		interval: interval,
		log:      logrus.StandardLogger(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RunCycle samples every probe in order and publishes each value as soon as
// it is read. Probe failures are skipped and returned joined; a publish
// failure stops the cycle.
func (r *Runner) RunCycle(ctx context.Context) error {
	var errs []error
	for _, p := range r.probes {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, err := p.Sample()
		r.metrics.ProbeRead(p.Name, err)
		if err != nil {
			r.log.WithField("probe", p.Name).WithError(err).Warn("probe failed")
			errs = append(errs, err)
			continue
		}

		rd := reading.New(p.Name, r.now(), v)
		body, err := reading.Encode(rd)
		if err != nil {
			r.log.WithField("probe", p.Name).WithError(err).Warn("cannot encode reading")
			errs = append(errs, &sensor.ReadError{Probe: p.Name, Err: err})
			continue
		}
		msg := queue.Message{ID: r.newID(), Channel: p.Name, Body: body}
		err = r.pub.Publish(ctx, msg)
		r.metrics.Published(p.Name, v, err)
		if err != nil {
			return errors.Join(append(errs, fmt.Errorf("publish %s: %w", p.Name, err))...)
		}
		r.log.WithFields(logrus.Fields{"channel": p.Name, "value": v, "ts": rd.Timestamp}).Debug("published reading")
	}
	return errors.Join(errs...)
}

// Run repeats RunCycle every interval until ctx is cancelled. Only publish
// failures end the loop early.
func (r *Runner) Run(ctx context.Context) error {
	r.log.WithFields(logrus.Fields{"probes": len(r.probes), "interval": r.interval}).Info("probe runner started")
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		if err := r.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !onlyReadErrors(err) {
				return err
			}
			r.log.WithError(err).Debug("cycle completed with probe failures")
		}
		select {
		case <-ctx.Done():
			r.log.Info("probe runner stopped")
			return nil
		case <-t.C:
		}
	}
}

// onlyReadErrors reports whether every error joined in err is a probe
// failure.
func onlyReadErrors(err error) bool {
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		var re *sensor.ReadError
		return errors.As(err, &re)
	}
	for _, e := range joined.Unwrap() {
		if !onlyReadErrors(e) {
			return false
		}
	}
	return true
}
