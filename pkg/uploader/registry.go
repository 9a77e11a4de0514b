package uploader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ericogr/probe-uploader/pkg/cloud"
	"github.com/ericogr/probe-uploader/pkg/metrics"
)

// DefaultTags are attached to datastreams the uploader creates.
var DefaultTags = []string{"autogenerated"}

// Registry maps each channel to its remote datastream. A channel is looked
// up, and created if missing, at most once per process.
type Registry struct {
	cloud   Cloud
	feedID  string
	tags    []string
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	mu      sync.Mutex
	streams map[string]cloud.Datastream
}

func NewRegistry(c Cloud, feedID string, tags []string, log logrus.FieldLogger, m *metrics.Metrics) *Registry {
	if len(tags) == 0 {
		tags = DefaultTags
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		cloud:   c,
		feedID:  feedID,
		tags:    tags,
		log:     log,
		metrics: m,
		streams: make(map[string]cloud.Datastream),
	}
}

// Resolve returns the cached handle for channel, fetching or creating the
// remote datastream on first use. Failures are not cached.
func (r *Registry) Resolve(ctx context.Context, channel string) (cloud.Datastream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ds, ok := r.streams[channel]; ok {
		return ds, nil
	}

	ds, found, err := r.cloud.LookupDatastream(ctx, r.feedID, channel)
	if err != nil {
		return cloud.Datastream{}, fmt.Errorf("lookup datastream %s: %w", channel, err)
	}
	if !found {
		ds, err = r.cloud.CreateDatastream(ctx, r.feedID, channel, r.tags)
		if err != nil {
			return cloud.Datastream{}, fmt.Errorf("create datastream %s: %w", channel, err)
		}
	}
	r.streams[channel] = ds
	r.metrics.SetDatastreams(len(r.streams))
	r.log.WithFields(logrus.Fields{"channel": channel, "created": !found}).Debug("datastream resolved")
	return ds, nil
}

// Preload resolves channels in order and stops at the first failure. Each
// resolution is bounded by timeout when it is positive.
func (r *Registry) Preload(ctx context.Context, channels []string, timeout time.Duration) error {
	for _, ch := range channels {
		cctx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, timeout)
		}
		_, err := r.Resolve(cctx, ch)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) store(ds cloud.Datastream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[ds.ID] = ds
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}
