// Package metrics holds the Prometheus instruments of both loops and the
// HTTP surface that exposes them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "probeuploader"

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	probeReads     *prometheus.CounterVec
	published      *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	uploadLatency  prometheus.Histogram
	lastReading    *prometheus.GaugeVec
	datastreams    prometheus.Gauge
	queueDepth     prometheus.Gauge
	deadLetterSize prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		probeReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_reads_total",
			Help:      "Probe invocations by probe and result.",
		}, []string{"probe", "result"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Readings handed to the queue by channel and result.",
		}, []string{"channel", "result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Consumed deliveries by settlement outcome.",
		}, []string{"outcome"}),
		uploadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_latency_seconds",
			Help:      "Time from delivery to settlement.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		lastReading: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_reading",
			Help:      "Most recent value per channel.",
		}, []string{"channel"}),
		datastreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "datastreams_resolved",
			Help:      "Datastream handles cached by the uploader.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "local_queue_depth",
			Help:      "Messages waiting in the local queue.",
		}),
		deadLetterSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "local_dead_letters",
			Help:      "Messages held in the local dead-letter bucket.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.probeReads, m.published, m.deliveries, m.uploadLatency,
			m.lastReading, m.datastreams, m.queueDepth, m.deadLetterSize)
	}
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ProbeRead(probe string, err error) {
	if m == nil {
		return
	}
	m.probeReads.WithLabelValues(probe, result(err)).Inc()
}

func (m *Metrics) Published(channel string, value float64, err error) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(channel, result(err)).Inc()
	if err == nil {
		m.lastReading.WithLabelValues(channel).Set(value)
	}
}

func (m *Metrics) Delivery(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
	m.uploadLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) SetDatastreams(n int) {
	if m == nil {
		return
	}
	m.datastreams.Set(float64(n))
}

func (m *Metrics) SetQueueDepth(ready, dead int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(ready))
	m.deadLetterSize.Set(float64(dead))
}
