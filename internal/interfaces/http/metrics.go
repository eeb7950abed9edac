package http

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

// MetricsRegistry holds all Prometheus metrics for posdesk. It implements
// ingest.Metrics so the loop reports directly into it.
type MetricsRegistry struct {
	registry *prometheus.Registry

	// Ingestion loop metrics
	TickDuration prometheus.Histogram
	TicksTotal   prometheus.Counter
	TicksSkipped *prometheus.CounterVec

	// Breach state by severity
	Breaches *prometheus.GaugeVec

	// Stream fan-out metrics
	StreamSubscribers prometheus.Gauge
	StreamDropped     prometheus.Counter
}

// NewMetricsRegistry creates a registry with all posdesk metrics registered.
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		registry: prometheus.NewRegistry(),

		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "posdesk_tick_duration_seconds",
				Help:    "Duration of one ingestion tick in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
		),

		TicksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "posdesk_ticks_total",
				Help: "Total number of completed ingestion ticks",
			},
		),

		TicksSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posdesk_ticks_skipped_total",
				Help: "Total number of skipped ticks by reason",
			},
			[]string{"reason"},
		),

		Breaches: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "posdesk_breaches",
				Help: "Open rule breaches in the current snapshot by severity",
			},
			[]string{"severity"},
		),

		StreamSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "posdesk_stream_subscribers",
				Help: "Connected snapshot stream subscribers",
			},
		),

		StreamDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "posdesk_stream_dropped_total",
				Help: "Snapshots dropped from slow subscriber buffers",
			},
		),
	}

	m.registry.MustRegister(
		m.TickDuration,
		m.TicksTotal,
		m.TicksSkipped,
		m.Breaches,
		m.StreamSubscribers,
		m.StreamDropped,
	)

	return m
}

// TickCompleted implements ingest.Metrics.
func (m *MetricsRegistry) TickCompleted(d time.Duration) {
	m.TickDuration.Observe(d.Seconds())
	m.TicksTotal.Inc()
}

// TickSkipped implements ingest.Metrics.
func (m *MetricsRegistry) TickSkipped(reason string) {
	m.TicksSkipped.WithLabelValues(reason).Inc()
}

// SnapshotsDropped implements ingest.Metrics. The ingestion loop reports the
// per-tick delta of slow-subscriber evictions here.
func (m *MetricsRegistry) SnapshotsDropped(n int64) {
	m.StreamDropped.Add(float64(n))
}

// BreachCounts implements ingest.Metrics.
func (m *MetricsRegistry) BreachCounts(critical, warning, info int) {
	m.Breaches.WithLabelValues("critical").Set(float64(critical))
	m.Breaches.WithLabelValues("warning").Set(float64(warning))
	m.Breaches.WithLabelValues("info").Set(float64(info))
}

// TickStats reads the completed and skipped totals back out of the
// collectors for the state and health endpoints.
func (m *MetricsRegistry) TickStats() (completed, skipped float64) {
	var pb io_prometheus_client.Metric
	if err := m.TicksTotal.Write(&pb); err == nil {
		completed = pb.GetCounter().GetValue()
	}

	for _, reason := range []string{"feed_error", "pipeline_error", "catalog_unserviceable"} {
		if c, err := m.TicksSkipped.GetMetricWithLabelValues(reason); err == nil {
			if err := c.Write(&pb); err == nil {
				skipped += pb.GetCounter().GetValue()
			}
		}
	}
	return completed, skipped
}

// Handler returns the Prometheus scrape handler for this registry.
func (m *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
