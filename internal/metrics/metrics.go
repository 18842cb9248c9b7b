// Package metrics exports update session statistics in the Prometheus
// exposition format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stofradar/ota/internal/ota"
)

// Metrics holds all update subsystem metrics. It implements ota.Observer.
type Metrics struct {
	Sessions        *prometheus.CounterVec
	BytesWritten    *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	Active          prometheus.Gauge
	Progress        prometheus.Gauge
	Capacity        prometheus.Gauge
	PendingURL      prometheus.Gauge

	registry *prometheus.Registry
}

// New creates the metrics and registers them with a private registry,
// alongside the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ota_sessions_total",
			Help: "Total number of finished update sessions by source and outcome",
		}, []string{"source", "outcome"}),

		BytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ota_bytes_written_total",
			Help: "Total number of image bytes written to the staging region",
		}, []string{"source"}),

		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ota_session_duration_seconds",
			Help:    "Wall time of finished update sessions",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"outcome"}),

		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ota_session_active",
			Help: "Whether an update session is in progress (1) or not (0)",
		}),

		Progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ota_session_written_bytes",
			Help: "Bytes written by the current or most recent session",
		}),

		Capacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ota_staging_capacity_bytes",
			Help: "Capacity of the staging region planned for the most recent session",
		}),

		PendingURL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ota_pending_url",
			Help: "Whether an update URL is waiting for the next scheduler tick",
		}),

		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(
		m.Sessions,
		m.BytesWritten,
		m.SessionDuration,
		m.Active,
		m.Progress,
		m.Capacity,
		m.PendingURL,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

var _ ota.PendingObserver = (*Metrics)(nil)

// Observe updates the metrics from a session status change.
func (m *Metrics) Observe(st ota.Status) {
	m.Progress.Set(float64(st.Written))
	if st.Capacity > 0 {
		m.Capacity.Set(float64(st.Capacity))
	}
	if !st.State.Terminal() {
		m.Active.Set(1)
		return
	}
	m.Active.Set(0)
	outcome := st.State.String()
	m.Sessions.WithLabelValues(st.Source, outcome).Inc()
	m.BytesWritten.WithLabelValues(st.Source).Add(float64(st.Written))
	m.SessionDuration.WithLabelValues(outcome).Observe(st.Duration().Seconds())
}

// ObservePending implements ota.PendingObserver.
func (m *Metrics) ObservePending(_ string, pending bool) {
	m.SetPending(pending)
}

// SetPending records whether a URL is pending.
func (m *Metrics) SetPending(pending bool) {
	if pending {
		m.PendingURL.Set(1)
	} else {
		m.PendingURL.Set(0)
	}
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
