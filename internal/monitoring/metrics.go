// Package monitoring holds the Prometheus collectors for the aggregation
// service.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sysdash"

// Metrics groups every collector the service exposes. Each instance owns its
// registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	CollectTotal    *prometheus.CounterVec
	CollectDuration *prometheus.HistogramVec
	SessionTotal    *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
	CacheLookups    *prometheus.CounterVec
	RemoteCommands  *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CollectTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collections_total",
				Help:      "Metric collections by device type and outcome kind",
			},
			[]string{"type", "outcome"},
		),
		CollectDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "collection_duration_seconds",
				Help:      "Duration of metric collections by device type",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"type"},
		),
		SessionTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cluster_sessions_total",
				Help:      "Cluster session acquisitions by result (hit, created, failed, invalidated)",
			},
			[]string{"result"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cluster_sessions_active",
				Help:      "Cached authenticated cluster sessions",
			},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "TTL cache lookups by cache and result",
			},
			[]string{"cache", "result"},
		),
		RemoteCommands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_commands_total",
				Help:      "Remote command executions by transport and outcome kind",
			},
			[]string{"transport", "outcome"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route pattern, method and status",
			},
			[]string{"route", "method", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route pattern",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
}

// ObserveCollect records one collection for the given device type.
func (m *Metrics) ObserveCollect(deviceType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CollectTotal.WithLabelValues(deviceType, outcome).Inc()
	m.CollectDuration.WithLabelValues(deviceType).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
