// Package metrics exports Prometheus counters/histograms for the Event
// Router and Broadcast Engine, and exposes the registry for an optional
// sidecar scrape endpoint (the exposition format itself is out of scope).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the metrics emitted across the core.
type Registry struct {
	registry *prometheus.Registry

	EventsTotal        *prometheus.CounterVec
	EventErrorsTotal   *prometheus.CounterVec
	HandlerDuration    *prometheus.HistogramVec
	QueueDepth         prometheus.Gauge
	CacheEvictions     *prometheus.CounterVec
	BroadcastSends     *prometheus.CounterVec
	BroadcastLatency   *prometheus.HistogramVec
	BroadcastRateLimit prometheus.Counter
	ReconnectAttempts  prometheus.Counter
	DeadLettered       prometheus.Gauge
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wacore", Subsystem: "router", Name: "events_total",
			Help: "Total events received, by kind.",
		}, []string{"kind"}),
		EventErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wacore", Subsystem: "router", Name: "event_errors_total",
			Help: "Handler faults, by event kind.",
		}, []string{"kind"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wacore", Subsystem: "router", Name: "messages_upsert_duration_seconds",
			Help:    "messages.upsert handling duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wacore", Subsystem: "writequeue", Name: "depth",
			Help: "Current write queue depth.",
		}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wacore", Subsystem: "cache", Name: "evictions_total",
			Help: "Cache entries evicted, by cache kind and reason.",
		}, []string{"cache", "reason"}),
		BroadcastSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wacore", Subsystem: "broadcast", Name: "sends_total",
			Help: "Broadcast sends, by outcome.",
		}, []string{"outcome"}),
		BroadcastLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wacore", Subsystem: "broadcast", Name: "send_duration_seconds",
			Help:    "Per-group broadcast send duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		BroadcastRateLimit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wacore", Subsystem: "broadcast", Name: "rate_limit_hits_total",
			Help: "Rate-limit responses observed during broadcasts.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wacore", Subsystem: "connection", Name: "reconnect_attempts_total",
			Help: "Reconnect attempts made by the connection supervisor.",
		}),
		DeadLettered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wacore", Subsystem: "writequeue", Name: "dead_lettered",
			Help: "Items dropped to the write queue's dead-letter sink.",
		}),
	}

	reg.MustRegister(
		r.EventsTotal, r.EventErrorsTotal, r.HandlerDuration, r.QueueDepth,
		r.CacheEvictions, r.BroadcastSends, r.BroadcastLatency,
		r.BroadcastRateLimit, r.ReconnectAttempts, r.DeadLettered,
	)
	return r
}

// Handler returns the scrape HTTP handler for the sidecar exposition
// endpoint named in the spec's Observability config (host/port/path).
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
