// Package metrics defines every Prometheus counter, gauge, and histogram the
// gateway exposes on /metrics, grouped the same way the reference
// market-data engine's metrics registry groups its own counters: one struct
// built once at startup, registered against a private registry rather than
// the global default so tests can build throwaway instances without
// colliding.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every metric named in the gateway's metrics surface.
type Registry struct {
	reg *prometheus.Registry

	QuotesProcessedTotal  *prometheus.CounterVec
	ConnectionErrorsTotal *prometheus.CounterVec
	ReconnectionsTotal    *prometheus.CounterVec
	RestBackfillsTotal    *prometheus.CounterVec
	QueueBlockingEvents    prometheus.Counter
	DuplicatesFiltered     prometheus.Counter
	SubscriberOverflowsTotal prometheus.Counter

	ActiveConnections  *prometheus.GaugeVec
	QueueDepthClosed   *prometheus.GaugeVec
	QueueDepthOpen     *prometheus.GaugeVec
	CircuitBreakerGauge *prometheus.GaugeVec

	QuoteLatencySeconds prometheus.Histogram
}

// New builds and registers every metric against a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		QuotesProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotes_processed_total",
			Help: "Candles normalised and offered to the dual-pipeline queue.",
		}, []string{"exchange", "contract_type", "is_closed"}),

		ConnectionErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connection_errors_total",
			Help: "Upstream connection errors by exchange and error kind.",
		}, []string{"exchange", "kind"}),

		ReconnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconnections_total",
			Help: "Upstream reconnect attempts by exchange.",
		}, []string{"exchange"}),

		RestBackfillsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rest_backfills_total",
			Help: "REST backfill calls by exchange and outcome.",
		}, []string{"exchange", "outcome"}),

		QueueBlockingEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_blocking_events_total",
			Help: "Times a producer had to wait for the closed-candle FIFO to drain.",
		}),

		DuplicatesFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "duplicates_filtered_total",
			Help: "Candles suppressed by the deduplicator.",
		}),

		SubscriberOverflowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subscriber_buffer_overflows_total",
			Help: "Times a subscriber's outbound buffer was full and the overflow policy applied.",
		}),

		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Upstream sessions currently in the STREAMING state.",
		}, []string{"exchange", "contract_type"}),

		QueueDepthClosed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_depth_closed",
			Help: "Current closed-candle FIFO depth, per session.",
		}, []string{"exchange", "contract_type"}),

		QueueDepthOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_depth_open",
			Help: "Current open-candle LIFO depth, per session.",
		}, []string{"exchange", "contract_type"}),

		CircuitBreakerGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "0=closed, 1=open, 2=half_open.",
		}, []string{"exchange", "contract_type"}),

		QuoteLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quote_latency_seconds",
			Help:    "Wall-clock interval from frame receipt to enqueue-on-last-subscriber.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.QuotesProcessedTotal,
		m.ConnectionErrorsTotal,
		m.ReconnectionsTotal,
		m.RestBackfillsTotal,
		m.QueueBlockingEvents,
		m.DuplicatesFiltered,
		m.SubscriberOverflowsTotal,
		m.ActiveConnections,
		m.QueueDepthClosed,
		m.QueueDepthOpen,
		m.CircuitBreakerGauge,
		m.QuoteLatencySeconds,
	)

	return m
}

// Gatherer exposes the underlying registry to promhttp.HandlerFor.
func (m *Registry) Gatherer() prometheus.Gatherer { return m.reg }

// BreakerStateValue maps a breaker state name to the numeric gauge value
// used by CircuitBreakerGauge.
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}
