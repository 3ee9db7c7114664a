package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_RegistersEveryMetric(t *testing.T) {
	m := New()

	m.QuotesProcessedTotal.WithLabelValues("binance", "spot", "true").Inc()
	m.ConnectionErrorsTotal.WithLabelValues("binance", "WS_CONNECT_FAILED").Inc()
	m.ReconnectionsTotal.WithLabelValues("binance").Inc()
	m.RestBackfillsTotal.WithLabelValues("binance", "success").Inc()
	m.QueueBlockingEvents.Inc()
	m.DuplicatesFiltered.Inc()
	m.SubscriberOverflowsTotal.Inc()
	m.ActiveConnections.WithLabelValues("binance", "spot").Set(1)
	m.QueueDepthClosed.WithLabelValues("binance", "spot").Set(3)
	m.QueueDepthOpen.WithLabelValues("binance", "spot").Set(1)
	m.CircuitBreakerGauge.WithLabelValues("binance", "spot").Set(BreakerStateValue("open"))
	m.QuoteLatencySeconds.Observe(0.01)

	families, err := m.Gatherer().Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestBreakerStateValue(t *testing.T) {
	assert.Equal(t, float64(0), BreakerStateValue("closed"))
	assert.Equal(t, float64(1), BreakerStateValue("open"))
	assert.Equal(t, float64(2), BreakerStateValue("half_open"))
}
