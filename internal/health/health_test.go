package health

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/metrics"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/model"
)

type fakeChecker struct {
	healthy map[string]bool
}

func (f *fakeChecker) ExchangeSnapshots() []model.ExchangeSnapshot {
	snaps := make([]model.ExchangeSnapshot, 0, len(f.healthy))
	for name, healthy := range f.healthy {
		snap := model.ExchangeSnapshot{Exchange: name, ContractType: "spot", Healthy: healthy}
		if healthy {
			now := time.Now().UTC()
			snap.ActiveConnections = 1
			snap.LastMessageTime = &now
		}
		snaps = append(snaps, snap)
	}
	return snaps
}

func TestHealth_AlwaysOK(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil, metrics.New())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
	assert.Contains(t, rec.Body.String(), `"timestamp"`)
}

func TestReady_AllExchangesHealthy(t *testing.T) {
	checker := &fakeChecker{healthy: map[string]bool{"binance": true}}
	s := NewServer("127.0.0.1:0", checker, metrics.New())

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.handleReady(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReady_UnhealthyExchangeReturns503(t *testing.T) {
	checker := &fakeChecker{healthy: map[string]bool{"binance": false}}
	s := NewServer("127.0.0.1:0", checker, metrics.New())

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.handleReady(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// TestReady_AtLeastOneHealthyExchangeReturns200 pins the aggregation rule:
// readiness is OR across groups, not AND. A single unhealthy exchange
// alongside a healthy one must not drag the whole process to 503.
func TestReady_AtLeastOneHealthyExchangeReturns200(t *testing.T) {
	checker := &fakeChecker{healthy: map[string]bool{"binance": true, "okx": false}}
	s := NewServer("127.0.0.1:0", checker, metrics.New())

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.handleReady(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ready"`)
}

func TestReady_NoCheckerDefaultsReady(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil, metrics.New())

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.handleReady(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
