// Package health exposes the gateway's /health (liveness) and /ready
// (readiness) HTTP endpoints, grouped on the same HTTP server as /metrics,
// the way the reference market-data engine runs its health checks alongside
// its Prometheus handler rather than on a separate port.
package health

import (
	"context"
	"net/http"
	"time"

	goccyjson "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/metrics"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/model"
)

// ExchangeChecker reports per-(exchange, contract_type) session health.
// Satisfied by *sessionmanager.Manager; declared here so this package never
// imports sessionmanager.
type ExchangeChecker interface {
	ExchangeSnapshots() []model.ExchangeSnapshot
}

type healthStatus struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type readyExchangeStatus struct {
	Exchange            string  `json:"exchange"`
	ContractType        string  `json:"contract_type"`
	ActiveConnections   int     `json:"active_connections"`
	LastMessageTime     *string `json:"last_message_time"`
	TotalQuotes         uint64  `json:"total_quotes"`
	TotalErrors         uint64  `json:"total_errors"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	CircuitState        string  `json:"circuit_state"`
	Healthy             bool    `json:"healthy"`
}

type readyStatus struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Exchanges []readyExchangeStatus  `json:"exchanges"`
}

// Server runs an HTTP server exposing /health, /ready, and /metrics.
type Server struct {
	checker ExchangeChecker
	http    *http.Server
}

// NewServer wires /health, /ready, and /metrics onto one listener bound to
// addr. checker is consulted on every /ready request; it is nil-safe so the
// server can come up before the session manager is wired in.
func NewServer(addr string, checker ExchangeChecker, reg *metrics.Registry) *Server {
	mux := http.NewServeMux()

	s := &Server{checker: checker}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))

	s.http = &http.Server{Addr: addr, Handler: mux}
	return s
}

// ListenAndServe blocks serving the health/metrics surface.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.http.Addr).Msg("health/metrics server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// handleHealth reports process liveness: always 200 once the listener is up.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = goccyjson.NewEncoder(w).Encode(status)
}

// handleReady reports aggregated readiness across every (exchange,
// contract_type) group with at least one session: ready (200) if any group
// is healthy, not_ready (503) only if none are. Each group's snapshot
// carries the same per-session detail the reference health server reports:
// active connections, last message time, running quote/error counts,
// consecutive failures, and circuit state.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	exchanges := []readyExchangeStatus{}
	healthyCount := 0

	if s.checker != nil {
		for _, snap := range s.checker.ExchangeSnapshots() {
			if snap.Healthy {
				healthyCount++
			}

			var lastMsg *string
			if snap.LastMessageTime != nil {
				formatted := snap.LastMessageTime.Format(time.RFC3339Nano)
				lastMsg = &formatted
			}

			exchanges = append(exchanges, readyExchangeStatus{
				Exchange:            snap.Exchange,
				ContractType:        snap.ContractType,
				ActiveConnections:   snap.ActiveConnections,
				LastMessageTime:     lastMsg,
				TotalQuotes:         snap.TotalQuotes,
				TotalErrors:         snap.TotalErrors,
				ConsecutiveFailures: snap.ConsecutiveFailures,
				CircuitState:        snap.CircuitState,
				Healthy:             snap.Healthy,
			})
		}
	}

	ready := s.checker == nil || healthyCount > 0
	status := readyStatus{
		Status:    "ready",
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Exchanges: exchanges,
	}
	if !ready {
		status.Status = "not_ready"
	}

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = goccyjson.NewEncoder(w).Encode(status)
}

// Shutdown gracefully closes the health/metrics listener.
func (s *Server) Shutdown(ctx context.Context) {
	_ = s.http.Shutdown(ctx)
}
