// Package restpool provides a shared, HTTP/2 keep-alive connection pool used
// by exchange REST backfill calls. One pool is shared across every exchange
// (the same way a single pooled connector is shared across exchange clients
// in the reference implementation) so a burst of backfill requests across
// many symbols reuses established connections instead of paying a fresh
// TCP+TLS handshake per request.
package restpool

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/model"
)

// Config tunes the shared transport's connection limits.
type Config struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	// MaxConnsPerHost bounds in-flight (not just idle) connections to a
	// single host, the concurrency cap the backfill fan-out in
	// upstream.Session.backfill relies on: requests beyond REST_POOL_MAXSIZE
	// in flight to the same exchange wait on Go's transport instead of
	// firing unboundedly, since every symbol's backfill call for one
	// exchange targets the same host. 0 means unlimited.
	MaxConnsPerHost int
	Timeout         time.Duration
}

// Pool wraps a single *http.Client configured for HTTP/2 keep-alive reuse
// across backfill calls.
type Pool struct {
	client *http.Client
}

// New builds a Pool. MaxIdleConnsPerHost corresponds to
// CONNECTOR_REST_POOL_CONNECTIONS, MaxIdleConns to CONNECTOR_REST_POOL_MAXSIZE.
func New(cfg Config) *Pool {
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	// Best-effort HTTP/2 upgrade; REST backfill still works over HTTP/1.1
	// against hosts that don't negotiate h2, ConfigureTransport only adds
	// the capability.
	_ = http2.ConfigureTransport(transport)

	return &Pool{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
	}
}

// Get performs a pooled GET request and returns the response body, already
// read into memory and the response closed. Callers get back a
// model.GatewayError with code RestBackfillFailed on any transport or
// non-2xx failure, and RateLimited specifically for HTTP 429.
func (p *Pool) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, model.NewError(model.ErrRestBackfillFailed, "building backfill request", err)
	}
	return p.do(req)
}

// Post performs a pooled POST request with a JSON body. Hyperliquid's
// candle-snapshot backfill endpoint is POST-only, unlike the other four
// exchanges' GET-based kline endpoints.
func (p *Pool) Post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, newReader(body))
	if err != nil {
		return nil, model.NewError(model.ErrRestBackfillFailed, "building backfill request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req)
}

func (p *Pool) do(req *http.Request) ([]byte, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, model.NewError(model.ErrRestBackfillFailed, "backfill request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewError(model.ErrRestBackfillFailed, "reading backfill response", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, model.NewError(model.ErrRateLimited, "exchange REST endpoint rate-limited the request", nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, model.NewError(model.ErrRestBackfillFailed, "unexpected backfill response status", nil)
	}

	return respBody, nil
}

func newReader(body []byte) *bytes.Reader {
	return bytes.NewReader(body)
}

// Close releases idle connections held by the pool.
func (p *Pool) Close() {
	if t, ok := p.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}
