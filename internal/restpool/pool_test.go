package restpool

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/model"
)

func testConfig() Config {
	return Config{MaxIdleConns: 10, MaxIdleConnsPerHost: 5, Timeout: time.Second}
}

func TestPool_GetReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	p := New(testConfig())
	body, err := p.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestPool_PostSendsBody(t *testing.T) {
	var received string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		received = string(buf)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(testConfig())
	_, err := p.Post(context.Background(), srv.URL, []byte(`{"symbol":"BTCUSDT"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"symbol":"BTCUSDT"}`, received)
}

func TestPool_RateLimitedReturnsRateLimitedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := New(testConfig())
	_, err := p.Get(context.Background(), srv.URL)
	require.Error(t, err)

	var gerr *model.GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, model.ErrRateLimited, gerr.Code)
}

func TestPool_NonSuccessStatusReturnsBackfillFailedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(testConfig())
	_, err := p.Get(context.Background(), srv.URL)
	require.Error(t, err)

	var gerr *model.GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, model.ErrRestBackfillFailed, gerr.Code)
}

func TestPool_CloseReleasesIdleConnections(t *testing.T) {
	p := New(testConfig())
	assert.NotPanics(t, func() { p.Close() })
}
