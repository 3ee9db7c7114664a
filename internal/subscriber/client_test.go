package subscriber

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/metrics"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/model"
)

func dialPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	serverConnCh := make(chan *websocket.Conn, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConnCh <- conn
	}))

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	serverConn := <-serverConnCh
	return serverConn, clientConn, func() {
		clientConn.Close()
		server.Close()
	}
}

func testCandle(symbol string) model.Candle {
	return model.Candle{
		Exchange: "fake", ContractType: "spot", Symbol: symbol,
		Open: decimal.NewFromInt(1), High: decimal.NewFromInt(1),
		Low: decimal.NewFromInt(1), Close: decimal.NewFromInt(1),
		Volume: decimal.NewFromInt(1), Timestamp: time.Now().Truncate(time.Minute),
		IsClosed: true,
	}
}

func TestClient_ForwardDeliversQuoteFrame(t *testing.T) {
	serverConn, clientConn, cleanup := dialPair(t)
	defer cleanup()

	c := NewClient(serverConn, 10, OverflowDropOldest, time.Second, nil)
	shutdownCh := make(chan struct{})
	go c.Run(shutdownCh)
	defer c.Close()

	c.Forward(testCandle("BTCUSDT"))

	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := clientConn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"quote"`)
	assert.Contains(t, string(raw), `"symbol":"BTCUSDT"`)
}

func TestClient_ReportErrorDeliversErrorFrame(t *testing.T) {
	serverConn, clientConn, cleanup := dialPair(t)
	defer cleanup()

	c := NewClient(serverConn, 10, OverflowDropOldest, time.Second, nil)
	shutdownCh := make(chan struct{})
	go c.Run(shutdownCh)
	defer c.Close()

	key := model.SubscriptionKey{Exchange: "fake", ContractType: "spot", Symbol: "BTCUSDT"}
	c.ReportError(key, model.NewError(model.ErrRestBackfillFailed, "exchange 500", nil))

	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := clientConn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"error"`)
	assert.Contains(t, string(raw), `"code":"REST_BACKFILL_FAILED"`)
}

func TestClient_DropOldestOverflowKeepsNewestFrame(t *testing.T) {
	serverConn, clientConn, cleanup := dialPair(t)
	defer cleanup()

	reg := metrics.New()
	c := NewClient(serverConn, 1, OverflowDropOldest, time.Second, reg)
	// Don't start Run yet, so the buffer fills up deterministically.

	c.Forward(testCandle("AAA"))
	c.Forward(testCandle("BBB"))

	shutdownCh := make(chan struct{})
	go c.Run(shutdownCh)
	defer c.Close()

	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := clientConn.ReadMessage()
	require.NoError(t, err)
	// With a one-frame buffer, BBB replaces AAA and the backpressure error
	// frame finds no free slot, so it is not queued; the oldest candle (AAA)
	// must not appear since it was dropped.
	assert.NotContains(t, string(raw), `"symbol":"AAA"`)
}

func TestClient_OverflowClosePolicyClosesConnection(t *testing.T) {
	serverConn, clientConn, cleanup := dialPair(t)
	defer cleanup()

	c := NewClient(serverConn, 1, OverflowClose, time.Second, nil)

	c.Forward(testCandle("AAA"))
	c.Forward(testCandle("BBB")) // triggers close policy once buffer is full

	shutdownCh := make(chan struct{})
	go c.Run(shutdownCh)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client should have closed after overflow under close policy")
	}

	_ = clientConn
}

func TestClient_LimitClosesConnectionAfterNthQuote(t *testing.T) {
	serverConn, clientConn, cleanup := dialPair(t)
	defer cleanup()

	c := NewClient(serverConn, 10, OverflowDropOldest, time.Second, nil)
	c.SetLimit(2)
	shutdownCh := make(chan struct{})
	go c.Run(shutdownCh)

	c.Forward(testCandle("AAA"))
	c.Forward(testCandle("BBB"))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client should have closed once its quote limit was reached")
	}

	_ = clientConn
}

func TestClient_ZeroLimitIsUnbounded(t *testing.T) {
	serverConn, clientConn, cleanup := dialPair(t)
	defer cleanup()

	c := NewClient(serverConn, 10, OverflowDropOldest, time.Second, nil)
	c.SetLimit(0)
	shutdownCh := make(chan struct{})
	go c.Run(shutdownCh)
	defer c.Close()

	for i := 0; i < 5; i++ {
		c.Forward(testCandle("AAA"))
	}

	select {
	case <-c.Done():
		t.Fatal("client with an unbounded limit must not close on its own")
	case <-time.After(100 * time.Millisecond):
	}

	_ = clientConn
}

func TestClient_KeysTracking(t *testing.T) {
	serverConn, _, cleanup := dialPair(t)
	defer cleanup()

	c := NewClient(serverConn, 10, OverflowDropOldest, time.Second, nil)
	key := model.SubscriptionKey{Exchange: "fake", ContractType: "spot", Symbol: "BTCUSDT"}
	c.AddKeys([]model.SubscriptionKey{key})
	assert.Len(t, c.Keys(), 1)

	c.RemoveKeys([]model.SubscriptionKey{key})
	assert.Empty(t, c.Keys())
}
