package sessionmanager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/breaker"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/exchange"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/metrics"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/model"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/queue"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/restpool"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/upstream"
)

// fakeSubscriber records everything forwarded to it, standing in for the
// subscriber multiplexer's Client in these tests.
type fakeSubscriber struct {
	id string

	mu       sync.Mutex
	candles  []model.Candle
	errors   []*model.GatewayError
}

func newFakeSubscriber(id string) *fakeSubscriber { return &fakeSubscriber{id: id} }

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Forward(candle model.Candle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candles = append(f.candles, candle)
}

func (f *fakeSubscriber) ReportError(key model.SubscriptionKey, gerr *model.GatewayError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, gerr)
}

func (f *fakeSubscriber) candleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candles)
}

// echoServer is a bare WebSocket server exposing the raw connection so tests
// can push frames in manually, mirroring the upstream package's test harness.
type echoServer struct {
	server *httptest.Server
	connCh chan *websocket.Conn
}

func newEchoServer() *echoServer {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	es := &echoServer{connCh: make(chan *websocket.Conn, 8)}
	es.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		es.connCh <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return es
}

func (es *echoServer) url() string {
	return "ws" + es.server.URL[len("http"):]
}
func (es *echoServer) Close() { es.server.Close() }

// fakeConnector lets tests control streaming/backfill behavior without
// touching real exchange wire formats.
type fakeConnector struct {
	name      string
	streamURL string
	maxSyms   int
	parseFn   func(ct string, raw []byte) ([]model.Candle, error)
}

func (f *fakeConnector) Name() string                 { return f.name }
func (f *fakeConnector) DefaultContractType() string  { return "spot" }
func (f *fakeConnector) SupportsContractType(ct string) bool {
	return ct == "spot"
}
func (f *fakeConnector) MaxSymbolsPerConn(ct string) int {
	if f.maxSyms > 0 {
		return f.maxSyms
	}
	return 50
}
func (f *fakeConnector) StreamURL(ct string, symbols []string) (string, error) {
	return f.streamURL, nil
}
func (f *fakeConnector) SubscribeFrames(ct string, symbols []string) ([][]byte, error) {
	return nil, nil
}
func (f *fakeConnector) HandleControlFrame(raw []byte) ([]byte, bool) { return nil, false }
func (f *fakeConnector) ParseFrame(ct string, raw []byte) ([]model.Candle, error) {
	if f.parseFn != nil {
		return f.parseFn(ct, raw)
	}
	return nil, nil
}
func (f *fakeConnector) RestBackfill(ctx context.Context, pool *restpool.Pool, ct, symbol string) (model.Candle, error) {
	return model.Candle{}, model.NewError(model.ErrRestBackfillFailed, "no backfill in this fake", nil)
}

func testCandle(exchangeName, symbol string) model.Candle {
	return model.Candle{
		Exchange: exchangeName, ContractType: "spot", Symbol: symbol,
		Open: decimal.NewFromInt(1), High: decimal.NewFromInt(1),
		Low: decimal.NewFromInt(1), Close: decimal.NewFromInt(1),
		Volume: decimal.NewFromInt(1), Timestamp: time.Now().Truncate(time.Minute),
		IsClosed: true,
	}
}

func testManagerConfig() Config {
	return Config{
		MaxSymbolPerWS:     2,
		MaxConnPerExchange: 1,
		Session: upstream.Config{
			InactivityTimeout: time.Hour,
			ReconnectDelay:    10 * time.Millisecond,
			RestTimeout:       time.Second,
			WSPingInterval:    time.Second,
			WSPingTimeout:     time.Second,
			SubscribeTimeout:  time.Second,
			DedupWindow:       time.Minute,
			DedupMaxEntries:   1000,
		},
		Breaker: breaker.DefaultConfig(),
		Queue:   queue.Config{ClosedMaxSize: 10, OpenMaxSize: 10},
	}
}

// newTestManager builds a Manager wired to a single fake connector and
// starts it against ctx, registering connector under exchangeName via a
// package-level registry substitute: since exchange.New only resolves real
// exchange names, tests instead construct the Manager directly with its
// connectors map populated, bypassing New's registry lookup.
func newTestManager(ctx context.Context, connector exchange.Connector, cfg Config) *Manager {
	m := NewWithConnectors(cfg, restpool.New(restpool.Config{Timeout: time.Second}), metrics.New(),
		map[string]exchange.Connector{connector.Name(): connector})
	m.Start(ctx)
	return m
}

func TestManager_SubscribeCreatesSessionAndForwardsCandles(t *testing.T) {
	server := newEchoServer()
	defer server.Close()

	connector := &fakeConnector{
		name:      "fake",
		streamURL: server.url(),
		parseFn: func(ct string, raw []byte) ([]model.Candle, error) {
			return []model.Candle{testCandle("fake", "BTCUSDT")}, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newTestManager(ctx, connector, testManagerConfig())
	defer m.Shutdown()

	sub := newFakeSubscriber("sub-1")
	accepted, rejected := m.Subscribe(sub, "fake", "spot", []string{"btcusdt"})
	require.Empty(t, rejected)
	require.Len(t, accepted, 1)
	assert.Equal(t, "BTCUSDT", accepted[0].Symbol)

	conn := <-server.connCh
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{}`)))

	require.Eventually(t, func() bool {
		return sub.candleCount() > 0
	}, time.Second, 10*time.Millisecond)
}

func TestManager_SubscribeRejectsUnknownExchange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newTestManager(ctx, &fakeConnector{name: "fake"}, testManagerConfig())
	defer m.Shutdown()

	sub := newFakeSubscriber("sub-1")
	accepted, rejected := m.Subscribe(sub, "not-an-exchange", "spot", []string{"BTCUSDT"})
	assert.Empty(t, accepted)
	require.Len(t, rejected, 1)
	assert.Equal(t, model.ErrUnsupportedContractType, rejected[0].Code)
}

func TestManager_SubscribeRejectsInvalidSymbol(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newTestManager(ctx, &fakeConnector{name: "fake"}, testManagerConfig())
	defer m.Shutdown()

	sub := newFakeSubscriber("sub-1")
	accepted, rejected := m.Subscribe(sub, "fake", "spot", []string{"bad symbol!"})
	assert.Empty(t, accepted)
	require.Len(t, rejected, 1)
	assert.Equal(t, model.ErrInvalidSymbol, rejected[0].Code)
}

func TestManager_SubscribeRejectsWhenConnectionPoolExhausted(t *testing.T) {
	server := newEchoServer()
	defer server.Close()

	connector := &fakeConnector{name: "fake", streamURL: server.url(), maxSyms: 1}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testManagerConfig()
	cfg.MaxSymbolPerWS = 1
	cfg.MaxConnPerExchange = 1

	m := newTestManager(ctx, connector, cfg)
	defer m.Shutdown()

	sub1 := newFakeSubscriber("sub-1")
	accepted, rejected := m.Subscribe(sub1, "fake", "spot", []string{"BTCUSDT"})
	require.Len(t, accepted, 1)
	require.Empty(t, rejected)

	sub2 := newFakeSubscriber("sub-2")
	accepted2, rejected2 := m.Subscribe(sub2, "fake", "spot", []string{"ETHUSDT"})
	assert.Empty(t, accepted2)
	require.Len(t, rejected2, 1)
	assert.Equal(t, model.ErrConnectionPoolBusy, rejected2[0].Code)
}

func TestManager_SharedSessionAcrossSubscribers(t *testing.T) {
	server := newEchoServer()
	defer server.Close()

	connector := &fakeConnector{
		name:      "fake",
		streamURL: server.url(),
		parseFn: func(ct string, raw []byte) ([]model.Candle, error) {
			return []model.Candle{testCandle("fake", "BTCUSDT")}, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newTestManager(ctx, connector, testManagerConfig())
	defer m.Shutdown()

	sub1 := newFakeSubscriber("sub-1")
	sub2 := newFakeSubscriber("sub-2")
	_, rej1 := m.Subscribe(sub1, "fake", "spot", []string{"BTCUSDT"})
	_, rej2 := m.Subscribe(sub2, "fake", "spot", []string{"BTCUSDT"})
	require.Empty(t, rej1)
	require.Empty(t, rej2)

	conn := <-server.connCh
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{}`)))

	require.Eventually(t, func() bool {
		return sub1.candleCount() > 0 && sub2.candleCount() > 0
	}, time.Second, 10*time.Millisecond)

	m.mu.Lock()
	sessionCount := len(m.sessionsByEx["fake|spot"])
	m.mu.Unlock()
	assert.Equal(t, 1, sessionCount, "both subscribers should share one upstream session")
}

func TestManager_UnsubscribeRemovesSubscriberAndClosesEmptySession(t *testing.T) {
	server := newEchoServer()
	defer server.Close()

	connector := &fakeConnector{name: "fake", streamURL: server.url()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newTestManager(ctx, connector, testManagerConfig())
	defer m.Shutdown()

	sub := newFakeSubscriber("sub-1")
	accepted, rejected := m.Subscribe(sub, "fake", "spot", []string{"BTCUSDT"})
	require.Empty(t, rejected)
	require.Len(t, accepted, 1)

	<-server.connCh

	m.Unsubscribe(sub, accepted)

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, sess := range m.sessionsByEx["fake|spot"] {
			if sess.SymbolCount() == 0 {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestManager_ExchangeHealthy(t *testing.T) {
	server := newEchoServer()
	defer server.Close()

	connector := &fakeConnector{name: "fake", streamURL: server.url()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newTestManager(ctx, connector, testManagerConfig())
	defer m.Shutdown()

	assert.False(t, m.ExchangeHealthy("fake"))

	sub := newFakeSubscriber("sub-1")
	m.Subscribe(sub, "fake", "spot", []string{"BTCUSDT"})
	<-server.connCh

	require.Eventually(t, func() bool {
		return m.ExchangeHealthy("fake")
	}, time.Second, 10*time.Millisecond)
}
