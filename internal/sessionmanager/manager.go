// Package sessionmanager owns every UpstreamSession the gateway maintains
// and the table mapping each SubscriptionKey to the subscribers currently
// interested in it. Per the concurrency model this repo follows, that state
// lives behind a single mutex: lookups dominate and session creation is
// rare, so a mutex is simpler than an actor loop here (the actor pattern is
// reserved for the higher-fan-out subscriber multiplexer).
package sessionmanager

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/breaker"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/exchange"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/metrics"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/model"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/queue"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/restpool"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/upstream"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/utils"
)

// Subscriber is the manager's view of a downstream connection. The
// subscriber multiplexer's Client type implements this; the manager package
// never imports the multiplexer package, avoiding an import cycle.
type Subscriber interface {
	ID() string
	Forward(candle model.Candle)
	ReportError(key model.SubscriptionKey, gerr *model.GatewayError)
}

// Rejection describes one subscribe key the manager refused.
type Rejection struct {
	Key  model.SubscriptionKey
	Code model.ErrorCode
}

// Config tunes session creation across every exchange.
type Config struct {
	MaxSymbolPerWS     int
	MaxConnPerExchange int // 0 means unlimited
	Session            upstream.Config
	Breaker            breaker.Config
	Queue              queue.Config
}

// Manager is the single owner of every upstream session and every
// subscription-key -> subscriber-set mapping in the process.
type Manager struct {
	cfg     Config
	pool    *restpool.Pool
	metrics *metrics.Registry

	connectors map[string]exchange.Connector

	mu           sync.Mutex
	sessionsByEx map[string][]*upstream.Session       // key: exchange|contract_type
	subsByKey    map[model.SubscriptionKey]map[string]Subscriber

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Manager. connectorNames selects which exchange.Connector
// implementations are resolved and made available to subscribers.
func New(cfg Config, pool *restpool.Pool, reg *metrics.Registry, connectorNames []string) (*Manager, error) {
	connectors := make(map[string]exchange.Connector, len(connectorNames))
	for _, name := range connectorNames {
		conn, err := exchange.New(name)
		if err != nil {
			return nil, err
		}
		connectors[name] = conn
	}

	return NewWithConnectors(cfg, pool, reg, connectors), nil
}

// NewWithConnectors builds a Manager from an already-resolved connector set,
// letting callers (tests, or future non-registry wiring) inject fakes
// directly instead of going through the exchange-name registry.
func NewWithConnectors(cfg Config, pool *restpool.Pool, reg *metrics.Registry, connectors map[string]exchange.Connector) *Manager {
	return &Manager{
		cfg:          cfg,
		pool:         pool,
		metrics:      reg,
		connectors:   connectors,
		sessionsByEx: make(map[string][]*upstream.Session),
		subsByKey:    make(map[model.SubscriptionKey]map[string]Subscriber),
	}
}

// Start records the context under which every session spawned from here on
// runs; sessions are torn down when this context is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.runCtx, m.cancel = context.WithCancel(ctx)
}

// Subscribe validates and assigns each requested symbol to an upstream
// session, creating one if needed and capacity allows. Returns the set of
// keys successfully subscribed and any rejections with their error code.
func (m *Manager) Subscribe(sub Subscriber, exchangeName, contractType string, symbols []string) (accepted []model.SubscriptionKey, rejected []Rejection) {
	connector, ok := m.connectors[exchangeName]
	if !ok {
		for _, sym := range symbols {
			rejected = append(rejected, Rejection{
				Key:  model.SubscriptionKey{Exchange: exchangeName, ContractType: contractType, Symbol: sym},
				Code: model.ErrUnsupportedContractType,
			})
		}
		return nil, rejected
	}

	if contractType == "" {
		contractType = connector.DefaultContractType()
	}
	if !connector.SupportsContractType(contractType) {
		for _, sym := range symbols {
			rejected = append(rejected, Rejection{
				Key:  model.SubscriptionKey{Exchange: exchangeName, ContractType: contractType, Symbol: sym},
				Code: model.ErrUnsupportedContractType,
			})
		}
		return nil, rejected
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rawSymbol := range symbols {
		symbol := utils.NormalizeSymbol(rawSymbol)
		key := model.SubscriptionKey{Exchange: exchangeName, ContractType: contractType, Symbol: symbol}

		if err := utils.ValidateSymbol(symbol); err != nil {
			rejected = append(rejected, Rejection{Key: key, Code: model.ErrInvalidSymbol})
			continue
		}

		sess, err := m.acquireSessionLocked(connector, exchangeName, contractType, symbol)
		if err != nil {
			rejected = append(rejected, Rejection{Key: key, Code: model.ErrConnectionPoolBusy})
			continue
		}

		sess.AddSymbol(symbol)

		if m.subsByKey[key] == nil {
			m.subsByKey[key] = make(map[string]Subscriber)
		}
		m.subsByKey[key][sub.ID()] = sub

		accepted = append(accepted, key)
	}

	return accepted, rejected
}

// acquireSessionLocked finds a session with spare capacity for
// (exchange, contractType), creating one if the exchange is below its
// connection cap. Caller must hold m.mu.
func (m *Manager) acquireSessionLocked(connector exchange.Connector, exchangeName, contractType, symbol string) (*upstream.Session, error) {
	groupKey := exchangeName + "|" + contractType
	sessions := m.sessionsByEx[groupKey]

	for _, sess := range sessions {
		if sess.HasSymbol(symbol) {
			return sess, nil
		}
	}

	maxSymbols := connector.MaxSymbolsPerConn(contractType)
	if maxSymbols <= 0 || maxSymbols > m.cfg.MaxSymbolPerWS {
		maxSymbols = m.cfg.MaxSymbolPerWS
	}

	for _, sess := range sessions {
		if sess.SymbolCount() < maxSymbols {
			return sess, nil
		}
	}

	if m.cfg.MaxConnPerExchange > 0 && len(sessions) >= m.cfg.MaxConnPerExchange {
		return nil, model.NewError(model.ErrConnectionPoolBusy, "no session capacity for "+groupKey, nil)
	}

	sess := upstream.New(exchangeName, contractType, connector, m.cfg.Session, m.cfg.Breaker, m.cfg.Queue,
		m.pool, m.errorSink, m.metrics)
	m.sessionsByEx[groupKey] = append(sessions, sess)
	// Assign the symbol before Run starts, so Run never sees an empty set.
	sess.AddSymbol(symbol)

	if m.runCtx != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			sess.Run(m.runCtx)
		}()
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.drain(sess, exchangeName, contractType)
		}()
	}

	return sess, nil
}

// drain pulls normalised candles off one session's queue and forwards them
// to every subscriber holding the matching key.
func (m *Manager) drain(sess *upstream.Session, exchangeName, contractType string) {
	for {
		candle, err := sess.Queue().Get(m.runCtx)
		if err != nil {
			return
		}
		m.forward(candle)
	}
}

// forward delivers one candle to every subscriber of its SubscriptionKey.
func (m *Manager) forward(candle model.Candle) {
	key := candle.Key()

	m.mu.Lock()
	subs := make([]Subscriber, 0, len(m.subsByKey[key]))
	for _, sub := range m.subsByKey[key] {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Forward(candle)
	}

	if m.metrics != nil && !candle.ReceivedAt.IsZero() {
		m.metrics.QuoteLatencySeconds.Observe(time.Since(candle.ReceivedAt).Seconds())
	}
}

// errorSink is passed to every upstream.Session as its ErrorSink; it
// forwards a classified failure to every subscriber currently holding the
// affected key.
func (m *Manager) errorSink(key model.SubscriptionKey, gerr *model.GatewayError) {
	m.mu.Lock()
	subs := make([]Subscriber, 0, len(m.subsByKey[key]))
	for _, sub := range m.subsByKey[key] {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.ReportError(key, gerr)
	}
}

// Unsubscribe removes sub's interest in every key it holds. When a symbol
// has no remaining subscribers it is dropped from its session; when a
// session's symbol set is empty the session is closed.
func (m *Manager) Unsubscribe(sub Subscriber, keys []model.SubscriptionKey) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		subs := m.subsByKey[key]
		if subs == nil {
			continue
		}
		delete(subs, sub.ID())
		if len(subs) > 0 {
			continue
		}
		delete(m.subsByKey, key)

		groupKey := key.Exchange + "|" + key.ContractType
		sessions := m.sessionsByEx[groupKey]
		for _, sess := range sessions {
			if sess.HasSymbol(key.Symbol) {
				sess.RemoveSymbol(key.Symbol)
				if sess.SymbolCount() == 0 {
					go sess.Close()
				}
				break
			}
		}
	}
}

// ExchangeHealthy reports whether at least one session for exchangeName is
// currently STREAMING, used by the readiness endpoint.
func (m *Manager) ExchangeHealthy(exchangeName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for groupKey, sessions := range m.sessionsByEx {
		if !hasExchangePrefix(groupKey, exchangeName) {
			continue
		}
		for _, sess := range sessions {
			if sess.State() == upstream.StateStreaming {
				return true
			}
		}
	}
	return false
}

// ExchangeSnapshots reports one aggregated model.ExchangeSnapshot per
// (exchange, contract_type) group currently holding at least one session,
// rolling up every session.Stats() in that group. Used by the readiness
// endpoint, which marks a group Healthy when it has at least one active
// connection and a message within the last 60 seconds.
func (m *Manager) ExchangeSnapshots() []model.ExchangeSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.ExchangeSnapshot, 0, len(m.sessionsByEx))
	for groupKey, sessions := range m.sessionsByEx {
		exchangeName, contractType := splitGroupKey(groupKey)
		snap := model.ExchangeSnapshot{Exchange: exchangeName, ContractType: contractType, CircuitState: breaker.Closed.String()}

		worstSeverity := -1
		for _, sess := range sessions {
			stats := sess.Stats()
			snap.ActiveConnections += stats.ActiveConnections
			snap.TotalQuotes += stats.TotalQuotes
			snap.TotalErrors += stats.TotalErrors
			if stats.ConsecutiveFailures > snap.ConsecutiveFailures {
				snap.ConsecutiveFailures = stats.ConsecutiveFailures
			}
			if stats.LastMessageTime != nil && (snap.LastMessageTime == nil || stats.LastMessageTime.After(*snap.LastMessageTime)) {
				snap.LastMessageTime = stats.LastMessageTime
			}
			if sev := breakerSeverity(stats.CircuitState); sev > worstSeverity {
				worstSeverity = sev
				snap.CircuitState = stats.CircuitState
			}
		}

		snap.Healthy = snap.ActiveConnections > 0 && snap.LastMessageTime != nil &&
			time.Since(*snap.LastMessageTime) < 60*time.Second
		out = append(out, snap)
	}
	return out
}

func splitGroupKey(groupKey string) (exchangeName, contractType string) {
	idx := strings.IndexByte(groupKey, '|')
	if idx < 0 {
		return groupKey, ""
	}
	return groupKey[:idx], groupKey[idx+1:]
}

func breakerSeverity(state string) int {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}

// ConnectorNames returns every exchange this manager can subscribe to.
func (m *Manager) ConnectorNames() []string {
	names := make([]string, 0, len(m.connectors))
	for name := range m.connectors {
		names = append(names, name)
	}
	return names
}

// Shutdown closes every session and waits for their goroutines to exit.
func (m *Manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	sessions := make([]*upstream.Session, 0)
	for _, list := range m.sessionsByEx {
		sessions = append(sessions, list...)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		log.Debug().Str("exchange", sess.Exchange).Msg("closing upstream session")
	}

	m.wg.Wait()
}

func hasExchangePrefix(groupKey, exchangeName string) bool {
	return len(groupKey) > len(exchangeName) && groupKey[:len(exchangeName)] == exchangeName && groupKey[len(exchangeName)] == '|'
}
