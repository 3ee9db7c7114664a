// Package upstream implements one UpstreamSession per (exchange,
// contract_type, connection_index): a single WebSocket connection carrying a
// bounded set of symbols, walking the INIT -> CONNECTING -> SUBSCRIBING ->
// STREAMING <-> IDLE -> BACKFILL -> STREAMING state machine, guarded by a
// circuit breaker and feeding a dual-pipeline queue through the sliding-
// window deduplicator. The session owns nothing shared: its breaker,
// deduplicator, and queue are its own, constructed fresh by the session
// manager for every session.
package upstream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/breaker"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/dedup"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/exchange"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/metrics"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/model"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/queue"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/restpool"
	wsclient "github.com/JamesPersonalCode56/price-connector-ohlcv/internal/websocket"
)

// State is one node of the upstream session's lifecycle state machine.
type State int32

const (
	StateInit State = iota
	StateConnecting
	StateSubscribing
	StateStreaming
	StateIdle
	StateBackfill
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateIdle:
		return "idle"
	case StateBackfill:
		return "backfill"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrorSink reports a classified failure for one SubscriptionKey upward so
// the session manager can forward it to subscribers holding that key. A nil
// sink is valid and simply drops the report (used in tests).
type ErrorSink func(key model.SubscriptionKey, gerr *model.GatewayError)

// Config tunes one session's timeouts. Mirrors the relevant subset of
// config.Settings; the session package does not import config directly so
// it stays testable with arbitrarily short timeouts.
type Config struct {
	InactivityTimeout time.Duration
	ReconnectDelay    time.Duration
	RestTimeout       time.Duration
	WSPingInterval    time.Duration
	WSPingTimeout     time.Duration
	SubscribeTimeout  time.Duration
	DedupWindow       time.Duration
	DedupMaxEntries   int
}

// Session is one upstream WebSocket connection to one exchange, streaming a
// bounded set of symbols for a single contract type.
type Session struct {
	Exchange     string
	ContractType string

	connector exchange.Connector
	cfg       Config
	breaker   *breaker.Breaker
	dedup     *dedup.Deduplicator
	queue     *queue.Queue
	pool      *restpool.Pool
	errorSink ErrorSink
	metrics   *metrics.Registry

	symbolsMu sync.Mutex
	symbols   map[string]struct{}

	stateMu sync.RWMutex
	state   State

	restartCh chan struct{}
	closeOnce sync.Once
	closeCh   chan struct{}
	doneCh    chan struct{}

	lastBlockingEvents uint64

	totalQuotes     atomic.Uint64
	totalErrors     atomic.Uint64
	lastMessageNano atomic.Int64 // UnixNano of last frame received; 0 = never
}

// SessionStats is the readiness-endpoint view of a single session, rolled up
// by the session manager into a model.ExchangeSnapshot per (exchange,
// contract_type) group.
type SessionStats struct {
	ActiveConnections   int
	LastMessageTime     *time.Time
	TotalQuotes         uint64
	TotalErrors         uint64
	ConsecutiveFailures int
	CircuitState        string
}

// Stats reports this session's current readiness-relevant counters.
func (s *Session) Stats() SessionStats {
	active := 0
	if s.State() == StateStreaming {
		active = 1
	}

	var lastMsg *time.Time
	if ns := s.lastMessageNano.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		lastMsg = &t
	}

	return SessionStats{
		ActiveConnections:   active,
		LastMessageTime:     lastMsg,
		TotalQuotes:         s.totalQuotes.Load(),
		TotalErrors:         s.totalErrors.Load(),
		ConsecutiveFailures: s.breaker.FailureCount(),
		CircuitState:        s.breaker.CurrentState().String(),
	}
}

// New builds a Session in state INIT. The caller must invoke Run to start
// the state machine goroutine.
func New(
	exchangeName, contractType string,
	connector exchange.Connector,
	cfg Config,
	breakerCfg breaker.Config,
	queueCfg queue.Config,
	pool *restpool.Pool,
	sink ErrorSink,
	reg *metrics.Registry,
) *Session {
	s := &Session{
		Exchange:     exchangeName,
		ContractType: contractType,
		connector:    connector,
		cfg:          cfg,
		breaker:      breaker.New(breakerCfg),
		dedup:        dedup.New(cfg.DedupWindow, cfg.DedupMaxEntries),
		queue:        queue.New(queueCfg),
		pool:         pool,
		errorSink:    sink,
		metrics:      reg,
		symbols:      make(map[string]struct{}),
		state:        StateInit,
		restartCh:    make(chan struct{}, 1),
		closeCh:      make(chan struct{}),
		doneCh:       make(chan struct{}),
	}

	if s.breaker.OnStateChange == nil && reg != nil {
		s.breaker.OnStateChange = func(from, to breaker.State) {
			reg.CircuitBreakerGauge.WithLabelValues(exchangeName, contractType).Set(metrics.BreakerStateValue(to.String()))
		}
	}

	return s
}

// AddSymbol adds a symbol to the session's streamed set, requesting a
// restart of the upstream connection with the extended symbol set the way
// spec.md describes for exchanges without incremental subscribe support.
func (s *Session) AddSymbol(symbol string) {
	s.symbolsMu.Lock()
	if _, exists := s.symbols[symbol]; exists {
		s.symbolsMu.Unlock()
		return
	}
	s.symbols[symbol] = struct{}{}
	s.symbolsMu.Unlock()
	s.requestRestart()
}

// RemoveSymbol drops a symbol from the session's set. Callers should Close
// the session once SymbolCount reaches zero.
func (s *Session) RemoveSymbol(symbol string) {
	s.symbolsMu.Lock()
	delete(s.symbols, symbol)
	s.symbolsMu.Unlock()
	s.requestRestart()
}

// SymbolCount reports the number of symbols currently assigned.
func (s *Session) SymbolCount() int {
	s.symbolsMu.Lock()
	defer s.symbolsMu.Unlock()
	return len(s.symbols)
}

// HasSymbol reports whether symbol is currently assigned to this session.
func (s *Session) HasSymbol(symbol string) bool {
	s.symbolsMu.Lock()
	defer s.symbolsMu.Unlock()
	_, ok := s.symbols[symbol]
	return ok
}

func (s *Session) symbolList() []string {
	s.symbolsMu.Lock()
	defer s.symbolsMu.Unlock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	return out
}

func (s *Session) requestRestart() {
	select {
	case s.restartCh <- struct{}{}:
	default:
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	prev := s.state
	s.state = st
	s.stateMu.Unlock()

	if s.metrics == nil || prev == st {
		return
	}
	if st == StateStreaming {
		s.metrics.ActiveConnections.WithLabelValues(s.Exchange, s.ContractType).Inc()
	} else if prev == StateStreaming {
		s.metrics.ActiveConnections.WithLabelValues(s.Exchange, s.ContractType).Dec()
	}
}

// Queue exposes the session's dual-pipeline queue so the session manager can
// drain normalised candles and forward them to subscribers.
func (s *Session) Queue() *queue.Queue { return s.queue }

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closeCh) })
	<-s.doneCh
}

// Done reports when the session's Run goroutine has fully exited.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// Run drives the session's state machine until Close is called or ctx is
// cancelled. It is meant to be started once, in its own goroutine, by the
// session manager.
func (s *Session) Run(ctx context.Context) {
	defer close(s.doneCh)
	defer s.setState(StateClosed)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeCh:
			return
		default:
		}

		if s.SymbolCount() == 0 {
			return
		}

		// The connection opened below subscribes to the current symbol set,
		// so a restart requested before this point is already satisfied.
		select {
		case <-s.restartCh:
		default:
		}

		client, err := s.connectAndSubscribe(ctx)
		if err != nil {
			s.recordConnectionError(modelCode(err))
			if !errors.Is(err, breaker.ErrOpen) {
				s.breaker.RecordFailure()
			}
			s.setState(StateFailed)
			if !s.sleepForBackoff(ctx) {
				return
			}
			continue
		}

		s.breaker.RecordSuccess()
		disconnected := s.stream(ctx, client)
		client.Close()
		if !disconnected {
			return
		}
		s.recordReconnect()
	}
}

// connectAndSubscribe asks the circuit breaker for permission, dials the exchange, and
// sends the subscribe frames (or relies on StreamURL already encoding them).
func (s *Session) connectAndSubscribe(ctx context.Context) (*wsclient.Client, error) {
	s.setState(StateConnecting)

	if !s.breaker.Allow() {
		return nil, model.NewError(model.ErrWSConnectFailed, "circuit breaker open", breaker.ErrOpen)
	}

	symbols := s.symbolList()
	url, err := s.connector.StreamURL(s.ContractType, symbols)
	if err != nil {
		return nil, err
	}

	frames, err := s.connector.SubscribeFrames(s.ContractType, symbols)
	if err != nil {
		return nil, err
	}

	s.setState(StateSubscribing)

	client, err := wsclient.NewClient(ctx, wsclient.Config{
		Endpoint:             url,
		PingPeriod:           s.cfg.WSPingInterval,
		SendTimeout:          s.cfg.WSPingTimeout,
		SubscriptionMessages: frames,
	})
	if err != nil {
		return nil, model.NewError(model.ErrWSConnectFailed, "dialing "+s.Exchange, err)
	}

	return client, nil
}

// stream reads frames until disconnection, a failed backfill, a restart
// request, or shutdown. It returns true if the caller should attempt to
// reconnect.
func (s *Session) stream(ctx context.Context, client *wsclient.Client) bool {
	s.setState(StateStreaming)

	inactivity := time.NewTimer(s.cfg.InactivityTimeout)
	defer inactivity.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.closeCh:
			return false
		case <-s.restartCh:
			return true
		case raw, ok := <-client.Messages:
			if !ok {
				return true
			}
			if !inactivity.Stop() {
				select {
				case <-inactivity.C:
				default:
				}
			}
			inactivity.Reset(s.cfg.InactivityTimeout)
			s.handleFrame(ctx, client, raw)
		case <-inactivity.C:
			if !s.backfill(ctx) {
				return true
			}
			inactivity.Reset(s.cfg.InactivityTimeout)
		case err := <-client.ErrChan():
			if err != nil {
				s.recordConnectionError(model.ErrWSConnectFailed)
			}
			return true
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, client *wsclient.Client, raw []byte) {
	s.lastMessageNano.Store(time.Now().UnixNano())

	if reply, handled := s.connector.HandleControlFrame(raw); handled {
		if err := client.Send(reply); err != nil {
			log.Warn().Str("exchange", s.Exchange).Err(err).Msg("failed to send control-frame reply")
		}
		return
	}

	candles, err := s.connector.ParseFrame(s.ContractType, raw)
	if err != nil {
		if gerr, ok := err.(*model.GatewayError); ok && gerr.Code == model.ErrWSSubscribeRejected {
			for _, sym := range s.symbolList() {
				s.reportError(sym, gerr)
			}
			log.Warn().Str("exchange", s.Exchange).Err(err).Msg("exchange rejected subscription")
			return
		}
		log.Debug().Str("exchange", s.Exchange).Err(err).Msg("dropping unparseable frame")
		return
	}

	receivedAt := time.Now()
	for _, c := range candles {
		c.ReceivedAt = receivedAt
		s.emit(ctx, c)
	}
}

// emit applies dedup (closed candles only, per spec.md 4.2) and offers the
// candle to the queue, recording metrics along the way.
func (s *Session) emit(ctx context.Context, c model.Candle) {
	if c.IsClosed && s.dedup.IsDuplicate(c) {
		if s.metrics != nil {
			s.metrics.DuplicatesFiltered.Inc()
		}
		return
	}

	if err := s.queue.Put(ctx, c); err != nil {
		log.Debug().Str("exchange", s.Exchange).Err(err).Msg("queue put aborted")
		return
	}

	s.totalQuotes.Add(1)

	if s.metrics != nil {
		isClosed := "false"
		if c.IsClosed {
			isClosed = "true"
		}
		s.metrics.QuotesProcessedTotal.WithLabelValues(s.Exchange, s.ContractType, isClosed).Inc()
		qm := s.queue.GetMetrics()
		s.metrics.QueueDepthClosed.WithLabelValues(s.Exchange, s.ContractType).Set(float64(qm.ClosedSize))
		s.metrics.QueueDepthOpen.WithLabelValues(s.Exchange, s.ContractType).Set(float64(qm.OpenSize))
		if qm.BlockingEvents > s.lastBlockingEvents {
			s.metrics.QueueBlockingEvents.Add(float64(qm.BlockingEvents - s.lastBlockingEvents))
			s.lastBlockingEvents = qm.BlockingEvents
		}
	}
}

// backfill runs the IDLE->BACKFILL->STREAMING path: one REST call per symbol,
// concurrently, feeding results through the same emit path as live frames.
func (s *Session) backfill(ctx context.Context) bool {
	s.setState(StateIdle)
	s.setState(StateBackfill)
	defer s.setState(StateStreaming)

	symbols := s.symbolList()
	if len(symbols) == 0 {
		return true
	}

	var wg sync.WaitGroup
	for _, sym := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()

			backfillCtx, cancel := context.WithTimeout(ctx, s.cfg.RestTimeout)
			defer cancel()

			candle, err := s.connector.RestBackfill(backfillCtx, s.pool, s.ContractType, symbol)
			if err != nil {
				s.recordBackfill("failure")
				gerr, ok := err.(*model.GatewayError)
				if !ok {
					gerr = model.NewError(model.ErrRestBackfillFailed, "backfill failed", err)
				}
				s.reportError(symbol, gerr)
				return
			}
			s.recordBackfill("success")
			candle.ReceivedAt = time.Now()
			s.emit(ctx, candle)
		}(sym)
	}
	wg.Wait()

	return true
}

func (s *Session) reportError(symbol string, gerr *model.GatewayError) {
	s.totalErrors.Add(1)
	if s.errorSink == nil {
		return
	}
	key := model.SubscriptionKey{Exchange: s.Exchange, ContractType: s.ContractType, Symbol: symbol}
	s.errorSink(key, gerr)
}

func (s *Session) recordConnectionError(code model.ErrorCode) {
	s.totalErrors.Add(1)
	if s.metrics != nil {
		s.metrics.ConnectionErrorsTotal.WithLabelValues(s.Exchange, string(code)).Inc()
	}
}

func (s *Session) recordReconnect() {
	if s.metrics != nil {
		s.metrics.ReconnectionsTotal.WithLabelValues(s.Exchange).Inc()
	}
}

func (s *Session) recordBackfill(outcome string) {
	if s.metrics != nil {
		s.metrics.RestBackfillsTotal.WithLabelValues(s.Exchange, outcome).Inc()
	}
}

// sleepForBackoff waits out the reconnect delay, returning false if the
// session should give up (shutdown requested during the wait).
func (s *Session) sleepForBackoff(ctx context.Context) bool {
	delay := s.cfg.ReconnectDelay
	if delay <= 0 {
		delay = time.Second
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-s.closeCh:
		return false
	case <-timer.C:
		return true
	}
}

func modelCode(err error) model.ErrorCode {
	if gerr, ok := err.(*model.GatewayError); ok {
		return gerr.Code
	}
	return model.ErrUnknown
}
