// Package breaker implements a per-session circuit breaker guarding upstream
// reconnect/backfill attempts, modeled on the same closed/open/half-open state
// machine used elsewhere in this codebase for guarding flaky downstream
// dependencies, extended with exponential backoff keyed off how many times in
// a row the breaker has tripped open.
package breaker

import (
	"math"
	"sync"
	"time"

	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/model"
)

// State is one of Closed, Open, HalfOpen.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes the breaker. BackoffBase and MaxBackoff control how quickly
// the recovery timeout grows across repeated OPEN transitions.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenCalls    int
	BackoffBase      float64
	MaxBackoff       time.Duration
}

// DefaultConfig mirrors the gateway's own CONNECTOR_CIRCUIT_BREAKER_* defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenCalls:    1,
		BackoffBase:      2.0,
		MaxBackoff:       300 * time.Second,
	}
}

// Breaker guards a single upstream session's reconnect/backfill attempts.
// All mutable state is behind a single mutex; calls are expected to be
// infrequent enough (one per reconnect or backfill attempt) that this never
// becomes a contention point.
type Breaker struct {
	cfg Config

	mu                   sync.Mutex
	state                State
	failureCount         int
	consecutiveOpenCount int
	halfOpenInFlight     int
	lastFailure          time.Time

	// OnStateChange, if set, is invoked (outside the lock) on every
	// transition, for metrics/logging wiring.
	OnStateChange func(from, to State)
}

// New builds a Breaker in the Closed state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: Closed}
}

// ErrOpen is returned by Allow when the breaker is refusing calls.
var ErrOpen = model.NewError(model.ErrUnknown, "circuit breaker open", nil)

// Allow reports whether a call may proceed right now. If the breaker is Open
// and the backoff interval has elapsed, it transitions to HalfOpen and
// allows up to HalfOpenCalls concurrent trial calls through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.lastFailure) >= b.backoff() {
			b.transition(HalfOpen)
			b.halfOpenInFlight = 1
			return true
		}
		return false
	case HalfOpen:
		if b.halfOpenInFlight < b.cfg.HalfOpenCalls {
			b.halfOpenInFlight++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess reports a successful call. From HalfOpen this fully resets
// the breaker, including the consecutive-open counter that drives backoff.
// From Closed it just clears the running failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.failureCount = 0
		b.consecutiveOpenCount = 0
		b.halfOpenInFlight = 0
		b.transition(Closed)
	case Closed:
		b.failureCount = 0
	}
}

// RecordFailure reports a failed call. The HALF_OPEN failure path increments
// consecutiveOpenCount before reopening, so a breaker that fails its trial
// call twice in a row already waits at the doubled backoff interval on the
// second reopen, not the base interval again.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight = 0
		b.consecutiveOpenCount++
		b.transition(Open)
	case Closed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.consecutiveOpenCount++
			b.transition(Open)
		}
	}
}

// CurrentState returns the current state for metrics/health reporting.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the running count of consecutive failures recorded
// since the last success, for readiness reporting.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// backoff computes the recovery timeout for the current consecutiveOpenCount.
// Caller must hold b.mu.
func (b *Breaker) backoff() time.Duration {
	if b.consecutiveOpenCount == 0 {
		return b.cfg.RecoveryTimeout
	}
	d := float64(b.cfg.RecoveryTimeout) * math.Pow(b.cfg.BackoffBase, float64(b.consecutiveOpenCount-1))
	if time.Duration(d) > b.cfg.MaxBackoff {
		return b.cfg.MaxBackoff
	}
	return time.Duration(d)
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if b.OnStateChange != nil && from != to {
		cb := b.OnStateChange
		go cb(from, to)
	}
}
