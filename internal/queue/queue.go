// Package queue implements the dual-pipeline candle queue: a bounded
// blocking FIFO for closed (finished) candles, providing true backpressure
// to the upstream session when a consumer falls behind, and a bounded
// overwriting LIFO stack for open (still-forming) candles, where only the
// freshest value for each update matters and an overflow should drop the
// oldest pending update rather than block the producer.
//
// Get always drains the closed FIFO before looking at the open LIFO, so a
// slow consumer never starves finished bars in favour of in-progress ones.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/model"
)

// Config tunes queue capacity. OpenMaxSize of 0 means unbounded.
type Config struct {
	ClosedMaxSize int
	OpenMaxSize   int
}

// Metrics is a point-in-time snapshot of queue state, for /metrics and tests.
type Metrics struct {
	ClosedSize         int
	OpenSize           int
	BlockingEvents     uint64
	OpenOverflowEvents uint64
	ClosedMaxSize      int
	OpenMaxSize        int
}

// Queue is the dual-pipeline structure described above. Safe for concurrent
// use by one producer and one consumer (the upstream session feeds it, the
// session manager drains it); Put/Get themselves tolerate any number of
// callers.
type Queue struct {
	cfg Config

	closedCh chan model.Candle

	openMu    sync.Mutex
	openStack []model.Candle

	wake chan struct{}

	blockingEvents     atomic.Uint64
	openOverflowEvents atomic.Uint64
}

// New builds a Queue per cfg.
func New(cfg Config) *Queue {
	return &Queue{
		cfg:      cfg,
		closedCh: make(chan model.Candle, max(cfg.ClosedMaxSize, 1)),
		wake:     make(chan struct{}, 1),
	}
}

// Put enqueues a candle. Closed candles go through the bounded blocking FIFO
// and Put will wait (respecting ctx) if it is full, incrementing the
// blocking-events counter the first time it has to wait. Open candles go
// through the overwriting LIFO stack: if it is at capacity, the oldest
// pending open update is dropped to make room and the overflow counter is
// incremented.
func (q *Queue) Put(ctx context.Context, c model.Candle) error {
	if c.IsClosed {
		select {
		case q.closedCh <- c:
			return nil
		default:
		}
		q.blockingEvents.Add(1)
		select {
		case q.closedCh <- c:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	q.openMu.Lock()
	if q.cfg.OpenMaxSize > 0 && len(q.openStack) >= q.cfg.OpenMaxSize {
		q.openStack = q.openStack[1:]
		q.openOverflowEvents.Add(1)
	}
	q.openStack = append(q.openStack, c)
	q.openMu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Get dequeues the next candle, preferring the closed FIFO. It blocks until
// an item is available or ctx is cancelled.
func (q *Queue) Get(ctx context.Context) (model.Candle, error) {
	for {
		select {
		case c := <-q.closedCh:
			return c, nil
		default:
		}

		if c, ok := q.popOpen(); ok {
			return c, nil
		}

		select {
		case c := <-q.closedCh:
			return c, nil
		case <-q.wake:
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return model.Candle{}, ctx.Err()
		}
	}
}

// GetNowait returns immediately with ok=false if nothing is queued.
func (q *Queue) GetNowait() (model.Candle, bool) {
	select {
	case c := <-q.closedCh:
		return c, true
	default:
	}
	return q.popOpen()
}

func (q *Queue) popOpen() (model.Candle, bool) {
	q.openMu.Lock()
	defer q.openMu.Unlock()
	n := len(q.openStack)
	if n == 0 {
		return model.Candle{}, false
	}
	c := q.openStack[n-1]
	q.openStack = q.openStack[:n-1]
	return c, true
}

// Empty reports whether both pipelines are currently empty.
func (q *Queue) Empty() bool {
	q.openMu.Lock()
	openEmpty := len(q.openStack) == 0
	q.openMu.Unlock()
	return openEmpty && len(q.closedCh) == 0
}

// GetMetrics returns a snapshot for /metrics and health reporting.
func (q *Queue) GetMetrics() Metrics {
	q.openMu.Lock()
	openSize := len(q.openStack)
	q.openMu.Unlock()

	return Metrics{
		ClosedSize:         len(q.closedCh),
		OpenSize:           openSize,
		BlockingEvents:     q.blockingEvents.Load(),
		OpenOverflowEvents: q.openOverflowEvents.Load(),
		ClosedMaxSize:      q.cfg.ClosedMaxSize,
		OpenMaxSize:        q.cfg.OpenMaxSize,
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
