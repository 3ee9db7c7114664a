package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/model"
)

func closedCandle(sym string) model.Candle {
	return model.Candle{Symbol: sym, IsClosed: true, Timestamp: time.Now()}
}

func openCandle(sym string) model.Candle {
	return model.Candle{Symbol: sym, IsClosed: false, Timestamp: time.Now()}
}

func TestQueue_ClosedFifoOrder(t *testing.T) {
	q := New(Config{ClosedMaxSize: 10, OpenMaxSize: 10})
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, closedCandle("A")))
	require.NoError(t, q.Put(ctx, closedCandle("B")))

	first, err := q.Get(ctx)
	require.NoError(t, err)
	second, err := q.Get(ctx)
	require.NoError(t, err)

	assert.Equal(t, "A", first.Symbol)
	assert.Equal(t, "B", second.Symbol)
}

func TestQueue_OpenStackIsLifo(t *testing.T) {
	q := New(Config{ClosedMaxSize: 10, OpenMaxSize: 10})
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, openCandle("A")))
	require.NoError(t, q.Put(ctx, openCandle("B")))

	first, err := q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", first.Symbol, "most recently pushed open candle should come out first")
}

func TestQueue_ClosedTakesPriorityOverOpen(t *testing.T) {
	q := New(Config{ClosedMaxSize: 10, OpenMaxSize: 10})
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, openCandle("OPEN")))
	require.NoError(t, q.Put(ctx, closedCandle("CLOSED")))

	first, err := q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "CLOSED", first.Symbol)
}

func TestQueue_OpenOverflowDropsOldest(t *testing.T) {
	q := New(Config{ClosedMaxSize: 10, OpenMaxSize: 2})
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, openCandle("A")))
	require.NoError(t, q.Put(ctx, openCandle("B")))
	require.NoError(t, q.Put(ctx, openCandle("C")))

	m := q.GetMetrics()
	assert.Equal(t, uint64(1), m.OpenOverflowEvents)
	assert.Equal(t, 2, m.OpenSize)

	first, _ := q.Get(ctx)
	second, _ := q.Get(ctx)
	assert.Equal(t, "C", first.Symbol)
	assert.Equal(t, "B", second.Symbol, "A should have been dropped as the oldest pending update")
}

func TestQueue_ClosedPutBlocksWhenFullAndRecordsEvent(t *testing.T) {
	q := New(Config{ClosedMaxSize: 1, OpenMaxSize: 1})
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, closedCandle("A")))

	done := make(chan error, 1)
	go func() {
		done <- q.Put(ctx, closedCandle("B"))
	}()

	select {
	case <-done:
		t.Fatal("put should block while the closed queue is full")
	case <-time.After(30 * time.Millisecond):
	}

	_, err := q.Get(ctx)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked put should have unblocked once space freed up")
	}

	assert.Equal(t, uint64(1), q.GetMetrics().BlockingEvents)
}

func TestQueue_GetRespectsContextCancellation(t *testing.T) {
	q := New(Config{ClosedMaxSize: 1, OpenMaxSize: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_GetNowaitEmpty(t *testing.T) {
	q := New(Config{ClosedMaxSize: 1, OpenMaxSize: 1})
	_, ok := q.GetNowait()
	assert.False(t, ok)
}
