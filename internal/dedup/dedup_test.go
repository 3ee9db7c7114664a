package dedup

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/model"
)

func candle(symbol string, ts time.Time) model.Candle {
	return model.Candle{
		Exchange:     "binance",
		ContractType: "spot",
		Symbol:       symbol,
		Timestamp:    ts,
		Open:         decimal.NewFromInt(1),
	}
}

func TestDeduplicator_SecondSeenIsDuplicate(t *testing.T) {
	d := New(time.Minute, 1000)
	ts := time.Now()
	c := candle("BTCUSDT", ts)

	assert.False(t, d.IsDuplicate(c), "first sighting is never a duplicate")
	assert.True(t, d.IsDuplicate(c), "second sighting of same key is a duplicate")
}

func TestDeduplicator_DifferentTimestampsAreDistinct(t *testing.T) {
	d := New(time.Minute, 1000)
	ts := time.Now()

	assert.False(t, d.IsDuplicate(candle("BTCUSDT", ts)))
	assert.False(t, d.IsDuplicate(candle("BTCUSDT", ts.Add(time.Minute))))
}

func TestDeduplicator_DifferentSymbolsAreDistinct(t *testing.T) {
	d := New(time.Minute, 1000)
	ts := time.Now()

	assert.False(t, d.IsDuplicate(candle("BTCUSDT", ts)))
	assert.False(t, d.IsDuplicate(candle("ETHUSDT", ts)))
}

func TestDeduplicator_EnforcesMaxEntries(t *testing.T) {
	d := New(time.Hour, 5)
	base := time.Now()
	for i := 0; i < 10; i++ {
		d.IsDuplicate(candle("SYM", base.Add(time.Duration(i)*time.Second)))
	}
	assert.LessOrEqual(t, d.Len(), 5)
}

func TestDeduplicator_ClearResetsState(t *testing.T) {
	d := New(time.Minute, 1000)
	c := candle("BTCUSDT", time.Now())
	d.IsDuplicate(c)
	require := assert.New(t)
	require.Equal(1, d.Len())

	d.Clear()
	require.Equal(0, d.Len())
	require.False(d.IsDuplicate(c), "after clear, a previously-seen key is fresh again")
}
