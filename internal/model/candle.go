// Package model defines core data types shared across the connector.
//
// This package contains the fundamental data structures used throughout the
// gateway for representing normalised market data. All monetary values use
// decimal.Decimal to preserve the exchange's own textual precision instead of
// the rounding risk that comes with float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents one normalised OHLCV bar for a single symbol on a single
// exchange, already converted from whatever wire shape that exchange uses.
//
// A Candle may be open (still accumulating trades on the exchange side,
// IsClosed false) or closed (a finished 1-minute bar, IsClosed true).
type Candle struct {
	Exchange     string // lowercase exchange identifier, e.g. "binance"
	ContractType string // e.g. "spot", "usdm", "coinm", "linear", "inverse"
	Symbol       string // exchange-native symbol spelling, uppercased

	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal

	TradeNum int64

	// Timestamp is the candle's own timestamp as reported by the exchange:
	// the kline open/close time, not the time this process observed it.
	Timestamp time.Time

	IsClosed bool

	// ReceivedAt is when this process received the frame (or REST response)
	// this candle was built from. Used only to compute quote_latency_seconds;
	// zero for candles built outside the normal receipt path (e.g. in tests).
	ReceivedAt time.Time
}

// Key returns the SubscriptionKey this candle belongs to.
func (c Candle) Key() SubscriptionKey {
	return SubscriptionKey{Exchange: c.Exchange, ContractType: c.ContractType, Symbol: c.Symbol}
}

// DedupKey returns the identity a deduplicator uses to recognise repeat
// deliveries of the same candle: the symbol plus the bar's own open time in
// milliseconds. Two frames describing the same bar (e.g. a live update and a
// REST backfill result covering the same minute) collapse to the same key.
func (c Candle) DedupKey() string {
	return c.Symbol + "|" + c.Timestamp.UTC().Format("20060102T150405.000")
}

// SubscriptionKey identifies a single upstream stream: one exchange, one
// contract type, one symbol. Session manager and subscriber multiplexer both
// index their state by this key.
type SubscriptionKey struct {
	Exchange     string
	ContractType string
	Symbol       string
}

func (k SubscriptionKey) String() string {
	return k.Exchange + "/" + k.ContractType + "/" + k.Symbol
}
