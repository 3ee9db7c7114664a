// Package exchange provides one Connector implementation per upstream
// exchange: binance, okx, bybit, gateio, hyperliquid. Each connector knows
// its own stream URL shape, subscribe-frame format, wire payload, and REST
// backfill endpoint; the upstream session and session manager packages only
// ever talk to the Connector interface, never to exchange-specific code.
package exchange

import (
	"context"
	"fmt"

	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/model"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/restpool"
)

// Connector is the per-exchange variant dispatched on by name. The exchange
// set is fixed at compile time, so this is a constructor registry rather
// than a runtime plugin system.
type Connector interface {
	// Name returns the lowercase exchange identifier, e.g. "binance".
	Name() string

	// DefaultContractType is used when a downstream subscribe request omits
	// contract_type.
	DefaultContractType() string

	// SupportsContractType reports whether ct is one this connector knows
	// how to stream.
	SupportsContractType(ct string) bool

	// MaxSymbolsPerConn returns the exchange's own ceiling on symbols per
	// WebSocket connection for the given contract type.
	MaxSymbolsPerConn(ct string) int

	// StreamURL builds the WebSocket URL to dial for this batch of symbols.
	// For exchanges that encode subscriptions in the URL itself (Binance's
	// combined-stream endpoint), the returned SubscribeFrames will be empty.
	StreamURL(ct string, symbols []string) (string, error)

	// SubscribeFrames returns the frames to send immediately after the
	// WebSocket handshake completes. Empty when StreamURL already encodes
	// the subscription.
	SubscribeFrames(ct string, symbols []string) ([][]byte, error)

	// ParseFrame converts one raw WebSocket message into zero or more
	// normalised candles. Control/ack frames that carry no candle data
	// return (nil, nil).
	ParseFrame(ct string, raw []byte) ([]model.Candle, error)

	// HandleControlFrame answers exchange-level application-layer
	// heartbeats (distinct from the WebSocket ping/pong control frames the
	// upstream session already handles at the transport level). Returns
	// handled=false for anything that isn't a heartbeat.
	HandleControlFrame(raw []byte) (reply []byte, handled bool)

	// RestBackfill fetches the most recent candle for one symbol via REST,
	// used to fill the gap after an inactivity timeout or on reconnect.
	RestBackfill(ctx context.Context, pool *restpool.Pool, ct string, symbol string) (model.Candle, error)
}

// Registry maps exchange name to its Connector constructor.
var registry = map[string]func() Connector{
	"binance":     func() Connector { return NewBinanceConnector() },
	"okx":         func() Connector { return NewOKXConnector() },
	"bybit":       func() Connector { return NewBybitConnector() },
	"gateio":      func() Connector { return NewGateioConnector() },
	"hyperliquid": func() Connector { return NewHyperliquidConnector() },
}

// New resolves a Connector by exchange name.
func New(exchangeName string) (Connector, error) {
	ctor, ok := registry[exchangeName]
	if !ok {
		return nil, model.NewError(model.ErrUnsupportedContractType,
			fmt.Sprintf("unknown exchange %q", exchangeName), nil)
	}
	return ctor(), nil
}

// Names returns every supported exchange name, for config validation and
// startup wiring.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
