// Package utils provides common validation helpers shared by the exchange
// connectors and the downstream subscribe-frame handler.
package utils

import (
	"strings"

	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/model"
)

// ValidateSymbol checks that a symbol is a plausible exchange trading-pair
// spelling: non-empty, and restricted to the character set exchanges
// actually use (letters, digits, and the separators some exchanges place
// between base and quote asset, e.g. OKX's "BTC-USDT" or Gate.io's
// "BTC_USDT"). Exact per-exchange symbol sets are the exchange's own
// business; this is just enough validation to reject garbage before it
// reaches a WebSocket subscribe frame.
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return model.NewError(model.ErrInvalidSymbol, "symbol cannot be empty", nil)
	}

	for _, r := range symbol {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return model.NewError(model.ErrInvalidSymbol, "symbol contains unsupported character: "+symbol, nil)
		}
	}

	return nil
}

// ValidatePairs validates a batch of symbols and enforces the per-connection
// symbol count limit (CONNECTOR_MAX_SYMBOL_PER_WS, or an exchange's own
// lower ceiling).
func ValidatePairs(symbols []string, maxAllowed int) error {
	if len(symbols) == 0 {
		return model.NewError(model.ErrInvalidSymbol, "zero symbols requested", nil)
	}

	if maxAllowed > 0 && len(symbols) > maxAllowed {
		return model.NewError(model.ErrInvalidSymbol, "too many symbols requested for a single connection", nil)
	}

	for _, symbol := range symbols {
		if err := ValidateSymbol(symbol); err != nil {
			return err
		}
	}

	return nil
}

// NormalizeSymbol upper-cases a symbol for use as a canonical map key,
// independent of how a downstream client happened to spell it.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(symbol)
}
