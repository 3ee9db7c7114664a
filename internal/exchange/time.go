package exchange

import "time"

// msToTime converts a Unix millisecond timestamp, as Binance, OKX, Bybit and
// Hyperliquid report candle times, into a time.Time in UTC.
func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// secToTime converts a Unix second timestamp (Gate.io reports candle times
// in seconds rather than milliseconds) into a time.Time in UTC.
func secToTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
