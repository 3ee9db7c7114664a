package exchange

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/model"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/restpool"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/utils"
)

// binanceContracts maps contract type to its combined-stream WebSocket base
// and REST kline endpoint, reproducing the exchange's own mapping verbatim.
var binanceContracts = map[string]struct {
	streamBase string
	restURL    string
	maxSymbols int
}{
	"spot":  {"wss://stream.binance.com:9443/stream?streams=", "https://api.binance.com/api/v3/klines", 200},
	"usdm":  {"wss://fstream.binance.com/stream?streams=", "https://fapi.binance.com/fapi/v1/klines", 200},
	"coinm": {"wss://dstream.binance.com/stream?streams=", "https://dapi.binance.com/dapi/v1/klines", 200},
}

// BinanceConnector streams 1-minute klines from Binance's combined-stream
// WebSocket endpoint.
type BinanceConnector struct{}

func NewBinanceConnector() *BinanceConnector { return &BinanceConnector{} }

func (c *BinanceConnector) Name() string                { return "binance" }
func (c *BinanceConnector) DefaultContractType() string { return "spot" }
func (c *BinanceConnector) SupportsContractType(ct string) bool {
	_, ok := binanceContracts[ct]
	return ok
}
func (c *BinanceConnector) MaxSymbolsPerConn(ct string) int {
	if cfg, ok := binanceContracts[ct]; ok {
		return cfg.maxSymbols
	}
	return 0
}

// StreamURL builds Binance's combined-stream URL: one kline stream per
// symbol joined with "/". The subscription is fully encoded in the URL, so
// SubscribeFrames returns nothing for this exchange.
func (c *BinanceConnector) StreamURL(ct string, symbols []string) (string, error) {
	cfg, ok := binanceContracts[ct]
	if !ok {
		return "", model.NewError(model.ErrUnsupportedContractType, "binance: unsupported contract type "+ct, nil)
	}
	if err := utils.ValidatePairs(symbols, cfg.maxSymbols); err != nil {
		return "", err
	}

	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, fmt.Sprintf("%s@kline_1m", strings.ToLower(s)))
	}
	return cfg.streamBase + strings.Join(streams, "/"), nil
}

func (c *BinanceConnector) SubscribeFrames(ct string, symbols []string) ([][]byte, error) {
	return nil, nil
}

func (c *BinanceConnector) HandleControlFrame(raw []byte) ([]byte, bool) { return nil, false }

type binanceOuter struct {
	Data json.RawMessage `json:"data"`
}

type binanceEvent struct {
	EventType string       `json:"e"`
	EventTime int64        `json:"E"`
	Kline     binanceKline `json:"k"`
}

type binanceKline struct {
	Symbol    string `json:"s"`
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
	NumTrades int64  `json:"n"`
	IsClosed  bool   `json:"x"`
}

// ParseFrame decodes a combined-stream wrapper and its embedded kline event.
func (c *BinanceConnector) ParseFrame(ct string, raw []byte) ([]model.Candle, error) {
	var outer binanceOuter
	if err := json.Unmarshal(raw, &outer); err != nil || len(outer.Data) == 0 {
		return nil, model.NewError(model.ErrWSProtocolError, "binance: invalid outer frame", err)
	}

	var ev binanceEvent
	if err := json.Unmarshal(outer.Data, &ev); err != nil {
		return nil, model.NewError(model.ErrWSProtocolError, "binance: invalid kline event", err)
	}
	if ev.EventType != "kline" {
		return nil, nil
	}

	candle, err := binanceKlineToCandle(ct, ev.Kline)
	if err != nil {
		return nil, err
	}
	return []model.Candle{candle}, nil
}

func binanceKlineToCandle(ct string, k binanceKline) (model.Candle, error) {
	open, err := decimal.NewFromString(k.Open)
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "binance: invalid open price", err)
	}
	high, err := decimal.NewFromString(k.High)
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "binance: invalid high price", err)
	}
	low, err := decimal.NewFromString(k.Low)
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "binance: invalid low price", err)
	}
	closePrice, err := decimal.NewFromString(k.Close)
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "binance: invalid close price", err)
	}
	volume, err := decimal.NewFromString(k.Volume)
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "binance: invalid volume", err)
	}

	return model.Candle{
		Exchange:     "binance",
		ContractType: ct,
		Symbol:       utils.NormalizeSymbol(k.Symbol),
		Open:         open,
		High:         high,
		Low:          low,
		Close:        closePrice,
		Volume:       volume,
		TradeNum:     k.NumTrades,
		Timestamp:    msToTime(k.OpenTime),
		IsClosed:     k.IsClosed,
	}, nil
}

// RestBackfill fetches the latest 1-minute kline via Binance's REST API.
func (c *BinanceConnector) RestBackfill(ctx context.Context, pool *restpool.Pool, ct string, symbol string) (model.Candle, error) {
	cfg, ok := binanceContracts[ct]
	if !ok {
		return model.Candle{}, model.NewError(model.ErrUnsupportedContractType, "binance: unsupported contract type "+ct, nil)
	}

	url := fmt.Sprintf("%s?symbol=%s&interval=1m&limit=1", cfg.restURL, strings.ToUpper(symbol))
	body, err := pool.Get(ctx, url)
	if err != nil {
		return model.Candle{}, err
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil || len(rows) == 0 {
		return model.Candle{}, model.NewError(model.ErrRestBackfillFailed, "binance: invalid kline response", err)
	}
	row := rows[0]
	if len(row) < 7 {
		return model.Candle{}, model.NewError(model.ErrRestBackfillFailed, "binance: short kline row", nil)
	}

	var openTime, closeTime int64
	var open, high, low, closeStr, volume string
	_ = json.Unmarshal(row[0], &openTime)
	_ = json.Unmarshal(row[1], &open)
	_ = json.Unmarshal(row[2], &high)
	_ = json.Unmarshal(row[3], &low)
	_ = json.Unmarshal(row[4], &closeStr)
	_ = json.Unmarshal(row[5], &volume)
	_ = json.Unmarshal(row[6], &closeTime)

	var numTrades int64
	if len(row) > 8 {
		_ = json.Unmarshal(row[8], &numTrades)
	}

	return binanceKlineToCandle(ct, binanceKline{
		Symbol:    symbol,
		OpenTime:  openTime,
		CloseTime: closeTime,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closeStr,
		Volume:    volume,
		NumTrades: numTrades,
		IsClosed:  true,
	})
}
