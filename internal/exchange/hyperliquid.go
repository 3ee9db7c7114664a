package exchange

import (
	"context"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/model"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/restpool"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/utils"
)

const hyperliquidStreamURL = "wss://api.hyperliquid.xyz/ws"
const hyperliquidInfoURL = "https://api.hyperliquid.xyz/info"

var hyperliquidContractTypes = map[string]bool{"spot": true, "usdm": true, "coinm": true}

// HyperliquidConnector streams 1-minute candles from Hyperliquid's public
// WebSocket feed. All contract types share one endpoint; subscriptions are
// per-symbol rather than batched.
type HyperliquidConnector struct{}

func NewHyperliquidConnector() *HyperliquidConnector { return &HyperliquidConnector{} }

func (c *HyperliquidConnector) Name() string                { return "hyperliquid" }
func (c *HyperliquidConnector) DefaultContractType() string { return "usdm" }
func (c *HyperliquidConnector) SupportsContractType(ct string) bool {
	return hyperliquidContractTypes[ct]
}
func (c *HyperliquidConnector) MaxSymbolsPerConn(ct string) int {
	if hyperliquidContractTypes[ct] {
		return 200
	}
	return 0
}

func (c *HyperliquidConnector) StreamURL(ct string, symbols []string) (string, error) {
	if !hyperliquidContractTypes[ct] {
		return "", model.NewError(model.ErrUnsupportedContractType, "hyperliquid: unsupported contract type "+ct, nil)
	}
	if err := utils.ValidatePairs(symbols, 200); err != nil {
		return "", err
	}
	return hyperliquidStreamURL, nil
}

type hyperliquidSubscription struct {
	Type     string `json:"type"`
	Coin     string `json:"coin"`
	Interval string `json:"interval"`
}

type hyperliquidSubscribeMsg struct {
	Method       string                  `json:"method"`
	Subscription hyperliquidSubscription `json:"subscription"`
}

// SubscribeFrames sends one subscribe frame per symbol, as Hyperliquid's
// candle subscription takes a single coin rather than a batch.
func (c *HyperliquidConnector) SubscribeFrames(ct string, symbols []string) ([][]byte, error) {
	frames := make([][]byte, 0, len(symbols))
	for _, s := range symbols {
		frame, err := json.Marshal(hyperliquidSubscribeMsg{
			Method: "subscribe",
			Subscription: hyperliquidSubscription{
				Type: "candle", Coin: strings.ToUpper(s), Interval: "1m",
			},
		})
		if err != nil {
			return nil, model.NewError(model.ErrWSProtocolError, "hyperliquid: encoding subscribe frame", err)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (c *HyperliquidConnector) HandleControlFrame(raw []byte) ([]byte, bool) { return nil, false }

type hyperliquidCandle struct {
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Symbol    string `json:"s"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	Close     string `json:"c"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
	NumTrades int64  `json:"n"`
}

type hyperliquidMessage struct {
	Channel string            `json:"channel"`
	Data    hyperliquidCandle `json:"data"`
}

// ParseFrame decodes Hyperliquid's candle push frame. Hyperliquid pushes
// updates for the currently-forming bar continuously; a bar is considered
// closed once its close time has actually elapsed.
func (c *HyperliquidConnector) ParseFrame(ct string, raw []byte) ([]model.Candle, error) {
	var m hyperliquidMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, model.NewError(model.ErrWSProtocolError, "hyperliquid: invalid frame", err)
	}
	if m.Channel != "candle" {
		return nil, nil
	}

	candle, err := hyperliquidCandleToModel(ct, m.Data)
	if err != nil {
		return nil, err
	}
	return []model.Candle{candle}, nil
}

func hyperliquidCandleToModel(ct string, k hyperliquidCandle) (model.Candle, error) {
	open, err := decimal.NewFromString(k.Open)
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "hyperliquid: invalid open", err)
	}
	high, err := decimal.NewFromString(k.High)
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "hyperliquid: invalid high", err)
	}
	low, err := decimal.NewFromString(k.Low)
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "hyperliquid: invalid low", err)
	}
	closePrice, err := decimal.NewFromString(k.Close)
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "hyperliquid: invalid close", err)
	}
	volume, err := decimal.NewFromString(k.Volume)
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "hyperliquid: invalid volume", err)
	}

	return model.Candle{
		Exchange:     "hyperliquid",
		ContractType: ct,
		Symbol:       utils.NormalizeSymbol(k.Symbol),
		Open:         open,
		High:         high,
		Low:          low,
		Close:        closePrice,
		Volume:       volume,
		TradeNum:     k.NumTrades,
		Timestamp:    msToTime(k.OpenTime),
		IsClosed:     time.Now().UnixMilli() >= k.CloseTime,
	}, nil
}

type hyperliquidSnapshotReq struct {
	Coin      string `json:"coin"`
	Interval  string `json:"interval"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

type hyperliquidSnapshotBody struct {
	Type string                 `json:"type"`
	Req  hyperliquidSnapshotReq `json:"req"`
}

// RestBackfill fetches the most recent 1-minute candle via Hyperliquid's
// POST-only candleSnapshot endpoint.
func (c *HyperliquidConnector) RestBackfill(ctx context.Context, pool *restpool.Pool, ct string, symbol string) (model.Candle, error) {
	if !hyperliquidContractTypes[ct] {
		return model.Candle{}, model.NewError(model.ErrUnsupportedContractType, "hyperliquid: unsupported contract type "+ct, nil)
	}

	now := time.Now().UnixMilli()
	body, err := json.Marshal(hyperliquidSnapshotBody{
		Type: "candleSnapshot",
		Req: hyperliquidSnapshotReq{
			Coin: strings.ToUpper(symbol), Interval: "1m",
			StartTime: now - 2*60*1000, EndTime: now,
		},
	})
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrRestBackfillFailed, "hyperliquid: encoding snapshot request", err)
	}

	respBody, err := pool.Post(ctx, hyperliquidInfoURL, body)
	if err != nil {
		return model.Candle{}, err
	}

	var candles []hyperliquidCandle
	if err := json.Unmarshal(respBody, &candles); err != nil || len(candles) == 0 {
		return model.Candle{}, model.NewError(model.ErrRestBackfillFailed, "hyperliquid: invalid snapshot response", err)
	}

	last := candles[len(candles)-1]
	last.Symbol = symbol
	return hyperliquidCandleToModel(ct, last)
}
