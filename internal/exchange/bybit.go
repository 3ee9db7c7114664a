package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/model"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/restpool"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/utils"
)

var bybitContracts = map[string]struct {
	streamURL string
	category  string
}{
	"spot":     {"wss://stream.bybit.com/v5/public/spot", "spot"},
	"linear":   {"wss://stream.bybit.com/v5/public/linear", "linear"},
	"inverse":  {"wss://stream.bybit.com/v5/public/inverse", "inverse"},
}

// BybitConnector streams 1-minute klines from Bybit's v5 public WebSocket,
// one endpoint per contract category.
type BybitConnector struct{}

func NewBybitConnector() *BybitConnector { return &BybitConnector{} }

func (c *BybitConnector) Name() string                { return "bybit" }
func (c *BybitConnector) DefaultContractType() string { return "spot" }
func (c *BybitConnector) SupportsContractType(ct string) bool {
	_, ok := bybitContracts[ct]
	return ok
}
func (c *BybitConnector) MaxSymbolsPerConn(ct string) int {
	if _, ok := bybitContracts[ct]; ok {
		return 200
	}
	return 0
}

func (c *BybitConnector) StreamURL(ct string, symbols []string) (string, error) {
	cfg, ok := bybitContracts[ct]
	if !ok {
		return "", model.NewError(model.ErrUnsupportedContractType, "bybit: unsupported contract type "+ct, nil)
	}
	if err := utils.ValidatePairs(symbols, 200); err != nil {
		return "", err
	}
	return cfg.streamURL, nil
}

type bybitSubscribeMsg struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// SubscribeFrames sends one batched subscribe frame for every symbol's
// 1-minute kline topic.
func (c *BybitConnector) SubscribeFrames(ct string, symbols []string) ([][]byte, error) {
	args := make([]string, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, fmt.Sprintf("kline.1.%s", strings.ToUpper(s)))
	}
	frame, err := json.Marshal(bybitSubscribeMsg{Op: "subscribe", Args: args})
	if err != nil {
		return nil, model.NewError(model.ErrWSProtocolError, "bybit: encoding subscribe frame", err)
	}
	return [][]byte{frame}, nil
}

// HandleControlFrame answers Bybit's application-layer ping with the
// matching pong, independent of the WebSocket transport's own ping/pong.
func (c *BybitConnector) HandleControlFrame(raw []byte) ([]byte, bool) {
	var probe struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, false
	}
	if probe.Op != "ping" {
		return nil, false
	}
	reply, _ := json.Marshal(map[string]string{"op": "pong"})
	return reply, true
}

type bybitKline struct {
	Start   int64  `json:"start"`
	Open    string `json:"open"`
	High    string `json:"high"`
	Low     string `json:"low"`
	Close   string `json:"close"`
	Volume  string `json:"volume"`
	Confirm bool   `json:"confirm"`
}

type bybitMessage struct {
	Topic string       `json:"topic"`
	Data  []bybitKline `json:"data"`
}

// ParseFrame decodes Bybit's kline push messages, skipping anything that
// isn't a kline topic (pings are handled separately by HandleControlFrame).
func (c *BybitConnector) ParseFrame(ct string, raw []byte) ([]model.Candle, error) {
	var m bybitMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, model.NewError(model.ErrWSProtocolError, "bybit: invalid frame", err)
	}
	if !strings.HasPrefix(m.Topic, "kline") {
		return nil, nil
	}

	symbol := strings.TrimPrefix(m.Topic, "kline.1.")
	candles := make([]model.Candle, 0, len(m.Data))
	for _, k := range m.Data {
		candle, err := bybitKlineToCandle(ct, symbol, k)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func bybitKlineToCandle(ct, symbol string, k bybitKline) (model.Candle, error) {
	open, err := decimal.NewFromString(k.Open)
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "bybit: invalid open", err)
	}
	high, err := decimal.NewFromString(k.High)
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "bybit: invalid high", err)
	}
	low, err := decimal.NewFromString(k.Low)
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "bybit: invalid low", err)
	}
	closePrice, err := decimal.NewFromString(k.Close)
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "bybit: invalid close", err)
	}
	volume, err := decimal.NewFromString(k.Volume)
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "bybit: invalid volume", err)
	}

	return model.Candle{
		Exchange:     "bybit",
		ContractType: ct,
		Symbol:       utils.NormalizeSymbol(symbol),
		Open:         open,
		High:         high,
		Low:          low,
		Close:        closePrice,
		Volume:       volume,
		Timestamp:    msToTime(k.Start),
		IsClosed:     k.Confirm,
	}, nil
}

// RestBackfill fetches the latest 1-minute kline via Bybit's v5 market
// kline REST endpoint.
func (c *BybitConnector) RestBackfill(ctx context.Context, pool *restpool.Pool, ct string, symbol string) (model.Candle, error) {
	cfg, ok := bybitContracts[ct]
	if !ok {
		return model.Candle{}, model.NewError(model.ErrUnsupportedContractType, "bybit: unsupported contract type "+ct, nil)
	}

	url := fmt.Sprintf("https://api.bybit.com/v5/market/kline?category=%s&symbol=%s&interval=1&limit=1",
		cfg.category, strings.ToUpper(symbol))
	body, err := pool.Get(ctx, url)
	if err != nil {
		return model.Candle{}, err
	}

	var resp struct {
		Result struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Result.List) == 0 {
		return model.Candle{}, model.NewError(model.ErrRestBackfillFailed, "bybit: invalid kline response", err)
	}

	row := resp.Result.List[0]
	if len(row) < 6 {
		return model.Candle{}, model.NewError(model.ErrRestBackfillFailed, "bybit: short kline row", nil)
	}
	start, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrRestBackfillFailed, "bybit: invalid start time", err)
	}

	return bybitKlineToCandle(ct, symbol, bybitKline{
		Start:   start,
		Open:    row[1],
		High:    row[2],
		Low:     row[3],
		Close:   row[4],
		Volume:  row[5],
		Confirm: true,
	})
}
