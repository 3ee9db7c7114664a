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

var gateioContracts = map[string]struct {
	streamURL  string
	channel    string
	restURL    string
	maxSymbols int
}{
	"spot": {"wss://api.gateio.ws/ws/v4/", "spot.candlesticks", "https://api.gateio.ws/api/v4/spot/candlesticks", 100},
	"um":   {"wss://fx-ws.gateio.ws/v4/ws/usdt", "futures.candlesticks", "https://api.gateio.ws/api/v4/futures/usdt/candlesticks", 100},
	"cm":   {"wss://fx-ws.gateio.ws/v4/ws/btc", "futures.candlesticks", "https://api.gateio.ws/api/v4/futures/btc/candlesticks", 50},
}

// GateioConnector streams 1-minute candlesticks from Gate.io, spot and
// futures contract types each dialing their own WebSocket endpoint.
type GateioConnector struct{}

func NewGateioConnector() *GateioConnector { return &GateioConnector{} }

func (c *GateioConnector) Name() string                { return "gateio" }
func (c *GateioConnector) DefaultContractType() string { return "spot" }
func (c *GateioConnector) SupportsContractType(ct string) bool {
	_, ok := gateioContracts[ct]
	return ok
}
func (c *GateioConnector) MaxSymbolsPerConn(ct string) int {
	if cfg, ok := gateioContracts[ct]; ok {
		return cfg.maxSymbols
	}
	return 0
}

func (c *GateioConnector) StreamURL(ct string, symbols []string) (string, error) {
	cfg, ok := gateioContracts[ct]
	if !ok {
		return "", model.NewError(model.ErrUnsupportedContractType, "gateio: unsupported contract type "+ct, nil)
	}
	if err := utils.ValidatePairs(symbols, cfg.maxSymbols); err != nil {
		return "", err
	}
	return cfg.streamURL, nil
}

type gateioSubscribeMsg struct {
	Time    int64    `json:"time"`
	Channel string   `json:"channel"`
	Event   string   `json:"event"`
	Payload []string `json:"payload"`
}

// SubscribeFrames sends one subscribe frame per symbol: Gate.io's
// candlestick channel takes a single (interval, contract) pair per frame
// rather than a batched list.
func (c *GateioConnector) SubscribeFrames(ct string, symbols []string) ([][]byte, error) {
	cfg, ok := gateioContracts[ct]
	if !ok {
		return nil, model.NewError(model.ErrUnsupportedContractType, "gateio: unsupported contract type "+ct, nil)
	}

	frames := make([][]byte, 0, len(symbols))
	for _, s := range symbols {
		frame, err := json.Marshal(gateioSubscribeMsg{
			Channel: cfg.channel,
			Event:   "subscribe",
			Payload: []string{"1m", strings.ToUpper(s)},
		})
		if err != nil {
			return nil, model.NewError(model.ErrWSProtocolError, "gateio: encoding subscribe frame", err)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (c *GateioConnector) HandleControlFrame(raw []byte) ([]byte, bool) { return nil, false }

type gateioResult struct {
	Timestamp string `json:"t"`
	Volume    string `json:"v"`
	Close     string `json:"c"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Open      string `json:"o"`
	Name      string `json:"n"`
	WindowOK  bool   `json:"w"`
}

type gateioMessage struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Result  json.RawMessage `json:"result"`
}

// ParseFrame decodes Gate.io's candlestick update frames. The result field
// is a single object for spot and an array for futures; both are handled.
func (c *GateioConnector) ParseFrame(ct string, raw []byte) ([]model.Candle, error) {
	var m gateioMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, model.NewError(model.ErrWSProtocolError, "gateio: invalid frame", err)
	}
	if m.Event != "update" || len(m.Result) == 0 {
		return nil, nil
	}

	var results []gateioResult
	if err := json.Unmarshal(m.Result, &results); err != nil {
		var single gateioResult
		if err2 := json.Unmarshal(m.Result, &single); err2 != nil {
			return nil, model.NewError(model.ErrWSProtocolError, "gateio: invalid candlestick result", err)
		}
		results = []gateioResult{single}
	}

	candles := make([]model.Candle, 0, len(results))
	for _, r := range results {
		candle, err := gateioResultToCandle(ct, r)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func gateioResultToCandle(ct string, r gateioResult) (model.Candle, error) {
	ts, err := strconv.ParseInt(r.Timestamp, 10, 64)
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "gateio: invalid timestamp", err)
	}
	open, err := decimal.NewFromString(r.Open)
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "gateio: invalid open", err)
	}
	high, err := decimal.NewFromString(r.High)
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "gateio: invalid high", err)
	}
	low, err := decimal.NewFromString(r.Low)
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "gateio: invalid low", err)
	}
	closePrice, err := decimal.NewFromString(r.Close)
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "gateio: invalid close", err)
	}
	volume, err := decimal.NewFromString(r.Volume)
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "gateio: invalid volume", err)
	}

	// name is shaped "1m_BTC_USDT"; the symbol is everything after the
	// interval prefix.
	symbol := r.Name
	if idx := strings.Index(symbol, "_"); idx >= 0 {
		symbol = symbol[idx+1:]
	}

	return model.Candle{
		Exchange:     "gateio",
		ContractType: ct,
		Symbol:       utils.NormalizeSymbol(symbol),
		Open:         open,
		High:         high,
		Low:          low,
		Close:        closePrice,
		Volume:       volume,
		Timestamp:    secToTime(ts),
		IsClosed:     r.WindowOK,
	}, nil
}

// RestBackfill fetches the latest 1-minute candlestick via Gate.io's REST
// API. Spot responses are arrays of arrays; futures responses are arrays of
// objects, handled separately below.
func (c *GateioConnector) RestBackfill(ctx context.Context, pool *restpool.Pool, ct string, symbol string) (model.Candle, error) {
	cfg, ok := gateioContracts[ct]
	if !ok {
		return model.Candle{}, model.NewError(model.ErrUnsupportedContractType, "gateio: unsupported contract type "+ct, nil)
	}

	if ct == "spot" {
		url := fmt.Sprintf("%s?currency_pair=%s&interval=1m&limit=1", cfg.restURL, strings.ToUpper(symbol))
		body, err := pool.Get(ctx, url)
		if err != nil {
			return model.Candle{}, err
		}
		var rows [][]string
		if err := json.Unmarshal(body, &rows); err != nil || len(rows) == 0 {
			return model.Candle{}, model.NewError(model.ErrRestBackfillFailed, "gateio: invalid spot candlestick response", err)
		}
		row := rows[0]
		if len(row) < 6 {
			return model.Candle{}, model.NewError(model.ErrRestBackfillFailed, "gateio: short spot candlestick row", nil)
		}
		// [timestamp, quote_volume, close, high, low, open, base_volume, window_closed]
		return gateioResultToCandle(ct, gateioResult{
			Timestamp: row[0], Close: row[2], High: row[3], Low: row[4], Open: row[5],
			Volume: volumeOrDefault(row, 6), Name: "1m_" + symbol, WindowOK: true,
		})
	}

	url := fmt.Sprintf("%s?contract=%s&interval=1m&limit=1", cfg.restURL, strings.ToUpper(symbol))
	body, err := pool.Get(ctx, url)
	if err != nil {
		return model.Candle{}, err
	}
	var rows []gateioResult
	if err := json.Unmarshal(body, &rows); err != nil || len(rows) == 0 {
		return model.Candle{}, model.NewError(model.ErrRestBackfillFailed, "gateio: invalid futures candlestick response", err)
	}
	rows[0].Name = "1m_" + symbol
	rows[0].WindowOK = true
	return gateioResultToCandle(ct, rows[0])
}

func volumeOrDefault(row []string, idx int) string {
	if idx < len(row) {
		return row[idx]
	}
	return "0"
}
