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

const okxStreamURL = "wss://ws.okx.com:8443/ws/v5/business"

var okxContractTypes = map[string]bool{"spot": true, "swap": true, "swap_coinm": true}

// OKXConnector streams 1-minute candles from OKX's business WebSocket
// endpoint, a single URL shared by every contract type.
type OKXConnector struct{}

func NewOKXConnector() *OKXConnector { return &OKXConnector{} }

func (c *OKXConnector) Name() string                         { return "okx" }
func (c *OKXConnector) DefaultContractType() string          { return "spot" }
func (c *OKXConnector) SupportsContractType(ct string) bool  { return okxContractTypes[ct] }
func (c *OKXConnector) MaxSymbolsPerConn(ct string) int {
	if okxContractTypes[ct] {
		return 200
	}
	return 0
}

func (c *OKXConnector) StreamURL(ct string, symbols []string) (string, error) {
	if !okxContractTypes[ct] {
		return "", model.NewError(model.ErrUnsupportedContractType, "okx: unsupported contract type "+ct, nil)
	}
	if err := utils.ValidatePairs(symbols, 200); err != nil {
		return "", err
	}
	return okxStreamURL, nil
}

type okxSubscribeArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type okxSubscribeMsg struct {
	Op   string             `json:"op"`
	Args []okxSubscribeArg  `json:"args"`
}

// SubscribeFrames builds a single subscribe frame listing every symbol, the
// way OKX expects a batched subscription rather than one frame per symbol.
func (c *OKXConnector) SubscribeFrames(ct string, symbols []string) ([][]byte, error) {
	args := make([]okxSubscribeArg, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, okxSubscribeArg{Channel: "candle1m", InstID: strings.ToUpper(s)})
	}
	frame, err := json.Marshal(okxSubscribeMsg{Op: "subscribe", Args: args})
	if err != nil {
		return nil, model.NewError(model.ErrWSProtocolError, "okx: encoding subscribe frame", err)
	}
	return [][]byte{frame}, nil
}

func (c *OKXConnector) HandleControlFrame(raw []byte) ([]byte, bool) { return nil, false }

type okxArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type okxMessage struct {
	Event string     `json:"event"`
	Arg   okxArg     `json:"arg"`
	Data  [][]string `json:"data"`
}

// ParseFrame decodes OKX's candle push frames, each data row shaped
// [ts, open, high, low, close, vol, volCcy, volCcyQuote, confirm].
func (c *OKXConnector) ParseFrame(ct string, raw []byte) ([]model.Candle, error) {
	var m okxMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, model.NewError(model.ErrWSProtocolError, "okx: invalid frame", err)
	}
	if m.Event == "subscribe" || m.Event == "unsubscribe" {
		return nil, nil
	}
	if m.Event == "error" {
		return nil, model.NewError(model.ErrWSSubscribeRejected, "okx: subscribe rejected", nil)
	}
	if len(m.Data) == 0 {
		return nil, nil
	}

	candles := make([]model.Candle, 0, len(m.Data))
	for _, row := range m.Data {
		candle, err := okxRowToCandle(ct, m.Arg.InstID, row)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func okxRowToCandle(ct, symbol string, row []string) (model.Candle, error) {
	if len(row) < 9 {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "okx: short candle row", nil)
	}
	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "okx: invalid timestamp", err)
	}
	open, err := decimal.NewFromString(row[1])
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "okx: invalid open", err)
	}
	high, err := decimal.NewFromString(row[2])
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "okx: invalid high", err)
	}
	low, err := decimal.NewFromString(row[3])
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "okx: invalid low", err)
	}
	closePrice, err := decimal.NewFromString(row[4])
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "okx: invalid close", err)
	}
	volume, err := decimal.NewFromString(row[5])
	if err != nil {
		return model.Candle{}, model.NewError(model.ErrWSProtocolError, "okx: invalid volume", err)
	}

	return model.Candle{
		Exchange:     "okx",
		ContractType: ct,
		Symbol:       utils.NormalizeSymbol(symbol),
		Open:         open,
		High:         high,
		Low:          low,
		Close:        closePrice,
		Volume:       volume,
		Timestamp:    msToTime(ts),
		IsClosed:     row[8] == "1",
	}, nil
}

// RestBackfill fetches the most recent 1-minute candle via OKX's market
// candles REST endpoint, whose response shares the same row shape as the
// WebSocket feed.
func (c *OKXConnector) RestBackfill(ctx context.Context, pool *restpool.Pool, ct string, symbol string) (model.Candle, error) {
	if !okxContractTypes[ct] {
		return model.Candle{}, model.NewError(model.ErrUnsupportedContractType, "okx: unsupported contract type "+ct, nil)
	}

	url := fmt.Sprintf("https://www.okx.com/api/v5/market/candles?instId=%s&bar=1m&limit=1", strings.ToUpper(symbol))
	body, err := pool.Get(ctx, url)
	if err != nil {
		return model.Candle{}, err
	}

	var resp struct {
		Code string     `json:"code"`
		Data [][]string `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Data) == 0 {
		return model.Candle{}, model.NewError(model.ErrRestBackfillFailed, "okx: invalid candles response", err)
	}

	return okxRowToCandle(ct, symbol, resp.Data[0])
}
