// Package subscriber implements the downstream WebSocket multiplexer: it
// accepts client connections, parses their subscribe request, registers them
// with the session manager, and fans out normalised candles to each
// connection's own bounded outbound buffer. The per-connection fan-out
// follows the same single-goroutine-owns-state pattern the trade dispatcher
// uses one level up, except here the state owned by one goroutine is just
// that one connection's buffer, not a shared subscribers map.
package subscriber

import (
	"time"

	goccyjson "github.com/goccy/go-json"
	"github.com/go-playground/validator/v10"

	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/model"
)

var validate = validator.New()

// subscribeRequest is the first frame a client must send, within
// SubscribeTimeout of connecting.
type subscribeRequest struct {
	Exchange     string   `json:"exchange" validate:"required"`
	ContractType string   `json:"contract_type"`
	Symbols      []string `json:"symbols" validate:"required,min=1"`
	Limit        int      `json:"limit"`
}

func decodeSubscribeRequest(raw []byte) (subscribeRequest, error) {
	var req subscribeRequest
	if err := goccyjson.Unmarshal(raw, &req); err != nil {
		return subscribeRequest{}, model.NewError(model.ErrInvalidSymbol, "malformed subscribe request", err)
	}
	if err := validate.Struct(req); err != nil {
		return subscribeRequest{}, model.NewError(model.ErrInvalidSymbol, "invalid subscribe request", err)
	}
	return req, nil
}

// subscribedFrame acknowledges a successful subscribe.
type subscribedFrame struct {
	Type         string   `json:"type"`
	Exchange     string   `json:"exchange"`
	ContractType string   `json:"contract_type"`
	Symbols      []string `json:"symbols"`
	Limit        int      `json:"limit"`
}

func newSubscribedFrame(exchangeName, contractType string, symbols []string, limit int) []byte {
	frame := subscribedFrame{
		Type: "subscribed", Exchange: exchangeName, ContractType: contractType,
		Symbols: symbols, Limit: limit,
	}
	data, _ := goccyjson.Marshal(frame)
	return data
}

// quoteFrame is one normalised candle delivered downstream.
type quoteFrame struct {
	Type           string `json:"type"`
	CurrentTime    string `json:"current_time"`
	Timestamp      string `json:"timestamp"`
	Exchange       string `json:"exchange"`
	Symbol         string `json:"symbol"`
	ContractType   string `json:"contract_type"`
	Open           string `json:"open"`
	High           string `json:"high"`
	Low            string `json:"low"`
	Close          string `json:"close"`
	Volume         string `json:"volume"`
	TradeNum       int64  `json:"trade_num"`
	IsClosedCandle bool   `json:"is_closed_candle"`
}

func newQuoteFrame(c model.Candle) []byte {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	frame := quoteFrame{
		Type:           "quote",
		CurrentTime:    now,
		Timestamp:      c.Timestamp.UTC().Format(time.RFC3339Nano),
		Exchange:       c.Exchange,
		Symbol:         c.Symbol,
		ContractType:   c.ContractType,
		Open:           c.Open.String(),
		High:           c.High.String(),
		Low:            c.Low.String(),
		Close:          c.Close.String(),
		Volume:         c.Volume.String(),
		TradeNum:       c.TradeNum,
		IsClosedCandle: c.IsClosed,
	}
	data, _ := goccyjson.Marshal(frame)
	return data
}

// errorFrame reports a classified failure to the subscriber.
type errorFrame struct {
	Type            string   `json:"type"`
	Message         string   `json:"message"`
	Code            string   `json:"code"`
	Exchange        string   `json:"exchange,omitempty"`
	ContractType    string   `json:"contract_type,omitempty"`
	Symbols         []string `json:"symbols,omitempty"`
	ExchangeMessage string   `json:"exchange_message,omitempty"`
}

func newErrorFrame(key model.SubscriptionKey, gerr *model.GatewayError) []byte {
	frame := errorFrame{
		Type:         "error",
		Message:      gerr.Message,
		Code:         string(gerr.Code),
		Exchange:     key.Exchange,
		ContractType: key.ContractType,
		Symbols:      []string{key.Symbol},
	}
	if gerr.Err != nil {
		frame.ExchangeMessage = gerr.Err.Error()
	}
	data, _ := goccyjson.Marshal(frame)
	return data
}

func newBackpressureFrame(key model.SubscriptionKey) []byte {
	return newErrorFrame(key, model.NewError(model.ErrQueueBackpressure, "outbound buffer overflow", nil))
}
