package model

import "fmt"

// ErrorCode enumerates the gateway's error taxonomy, reported both in
// structured log fields and in the "code" field of downstream error frames.
type ErrorCode string

const (
	ErrWSConnectFailed         ErrorCode = "WS_CONNECT_FAILED"
	ErrWSSubscribeRejected     ErrorCode = "WS_SUBSCRIBE_REJECTED"
	ErrWSStreamTimeout         ErrorCode = "WS_STREAM_TIMEOUT"
	ErrWSProtocolError         ErrorCode = "WS_PROTOCOL_ERROR"
	ErrRestBackfillFailed      ErrorCode = "REST_BACKFILL_FAILED"
	ErrRateLimited             ErrorCode = "RATE_LIMITED"
	ErrUnsupportedContractType ErrorCode = "UNSUPPORTED_CONTRACT_TYPE"
	ErrInvalidSymbol           ErrorCode = "INVALID_SYMBOL"
	ErrQueueBackpressure       ErrorCode = "INTERNAL_QUEUE_BACKPRESSURE"
	ErrConnectionPoolBusy      ErrorCode = "CONNECTION_POOL_BUSY"
	ErrUnknown                 ErrorCode = "UNKNOWN"
)

// GatewayError is the error type every component in this repo returns for a
// classified failure. It wraps the underlying cause so callers can still
// errors.Is/errors.As through it, while carrying the taxonomy code a caller
// needs to decide whether to retry, backfill, or surface to a subscriber.
type GatewayError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// NewError builds a GatewayError, optionally wrapping a lower-level cause.
func NewError(code ErrorCode, message string, cause error) *GatewayError {
	return &GatewayError{Code: code, Message: message, Err: cause}
}
