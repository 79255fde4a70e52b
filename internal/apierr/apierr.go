// Package apierr gives every failure mode in this gateway a typed, stable
// code instead of a free-form error string, per the redesign decision in
// DESIGN.md to replace exception-for-control-flow with typed results.
package apierr

import "net/http"

// Code is a stable machine-readable error identifier.
type Code string

const (
	InvalidSide                   Code = "INVALID_SIDE"
	InvalidOrderType               Code = "INVALID_ORDER_TYPE"
	PriceRequiredForLimit          Code = "PRICE_REQUIRED_FOR_LIMIT"
	PriceNotAllowedForMarket       Code = "PRICE_NOT_ALLOWED_FOR_MARKET"
	InvalidQty                     Code = "INVALID_QTY"
	InvalidPrice                   Code = "INVALID_PRICE"
	NotionalLimitExceeded          Code = "NOTIONAL_LIMIT_EXCEEDED"
	InsufficientPositionQty        Code = "INSUFFICIENT_POSITION_QTY"
	MaxQtyExceeded                 Code = "MAX_QTY_EXCEEDED"
	DailyLimitExceeded             Code = "DAILY_LIMIT_EXCEEDED"
	LiveDisabled                   Code = "LIVE_DISABLED"
	OutOfTradingWindow             Code = "OUT_OF_TRADING_WINDOW"
	InvalidTransition               Code = "INVALID_TRANSITION"
	IdempotencyKeyBodyMismatch      Code = "IDEMPOTENCY_KEY_BODY_MISMATCH"
	OrderNotFound                   Code = "ORDER_NOT_FOUND"
	OrderAlreadyTerminal            Code = "ORDER_ALREADY_TERMINAL"
	RestRateLimitCooldown           Code = "REST_RATE_LIMIT_COOLDOWN"
	PortfolioProviderNotConfigured  Code = "PORTFOLIO_PROVIDER_NOT_CONFIGURED"
	PortfolioProviderUnavailable    Code = "PORTFOLIO_PROVIDER_UNAVAILABLE"
	SessionLeaseHeld                Code = "SESSION_LEASE_HELD"
	SessionNotOwner                 Code = "SESSION_NOT_OWNER"
	OperatorTokenRequired           Code = "OPERATOR_TOKEN_REQUIRED"
	MalformedRequestBody            Code = "MALFORMED_REQUEST_BODY"

	// Dispatcher-internal classifications (not surfaced over HTTP directly;
	// they populate OrderJob.error).
	RateLimit      Code = "RATE_LIMIT"
	Auth           Code = "AUTH"
	InvalidOrder   Code = "INVALID_ORDER"
	Unknown        Code = "UNKNOWN"
	RetryExhausted Code = "RETRY_EXHAUSTED"
	BrokerRejected Code = "BROKER_REJECTED"
)

// Error is a typed result carrying the information an HTTP handler needs to
// respond correctly without inspecting strings.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Code) + ": " + e.Message
	}
	return string(e.Code)
}

// New builds an *Error from a code, using the code itself as the message.
func New(code Code) *Error {
	return &Error{Code: code, Message: string(code)}
}

// Newf builds an *Error with a custom message.
func Newf(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// HTTPStatus maps a code to the status policy of spec.md §7: validation and
// transition errors are 400, conflicts are 409, not-found is 404, upstream
// unavailability is 503, everything else defaults to 500.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case InvalidSide, InvalidOrderType, PriceRequiredForLimit, PriceNotAllowedForMarket,
		InvalidQty, InvalidPrice, NotionalLimitExceeded, InsufficientPositionQty,
		MaxQtyExceeded, DailyLimitExceeded, LiveDisabled, OutOfTradingWindow,
		InvalidTransition, OperatorTokenRequired, MalformedRequestBody:
		return http.StatusBadRequest
	case IdempotencyKeyBodyMismatch, OrderAlreadyTerminal, SessionLeaseHeld, SessionNotOwner:
		return http.StatusConflict
	case OrderNotFound:
		return http.StatusNotFound
	case RestRateLimitCooldown, PortfolioProviderNotConfigured, PortfolioProviderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// As extracts an *Error from err, reporting false if err is not one.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
