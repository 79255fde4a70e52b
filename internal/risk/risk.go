// Package risk holds the pre-trade risk policy (C6): a pure function over
// the order request and the account's current counters, with no I/O of
// its own — callers supply the daily order count and the available sell
// quantity.
package risk

import (
	"time"

	"github.com/sawpanic/kisgateway/internal/apierr"
	"github.com/sawpanic/kisgateway/internal/config"
	"github.com/sawpanic/kisgateway/internal/orders"
)

// AvailableSellQtyFunc resolves the position size a SELL is bounded by.
type AvailableSellQtyFunc func(accountID, symbol string) int64

// Result is the outcome of EvaluateTradeRisk: Ok is true iff no rule
// fired, in which case Reason is empty.
type Result struct {
	Ok     bool
	Reason apierr.Code
}

func ok() Result                  { return Result{Ok: true} }
func fail(code apierr.Code) Result { return Result{Ok: false, Reason: code} }

// EvaluateTradeRisk runs the ordered rule checks of spec.md §4.7. Request-
// layer validation (qty/price/trading-window) is evaluated first since it
// guards the shape the remaining rules assume; the side/notional/position
// rules then run in spec.md §4.7's listed order.
func EvaluateTradeRisk(
	req orders.Request,
	cfg config.RiskConfig,
	now time.Time,
	dailyOrderCount int,
	availableSellQty AvailableSellQtyFunc,
) Result {
	if req.Qty < 1 {
		return fail(apierr.InvalidQty)
	}
	if req.Price != nil && *req.Price <= 0 {
		return fail(apierr.InvalidPrice)
	}
	if !cfg.MarketOpen(now) {
		return fail(apierr.OutOfTradingWindow)
	}

	if !cfg.LiveEnabled {
		return fail(apierr.LiveDisabled)
	}
	if int64(dailyOrderCount) >= int64(cfg.DailyOrderLimit) {
		return fail(apierr.DailyLimitExceeded)
	}

	switch req.Side {
	case orders.Buy:
		price := cfg.DefaultPrice
		if req.Price != nil {
			price = *req.Price
		}
		if float64(req.Qty)*price > cfg.BuyNotionalCap {
			return fail(apierr.NotionalLimitExceeded)
		}
		if req.Qty > cfg.MaxQty {
			return fail(apierr.MaxQtyExceeded)
		}
	case orders.Sell:
		available := availableSellQty(req.AccountID, req.Symbol)
		if req.Qty > available {
			return fail(apierr.InsufficientPositionQty)
		}
	default:
		return fail(apierr.InvalidSide)
	}

	return ok()
}

// EvaluateTransition enforces that cancel/modify actions are only
// requested from a cancelable status.
func EvaluateTransition(status orders.Status) Result {
	if !orders.CancelModifyAllowed(status) {
		return fail(apierr.InvalidTransition)
	}
	return ok()
}
