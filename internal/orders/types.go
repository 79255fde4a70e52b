// Package orders holds the data types shared by the risk, queue, dispatch
// and reconciliation packages: OrderRequest, OrderJob, and the status
// lattice of spec.md §3.
package orders

import (
	"strings"
	"time"

	"github.com/sawpanic/kisgateway/internal/apierr"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

// Status is a node in the order status lattice of spec.md §3.
type Status string

const (
	StatusNew            Status = "NEW"
	StatusDispatching    Status = "DISPATCHING"
	StatusSent           Status = "SENT"
	StatusFilled         Status = "FILLED"
	StatusRejected       Status = "REJECTED"
	StatusCancelPending  Status = "CANCEL_PENDING"
	StatusCanceled       Status = "CANCELED"
	StatusModifyPending  Status = "MODIFY_PENDING"
	StatusAccepted       Status = "ACCEPTED"
	StatusQueued         Status = "QUEUED" // public-facing rename of NEW, see DESIGN.md Open Question (b)
)

// IsTerminal reports whether status is one of the lattice's terminal nodes.
func (s Status) IsTerminal() bool {
	return s == StatusFilled || s == StatusRejected || s == StatusCanceled
}

// CancelModifyAllowed reports whether a cancel/modify transition may be
// requested from status, per spec.md §4.7's transition rule.
func CancelModifyAllowed(s Status) bool {
	switch s {
	case StatusNew, StatusDispatching, StatusSent, StatusAccepted, StatusQueued:
		return true
	default:
		return false
	}
}

// Request is the client-supplied order intent. Side and OrderType are
// case-insensitive on input and upper-cased at the boundary (see
// NormalizeRequest).
type Request struct {
	AccountID  string    `json:"account_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Qty        int64     `json:"qty"`
	OrderType  OrderType `json:"order_type"`
	Price      *float64  `json:"price,omitempty"`
	StrategyID string    `json:"strategy_id,omitempty"`
}

// Job is the lifecycle record the queue tracks per accepted order.
type Job struct {
	OrderID       string    `json:"order_id"`
	Request       Request   `json:"request"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Error         string    `json:"error,omitempty"`
	BrokerOrderID string    `json:"broker_order_id,omitempty"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	Terminal      bool      `json:"terminal"`
}

// NormalizeRequest upper-cases Side/OrderType and validates the request
// shape per spec.md §3: side must be BUY or SELL, order_type must be
// LIMIT or MARKET, LIMIT requires a price, MARKET forbids one.
func NormalizeRequest(req Request) (Request, error) {
	req.Side = Side(strings.ToUpper(string(req.Side)))
	req.OrderType = OrderType(strings.ToUpper(string(req.OrderType)))

	switch req.Side {
	case Buy, Sell:
	default:
		return Request{}, apierr.New(apierr.InvalidSide)
	}

	switch req.OrderType {
	case Limit:
		if req.Price == nil {
			return Request{}, apierr.New(apierr.PriceRequiredForLimit)
		}
	case Market:
		if req.Price != nil {
			return Request{}, apierr.New(apierr.PriceNotAllowedForMarket)
		}
	default:
		return Request{}, apierr.New(apierr.InvalidOrderType)
	}

	return req, nil
}

// PublicView renders a Job through the /orders/{id} route's NEW→QUEUED
// rename (DESIGN.md Open Question (b)); /orders/{id}/state uses Job as-is.
func (j Job) PublicView() Job {
	if j.Status == StatusNew {
		j.Status = StatusQueued
	}
	return j
}
