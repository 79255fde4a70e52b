// Package broker declares the upstream-facing ports the rest of the
// gateway programs against: a quote REST client, an approval-key issuer,
// an order adapter, a portfolio provider, and a status provider. Concrete
// implementations live under internal/broker/demo for the in-process demo
// account; a real broker adapter would implement the same interfaces.
package broker

import (
	"context"
	"errors"

	"github.com/sawpanic/kisgateway/internal/orders"
	"github.com/sawpanic/kisgateway/internal/quote"
)

// ErrRateLimited is the sentinel a QuoteRESTClient returns for an HTTP 429,
// which the quote gateway maps onto a per-symbol cooldown window.
var ErrRateLimited = errors.New("quote rest client rate limited")

// QuoteRESTClient fetches a single quote over REST, used as the fallback
// path when the streaming cache is stale or absent.
type QuoteRESTClient interface {
	GetQuote(ctx context.Context, symbol string) (quote.Snapshot, error)
}

// ApprovalKeyIssuer issues the short-lived key the streaming client
// presents when subscribing to ticker channels.
type ApprovalKeyIssuer interface {
	IssueApprovalKey(ctx context.Context) (string, error)
}

// OrderAdapter submits, cancels, and modifies orders against the broker.
type OrderAdapter interface {
	Submit(ctx context.Context, job orders.Job) (brokerOrderID string, err error)
	Cancel(ctx context.Context, job orders.Job) error
	Modify(ctx context.Context, job orders.Job, newQty int64, newPrice *float64) error
	// Status returns the broker's current view of an order, used by the
	// reconciliation engine to detect drift from the local ledger.
	Status(ctx context.Context, job orders.Job) (orders.Status, error)
}

// Position is one held instrument as reported by PortfolioProvider.
type Position struct {
	Symbol string  `json:"symbol"`
	Qty    int64   `json:"qty"`
	AvgCost float64 `json:"avg_cost"`
}

// Balance is account cash/buying-power as reported by PortfolioProvider.
type Balance struct {
	Currency      string  `json:"currency"`
	Cash          float64 `json:"cash"`
	BuyingPower   float64 `json:"buying_power"`
}

// PortfolioProvider reports positions and balances; it is optional (a
// gateway may run with none configured, see apierr.PortfolioProviderNotConfigured).
type PortfolioProvider interface {
	Positions(ctx context.Context) ([]Position, error)
	Balances(ctx context.Context) ([]Balance, error)
}

// BrokerStatusProvider is what the reconciliation engine polls to diff
// against the local order ledger. found is false when the broker has no
// opinion on the order yet, in which case the engine skips it this round.
type BrokerStatusProvider interface {
	OrderStatus(ctx context.Context, job orders.Job) (status orders.Status, found bool, err error)
}
