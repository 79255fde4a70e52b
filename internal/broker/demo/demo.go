// Package demo is an in-memory broker implementing every internal/broker
// port, standing in for a real KIS account so the gateway is runnable with
// KIS_ENV=mock and no upstream credentials: a struct holding mutex-
// protected simulated state behind the package's venue-adapter interfaces.
package demo

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sawpanic/kisgateway/internal/broker"
	"github.com/sawpanic/kisgateway/internal/orders"
	"github.com/sawpanic/kisgateway/internal/quote"
)

// Broker is a self-contained, deterministic-enough fake: quotes wander a
// random walk from a seed price per symbol, orders fill immediately (at
// the request's price when it has one, else at the simulated price), and
// positions/cash move accordingly.
type Broker struct {
	mu sync.Mutex

	seedPrices map[string]float64
	lastPrice  map[string]float64
	positions  map[string]map[string]*broker.Position // accountID -> symbol -> position
	cash       map[string]float64                      // accountID -> cash
	statuses   map[string]orders.Status                // brokerOrderID -> status

	now func() time.Time
	rng *rand.Rand
}

// New builds a demo broker seeded with starting prices per symbol (symbols
// absent from seedPrices default to 70000 on first quote).
func New(seedPrices map[string]float64) *Broker {
	seeded := make(map[string]float64, len(seedPrices))
	for k, v := range seedPrices {
		seeded[k] = v
	}
	return &Broker{
		seedPrices: seeded,
		lastPrice:  make(map[string]float64),
		positions:  make(map[string]map[string]*broker.Position),
		cash:       make(map[string]float64),
		statuses:   make(map[string]orders.Status),
		now:        time.Now,
		rng:        rand.New(rand.NewSource(1)),
	}
}

// WithClock overrides the clock (tests use a fixed time for quote stamps).
func (b *Broker) WithClock(now func() time.Time) *Broker { b.now = now; return b }

func (b *Broker) priceFor(symbol string) float64 {
	price, ok := b.lastPrice[symbol]
	if !ok {
		price, ok = b.seedPrices[symbol]
		if !ok {
			price = 70000
		}
	}
	// wander +/- 0.5% per call
	delta := (b.rng.Float64() - 0.5) * 0.01 * price
	price += delta
	if price < 1 {
		price = 1
	}
	b.lastPrice[symbol] = price
	return price
}

// GetQuote implements broker.QuoteRESTClient.
func (b *Broker) GetQuote(ctx context.Context, symbol string) (quote.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	price := b.priceFor(symbol)
	return quote.Snapshot{
		Symbol:       symbol,
		Price:        price,
		ChangePct:    0,
		Turnover:     1_000_000,
		Source:       quote.SourceDemo,
		TS:           b.now().Unix(),
		FreshnessSec: 0,
		State:        quote.StateHealthy,
	}, nil
}

// IssueApprovalKey implements broker.ApprovalKeyIssuer.
func (b *Broker) IssueApprovalKey(ctx context.Context) (string, error) {
	return "demo-approval-key", nil
}

// Submit implements broker.OrderAdapter: fills immediately at the request's
// price, or at the current simulated price when the request has none, and
// moves cash/positions.
func (b *Broker) Submit(ctx context.Context, job orders.Job) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	price := b.priceFor(job.Request.Symbol)
	if job.Request.Price != nil {
		price = *job.Request.Price
	}

	acct := job.Request.AccountID
	if _, ok := b.positions[acct]; !ok {
		b.positions[acct] = make(map[string]*broker.Position)
	}
	pos, ok := b.positions[acct][job.Request.Symbol]
	if !ok {
		pos = &broker.Position{Symbol: job.Request.Symbol}
		b.positions[acct][job.Request.Symbol] = pos
	}

	notional := price * float64(job.Request.Qty)
	switch job.Request.Side {
	case orders.Buy:
		pos.Qty += job.Request.Qty
		b.cash[acct] -= notional
	case orders.Sell:
		pos.Qty -= job.Request.Qty
		b.cash[acct] += notional
	default:
		return "", fmt.Errorf("INVALID_ORDER: unknown side %q", job.Request.Side)
	}

	brokerOrderID := "demo-" + job.OrderID
	b.statuses[brokerOrderID] = orders.StatusFilled
	return brokerOrderID, nil
}

// Cancel implements broker.OrderAdapter. Demo fills are synchronous, so
// there is nothing to cancel: it returns an error for an unknown broker
// order id and nil otherwise, leaving the recorded status as it is.
func (b *Broker) Cancel(ctx context.Context, job orders.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.statuses[job.BrokerOrderID]; !ok {
		return fmt.Errorf("INVALID_ORDER: unknown broker order %q", job.BrokerOrderID)
	}
	return nil
}

// Modify implements broker.OrderAdapter as a no-op; demo orders fill
// synchronously on submit so there is nothing left in flight to modify.
func (b *Broker) Modify(ctx context.Context, job orders.Job, newQty int64, newPrice *float64) error {
	return nil
}

// Status implements broker.OrderAdapter.
func (b *Broker) Status(ctx context.Context, job orders.Job) (orders.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	status, ok := b.statuses[job.BrokerOrderID]
	if !ok {
		return "", fmt.Errorf("INVALID_ORDER: unknown broker order %q", job.BrokerOrderID)
	}
	return status, nil
}

// OrderStatus implements broker.BrokerStatusProvider.
func (b *Broker) OrderStatus(ctx context.Context, job orders.Job) (orders.Status, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	status, ok := b.statuses[job.BrokerOrderID]
	if !ok {
		return "", false, nil
	}
	return status, true, nil
}

// Positions implements broker.PortfolioProvider, flattening the non-zero
// positions of every demo account into one list.
func (b *Broker) Positions(ctx context.Context) ([]broker.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []broker.Position
	for _, bysymbol := range b.positions {
		for _, pos := range bysymbol {
			if pos.Qty != 0 {
				out = append(out, *pos)
			}
		}
	}
	return out, nil
}

// Balances implements broker.PortfolioProvider.
func (b *Broker) Balances(ctx context.Context) ([]broker.Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []broker.Balance
	for _, cash := range b.cash {
		out = append(out, broker.Balance{Currency: "KRW", Cash: cash, BuyingPower: cash})
	}
	return out, nil
}
