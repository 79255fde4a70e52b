// Package app wires every component into one explicit application
// context, constructed once at startup and threaded through the HTTP
// handlers — no package-level mutable globals (see DESIGN.md).
package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/kisgateway/internal/broker"
	"github.com/sawpanic/kisgateway/internal/broker/demo"
	"github.com/sawpanic/kisgateway/internal/config"
	"github.com/sawpanic/kisgateway/internal/orders"
	"github.com/sawpanic/kisgateway/internal/orders/dispatch"
	"github.com/sawpanic/kisgateway/internal/orders/queue"
	"github.com/sawpanic/kisgateway/internal/quote/cache"
	"github.com/sawpanic/kisgateway/internal/quote/gateway"
	"github.com/sawpanic/kisgateway/internal/quote/ingest"
	"github.com/sawpanic/kisgateway/internal/quote/restclient"
	"github.com/sawpanic/kisgateway/internal/quote/stream"
	"github.com/sawpanic/kisgateway/internal/reconcile"
	"github.com/sawpanic/kisgateway/internal/readiness"
	"github.com/sawpanic/kisgateway/internal/session"
)

// dailyOrderCounter tracks how many orders have been accepted since the
// local calendar day last rolled over, for the risk engine's daily limit
// check.
type dailyOrderCounter struct {
	mu      sync.Mutex
	day     string
	count   int
	nowFunc func() time.Time
}

func newDailyOrderCounter(now func() time.Time) *dailyOrderCounter {
	return &dailyOrderCounter{nowFunc: now}
}

func (d *dailyOrderCounter) dayKey(t time.Time) string { return t.Format("2006-01-02") }

func (d *dailyOrderCounter) Increment() {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := d.dayKey(d.nowFunc())
	if key != d.day {
		d.day = key
		d.count = 0
	}
	d.count++
}

func (d *dailyOrderCounter) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := d.dayKey(d.nowFunc())
	if key != d.day {
		return 0
	}
	return d.count
}

// App bundles every wired component the HTTP surface and the background
// workers depend on.
type App struct {
	Env    *config.Env
	OpCfg  config.OperationalConfig

	Cache        *cache.Cache
	Ingest       *ingest.Ingest
	StreamClient *stream.Client

	Gateway *gateway.Gateway
	Queue   *queue.Queue
	Dispatch *dispatch.Worker
	Reconcile *reconcile.Engine
	Session *session.Orchestrator

	OrderAdapter      broker.OrderAdapter
	PortfolioProvider broker.PortfolioProvider

	dailyOrders *dailyOrderCounter
	nowFunc     func() time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs an App. When env.Env == "mock" every broker port is
// backed by the in-memory demo broker; "live" wires the real REST client
// in place of the quote and approval-key ports only. The order adapter,
// portfolio provider and status provider are the demo broker in both
// modes.
func New(env *config.Env, opCfg config.OperationalConfig) *App {
	c := cache.New()
	ing := ingest.New(c, opCfg.Quote.StaleAfterSec, opCfg.Quote.HeartbeatTimeout)

	var quoteREST broker.QuoteRESTClient
	var approvalIssuer broker.ApprovalKeyIssuer
	var orderAdapter broker.OrderAdapter
	var portfolio broker.PortfolioProvider
	var statusProvider broker.BrokerStatusProvider

	if env.Env == "live" {
		restCli := restclient.New(restclient.Config{
			BaseURL:   "https://openapi.koreainvestment.com:9443",
			AppKey:    env.AppKey,
			AppSecret: env.AppSecret,
		})
		quoteREST = restCli
		approvalIssuer = restCli
		demoBroker := demo.New(nil)
		orderAdapter = demoBroker
		portfolio = demoBroker
		statusProvider = demoBroker
	} else {
		demoBroker := demo.New(nil)
		quoteREST = demoBroker
		approvalIssuer = demoBroker
		orderAdapter = demoBroker
		portfolio = demoBroker
		statusProvider = demoBroker
	}

	gw := gateway.New(c, quoteREST, opCfg.Quote, opCfg.Risk)
	q := queue.New(opCfg.Order.MaxAttempts)
	dispatchWorker := dispatch.New(q, orderAdapter, 200*time.Millisecond)
	reconcileEngine := reconcile.New(q, statusProvider, opCfg.Recon.JournalPath, opCfg.Recon.IntervalSec)
	sess := session.New("system", 24*time.Hour)

	var streamClient *stream.Client
	if env.WSURL() != "" {
		streamClient = stream.New(env.WSURL(), env.WSSymbols, approvalIssuer, ing)
	}

	return &App{
		Env:               env,
		OpCfg:             opCfg,
		Cache:             c,
		Ingest:            ing,
		StreamClient:      streamClient,
		Gateway:           gw,
		Queue:             q,
		Dispatch:          dispatchWorker,
		Reconcile:         reconcileEngine,
		Session:           sess,
		OrderAdapter:      orderAdapter,
		PortfolioProvider: portfolio,
		dailyOrders:       newDailyOrderCounter(time.Now),
		nowFunc:           time.Now,
	}
}

// Now returns the current time from the app's clock (time.Now), so every
// handler reads time from one place.
func (a *App) Now() time.Time { return a.nowFunc() }

// LiveReadiness evaluates whether the gateway may currently accept live
// trading, combining required-env presence with the streaming metrics.
func (a *App) LiveReadiness() readiness.Report {
	return readiness.Evaluate(config.MissingRequired(), a.Ingest.Metrics(a.Now().Unix()))
}

// DailyOrderCount reports how many orders have been accepted today, for
// the risk engine's daily limit rule.
func (a *App) DailyOrderCount() int { return a.dailyOrders.Count() }

// RecordOrderAccepted bumps the daily order counter; call after a
// successful queue.Enqueue.
func (a *App) RecordOrderAccepted() { a.dailyOrders.Increment() }

// AvailableSellQty looks up the broker's reported position for symbol, for
// the risk engine's sell-side check. Errors or missing positions report 0.
func (a *App) AvailableSellQty(accountID, symbol string) int64 {
	if a.PortfolioProvider == nil {
		return 0
	}
	positions, err := a.PortfolioProvider.Positions(context.Background())
	if err != nil {
		return 0
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return p.Qty
		}
	}
	return 0
}

// Start launches the background streaming, dispatch, and reconciliation
// workers. Safe to call once.
func (a *App) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.StreamClient != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.StreamClient.Run(ctx)
		}()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Dispatch.Run(ctx)
	}()

	a.Reconcile.Start(ctx)

	log.Info().Str("env", a.Env.Env).Msg("app started")
}

// Stop cancels background workers and joins them with a short grace
// period before returning.
func (a *App) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.Reconcile.Stop()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		log.Warn().Msg("app stop: background workers did not join within grace period")
	}
}

// EnqueueOrder enqueues an already risk-checked req, bumping the daily
// counter only on a freshly accepted order. It runs no risk check itself.
func (a *App) EnqueueOrder(req orders.Request, idemKey string) (orders.Job, error) {
	// risk evaluation lives in internal/risk; callers (httpapi handlers)
	// invoke it before calling EnqueueOrder so the 400 vs 409 status split
	// of spec.md §7 stays in the handler layer, closest to the HTTP codes
	// it produces.
	job, fresh, err := a.Queue.Enqueue(req, idemKey)
	if err != nil {
		return orders.Job{}, err
	}
	// An idempotent replay returns the original job with no error but must
	// not bump the daily counter a second time — only a fresh accept does.
	if fresh {
		a.RecordOrderAccepted()
	}
	return job, nil
}
