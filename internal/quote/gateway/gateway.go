// Package gateway is the quote gateway (C5): the read-path engine that
// prefers the streaming cache and falls back to REST, tracking a
// per-symbol rate-limit cooldown and layering a warm REST+cache tier
// behind a hot WebSocket tier.
package gateway

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/sawpanic/kisgateway/internal/apierr"
	"github.com/sawpanic/kisgateway/internal/broker"
	"github.com/sawpanic/kisgateway/internal/config"
	"github.com/sawpanic/kisgateway/internal/quote"
	"github.com/sawpanic/kisgateway/internal/quote/cache"
)

// Metrics matches the field list of spec.md §4.6 exactly.
type Metrics struct {
	RestFallbacks     int64 `json:"rest_fallbacks"`
	FallbackTriggered int64 `json:"fallback_triggered"`
	RestFilledCount   int64 `json:"rest_filled_count"`
	WSCount           int64 `json:"ws_count"`
	BatchTargetCount  int64 `json:"batch_target_count"`
	BatchFinalCount   int64 `json:"batch_final_count"`
	BatchMarketOpen   bool  `json:"batch_market_open"`
}

// BatchMeta is the non-quote half of a GetQuotes result.
type BatchMeta struct {
	MissingCount  int      `json:"missing_count"`
	FailedSymbols []string `json:"failed_symbols"`
}

// Gateway is the quote gateway.
type Gateway struct {
	cache *cache.Cache
	rest  broker.QuoteRESTClient

	quoteCfg config.QuoteConfig
	riskCfg  config.RiskConfig

	now   func() time.Time
	sleep func(time.Duration)
	jitter func(min, max float64) time.Duration

	mu        sync.Mutex
	cooldowns map[string]int64 // symbol -> expires_at (unix seconds)
	metrics   Metrics
}

// New builds a Gateway backed by c (the streaming cache) and rest (the
// REST fallback client).
func New(c *cache.Cache, rest broker.QuoteRESTClient, quoteCfg config.QuoteConfig, riskCfg config.RiskConfig) *Gateway {
	return &Gateway{
		cache:     c,
		rest:      rest,
		quoteCfg:  quoteCfg,
		riskCfg:   riskCfg,
		now:       time.Now,
		sleep:     time.Sleep,
		jitter:    defaultJitter,
		cooldowns: make(map[string]int64),
	}
}

func defaultJitter(min, max float64) time.Duration {
	if max <= min {
		return time.Duration(min * float64(time.Second))
	}
	d := min + rand.Float64()*(max-min)
	return time.Duration(d * float64(time.Second))
}

// WithClock overrides the clock (tests use a fixed time).
func (g *Gateway) WithClock(now func() time.Time) *Gateway { g.now = now; return g }

// WithSleep overrides the backoff/jitter sleep function (tests use a no-op).
func (g *Gateway) WithSleep(sleep func(time.Duration)) *Gateway { g.sleep = sleep; return g }

// WithJitter overrides the inter-symbol jitter source.
func (g *Gateway) WithJitter(j func(min, max float64) time.Duration) *Gateway { g.jitter = j; return g }

func (g *Gateway) pruneCooldowns(nowUnix int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for symbol, expiresAt := range g.cooldowns {
		if expiresAt <= nowUnix {
			delete(g.cooldowns, symbol)
		}
	}
}

func (g *Gateway) cooldownActive(symbol string, nowUnix int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	expiresAt, ok := g.cooldowns[symbol]
	return ok && expiresAt > nowUnix
}

func (g *Gateway) setCooldown(symbol string, expiresAt int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cooldowns[symbol] = expiresAt
}

// GetQuote is the single-symbol read path of spec.md §4.6.
func (g *Gateway) GetQuote(ctx context.Context, symbol string) (quote.Snapshot, error) {
	now := g.now()
	nowUnix := now.Unix()
	g.pruneCooldowns(nowUnix)

	if g.cooldownActive(symbol, nowUnix) {
		if snap, ok := g.cache.Get(symbol); ok {
			return snap.WithFreshness(nowUnix, g.quoteCfg.StaleAfterSec), nil
		}
		return quote.Snapshot{}, apierr.New(apierr.RestRateLimitCooldown)
	}

	if g.riskCfg.MarketOpen(now) {
		if snap, ok := g.cache.Get(symbol); ok && nowUnix-snap.TS <= g.quoteCfg.StaleAfterSec {
			g.bumpWSCount()
			return snap, nil
		}
	}

	snap, err := g.rest.GetQuote(ctx, symbol)
	g.bumpRestFallback()
	if err != nil {
		if errors.Is(err, broker.ErrRateLimited) {
			g.setCooldown(symbol, nowUnix+g.quoteCfg.RestCooldownSec)
			if cached, ok := g.cache.Get(symbol); ok {
				return cached.WithFreshness(nowUnix, g.quoteCfg.StaleAfterSec), nil
			}
			return quote.Snapshot{}, apierr.New(apierr.RestRateLimitCooldown)
		}
		return quote.Snapshot{}, err
	}

	g.cache.Upsert(snap)
	g.bumpRestFilled()
	return snap, nil
}

// GetQuotes is the batch read path of spec.md §4.6.
func (g *Gateway) GetQuotes(ctx context.Context, symbols []string) ([]quote.Snapshot, BatchMeta) {
	unique := dedupePreservingOrder(symbols)

	now := g.now()
	nowUnix := now.Unix()
	g.pruneCooldowns(nowUnix)
	marketOpen := g.riskCfg.MarketOpen(now)

	g.mu.Lock()
	g.metrics.BatchTargetCount += int64(len(unique))
	g.metrics.BatchMarketOpen = marketOpen
	g.mu.Unlock()

	quotes := make([]quote.Snapshot, 0, len(unique))
	var missing []string
	fallbackTriggered := false

	for idx, symbol := range unique {
		if marketOpen {
			if snap, ok := g.cache.Get(symbol); ok && nowUnix-snap.TS <= g.quoteCfg.StaleAfterSec {
				quotes = append(quotes, snap)
				g.bumpWSCount()
				continue
			}
		}

		fallbackTriggered = true

		if g.cooldownActive(symbol, nowUnix) {
			if cached, ok := g.cache.Get(symbol); ok {
				quotes = append(quotes, cached.WithFreshness(nowUnix, g.quoteCfg.StaleAfterSec))
			} else {
				missing = append(missing, symbol)
			}
			continue
		}

		snap, ok := g.restFillWithRetry(ctx, symbol, nowUnix)
		if ok {
			quotes = append(quotes, snap)
		} else if cached, cok := g.cache.Get(symbol); cok {
			quotes = append(quotes, cached.WithFreshness(nowUnix, g.quoteCfg.StaleAfterSec))
		} else {
			missing = append(missing, symbol)
		}

		if idx < len(unique)-1 {
			g.sleep(g.jitter(g.quoteCfg.SymbolDelayMinSec, g.quoteCfg.SymbolDelayMaxSec))
		}
	}

	g.mu.Lock()
	if fallbackTriggered {
		g.metrics.FallbackTriggered++
	}
	g.metrics.BatchFinalCount += int64(len(quotes))
	g.mu.Unlock()

	return quotes, BatchMeta{MissingCount: len(missing), FailedSymbols: missing}
}

// restFillWithRetry attempts GetQuote against REST up to
// quoteCfg.RestRetryAttempts times, backing off base·2^(i-1) seconds
// between attempts. A 429 sets the symbol's cooldown and stops retrying
// immediately (it will be resolved by the cooldown/cache branch above on
// the next batch).
func (g *Gateway) restFillWithRetry(ctx context.Context, symbol string, nowUnix int64) (quote.Snapshot, bool) {
	for attempt := 1; attempt <= g.quoteCfg.RestRetryAttempts; attempt++ {
		snap, err := g.rest.GetQuote(ctx, symbol)
		g.bumpRestFallback()
		if err == nil {
			g.cache.Upsert(snap)
			g.bumpRestFilled()
			return snap, true
		}
		if errors.Is(err, broker.ErrRateLimited) {
			g.setCooldown(symbol, nowUnix+g.quoteCfg.RestCooldownSec)
			return quote.Snapshot{}, false
		}
		if attempt < g.quoteCfg.RestRetryAttempts {
			g.sleep(time.Duration(g.quoteCfg.RestRetryBaseSec*pow2(attempt-1)) * time.Second)
		}
	}
	return quote.Snapshot{}, false
}

func pow2(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}

func dedupePreservingOrder(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func (g *Gateway) bumpWSCount() {
	g.mu.Lock()
	g.metrics.WSCount++
	g.mu.Unlock()
}

func (g *Gateway) bumpRestFallback() {
	g.mu.Lock()
	g.metrics.RestFallbacks++
	g.mu.Unlock()
}

func (g *Gateway) bumpRestFilled() {
	g.mu.Lock()
	g.metrics.RestFilledCount++
	g.mu.Unlock()
}

// Metrics returns a snapshot of the gateway's read-path counters.
func (g *Gateway) Metrics() Metrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.metrics
}
