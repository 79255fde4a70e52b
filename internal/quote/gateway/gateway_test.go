package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/kisgateway/internal/apierr"
	"github.com/sawpanic/kisgateway/internal/broker"
	"github.com/sawpanic/kisgateway/internal/config"
	"github.com/sawpanic/kisgateway/internal/quote"
	"github.com/sawpanic/kisgateway/internal/quote/cache"
)

type scriptedRest struct {
	mu    sync.Mutex
	calls int
	fn    func(calls int, symbol string) (quote.Snapshot, error)
}

func (s *scriptedRest) GetQuote(ctx context.Context, symbol string) (quote.Snapshot, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	return s.fn(n, symbol)
}

func noonTime() time.Time {
	return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
}

func testConfigs() (config.QuoteConfig, config.RiskConfig) {
	q := config.QuoteConfig{
		StaleAfterSec: 5, RestCooldownSec: 3, RestRetryAttempts: 3,
		RestRetryBaseSec: 0, SymbolDelayMinSec: 0, SymbolDelayMaxSec: 0,
	}
	r := config.RiskConfig{TradingWindowOpen: "09:00", TradingWindowClose: "15:30"}
	return q, r
}

func newGateway(c *cache.Cache, rest broker.QuoteRESTClient) *Gateway {
	q, r := testConfigs()
	return New(c, rest, q, r).WithClock(noonTime).WithSleep(func(time.Duration) {})
}

func TestGetQuote_WSFreshHit(t *testing.T) {
	c := cache.New()
	c.Upsert(quote.Snapshot{Symbol: "005930", Price: 70000, Source: quote.SourceWS, TS: noonTime().Unix()})

	rest := &scriptedRest{fn: func(int, string) (quote.Snapshot, error) {
		t.Fatal("should not call REST when cache is fresh and market is open")
		return quote.Snapshot{}, nil
	}}

	g := newGateway(c, rest)
	snap, err := g.GetQuote(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, quote.SourceWS, snap.Source)
	assert.EqualValues(t, 1, g.Metrics().WSCount)
}

func TestGetQuote_StaleCacheFallsBackToRest(t *testing.T) {
	c := cache.New()
	c.Upsert(quote.Snapshot{Symbol: "005930", Price: 69000, Source: quote.SourceWS, TS: noonTime().Unix() - 100})

	rest := &scriptedRest{fn: func(int, string) (quote.Snapshot, error) {
		return quote.Snapshot{Symbol: "005930", Price: 70500, Source: quote.SourceREST, TS: noonTime().Unix()}, nil
	}}

	g := newGateway(c, rest)
	snap, err := g.GetQuote(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, quote.SourceREST, snap.Source)
	assert.Equal(t, 70500.0, snap.Price)
	assert.EqualValues(t, 1, g.Metrics().RestFilledCount)
}

func TestGetQuote_429SetsCooldownAndReturnsStaleCache(t *testing.T) {
	c := cache.New()
	c.Upsert(quote.Snapshot{Symbol: "005930", Price: 69000, Source: quote.SourceWS, TS: noonTime().Unix() - 100})

	rest := &scriptedRest{fn: func(int, string) (quote.Snapshot, error) {
		return quote.Snapshot{}, broker.ErrRateLimited
	}}

	g := newGateway(c, rest)
	snap, err := g.GetQuote(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, 69000.0, snap.Price)

	// Second call within the cooldown window issues no new REST call.
	_, err = g.GetQuote(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, 1, rest.calls)
}

func TestGetQuote_429NoCacheReturnsCooldownError(t *testing.T) {
	c := cache.New()
	rest := &scriptedRest{fn: func(int, string) (quote.Snapshot, error) {
		return quote.Snapshot{}, broker.ErrRateLimited
	}}

	g := newGateway(c, rest)
	_, err := g.GetQuote(context.Background(), "005930")
	require.Error(t, err)

	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.RestRateLimitCooldown, apiErr.Code)

	// Next call within 3s issues no new REST call and returns the same error.
	_, err2 := g.GetQuote(context.Background(), "005930")
	require.Error(t, err2)
	assert.Equal(t, 1, rest.calls)
}

func TestGetQuotes_BatchPartialFillWithRetry(t *testing.T) {
	c := cache.New()
	c.Upsert(quote.Snapshot{Symbol: "005930", Price: 70000, Source: quote.SourceWS, TS: noonTime().Unix()})

	rest := &scriptedRest{fn: func(calls int, symbol string) (quote.Snapshot, error) {
		switch symbol {
		case "000660":
			if calls <= 1 {
				return quote.Snapshot{}, assertError("transient")
			}
			return quote.Snapshot{Symbol: "000660", Price: 123000, Source: quote.SourceREST, TS: noonTime().Unix()}, nil
		case "035420":
			return quote.Snapshot{}, broker.ErrRateLimited
		}
		return quote.Snapshot{}, nil
	}}

	g := newGateway(c, rest)
	quotes, meta := g.GetQuotes(context.Background(), []string{"005930", "000660", "035420", "005930"})

	bySymbol := map[string]quote.Snapshot{}
	for _, q := range quotes {
		bySymbol[q.Symbol] = q
	}

	assert.Equal(t, quote.SourceWS, bySymbol["005930"].Source)
	assert.Equal(t, 123000.0, bySymbol["000660"].Price)
	assert.Equal(t, 1, meta.MissingCount)
	assert.Equal(t, []string{"035420"}, meta.FailedSymbols)
	assert.EqualValues(t, 1, g.Metrics().FallbackTriggered)
}

type simpleError string

func (e simpleError) Error() string { return string(e) }

func assertError(msg string) error { return simpleError(msg) }
