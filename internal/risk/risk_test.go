package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sawpanic/kisgateway/internal/apierr"
	"github.com/sawpanic/kisgateway/internal/config"
	"github.com/sawpanic/kisgateway/internal/orders"
)

func noonTime() time.Time { return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC) }

func baseConfig() config.RiskConfig {
	return config.RiskConfig{
		DailyOrderLimit:    200,
		MaxQty:             10000,
		BuyNotionalCap:     10_000_000,
		DefaultPrice:       70000,
		TradingWindowOpen:  "09:00",
		TradingWindowClose: "15:30",
		LiveEnabled:        true,
	}
}

func noSellQty(string, string) int64 { return 0 }

func TestEvaluateTradeRisk_QtyBelowOneFails(t *testing.T) {
	r := EvaluateTradeRisk(orders.Request{Side: orders.Buy, Qty: 0}, baseConfig(), noonTime(), 0, noSellQty)
	assert.False(t, r.Ok)
	assert.Equal(t, apierr.InvalidQty, r.Reason)
}

func TestEvaluateTradeRisk_NonPositivePriceFails(t *testing.T) {
	price := -1.0
	r := EvaluateTradeRisk(orders.Request{Side: orders.Buy, Qty: 1, Price: &price}, baseConfig(), noonTime(), 0, noSellQty)
	assert.False(t, r.Ok)
	assert.Equal(t, apierr.InvalidPrice, r.Reason)
}

func TestEvaluateTradeRisk_OutsideTradingWindowFails(t *testing.T) {
	evening := time.Date(2026, 7, 31, 20, 0, 0, 0, time.UTC)
	r := EvaluateTradeRisk(orders.Request{Side: orders.Buy, Qty: 1}, baseConfig(), evening, 0, noSellQty)
	assert.False(t, r.Ok)
	assert.Equal(t, apierr.OutOfTradingWindow, r.Reason)
}

func TestEvaluateTradeRisk_LiveDisabledFails(t *testing.T) {
	cfg := baseConfig()
	cfg.LiveEnabled = false
	r := EvaluateTradeRisk(orders.Request{Side: orders.Buy, Qty: 1}, cfg, noonTime(), 0, noSellQty)
	assert.False(t, r.Ok)
	assert.Equal(t, apierr.LiveDisabled, r.Reason)
}

func TestEvaluateTradeRisk_DailyLimitFails(t *testing.T) {
	r := EvaluateTradeRisk(orders.Request{Side: orders.Buy, Qty: 1}, baseConfig(), noonTime(), 200, noSellQty)
	assert.False(t, r.Ok)
	assert.Equal(t, apierr.DailyLimitExceeded, r.Reason)
}

func TestEvaluateTradeRisk_BuyNotionalCapUsesDefaultPriceWhenUnset(t *testing.T) {
	r := EvaluateTradeRisk(orders.Request{Side: orders.Buy, Qty: 200}, baseConfig(), noonTime(), 0, noSellQty)
	// 200 * 70000 = 14,000,000 > 10,000,000 cap
	assert.False(t, r.Ok)
	assert.Equal(t, apierr.NotionalLimitExceeded, r.Reason)
}

func TestEvaluateTradeRisk_BuyNotionalCapUsesExplicitPrice(t *testing.T) {
	price := 100.0
	r := EvaluateTradeRisk(orders.Request{Side: orders.Buy, Qty: 5, Price: &price}, baseConfig(), noonTime(), 0, noSellQty)
	assert.True(t, r.Ok)
}

func TestEvaluateTradeRisk_BuyMaxQtyExceeded(t *testing.T) {
	price := 1.0
	r := EvaluateTradeRisk(orders.Request{Side: orders.Buy, Qty: 10001, Price: &price}, baseConfig(), noonTime(), 0, noSellQty)
	assert.False(t, r.Ok)
	assert.Equal(t, apierr.MaxQtyExceeded, r.Reason)
}

func TestEvaluateTradeRisk_SellBoundedByPosition(t *testing.T) {
	avail := func(string, string) int64 { return 10 }
	r := EvaluateTradeRisk(orders.Request{Side: orders.Sell, Qty: 11}, baseConfig(), noonTime(), 0, avail)
	assert.False(t, r.Ok)
	assert.Equal(t, apierr.InsufficientPositionQty, r.Reason)
}

func TestEvaluateTradeRisk_SellNotBoundedByMaxQty(t *testing.T) {
	avail := func(string, string) int64 { return 999999 }
	r := EvaluateTradeRisk(orders.Request{Side: orders.Sell, Qty: 50000}, baseConfig(), noonTime(), 0, avail)
	assert.True(t, r.Ok)
}

func TestEvaluateTradeRisk_InvalidSide(t *testing.T) {
	r := EvaluateTradeRisk(orders.Request{Side: "HOLD", Qty: 1}, baseConfig(), noonTime(), 0, noSellQty)
	assert.False(t, r.Ok)
	assert.Equal(t, apierr.InvalidSide, r.Reason)
}

func TestEvaluateTransition_AllowedFromCancelableStatuses(t *testing.T) {
	for _, s := range []orders.Status{orders.StatusNew, orders.StatusDispatching, orders.StatusSent, orders.StatusAccepted, orders.StatusQueued} {
		assert.True(t, EvaluateTransition(s).Ok, "status %s should be cancelable", s)
	}
}

func TestEvaluateTransition_RejectedFromTerminalStatuses(t *testing.T) {
	for _, s := range []orders.Status{orders.StatusFilled, orders.StatusRejected, orders.StatusCanceled} {
		r := EvaluateTransition(s)
		assert.False(t, r.Ok)
		assert.Equal(t, apierr.InvalidTransition, r.Reason)
	}
}
