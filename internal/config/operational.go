package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// OperationalConfig carries the numeric tunables spec.md names throughout
// but never wires to a specific env var — cache staleness windows, REST
// retry/backoff shape, risk caps, and reconciliation cadence.
type OperationalConfig struct {
	Quote QuoteConfig `yaml:"quote"`
	Risk  RiskConfig  `yaml:"risk"`
	Order OrderConfig `yaml:"order"`
	Recon ReconConfig `yaml:"reconciliation"`
}

type QuoteConfig struct {
	StaleAfterSec     int64   `yaml:"stale_after_sec"`
	HeartbeatTimeout  int64   `yaml:"heartbeat_timeout"`
	RestCooldownSec   int64   `yaml:"rest_cooldown_sec"`
	RestRetryAttempts int     `yaml:"rest_retry_attempts"`
	RestRetryBaseSec  float64 `yaml:"rest_retry_base_sec"`
	SymbolDelayMinSec float64 `yaml:"symbol_delay_min_sec"`
	SymbolDelayMaxSec float64 `yaml:"symbol_delay_max_sec"`
}

type RiskConfig struct {
	DailyOrderLimit   int     `yaml:"daily_order_limit"`
	MaxQty            int64   `yaml:"max_qty"`
	BuyNotionalCap    float64 `yaml:"buy_notional_cap"`
	DefaultPrice      float64 `yaml:"default_price"`
	TradingWindowOpen  string `yaml:"trading_window_open"`
	TradingWindowClose string `yaml:"trading_window_close"`
	LiveEnabled        bool   `yaml:"live_enabled"`
}

type OrderConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

type ReconConfig struct {
	IntervalSec int    `yaml:"interval_sec"`
	JournalPath string `yaml:"journal_path"`
}

// DefaultOperationalConfig matches the defaults named throughout spec.md.
func DefaultOperationalConfig() OperationalConfig {
	return OperationalConfig{
		Quote: QuoteConfig{
			StaleAfterSec:     5,
			HeartbeatTimeout:  10,
			RestCooldownSec:   3,
			RestRetryAttempts: 3,
			RestRetryBaseSec:  1.0,
			SymbolDelayMinSec: 0.05,
			SymbolDelayMaxSec: 0.25,
		},
		Risk: RiskConfig{
			DailyOrderLimit:    200,
			MaxQty:             10000,
			BuyNotionalCap:     10_000_000,
			DefaultPrice:       70000,
			TradingWindowOpen:  "09:00",
			TradingWindowClose: "15:30",
			LiveEnabled:        false,
		},
		Order: OrderConfig{MaxAttempts: 3},
		Recon: ReconConfig{IntervalSec: 5, JournalPath: "data/reconcile_journal.jsonl"},
	}
}

// LoadOperationalConfig reads path, falling back to defaults for any field
// when path is empty. Reads through the defaults, then overlays the file on
// top, so a partial YAML document only needs to name the fields it tunes.
func LoadOperationalConfig(path string) (OperationalConfig, error) {
	cfg := DefaultOperationalConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read operational config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse operational config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid operational config: %w", err)
	}
	return cfg, nil
}

// MarketOpen reports whether now's local time-of-day falls within
// [TradingWindowOpen, TradingWindowClose]. Only the HH:MM component of now
// is compared; the date is ignored, matching a daily recurring window.
func (r RiskConfig) MarketOpen(now time.Time) bool {
	open, err := time.Parse("15:04", r.TradingWindowOpen)
	if err != nil {
		return false
	}
	closeT, err := time.Parse("15:04", r.TradingWindowClose)
	if err != nil {
		return false
	}
	nowMinutes := now.Hour()*60 + now.Minute()
	openMinutes := open.Hour()*60 + open.Minute()
	closeMinutes := closeT.Hour()*60 + closeT.Minute()
	return nowMinutes >= openMinutes && nowMinutes <= closeMinutes
}

// Validate ensures the tunables are self-consistent.
func (c *OperationalConfig) Validate() error {
	if c.Quote.StaleAfterSec <= 0 {
		return fmt.Errorf("quote.stale_after_sec must be positive")
	}
	if c.Quote.RestRetryAttempts <= 0 {
		return fmt.Errorf("quote.rest_retry_attempts must be positive")
	}
	if c.Quote.SymbolDelayMaxSec < c.Quote.SymbolDelayMinSec {
		return fmt.Errorf("quote.symbol_delay_max_sec must be >= symbol_delay_min_sec")
	}
	if c.Order.MaxAttempts <= 0 {
		return fmt.Errorf("order.max_attempts must be positive")
	}
	if c.Recon.IntervalSec <= 0 {
		return fmt.Errorf("reconciliation.interval_sec must be positive")
	}
	if _, err := time.Parse("15:04", c.Risk.TradingWindowOpen); err != nil {
		return fmt.Errorf("risk.trading_window_open must be HH:MM: %w", err)
	}
	if _, err := time.Parse("15:04", c.Risk.TradingWindowClose); err != nil {
		return fmt.Errorf("risk.trading_window_close must be HH:MM: %w", err)
	}
	return nil
}
