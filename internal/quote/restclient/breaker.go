package restclient

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned in place of calling the upstream at all once
// the breaker has tripped.
var ErrBreakerOpen = errors.New("kis rest breaker is open")

// breakerState is the three-state machine a single upstream host's breaker
// moves through: closed lets every call through, open rejects them until
// the cooldown elapses, half-open lets a trial run through to decide
// whether to close again or re-open.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breakerConfig tunes the trip/recovery thresholds. There is no per-
// provider registry here — this client only ever talks to one base URL,
// so one breaker instance is the whole story.
type breakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	CooldownPeriod   time.Duration
}

// breaker guards calls to the KIS REST host. Unlike a scanner that fans
// out to many market-data providers, this gateway has exactly one
// upstream to protect, so the breaker carries no provider key.
type breaker struct {
	cfg breakerConfig

	mu              sync.Mutex
	state           breakerState
	consecFailures  int
	consecSuccesses int
	openedAt        time.Time
	totalCalls      int64
	totalFailures   int64
}

func newBreaker(cfg breakerConfig) *breaker {
	return &breaker{cfg: cfg, state: breakerClosed}
}

// call runs fn if the breaker currently allows it, recording the outcome
// against the state machine. Request-level timeouts are the caller's
// responsibility (the REST client's http.Client and the request context
// already carry a deadline) — the breaker only tracks success/failure.
func (b *breaker) call(fn func() error) error {
	if !b.allow() {
		return ErrBreakerOpen
	}

	b.mu.Lock()
	b.totalCalls++
	b.mu.Unlock()

	if err := fn(); err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != breakerOpen {
		return true
	}
	if time.Since(b.openedAt) < b.cfg.CooldownPeriod {
		return false
	}
	b.state = breakerHalfOpen
	b.consecSuccesses = 0
	return true
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		b.consecFailures = 0
	case breakerHalfOpen:
		b.consecSuccesses++
		if b.consecSuccesses >= b.cfg.SuccessThreshold {
			b.state = breakerClosed
			b.consecFailures = 0
			b.consecSuccesses = 0
		}
	}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++

	switch b.state {
	case breakerClosed:
		b.consecFailures++
		if b.consecFailures >= b.cfg.FailureThreshold {
			b.state = breakerOpen
			b.openedAt = time.Now()
		}
	case breakerHalfOpen:
		b.state = breakerOpen
		b.openedAt = time.Now()
		b.consecSuccesses = 0
	}
}

// BreakerStats is the breaker's health snapshot, returned by
// Client.BreakerStats. No HTTP route exposes it.
type BreakerStats struct {
	State          string  `json:"state"`
	TotalCalls     int64   `json:"total_calls"`
	TotalFailures  int64   `json:"total_failures"`
	ConsecFailures int     `json:"consecutive_failures"`
	FailureRate    float64 `json:"failure_rate"`
}

// IsHealthy reports whether the breaker is closed and its recent failure
// rate is within tolerance.
func (s BreakerStats) IsHealthy() bool {
	return s.State == breakerClosed.String() && (s.TotalCalls == 0 || s.FailureRate < 0.5)
}

func (b *breaker) stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	var rate float64
	if b.totalCalls > 0 {
		rate = float64(b.totalFailures) / float64(b.totalCalls)
	}
	return BreakerStats{
		State:          b.state.String(),
		TotalCalls:     b.totalCalls,
		TotalFailures:  b.totalFailures,
		ConsecFailures: b.consecFailures,
		FailureRate:    rate,
	}
}
