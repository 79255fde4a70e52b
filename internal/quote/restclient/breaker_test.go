package restclient

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_ClosedAllowsCalls(t *testing.T) {
	b := newBreaker(breakerConfig{FailureThreshold: 3, SuccessThreshold: 2, CooldownPeriod: 50 * time.Millisecond})

	require.NoError(t, b.call(func() error { return nil }))
	assert.Equal(t, breakerClosed, b.state)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := newBreaker(breakerConfig{FailureThreshold: 3, SuccessThreshold: 2, CooldownPeriod: 50 * time.Millisecond})

	for i := 0; i < 3; i++ {
		err := b.call(func() error { return errors.New("upstream failure") })
		assert.Error(t, err)
	}
	assert.Equal(t, breakerOpen, b.state)

	err := b.call(func() error { return nil })
	assert.ErrorIs(t, err, ErrBreakerOpen)
}

func TestBreaker_HalfOpenClosesOnEnoughSuccesses(t *testing.T) {
	b := newBreaker(breakerConfig{FailureThreshold: 2, SuccessThreshold: 2, CooldownPeriod: 20 * time.Millisecond})

	for i := 0; i < 2; i++ {
		b.call(func() error { return errors.New("fail") })
	}
	require.Equal(t, breakerOpen, b.state)

	time.Sleep(30 * time.Millisecond)

	require.NoError(t, b.call(func() error { return nil }))
	assert.Equal(t, breakerHalfOpen, b.state)

	require.NoError(t, b.call(func() error { return nil }))
	assert.Equal(t, breakerClosed, b.state)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := newBreaker(breakerConfig{FailureThreshold: 1, SuccessThreshold: 1, CooldownPeriod: 20 * time.Millisecond})

	b.call(func() error { return errors.New("fail") })
	require.Equal(t, breakerOpen, b.state)

	time.Sleep(30 * time.Millisecond)

	err := b.call(func() error { return errors.New("half-open failure") })
	assert.Error(t, err)
	assert.Equal(t, breakerOpen, b.state)
}

func TestBreakerStats_IsHealthy(t *testing.T) {
	healthy := BreakerStats{State: "closed", TotalCalls: 10, TotalFailures: 1, FailureRate: 0.1}
	assert.True(t, healthy.IsHealthy())

	tripped := BreakerStats{State: "open", TotalCalls: 10, TotalFailures: 10, FailureRate: 1}
	assert.False(t, tripped.IsHealthy())
}
