package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute, true)
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)

	require.False(t, cb.OnRateLimited(now))
	require.False(t, cb.OnRateLimited(now))
	require.Equal(t, Closed, cb.State())

	downgraded := cb.OnRateLimited(now)
	require.True(t, downgraded, "should downgrade to public on the transition to OPEN")
	require.Equal(t, Open, cb.State())
}

func TestCircuitBreaker_ThrottleMultiplierGrowsAndCaps(t *testing.T) {
	cb := NewCircuitBreaker(100, time.Minute, false)
	now := time.Now()
	for i := 0; i < 20; i++ {
		cb.OnRateLimited(now)
	}
	require.LessOrEqual(t, cb.ThrottleMultiplier(), maxThrottleMultiplier)
}

func TestCircuitBreaker_WaitThenHalfOpenThenClose(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Second, false)
	start := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)

	cb.OnRateLimited(start)
	require.Equal(t, Open, cb.State())

	require.Greater(t, cb.WaitDuration(start.Add(1*time.Second)), time.Duration(0))

	// Cooldown elapsed: next check flips to HALF_OPEN with zero wait.
	afterCooldown := start.Add(11 * time.Second)
	require.Equal(t, time.Duration(0), cb.WaitDuration(afterCooldown))
	require.Equal(t, HalfOpen, cb.State())

	cb.OnSuccess(afterCooldown)
	require.Equal(t, Closed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Second, false)
	start := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)

	cb.OnRateLimited(start)
	cb.WaitDuration(start.Add(11 * time.Second))
	require.Equal(t, HalfOpen, cb.State())

	cb.OnRateLimited(start.Add(11 * time.Second))
	require.Equal(t, Open, cb.State())
}

func TestHalveConcurrency_FloorsAtOne(t *testing.T) {
	require.Equal(t, 8, HalveConcurrency(16))
	require.Equal(t, 1, HalveConcurrency(1))
	require.Equal(t, 1, HalveConcurrency(0))
}
