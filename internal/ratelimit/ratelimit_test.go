package ratelimit

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLimiter_BurstThenDeny(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	l, err := NewLimiter(testLogger(), clock, 60, 5)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Allow("client-1"), "request %d", i)
	}
	require.ErrorIs(t, l.Allow("client-1"), ErrRateLimited)
}

func TestLimiter_ContinuousRefill(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	l, err := NewLimiter(testLogger(), clock, 60, 5)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Allow("client-1"))
	}
	require.ErrorIs(t, l.Allow("client-1"), ErrRateLimited)

	// 60 rpm = 1 token/s.
	clock.Advance(2 * time.Second)
	require.NoError(t, l.Allow("client-1"))
	require.NoError(t, l.Allow("client-1"))
	require.ErrorIs(t, l.Allow("client-1"), ErrRateLimited)
}

func TestLimiter_RefillCapsAtCapacity(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	l, err := NewLimiter(testLogger(), clock, 60, 5)
	require.NoError(t, err)

	require.NoError(t, l.Allow("client-1"))
	clock.Advance(time.Hour)
	require.InDelta(t, 5.0, l.Tokens("client-1"), 0.01)
}

func TestLimiter_ClientsIsolated(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	l, err := NewLimiter(testLogger(), clock, 60, 2)
	require.NoError(t, err)

	require.NoError(t, l.Allow("a"))
	require.NoError(t, l.Allow("a"))
	require.ErrorIs(t, l.Allow("a"), ErrRateLimited)
	require.NoError(t, l.Allow("b"))
}

func TestAuthLimiter_LockoutAfterStrikes(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	a, err := NewAuthLimiter(testLogger(), clock, 600, 100, 3, 10*time.Minute)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Allow("attacker"))
		a.RecordFailure("attacker")
	}
	require.ErrorIs(t, a.Allow("attacker"), ErrLockedOut)

	// Lockout expires after its window.
	clock.Advance(10*time.Minute + time.Second)
	require.NoError(t, a.Allow("attacker"))
}

func TestAuthLimiter_SuccessResetsStrikes(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	a, err := NewAuthLimiter(testLogger(), clock, 600, 100, 3, 10*time.Minute)
	require.NoError(t, err)

	a.RecordFailure("client")
	a.RecordFailure("client")
	a.RecordSuccess("client")
	a.RecordFailure("client")
	a.RecordFailure("client")
	require.NoError(t, a.Allow("client"))
}

func TestAuthLimiter_LockoutBeatsBucket(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	a, err := NewAuthLimiter(testLogger(), clock, 600, 100, 1, time.Hour)
	require.NoError(t, err)

	a.RecordFailure("client")
	// Plenty of bucket tokens, still locked out.
	require.ErrorIs(t, a.Allow("client"), ErrLockedOut)
}
