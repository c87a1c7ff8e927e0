package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCheckAdmitsUpToMax(t *testing.T) {
	t.Parallel()

	l := New(nil, NewLocalStore(), Config{}, zap.NewNop())
	ctx := context.Background()
	key := Key("scrape", "user-1")

	for i := 1; i <= 5; i++ {
		res := l.Check(ctx, key, 5, time.Minute)
		require.True(t, res.Allowed, "call %d should be allowed", i)
		require.Equal(t, 5, res.Limit)
		require.Equal(t, 5-i, res.Remaining)
		require.False(t, res.ResetAt.IsZero())
	}

	res := l.Check(ctx, key, 5, time.Minute)
	require.False(t, res.Allowed)
	require.Zero(t, res.Remaining)
	require.Positive(t, res.RetryAfter(time.Now()))
}

func TestCheckWindowExpiryResets(t *testing.T) {
	t.Parallel()

	local := NewLocalStore()
	now := time.Unix(1700000000, 0)
	local.now = func() time.Time { return now }

	l := New(nil, local, Config{}, zap.NewNop())
	ctx := context.Background()
	key := Key("scrape", "user-2")

	for i := 0; i < 3; i++ {
		l.Check(ctx, key, 3, time.Minute)
	}
	require.False(t, l.Check(ctx, key, 3, time.Minute).Allowed)

	// Advance past the window boundary: the next call opens a fresh window.
	now = now.Add(time.Minute + time.Second)
	res := l.Check(ctx, key, 3, time.Minute)
	require.True(t, res.Allowed)
	require.Equal(t, 2, res.Remaining)
	require.Equal(t, now.Add(time.Minute), res.ResetAt)
}

// Fixed windows are a hard cutoff, not a sliding log: a burst spanning a
// window boundary can admit up to 2x the budget across the boundary. That
// is an accepted approximation of this limiter, not a bug.
func TestCheckBoundaryBurstAdmitsTwiceMax(t *testing.T) {
	t.Parallel()

	local := NewLocalStore()
	now := time.Unix(1700000000, 0)
	local.now = func() time.Time { return now }

	l := New(nil, local, Config{}, zap.NewNop())
	ctx := context.Background()
	key := Key("scrape", "user-burst")

	admitted := 0
	for i := 0; i < 3; i++ {
		if l.Check(ctx, key, 3, time.Minute).Allowed {
			admitted++
		}
	}
	now = now.Add(time.Minute + time.Millisecond)
	for i := 0; i < 3; i++ {
		if l.Check(ctx, key, 3, time.Minute).Allowed {
			admitted++
		}
	}
	require.Equal(t, 6, admitted)
}

func TestKeyNamespacesActions(t *testing.T) {
	t.Parallel()

	l := New(nil, NewLocalStore(), Config{}, zap.NewNop())
	ctx := context.Background()

	// Exhaust the scrape budget for the user.
	for i := 0; i < 2; i++ {
		l.Check(ctx, Key("scrape", "user-3"), 2, time.Minute)
	}
	require.False(t, l.Check(ctx, Key("scrape", "user-3"), 2, time.Minute).Allowed)

	// A different action for the same user has its own budget.
	require.True(t, l.Check(ctx, Key("insight", "user-3"), 2, time.Minute).Allowed)
}

type failingStore struct {
	calls int
}

func (s *failingStore) Incr(context.Context, string, time.Duration) (int, time.Time, error) {
	s.calls++
	return 0, time.Time{}, errors.New("connection refused")
}

func TestCheckFallsBackWhenSharedStoreFails(t *testing.T) {
	t.Parallel()

	shared := &failingStore{}
	l := New(shared, NewLocalStore(), Config{RemoteTimeout: 100 * time.Millisecond}, zap.NewNop())
	ctx := context.Background()
	key := Key("scrape", "user-4")

	// Every call still succeeds against the local fallback.
	for i := 1; i <= 2; i++ {
		res := l.Check(ctx, key, 2, time.Minute)
		require.True(t, res.Allowed)
		require.Equal(t, 2-i, res.Remaining)
	}
	require.False(t, l.Check(ctx, key, 2, time.Minute).Allowed)
	require.Equal(t, 3, shared.calls)
}

type blockingStore struct{}

func (blockingStore) Incr(ctx context.Context, _ string, _ time.Duration) (int, time.Time, error) {
	<-ctx.Done()
	return 0, time.Time{}, ctx.Err()
}

func TestCheckBoundsRemoteRoundTrip(t *testing.T) {
	t.Parallel()

	l := New(blockingStore{}, NewLocalStore(), Config{RemoteTimeout: 50 * time.Millisecond}, zap.NewNop())

	start := time.Now()
	res := l.Check(context.Background(), Key("scrape", "user-5"), 5, time.Minute)
	require.Less(t, time.Since(start), time.Second)
	require.True(t, res.Allowed)
}

func TestPresets(t *testing.T) {
	t.Parallel()

	require.Equal(t, 5, ScrapeLimit.Max)
	require.Equal(t, time.Minute, ScrapeLimit.Window)
	require.Equal(t, 100, APILimit.Max)
	require.Equal(t, 10, InsightLimit.Max)
}
