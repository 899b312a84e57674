package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_AllowPerKey(t *testing.T) {
	t.Parallel()

	l := New(PerMinute("trigger", 10))
	for i := 0; i < 10; i++ {
		require.True(t, l.Allow("10.0.0.1"), "request %d should pass", i)
	}
	require.False(t, l.Allow("10.0.0.1"))
	require.True(t, l.Allow("10.0.0.2"))
}

func TestLimiter_Wait(t *testing.T) {
	t.Parallel()

	// 10 tokens per second = 100ms interval.
	l := New(Config{Every: 100 * time.Millisecond, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "api.example.com"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "api.example.com"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{Every: time.Hour, Burst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, l.Wait(ctx, "k"))
	require.Error(t, l.Wait(ctx, "k"))
}

func TestLimiter_ZeroConfigIsUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("k"))
	}
}

func TestLimiter_PrunesIdleKeys(t *testing.T) {
	t.Parallel()

	l := New(Config{Every: time.Second, Burst: 1, IdleTTL: time.Minute})
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	l.Allow("a")
	l.Allow("b")
	require.Equal(t, 2, l.Len())

	now = now.Add(2 * time.Minute)
	l.Allow("c")
	require.Equal(t, 1, l.Len())
}
