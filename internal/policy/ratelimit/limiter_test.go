package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterAllowBurst(t *testing.T) {
	t.Parallel()

	l := New(Config{PerMinute: 1, DefaultBurst: 2})
	require.True(t, l.Allow("client-a"))
	require.True(t, l.Allow("client-a"))
	require.False(t, l.Allow("client-a"))
	require.Positive(t, l.RetryAfter("client-a"))

	require.True(t, l.Allow("client-b"), "clients have independent buckets")
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow(""))
	}
	require.Zero(t, l.RetryAfter(""))
}

func TestLimiterWait(t *testing.T) {
	t.Parallel()

	// 600/min is one token every 100ms.
	l := New(Config{PerMinute: 600, DefaultBurst: 1})
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "client"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "client"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, l.Wait(cancelled, "client"))
}
