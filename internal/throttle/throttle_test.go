package throttle

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReserveFirstRequestIsImmediate(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(nil)
	l.now = func() time.Time { return base }

	require.Equal(t, base, l.Reserve("nces.ed.gov", 2*time.Second))
	require.Equal(t, base.Add(2*time.Second), l.Reserve("NCES.ed.gov", 2*time.Second))
	require.Equal(t, base, l.Reserve("www.calstate.edu", 2*time.Second), "hosts are independent")
}

func TestReserveConcurrentCallersAreSerialized(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(nil)
	l.now = func() time.Time { return base }
	interval := 500 * time.Millisecond

	const callers = 32
	var (
		mu     sync.Mutex
		starts []time.Time
		wg     sync.WaitGroup
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := l.Reserve("admission.universityofcalifornia.edu", interval)
			mu.Lock()
			starts = append(starts, s)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	require.Len(t, starts, callers)
	for i := 1; i < len(starts); i++ {
		require.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), interval)
	}
}

func TestReserveAfterIdleGapDoesNotWait(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(nil)
	l.now = func() time.Time { return now }

	l.Reserve("example.edu", time.Second)
	now = now.Add(5 * time.Second)
	require.Equal(t, now, l.Reserve("example.edu", time.Second))
}

func TestAcquireEnforcesLowerBound(t *testing.T) {
	t.Parallel()

	l := New(nil)
	interval := 60 * time.Millisecond

	first := time.Now()
	require.NoError(t, l.Acquire(context.Background(), "example.edu", interval))
	require.NoError(t, l.Acquire(context.Background(), "example.edu", interval))
	second := time.Now()
	require.GreaterOrEqual(t, second.Sub(first), interval)
}

func TestAcquireConcurrentCallersAreSpaced(t *testing.T) {
	t.Parallel()

	const (
		callers  = 4
		interval = 50 * time.Millisecond
		// Goroutines may wake a little after their slot.
		jitter = 10 * time.Millisecond
	)
	l := New(nil)

	var (
		mu      sync.Mutex
		started []time.Time
		wg      sync.WaitGroup
	)
	begin := time.Now()
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background(), "www.calstate.edu", interval); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			at := time.Now()
			mu.Lock()
			started = append(started, at)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, started, callers)
	sort.Slice(started, func(i, j int) bool { return started[i].Before(started[j]) })
	for i, at := range started {
		require.GreaterOrEqual(t, at.Sub(begin), time.Duration(i)*interval, "request %d started early", i)
		if i > 0 {
			require.GreaterOrEqual(t, at.Sub(started[i-1]), interval-jitter, "gap before request %d", i)
		}
	}
}

func TestAcquireHonoursCancellation(t *testing.T) {
	t.Parallel()

	l := New(nil)
	require.NoError(t, l.Acquire(context.Background(), "slow.edu", time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, "slow.edu", time.Hour)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReset(t *testing.T) {
	t.Parallel()

	l := New(nil)
	l.Reserve("example.edu", time.Second)
	_, ok := l.Last("example.edu")
	require.True(t, ok)
	l.Reset()
	_, ok = l.Last("example.edu")
	require.False(t, ok)
}
