package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after), "clock %v outside [%v, %v]", got, before, after)
}

func TestFixedClock(t *testing.T) {
	t.Parallel()

	pinned := time.Date(2024, 9, 1, 8, 0, 0, 0, time.FixedZone("PDT", -7*3600))
	clk := Fixed(pinned)
	require.True(t, clk.Now().Equal(pinned))
	require.Equal(t, time.UTC, clk.Now().Location())
	require.Equal(t, clk.Now(), clk.Now())
}
