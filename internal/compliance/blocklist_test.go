package compliance

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlocklistMatching(t *testing.T) {
	t.Parallel()

	b := NewBlocklist([]string{"assist.org", "*.assist.org", " .Example.COM ", "", "*."})
	require.Equal(t, 3, b.Len())

	cases := map[string]bool{
		"assist.org":         true,
		"www.assist.org":     true,
		"ASSIST.ORG.":        true,
		"notassist.org":      false,
		"example.com":        true,
		"api.example.com":    true,
		"example.com.evil":   false,
		"admission.ucla.edu": false,
		"":                   false,
	}
	for host, want := range cases {
		require.Equal(t, want, b.IsBlocked(host), host)
	}
}

func TestBlocklistExactDoesNotCoverSubdomains(t *testing.T) {
	t.Parallel()

	b := NewBlocklist([]string{"assist.org"})
	require.True(t, b.IsBlocked("assist.org"))
	require.False(t, b.IsBlocked("www.assist.org"))
}

func TestNilBlocklist(t *testing.T) {
	t.Parallel()

	var b *Blocklist
	require.False(t, b.IsBlocked("assist.org"))
	require.Zero(t, b.Len())
}
