package harvest

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapCauseKeepsBothChains(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := WrapCause(ErrPersistenceFailed, cause, "upsert metric")
	require.ErrorIs(t, err, ErrPersistenceFailed)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "persistence_failed", KindLabel(err))

	require.Same(t, err, WrapCause(ErrPersistenceFailed, err, "again"))
	require.NoError(t, WrapCause(ErrHarvestFailed, nil, "noop"))
}

func TestKindLabel(t *testing.T) {
	t.Parallel()

	require.Equal(t, "none", KindLabel(nil))
	require.Equal(t, "internal", KindLabel(errors.New("boom")))
	require.Equal(t, "permission_denied", KindLabel(fmt.Errorf("run 3: %w", ErrPermissionDenied)))
	require.Equal(t, "policy_violation", KindLabel(Wrap(ErrPolicyViolation, "host %s is blocklisted", "assist.org")))
}

func TestRunStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, RunStatusRunning.Terminal())
	require.True(t, RunStatusCompleted.Terminal())
	require.True(t, RunStatusFailed.Terminal())
}
