package harvest

import (
	"errors"
	"fmt"
)

// Error taxonomy surfaced to callers. Wrapped errors keep the underlying cause
// reachable through errors.Is / errors.As.
var (
	// ErrUnknownAdapter indicates the adapter key is not registered.
	ErrUnknownAdapter = errors.New("unknown adapter")
	// ErrPolicyViolation indicates a blocklisted host or an unusable URL.
	ErrPolicyViolation = errors.New("policy violation")
	// ErrPermissionDenied indicates the host's robots rules disallow the path.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrHarvestFailed indicates the adapter reported a failure.
	ErrHarvestFailed = errors.New("harvest failed")
	// ErrValidationFailed indicates the adapter output was malformed.
	ErrValidationFailed = errors.New("validation failed")
	// ErrPersistenceFailed indicates the store rejected the write.
	ErrPersistenceFailed = errors.New("persistence failed")
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
)

// Wrap builds a new error of the given kind.
func Wrap(kind error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%w: %s", kind, msg)
}

// WrapCause annotates cause with kind, keeping both reachable.
func WrapCause(kind, cause error, context string) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, kind) {
		return cause
	}
	return fmt.Errorf("%w: %s: %w", kind, context, cause)
}

// Kind returns the taxonomy sentinel err belongs to, or nil.
func Kind(err error) error {
	for _, kind := range []error{
		ErrUnknownAdapter,
		ErrPolicyViolation,
		ErrPermissionDenied,
		ErrHarvestFailed,
		ErrValidationFailed,
		ErrPersistenceFailed,
		ErrNotFound,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindLabel returns a stable label for metrics and logs.
func KindLabel(err error) string {
	switch Kind(err) {
	case ErrUnknownAdapter:
		return "unknown_adapter"
	case ErrPolicyViolation:
		return "policy_violation"
	case ErrPermissionDenied:
		return "permission_denied"
	case ErrHarvestFailed:
		return "harvest_failed"
	case ErrValidationFailed:
		return "validation_failed"
	case ErrPersistenceFailed:
		return "persistence_failed"
	case ErrNotFound:
		return "not_found"
	default:
		if err == nil {
			return "none"
		}
		return "internal"
	}
}
