package dcb

import (
	"errors"
	"fmt"
)

// StoreError is the base type every store-specific error embeds, following
// the teacher's EventStoreError{Op, Err} pattern.
type StoreError struct {
	Op  string
	Err error
}

func (e StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

func (e StoreError) Unwrap() error { return e.Err }

// ValidationError reports empty_batch / invalid_event / invalid_query —
// input validation that never surfaces after an observable state change.
type ValidationError struct {
	StoreError
	Field string
	Value string
}

// ConcurrencyError is append_condition_failed — the expected, non-error
// outcome of losing a DCB race. Callers decide whether to retry.
type ConcurrencyError struct {
	StoreError
	ExpectedAfter uint64
	ActualHighest uint64
}

// LockTimeoutError is lock_timeout: cross-process contention exceeded the
// configured wait.
type LockTimeoutError struct {
	StoreError
	Waited  string
	Timeout string
}

// ResourceError is io_error / serialization_error: environmental failures,
// returned to the caller with the failing operation in Op. The store does
// not log them where they arise; only failed projection updates, daemon
// ticks and startup auto-rebuilds are logged, at error level.
type ResourceError struct {
	StoreError
	Resource string
}

// ProjectionError reports duplicate_projection_name / unknown_projection_name
// and per-projection apply failures during update/rebuild.
type ProjectionError struct {
	StoreError
	Projection string
}

// CorruptStateError is corrupt_state: an unreadable ledger or index beyond
// the tolerated transient-retry window. The store does not auto-repair.
type CorruptStateError struct {
	StoreError
	Path string
}

// CancelledError wraps context cancellation so callers can distinguish it
// from ResourceErrors without depending on context.Canceled directly.
type CancelledError struct {
	StoreError
}

func IsValidationError(err error) bool { var e *ValidationError; return errors.As(err, &e) }
func IsConcurrencyError(err error) bool { var e *ConcurrencyError; return errors.As(err, &e) }
func IsLockTimeoutError(err error) bool { var e *LockTimeoutError; return errors.As(err, &e) }
func IsResourceError(err error) bool    { var e *ResourceError; return errors.As(err, &e) }
func IsProjectionError(err error) bool  { var e *ProjectionError; return errors.As(err, &e) }
func IsCorruptStateError(err error) bool { var e *CorruptStateError; return errors.As(err, &e) }
func IsCancelledError(err error) bool   { var e *CancelledError; return errors.As(err, &e) }

func AsConcurrencyError(err error) (*ConcurrencyError, bool) {
	var e *ConcurrencyError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func AsValidationError(err error) (*ValidationError, bool) {
	var e *ValidationError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
