// Package coreerrors defines the coordinator's error taxonomy (spec.md §7)
// as a wrapped error type instead of ad-hoc sentinel values, so callers can
// branch on Kind without string matching while still getting a normal
// wrapped error chain (errors.Is / errors.As / %w).
package coreerrors

import (
	"errors"
	"fmt"

	"github.com/cuemby/fleetform/internal/coretypes"
)

// CoreError is the error type returned by every core component. Op names
// the operation that failed (e.g. "scheduler.dispatch"), Kind classifies the
// failure for retry/propagation decisions, and Err is the wrapped cause.
type CoreError struct {
	Op   string
	Kind coretypes.ErrorKind
	Err  error
}

func (e *CoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *CoreError) Unwrap() error { return e.Err }

// New builds a CoreError.
func New(op string, kind coretypes.ErrorKind, err error) *CoreError {
	return &CoreError{Op: op, Kind: kind, Err: err}
}

// Wrap is a convenience for the common "operation failed: %w" shape used
// throughout the pack, tagged with a kind.
func Wrap(op string, kind coretypes.ErrorKind, format string, args ...any) *CoreError {
	return &CoreError{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the ErrorKind from err if it is (or wraps) a *CoreError,
// defaulting to ErrorKindIOError for untyped errors reaching a boundary that
// must classify them (the scheduler's retry decision, per spec.md §7).
func KindOf(err error) coretypes.ErrorKind {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return coretypes.ErrorKindIOError
}

// Is reports whether err is a CoreError of the given kind.
func Is(err error, kind coretypes.ErrorKind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}
