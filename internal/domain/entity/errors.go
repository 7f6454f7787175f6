package entity

import (
	"context"
	"errors"
)

// Error taxonomy shared by the processors and adapters. Match with errors.Is.
var (
	// ErrTransientIO marks a network or database failure. Retrying the same call is safe.
	ErrTransientIO = errors.New("transient I/O failure")

	// ErrGapUnresolvable marks a gap the historical source cannot fill.
	ErrGapUnresolvable = errors.New("gap unresolvable")

	// ErrInvariantViolation marks an internal consistency fault. It is never retried.
	ErrInvariantViolation = errors.New("invariant violation")
)

// IsRetryable reports whether err may clear on its own.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, ErrInvariantViolation)
}
