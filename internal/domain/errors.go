package domain

import (
	"errors"
	"fmt"
)

// ErrBadInput is the root of all caller-precondition violations. Specific
// errors below wrap it so callers can match the whole family with errors.Is.
var ErrBadInput = errors.New("bad input")

var (
	// ErrEmptyJobType indicates a job submission without a routing type.
	ErrEmptyJobType = fmt.Errorf("%w: job type must not be empty", ErrBadInput)

	// ErrInvalidMaxAttempts indicates max attempts outside the allowed range (>= 1).
	ErrInvalidMaxAttempts = fmt.Errorf("%w: max attempts must be at least 1", ErrBadInput)

	// ErrUnknownBackoff indicates an unrecognized backoff strategy on submission.
	ErrUnknownBackoff = fmt.Errorf("%w: unknown backoff strategy", ErrBadInput)

	// ErrInvalidAttemptDuration indicates a negative per-attempt deadline.
	ErrInvalidAttemptDuration = fmt.Errorf("%w: max attempt duration must not be negative", ErrBadInput)

	// ErrInvalidUID indicates the provided job UID is not a valid UUID.
	ErrInvalidUID = fmt.Errorf("%w: invalid job UID", ErrBadInput)

	// ErrUnknownStatus indicates an unrecognized status filter.
	ErrUnknownStatus = fmt.Errorf("%w: unknown job status", ErrBadInput)
)

// ErrShuttingDown is returned by operations that cannot run once shutdown
// has begun.
var ErrShuttingDown = errors.New("manager is shutting down")

// TimeoutError indicates a handler exceeded its per-attempt deadline. The
// handler itself is signaled for cancellation but not forcibly terminated.
type TimeoutError struct{}

func (TimeoutError) Error() string { return "Execution timed out" }

// IsTimeout reports whether err is a per-attempt timeout.
func IsTimeout(err error) bool {
	var t TimeoutError
	return errors.As(err, &t)
}

// PanicError indicates a handler panicked during execution. The stack trace
// is captured into the attempt row's error details.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// IsPanic reports whether err originated from a recovered handler panic.
func IsPanic(err error) bool {
	var p PanicError
	return errors.As(err, &p)
}
