package session

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the task packages. Classify with errors.Is.
var (
	// ErrValidation marks bad input rejected before any state changes.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an unknown id. Callers treat it as non-fatal.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState marks an operation not legal in the current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrExecution marks an engine failure recorded on a session.
	ErrExecution = errors.New("execution failed")
	// ErrTimeout marks a session that exceeded its timeout.
	ErrTimeout = errors.New("timed out")
	// ErrCancelled marks a session cancelled by a caller or by shutdown.
	ErrCancelled = errors.New("cancelled")
)

func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFound(what, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, what, id)
}

func InvalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// KindOf maps an execution error to the kind recorded on the session.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	default:
		return KindExecution
	}
}
