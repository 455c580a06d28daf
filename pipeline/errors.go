package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Common pipeline errors.
var (
	// ErrNotFound is returned when a session id is unknown or expired.
	ErrNotFound = errors.New("session not found")
	// ErrNotCancellable is returned when a session cannot be cancelled in
	// its current state.
	ErrNotCancellable = errors.New("session is not cancellable")
	// ErrEngineClosed is returned by Submit after the engine shut down.
	ErrEngineClosed = errors.New("engine is closed")
)

// FatalError marks a configuration error that retrying cannot fix: the
// pipeline fails the session immediately without consuming retry attempts.
type FatalError struct {
	Err error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// fatalf builds a FatalError from a format string.
func fatalf(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

// isFatal classifies an error against the FatalError type and the
// configured fatal message patterns. Everything else is transient and
// retried at the pipeline level.
func isFatal(err error, patterns []string) bool {
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range patterns {
		if strings.Contains(msg, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}
