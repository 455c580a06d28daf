package session

import "errors"

// Common store errors.
var (
	// ErrNotFound is returned when a session is not found or has expired.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyExists is returned when creating a session whose id is taken.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrTerminal is returned when mutating a completed, failed, or
	// cancelled session.
	ErrTerminal = errors.New("session is in a terminal state")
)
