package storage

import (
	"errors"
	"fmt"
)

// Storage error constants
var (
	// ErrRideNotFound is returned when a ride does not exist or is no longer open
	ErrRideNotFound = errors.New("ride not found or no longer open")

	// ErrStoreClosed is returned when using a store that was never opened or has been closed
	ErrStoreClosed = errors.New("store is closed")
)

// ConnectionError is returned when no store session could be established.
// URI is redacted.
type ConnectionError struct {
	URI      string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("store connection to %s failed after %d attempt(s): %v", e.URI, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
