package broker

import (
	"errors"
	"fmt"
)

// ErrUnavailable is matched by every publish or subscribe failure caused by
// the broker not being connected.
var ErrUnavailable = errors.New("broker unavailable")

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker closed")

// UnavailableError is returned by Publish and Subscribe while the broker is
// disconnected, reconnecting, failed or closed.
type UnavailableError struct {
	Op      string
	Subject string
	State   State
	Err     error
}

func (e *UnavailableError) Error() string {
	msg := fmt.Sprintf("%s %q: broker unavailable (%s)", e.Op, e.Subject, e.State)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// ConnectionError reports that no broker session could be established, either
// at startup or after the reconnect budget ran out. URL is redacted.
type ConnectionError struct {
	URL      string
	Phase    string // "connect" or "reconnect"
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker %s to %s failed after %d attempt(s): %v", e.Phase, e.URL, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
