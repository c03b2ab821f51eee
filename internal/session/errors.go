package session

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionLost is the cause of a session ended by the peripheral
	// going away rather than by Close.
	ErrConnectionLost = errors.New("connection lost")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrCommandInFlight rejects a send issued while another is unacknowledged.
	ErrCommandInFlight = errors.New("another command is in flight")

	// ErrNotAuthenticated gates operations that need a successful PIN handshake.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrInvalidState rejects a streaming transition not allowed from the
	// current state.
	ErrInvalidState = errors.New("invalid streaming state")

	// ErrInvalidDuration rejects a non-positive stream duration.
	ErrInvalidDuration = errors.New("stream duration must be positive")

	// ErrStreamCancelled is returned by Start when Stop ran before the device
	// acknowledged the start.
	ErrStreamCancelled = errors.New("stream start cancelled")
)

// AuthError reports that an authentication attempt could not be carried out,
// as opposed to the device rejecting the PIN.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }
