package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/huella/internal/device"
	"github.com/srg/huella/internal/protocol"
	"github.com/srg/huella/internal/session"
	"github.com/srg/huella/internal/store"
)

// ErrAuthRejected is returned when the device answers AUTH_FAIL or the
// handshake times out.
var ErrAuthRejected = errors.New("authentication rejected")

// ErrInvalidPIN is returned for a PIN that is not exactly six digits.
var ErrInvalidPIN = errors.New("invalid PIN")

// FormatUserError turns an error chain into one line of operator-facing text.
// Unknown errors are printed as-is.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var (
		authErr   *session.AuthError
		protoErr  *protocol.ProtocolError
		decodeErr *protocol.DecodeError
		notFound  *device.NotFoundError
	)

	switch {
	case errors.Is(err, ErrInvalidPIN):
		return fmt.Sprintf("the PIN must be exactly %d digits", pinLength)
	case errors.Is(err, ErrAuthRejected):
		return "the device rejected the PIN (or did not answer in time)"
	case errors.As(err, &authErr):
		return fmt.Sprintf("authentication could not be completed: %s", FormatUserError(authErr.Err))
	case errors.Is(err, session.ErrNotAuthenticated):
		return "this operation requires the device PIN (use --pin or answer the prompt)"
	case errors.Is(err, session.ErrCommandInFlight):
		return "the device is still processing the previous command, try again"
	case errors.Is(err, session.ErrInvalidState):
		return fmt.Sprintf("streaming is not possible right now: %v", err)
	case errors.Is(err, session.ErrInvalidDuration):
		return "stream duration must be a positive number of seconds"
	case errors.Is(err, session.ErrStreamCancelled):
		return "streaming was cancelled before the device confirmed it"
	case errors.Is(err, session.ErrConnectionLost):
		return "the connection to the device was lost"
	case errors.Is(err, session.ErrSessionClosed):
		return "the device session is already closed"
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off; enable it and retry"
	case errors.Is(err, device.ErrNotConnected):
		return "the device is not connected"
	case errors.As(err, &notFound):
		return fmt.Sprintf("this does not look like a HUELLA device: %v", notFound)
	case errors.Is(err, device.ErrWriteTooLarge):
		return fmt.Sprintf("the device link cannot take this payload in one write: %v", err)
	case errors.Is(err, protocol.ErrPayloadTooLarge):
		return fmt.Sprintf("the command is too large for a single write (max %d bytes)", protocol.MaxPayloadSize)
	case errors.As(err, &protoErr):
		return fmt.Sprintf("invalid command: %v", protoErr)
	case errors.As(err, &decodeErr):
		return fmt.Sprintf("the device sent an unreadable %s document", decodeErr.Kind)
	case errors.Is(err, device.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("timed out: %v", err)
	case errors.Is(err, store.ErrNotFound):
		return "no stored record matches the request"
	case errors.Is(err, store.ErrUnknownStore):
		return fmt.Sprintf("%v (configure store.driver as memory or postgres)", err)
	}
	return err.Error()
}
