package protocol

import (
	"errors"
	"fmt"

	"github.com/srg/huella/internal/device"
)

// ProtocolError reports an outbound payload rejected before transmission.
//
//nolint:revive // protocol.ProtocolError reads naturally at call sites
type ProtocolError struct {
	Op     string
	Size   int // encoded size, 0 when not applicable
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Reason)
	if e.Size > 0 {
		msg = fmt.Sprintf("%s (%d bytes)", msg, e.Size)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ErrPayloadTooLarge is matched by every oversize ProtocolError.
var ErrPayloadTooLarge = errors.New("payload exceeds attribute write limit")

// TransportError wraps a link-level failure on a role.
type TransportError struct {
	Op   string
	Role device.Role
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Op, e.Role, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports an inbound payload that could not be decoded.
type DecodeError struct {
	Kind    string // "sample", "status", "info", "configuration"
	Payload []byte
	Reason  string
	Err     error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("decode %s: %s", e.Kind, e.Reason)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// checkSize enforces the attribute write ceiling on an encoded payload.
func checkSize(op string, data []byte) error {
	if len(data) > MaxPayloadSize {
		return &ProtocolError{
			Op:     op,
			Size:   len(data),
			Reason: fmt.Sprintf("encoded size exceeds %d bytes", MaxPayloadSize),
			Err:    ErrPayloadTooLarge,
		}
	}
	return nil
}
