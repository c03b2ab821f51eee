package device

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
	BluetoothOff     ConnectionState = "bluetooth_off"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff, Msg: "Bluetooth is turned off"}
)

// Operation errors
var (
	ErrTimeout     = errors.New("timeout")
	ErrUnsupported = errors.New("unsupported")

	// ErrWriteTooLarge is returned when a value does not fit in one
	// acknowledged write on the current link.
	ErrWriteTooLarge = errors.New("value exceeds the link write size")
)

// NotFoundError is returned when a GATT service or one of the role
// characteristics is missing on the connected peripheral.
type NotFoundError struct {
	Resource string // "service" or "characteristic"
	UUID     string
	Role     Role
}

func (e *NotFoundError) Error() string {
	if e.Resource == "characteristic" {
		return fmt.Sprintf("characteristic %q (%s) not found", e.UUID, e.Role)
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.UUID)
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// ConnectOptions defines BLE connection options
type ConnectOptions struct {
	ConnectTimeout time.Duration
	// WriteTimeout bounds a single acknowledged write; 0 means no extra bound
	// beyond the caller's context.
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	Profile      *Profile // nil selects DefaultProfile()
}

// Transport opens links to peripherals.
type Transport interface {
	Connect(ctx context.Context, address string, opts *ConnectOptions) (Link, error)
}

// Link is a live connection to one peripheral, addressed by role rather than
// by characteristic UUID.
//
// Write always uses write-with-response so that a delivery failure is
// reported to the caller. Notification callbacks run on the transport's
// goroutine and must not block.
type Link interface {
	Address() string
	Name() string

	Write(ctx context.Context, role Role, data []byte) error
	Read(ctx context.Context, role Role) ([]byte, error)
	Subscribe(role Role, onValue func([]byte)) (Subscription, error)

	// Disconnected is closed when the peripheral goes away or Close is called.
	Disconnected() <-chan struct{}
	Close() error
}

// Subscription is an active notification registration on a role.
type Subscription interface {
	Unsubscribe() error
}

// Advertisement is the subset of advertised data the scanner inspects.
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	Services() []string
	TxPowerLevel() int
	Connectable() bool
	RSSI() int
	Addr() string
}

// Scanner performs BLE discovery, calling handler for every advertisement.
type Scanner interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}
