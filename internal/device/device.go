package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "device", "service", "characteristic"
	IDs      []string // device name, or [serviceUUID] / [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	if len(e.IDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.IDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.IDs[0])
	}
	// For BLE hierarchy: characteristic is in service
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.IDs[len(e.IDs)-1], e.IDs[0])
}

// IsDeviceNotFound reports whether err reports a device missing from a scan.
func IsDeviceNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf) && nf.Resource == ResourceDevice
}

// ResourceDevice is the NotFoundError resource for a device that did not advertise during a scan.
const ResourceDevice = "device"

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	ConnectionLost   ConnectionState = "connection_lost"
	AlreadyConnected ConnectionState = "already_connected"
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
	// ErrNotConnected is returned for an operation that needs a live link while there is none.
	ErrNotConnected = &ConnectionError{State: NotConnected}
	// ErrConnectionLost is returned when the transport drops an established link.
	ErrConnectionLost   = &ConnectionError{State: ConnectionLost}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
)

// Operation errors
var (
	ErrTimeout      = errors.New("timeout")
	ErrUnsupported  = errors.New("unsupported")
	ErrBluetoothOff = errors.New("bluetooth is turned off")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Advertisement is the subset of an advertisement packet the bridge needs to pick a device.
type Advertisement interface {
	LocalName() string
	Addr() string
	RSSI() int
	Connectable() bool
	Services() []string
}

// Transport is the central-role BLE stack: discovery and connection establishment.
type Transport interface {
	// Scan reports advertisements until ctx is done. Returning because ctx ended is not an error.
	Scan(ctx context.Context, handler func(Advertisement)) error

	// Dial connects to address and discovers its GATT profile. ctx bounds the whole operation.
	Dial(ctx context.Context, address string) (Link, error)
}

// NotificationHandler receives notification payloads. The slice is only valid during the call.
type NotificationHandler func(data []byte)

// Link is an established connection to one peripheral.
type Link interface {
	Address() string

	// Subscribe enables notifications (or indications) on a characteristic.
	// The transport calls handler serially, in arrival order.
	Subscribe(service, characteristic string, handler NotificationHandler) error

	// Write writes data to a characteristic, waiting at most timeout.
	Write(service, characteristic string, data []byte, opts WriteOptions) error

	// Disconnected is closed when the peripheral drops the link.
	Disconnected() <-chan struct{}

	// Close unsubscribes and terminates the connection. Safe to call more than once.
	Close() error
}

// WriteOptions controls a characteristic write.
type WriteOptions struct {
	WithResponse bool
	Timeout      time.Duration
}

// NormalizeError maps transport error strings to the structured errors above.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"), containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	default:
		return err
	}
}
