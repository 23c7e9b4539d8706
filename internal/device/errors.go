package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/rblink/internal/protocol"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic", "peripheral"
	UUIDs    []string // One or more ids (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, strings.Join(e.UUIDs[1:], ", "), e.UUIDs[0])
}

// ConnectionState represents the specific kind of link state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	WrongState       ConnectionState = "wrong_state"
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

	// ErrOperationIgnoredWrongState is returned by operations the current link state cannot serve.
	ErrOperationIgnoredWrongState = &ConnectionError{State: WrongState}
)

// WrongStateError builds an ErrOperationIgnoredWrongState with context.
func WrongStateError(op, state string) error {
	return &ConnectionError{State: WrongState, Msg: fmt.Sprintf("%s ignored in state %s", op, state)}
}

var (
	ErrTransportUnavailable = errors.New("bluetooth transport unavailable")
	ErrTimeout              = errors.New("timeout")
	ErrUnsupportedOperation = protocol.ErrUnsupportedOperation
)

// ErrConnectFailed matches any *ConnectFailedError via errors.Is.
var ErrConnectFailed = &ConnectFailedError{}

// ConnectFailedError reports a connection attempt the transport rejected or could not complete.
type ConnectFailedError struct {
	PeripheralID string
	Reason       error
}

func (e *ConnectFailedError) Error() string {
	if e.Reason == nil {
		return fmt.Sprintf("connect to %s failed", e.PeripheralID)
	}
	return fmt.Sprintf("connect to %s failed: %v", e.PeripheralID, e.Reason)
}

func (e *ConnectFailedError) Is(target error) bool {
	_, ok := target.(*ConnectFailedError)
	return ok
}

func (e *ConnectFailedError) Unwrap() error {
	return e.Reason
}

// DiscoveryStage names the step of the connect sequence that failed.
type DiscoveryStage string

const (
	StageServices        DiscoveryStage = "services"
	StageCharacteristics DiscoveryStage = "characteristics"
	StageNotifications   DiscoveryStage = "notifications"
)

// ErrDiscoveryFailed matches any *DiscoveryFailedError via errors.Is.
var ErrDiscoveryFailed = &DiscoveryFailedError{}

// DiscoveryFailedError reports a failure after the link was established
// but before it became ready.
type DiscoveryFailedError struct {
	PeripheralID string
	Stage        DiscoveryStage
	Reason       error
}

func (e *DiscoveryFailedError) Error() string {
	msg := fmt.Sprintf("discovery of %s failed", e.PeripheralID)
	if e.Stage != "" {
		msg = fmt.Sprintf("%s discovery on %s failed", e.Stage, e.PeripheralID)
	}
	if e.Reason != nil {
		msg += ": " + e.Reason.Error()
	}
	return msg
}

func (e *DiscoveryFailedError) Is(target error) bool {
	_, ok := target.(*DiscoveryFailedError)
	return ok
}

func (e *DiscoveryFailedError) Unwrap() error {
	return e.Reason
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// ContainsIgnoreCase checks substring case-insensitively. Transport adapters use it
// to map library error strings onto this taxonomy.
func ContainsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
