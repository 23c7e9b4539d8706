package link

import (
	"fmt"

	"github.com/srg/rblink/internal/device"
)

// Event is anything the machine reacts to: transport completions and application intents.
type Event interface {
	event()
}

// TransportAvailability reports the radio going up or down.
type TransportAvailability struct {
	Available bool
	Reason    string
}

// StartScanRequested asks the machine to start scanning.
type StartScanRequested struct{}

type PeripheralDiscovered struct {
	Peripheral device.Peripheral
}

// ScanTimedOut is delivered by the transport when the requested scan window closes.
type ScanTimedOut struct{}

// ScanFailed is delivered when a running scan stops with an error.
type ScanFailed struct {
	Err error
}

// ConnectRequested selects a peripheral manually.
type ConnectRequested struct {
	PeripheralID string
}

type Connected struct {
	PeripheralID string
}

type ConnectFailed struct {
	PeripheralID string
	Err          error
}

type ServicesDiscovered struct {
	PeripheralID string
	Services     []string
}

type CharacteristicsDiscovered struct {
	PeripheralID    string
	Service         string
	Characteristics []string
}

type DiscoveryFailed struct {
	PeripheralID string
	Stage        device.DiscoveryStage
	Err          error
}

// NotifyConfirmed acknowledges a SetNotify request.
type NotifyConfirmed struct {
	PeripheralID   string
	Characteristic CharacteristicHandle
	Enabled        bool
}

// ValueUpdated carries a notification or a read result.
type ValueUpdated struct {
	PeripheralID   string
	Characteristic CharacteristicHandle
	Data           []byte
}

// ReadFailed reports a failed value or signal strength read.
type ReadFailed struct {
	PeripheralID string
	Err          error
}

// WriteFailed reports a write the transport accepted but could not deliver.
type WriteFailed struct {
	PeripheralID string
	Err          error
}

type SignalStrength struct {
	PeripheralID string
	RSSI         int
}

type DisconnectRequested struct{}

// PeripheralDisconnected reports the link going away, requested or not.
type PeripheralDisconnected struct {
	PeripheralID string
	Err          error
}

func (TransportAvailability) event()     {}
func (StartScanRequested) event()        {}
func (PeripheralDiscovered) event()      {}
func (ScanTimedOut) event()              {}
func (ScanFailed) event()                {}
func (ConnectRequested) event()          {}
func (Connected) event()                 {}
func (ConnectFailed) event()             {}
func (ServicesDiscovered) event()        {}
func (CharacteristicsDiscovered) event() {}
func (DiscoveryFailed) event()           {}
func (NotifyConfirmed) event()           {}
func (ValueUpdated) event()              {}
func (ReadFailed) event()                {}
func (WriteFailed) event()               {}
func (SignalStrength) event()            {}
func (DisconnectRequested) event()       {}
func (PeripheralDisconnected) event()    {}

// EventName returns a short label for logs.
func EventName(ev Event) string {
	switch ev.(type) {
	case TransportAvailability:
		return "transport_availability"
	case StartScanRequested:
		return "start_scan_requested"
	case PeripheralDiscovered:
		return "peripheral_discovered"
	case ScanTimedOut:
		return "scan_timed_out"
	case ScanFailed:
		return "scan_failed"
	case ConnectRequested:
		return "connect_requested"
	case Connected:
		return "connected"
	case ConnectFailed:
		return "connect_failed"
	case ServicesDiscovered:
		return "services_discovered"
	case CharacteristicsDiscovered:
		return "characteristics_discovered"
	case DiscoveryFailed:
		return "discovery_failed"
	case NotifyConfirmed:
		return "notify_confirmed"
	case ValueUpdated:
		return "value_updated"
	case ReadFailed:
		return "read_failed"
	case WriteFailed:
		return "write_failed"
	case SignalStrength:
		return "signal_strength"
	case DisconnectRequested:
		return "disconnect_requested"
	case PeripheralDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("%T", ev)
	}
}
