package link

import (
	"time"

	"github.com/srg/rblink/internal/device"
)

// RedBear vendor service. The data channel notifies, the command channel takes writes.
const (
	RedBearServiceUUID = "713D0000-503E-4C75-BA94-3148F18D941E"
	RedBearDataUUID    = "713D0002-503E-4C75-BA94-3148F18D941E"
	RedBearCommandUUID = "713D0003-503E-4C75-BA94-3148F18D941E"

	DefaultScanTimeout = 2 * time.Second
)

// Options are the link policies.
type Options struct {
	ServiceUUID string
	CommandUUID string
	DataUUID    string

	// ScanTimeout is handed to the transport with every scan request; zero scans until stopped.
	ScanTimeout time.Duration

	// AutoConnect connects to the first matching peripheral as soon as it is discovered.
	AutoConnect bool
	// AutoScan starts scanning whenever the transport reports it is available.
	AutoScan bool
	// RescanOnConnectFailure goes back to scanning instead of idling after a failed connect.
	RescanOnConnectFailure bool
}

func DefaultOptions() Options {
	return Options{
		ServiceUUID: RedBearServiceUUID,
		CommandUUID: RedBearCommandUUID,
		DataUUID:    RedBearDataUUID,
		ScanTimeout: DefaultScanTimeout,
		AutoConnect: true,
	}
}

// Hooks receive machine notifications. Nil hooks are skipped.
type Hooks struct {
	OnStateChanged         func(from, to State)
	OnPeripheralDiscovered func(p device.Peripheral)
	OnReady                func()
	OnValue                func(ch CharacteristicHandle, data []byte)
	OnSignalStrength       func(peripheralID string, rssi int)
	OnError                func(err error)
}
