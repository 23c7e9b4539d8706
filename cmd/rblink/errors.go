package main

import (
	"errors"
	"fmt"

	"github.com/srg/rblink/internal/device"
	"github.com/srg/rblink/internal/protocol"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while a command was waiting on it.
	ErrConnectionLost = errors.New("connection lost")
	// ErrNoPeripheral means the scan ended without a RedBear peripheral to connect to.
	ErrNoPeripheral = errors.New("no RedBear peripheral found")
	// ErrNoReply means the peripheral did not answer a query in time.
	ErrNoReply = errors.New("no reply from peripheral")
)

// FormatUserError turns an error chain into a one-line message with a hint
// for the failures users can act on.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, device.ErrTransportUnavailable):
		return fmt.Sprintf("%v (is Bluetooth powered on and accessible?)", err)
	case errors.Is(err, ErrNoPeripheral):
		return fmt.Sprintf("%v (is the board powered and advertising?)", err)
	case errors.Is(err, device.ErrTimeout):
		return fmt.Sprintf("%v (try a longer --timeout)", err)
	case errors.Is(err, protocol.ErrUnsupportedOperation):
		return fmt.Sprintf("%v: the firmware defines no encoding for this command", err)
	case errors.Is(err, protocol.ErrPayloadTooLong):
		return fmt.Sprintf("%v (max %d bytes)", err, protocol.MaxCustomDataPayload)
	default:
		return err.Error()
	}
}
