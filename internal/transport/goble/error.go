package goble

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/rblink/internal/device"
)

// NormalizeError maps known go-ble error strings to the device sentinels.
// The original message is kept in the wrapped error text.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", device.ErrTransportUnavailable, err)
	case device.ContainsIgnoreCase(msg, "bluetooth is turned off"),
		device.ContainsIgnoreCase(msg, "can't init hci"),
		device.ContainsIgnoreCase(msg, "operation not permitted"):
		return fmt.Errorf("%w: %v", device.ErrTransportUnavailable, err)
	case device.ContainsIgnoreCase(msg, "device not connected"),
		device.ContainsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case device.ContainsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", device.ErrAlreadyConnected, err)
	default:
		return err
	}
}
