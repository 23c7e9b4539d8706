package tinyble

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/rblink/internal/device"
)

// NormalizeError maps adapter errors (BlueZ D-Bus names, CoreBluetooth and
// WinRT messages) to the device sentinels.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	}

	msg := err.Error()
	switch {
	case device.ContainsIgnoreCase(msg, "org.bluez.Error.NotReady"),
		device.ContainsIgnoreCase(msg, "powered off"),
		device.ContainsIgnoreCase(msg, "not enabled"),
		device.ContainsIgnoreCase(msg, "no bluetooth adapter"),
		device.ContainsIgnoreCase(msg, "unauthorized"):
		return fmt.Errorf("%w: %v", device.ErrTransportUnavailable, err)
	case device.ContainsIgnoreCase(msg, "org.bluez.Error.AlreadyConnected"),
		device.ContainsIgnoreCase(msg, "already connected"):
		return fmt.Errorf("%w: %v", device.ErrAlreadyConnected, err)
	case device.ContainsIgnoreCase(msg, "org.bluez.Error.NotConnected"),
		device.ContainsIgnoreCase(msg, "not connected"),
		device.ContainsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case device.ContainsIgnoreCase(msg, "timeout"),
		device.ContainsIgnoreCase(msg, "timed out"):
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	default:
		return err
	}
}
