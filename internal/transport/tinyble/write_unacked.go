//go:build !darwin && !windows

package tinyble

import (
	"fmt"

	"github.com/srg/rblink/internal/device"
	"tinygo.org/x/bluetooth"
)

// BlueZ and the HCI/SoftDevice stacks only expose WriteWithoutResponse.
const ackedWrites = false

func writeAcked(bluetooth.DeviceCharacteristic, []byte) error {
	return fmt.Errorf("%w: acknowledged writes", device.ErrUnsupportedOperation)
}
