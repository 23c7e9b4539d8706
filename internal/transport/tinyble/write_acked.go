//go:build darwin || windows

package tinyble

import "tinygo.org/x/bluetooth"

const ackedWrites = true

func writeAcked(c bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.Write(data)
	return err
}
