//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// newDevice opens the default HCI socket; it needs CAP_NET_ADMIN.
func newDevice() (ble.Device, error) {
	return linux.NewDevice()
}
