//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/rblink/internal/device"
)

func newDevice() (ble.Device, error) {
	return nil, fmt.Errorf("%w: go-ble has no %s backend", device.ErrTransportUnavailable, runtime.GOOS)
}
