package goble

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/srg/rblink/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"powered off", errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), device.ErrTransportUnavailable},
		{"turned off", errors.New("Bluetooth is turned off"), device.ErrTransportUnavailable},
		{"no hci", errors.New("can't init hci: no devices available"), device.ErrTransportUnavailable},
		{"not connected", errors.New("device not connected"), device.ErrNotConnected},
		{"disconnected", errors.New("peripheral disconnected"), device.ErrNotConnected},
		{"already connected", errors.New("device already connected"), device.ErrAlreadyConnected},
		{"deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), device.ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.in)
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorContains(t, got, tt.in.Error())
		})
	}

	assert.NoError(t, NormalizeError(nil))

	other := errors.New("att: insufficient authentication")
	assert.Same(t, other, NormalizeError(other))
}
