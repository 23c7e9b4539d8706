package session

import (
	"github.com/srg/rblink/internal/device"
	"github.com/srg/rblink/internal/link"
	"github.com/srg/rblink/internal/protocol"
)

// Observer receives session notifications. Calls are never made while the
// session lock is held, so an observer may call back into the session.
// They come from the event loop, or from the goroutine that invoked an
// intent method when that method itself produced the notification.
type Observer interface {
	OnStateChanged(state link.State)
	OnPeripheralDiscovered(p device.Peripheral)
	OnDataReceived(p protocol.Payload)
	OnError(err error)
	OnSignalStrength(peripheralID string, rssi int)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	StateChanged         func(state link.State)
	PeripheralDiscovered func(p device.Peripheral)
	DataReceived         func(p protocol.Payload)
	Error                func(err error)
	SignalStrength       func(peripheralID string, rssi int)
}

func (f ObserverFuncs) OnStateChanged(state link.State) {
	if f.StateChanged != nil {
		f.StateChanged(state)
	}
}

func (f ObserverFuncs) OnPeripheralDiscovered(p device.Peripheral) {
	if f.PeripheralDiscovered != nil {
		f.PeripheralDiscovered(p)
	}
}

func (f ObserverFuncs) OnDataReceived(p protocol.Payload) {
	if f.DataReceived != nil {
		f.DataReceived(p)
	}
}

func (f ObserverFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

func (f ObserverFuncs) OnSignalStrength(peripheralID string, rssi int) {
	if f.SignalStrength != nil {
		f.SignalStrength(peripheralID, rssi)
	}
}

// Observers fans notifications out in order.
type Observers []Observer

func (o Observers) OnStateChanged(state link.State) {
	for _, obs := range o {
		obs.OnStateChanged(state)
	}
}

func (o Observers) OnPeripheralDiscovered(p device.Peripheral) {
	for _, obs := range o {
		obs.OnPeripheralDiscovered(p)
	}
}

func (o Observers) OnDataReceived(p protocol.Payload) {
	for _, obs := range o {
		obs.OnDataReceived(p)
	}
}

func (o Observers) OnError(err error) {
	for _, obs := range o {
		obs.OnError(err)
	}
}

func (o Observers) OnSignalStrength(peripheralID string, rssi int) {
	for _, obs := range o {
		obs.OnSignalStrength(peripheralID, rssi)
	}
}
