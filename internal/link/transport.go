package link

import "time"

// EventSink receives transport events. Dispatch must not block.
type EventSink interface {
	Dispatch(ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev Event)

func (f EventSinkFunc) Dispatch(ev Event) {
	f(ev)
}

// Transport is the radio stack as seen by the machine. Every request is
// asynchronous: it returns once issued and the outcome arrives as an Event on
// the bound sink, possibly before the request method returns. A returned error
// means the request could not be issued at all.
type Transport interface {
	Bind(sink EventSink)

	RequestScan(serviceFilter []string, timeout time.Duration) error
	StopScan() error
	RequestConnect(peripheralID string) error
	RequestDisconnect(peripheralID string) error
	DiscoverServices(peripheralID, serviceID string) error
	DiscoverCharacteristics(peripheralID, serviceID string, characteristicIDs []string) error
	SetNotify(peripheralID string, ch CharacteristicHandle, enabled bool) error
	WriteValue(peripheralID string, ch CharacteristicHandle, data []byte) error
	ReadValue(peripheralID string, ch CharacteristicHandle) error
	ReadSignalStrength(peripheralID string) error
}
