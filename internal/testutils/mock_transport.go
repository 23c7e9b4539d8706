package testutils

import (
	"sync"
	"time"

	"github.com/srg/rblink/internal/device"
	"github.com/srg/rblink/internal/link"
	"github.com/stretchr/testify/mock"
)

// PeripheralEmulation describes how MockTransport answers requests when emulation is on.
// Zero values mean "answer with what was asked for".
type PeripheralEmulation struct {
	// Advertised peripherals reported, in order, for every scan request.
	Advertised []device.Peripheral
	// ScanTimesOut delivers ScanTimedOut after the advertisements.
	ScanTimesOut bool

	ConnectErr      error
	Services        []string
	Characteristics []string
	NotifyErr       error
	RSSI            int

	// Responder produces notification payloads for writes on the command channel.
	Responder func(frame []byte) [][]byte
	// ReadValue is returned by ReadValue on the data channel.
	ReadValue []byte
}

// MockTransport is a testify mock of link.Transport. Every request is recorded
// and, unless overridden with FailOn, succeeds. With Emulate the mock also
// answers requests by dispatching the matching completion events to the bound
// sink, synchronously from inside the request.
type MockTransport struct {
	mock.Mock

	mu        sync.Mutex
	sink      link.EventSink
	writes    [][]byte
	counts    map[string]int
	emulation *PeripheralEmulation
}

func NewMockTransport() *MockTransport {
	m := &MockTransport{}
	m.On("RequestScan", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("StopScan").Return(nil).Maybe()
	m.On("RequestConnect", mock.Anything).Return(nil).Maybe()
	m.On("RequestDisconnect", mock.Anything).Return(nil).Maybe()
	m.On("DiscoverServices", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("DiscoverCharacteristics", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("SetNotify", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("WriteValue", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("ReadValue", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("ReadSignalStrength", mock.Anything).Return(nil).Maybe()
	return m
}

var methodArity = map[string]int{
	"RequestScan":             2,
	"StopScan":                0,
	"RequestConnect":          1,
	"RequestDisconnect":       1,
	"DiscoverServices":        2,
	"DiscoverCharacteristics": 3,
	"SetNotify":               3,
	"WriteValue":              3,
	"ReadValue":               2,
	"ReadSignalStrength":      1,
}

// FailOn makes every subsequent call of method return err synchronously.
func (m *MockTransport) FailOn(method string, err error) *mock.Call {
	args := make([]interface{}, methodArity[method])
	for i := range args {
		args[i] = mock.Anything
	}
	call := m.On(method, args...).Return(err)

	// newest expectation wins
	n := len(m.ExpectedCalls)
	m.ExpectedCalls = append([]*mock.Call{m.ExpectedCalls[n-1]}, m.ExpectedCalls[:n-1]...)
	return call
}

// Emulate switches on automatic answers.
func (m *MockTransport) Emulate(e PeripheralEmulation) *MockTransport {
	m.mu.Lock()
	m.emulation = &e
	m.mu.Unlock()
	return m
}

func (m *MockTransport) Bind(sink link.EventSink) {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

// Emit dispatches ev to the bound sink, as if the radio stack produced it.
func (m *MockTransport) Emit(ev link.Event) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink.Dispatch(ev)
	}
}

// Writes returns a copy of every frame passed to WriteValue, in order.
func (m *MockTransport) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	copy(out, m.writes)
	return out
}

// CallCount returns how many times method was invoked.
func (m *MockTransport) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[method]
}

func (m *MockTransport) called(method string, args ...interface{}) error {
	m.mu.Lock()
	if m.counts == nil {
		m.counts = map[string]int{}
	}
	m.counts[method]++
	m.mu.Unlock()
	return m.MethodCalled(method, args...).Error(0)
}

func (m *MockTransport) emulated() *PeripheralEmulation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emulation
}

func (m *MockTransport) RequestScan(serviceFilter []string, timeout time.Duration) error {
	if err := m.called("RequestScan", serviceFilter, timeout); err != nil {
		return err
	}
	if e := m.emulated(); e != nil {
		for _, p := range e.Advertised {
			m.Emit(link.PeripheralDiscovered{Peripheral: p})
		}
		if e.ScanTimesOut {
			m.Emit(link.ScanTimedOut{})
		}
	}
	return nil
}

func (m *MockTransport) StopScan() error {
	return m.called("StopScan")
}

func (m *MockTransport) RequestConnect(peripheralID string) error {
	if err := m.called("RequestConnect", peripheralID); err != nil {
		return err
	}
	if e := m.emulated(); e != nil {
		if e.ConnectErr != nil {
			m.Emit(link.ConnectFailed{PeripheralID: peripheralID, Err: e.ConnectErr})
		} else {
			m.Emit(link.Connected{PeripheralID: peripheralID})
		}
	}
	return nil
}

func (m *MockTransport) RequestDisconnect(peripheralID string) error {
	if err := m.called("RequestDisconnect", peripheralID); err != nil {
		return err
	}
	if m.emulated() != nil {
		m.Emit(link.PeripheralDisconnected{PeripheralID: peripheralID})
	}
	return nil
}

func (m *MockTransport) DiscoverServices(peripheralID, serviceID string) error {
	if err := m.called("DiscoverServices", peripheralID, serviceID); err != nil {
		return err
	}
	if e := m.emulated(); e != nil {
		services := e.Services
		if services == nil {
			services = []string{serviceID}
		}
		m.Emit(link.ServicesDiscovered{PeripheralID: peripheralID, Services: services})
	}
	return nil
}

func (m *MockTransport) DiscoverCharacteristics(peripheralID, serviceID string, characteristicIDs []string) error {
	if err := m.called("DiscoverCharacteristics", peripheralID, serviceID, characteristicIDs); err != nil {
		return err
	}
	if e := m.emulated(); e != nil {
		chars := e.Characteristics
		if chars == nil {
			chars = characteristicIDs
		}
		m.Emit(link.CharacteristicsDiscovered{PeripheralID: peripheralID, Service: serviceID, Characteristics: chars})
	}
	return nil
}

func (m *MockTransport) SetNotify(peripheralID string, ch link.CharacteristicHandle, enabled bool) error {
	if err := m.called("SetNotify", peripheralID, ch, enabled); err != nil {
		return err
	}
	if e := m.emulated(); e != nil {
		if e.NotifyErr != nil {
			m.Emit(link.DiscoveryFailed{PeripheralID: peripheralID, Stage: device.StageNotifications, Err: e.NotifyErr})
		} else {
			m.Emit(link.NotifyConfirmed{PeripheralID: peripheralID, Characteristic: ch, Enabled: enabled})
		}
	}
	return nil
}

func (m *MockTransport) WriteValue(peripheralID string, ch link.CharacteristicHandle, data []byte) error {
	if err := m.called("WriteValue", peripheralID, ch, data); err != nil {
		return err
	}
	m.mu.Lock()
	m.writes = append(m.writes, append([]byte(nil), data...))
	m.mu.Unlock()

	if e := m.emulated(); e != nil && e.Responder != nil {
		for _, reply := range e.Responder(data) {
			m.Emit(link.ValueUpdated{PeripheralID: peripheralID, Data: reply})
		}
	}
	return nil
}

func (m *MockTransport) ReadValue(peripheralID string, ch link.CharacteristicHandle) error {
	if err := m.called("ReadValue", peripheralID, ch); err != nil {
		return err
	}
	if e := m.emulated(); e != nil {
		m.Emit(link.ValueUpdated{PeripheralID: peripheralID, Characteristic: ch, Data: e.ReadValue})
	}
	return nil
}

func (m *MockTransport) ReadSignalStrength(peripheralID string) error {
	if err := m.called("ReadSignalStrength", peripheralID); err != nil {
		return err
	}
	if e := m.emulated(); e != nil {
		m.Emit(link.SignalStrength{PeripheralID: peripheralID, RSSI: e.RSSI})
	}
	return nil
}

var _ link.Transport = (*MockTransport)(nil)
