package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/rblink/internal/device"
	"github.com/srg/rblink/internal/link"
	"github.com/srg/rblink/internal/protocol"
	"github.com/srg/rblink/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const biscuitID = "D0:5F:B8:00:00:01"

var biscuit = device.Peripheral{ID: biscuitID, Name: "Biscuit", RSSI: -48}

type recorder struct {
	mu       sync.Mutex
	states   []link.State
	payloads []protocol.Payload
	errs     []error
	found    []device.Peripheral
	rssi     map[string]int
}

func (r *recorder) OnStateChanged(state link.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recorder) OnPeripheralDiscovered(p device.Peripheral) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.found = append(r.found, p)
}

func (r *recorder) OnDataReceived(p protocol.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) OnSignalStrength(id string, rssi int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rssi == nil {
		r.rssi = map[string]int{}
	}
	r.rssi[id] = rssi
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

type fixture struct {
	session   *Session
	transport *testutils.MockTransport
	observer  *recorder
	helper    *testutils.TestHelper
}

func newFixture(t *testing.T, emu testutils.PeripheralEmulation, mutate ...func(*Options)) *fixture {
	if emu.Advertised == nil {
		emu.Advertised = []device.Peripheral{biscuit}
	}
	f := &fixture{
		transport: testutils.NewMockTransport().Emulate(emu),
		observer:  &recorder{},
		helper:    testutils.NewTestHelper(t),
	}
	opts := DefaultOptions()
	opts.Observer = f.observer
	for _, fn := range mutate {
		fn(&opts)
	}
	f.session = New(f.transport, opts, f.helper.Logger)
	return f
}

// ready drives the emulated connect sequence to completion without the event loop.
func (f *fixture) ready(t *testing.T) {
	t.Helper()
	require.NoError(t, f.session.StartScan())
	f.session.pump()
	require.Equal(t, link.Ready, f.session.State())
}

func TestQueuedCommandsFlushOnReady(t *testing.T) {
	f := newFixture(t, testutils.PeripheralEmulation{})
	s := f.session

	require.NoError(t, s.StartScan())
	// apply only the discovery so the link sits in Connecting
	events := s.inbox.take()
	require.NotEmpty(t, events)
	s.handle(events[0])
	for _, ev := range events[1:] {
		s.Dispatch(ev)
	}
	require.Equal(t, link.Connecting, s.State())

	s.SetPinMode(3, protocol.PinModeOutput)
	s.DigitalWrite(3, protocol.PinValueHigh)

	assert.Equal(t, 2, s.PendingCount())
	assert.Empty(t, f.transport.Writes())

	s.pump()

	require.Equal(t, link.Ready, s.State())
	assert.Equal(t, [][]byte{{'S', 0x03, 0x01}, {'T', 0x03, 0x01}}, f.transport.Writes())
	assert.Zero(t, s.PendingCount())

	s.DigitalWrite(3, protocol.PinValueLow)
	assert.Equal(t, []byte{'T', 0x03, 0x00}, f.transport.Writes()[2])
}

func TestCommandsQueuedWhileIdleKeepOrder(t *testing.T) {
	f := newFixture(t, testutils.PeripheralEmulation{})
	s := f.session

	s.QueryProtocolVersion()
	s.QueryTotalPinCount()
	s.QueryPinCapability(byte(protocol.PinTypeDigital))
	s.QueryPinMode(4)
	s.QueryPinAll()
	s.DigitalRead(4)
	s.AnalogWrite(5, 128)
	s.ServoWrite(6, 90)
	require.Equal(t, 8, s.PendingCount())

	f.ready(t)

	assert.Equal(t, [][]byte{
		{'V'},
		{'C'},
		{'P', 0x02},
		{'M', 0x04},
		{'M'},
		{'G', 0x04},
		{'N', 0x05, 0x80},
		{'O', 0x06, 0x5A},
	}, f.transport.Writes())
}

func TestSendCustomData(t *testing.T) {
	f := newFixture(t, testutils.PeripheralEmulation{})
	f.ready(t)

	require.NoError(t, f.session.SendCustomData([]byte{0xAA, 0xBB}))
	assert.Equal(t, [][]byte{{'Z', 0x02, 0xAA, 0xBB}}, f.transport.Writes())

	err := f.session.SendCustomData(make([]byte, 256))
	assert.ErrorIs(t, err, protocol.ErrPayloadTooLong)
	assert.Len(t, f.transport.Writes(), 1)
}

func TestUnsupportedOperationsInEveryState(t *testing.T) {
	reach := map[link.State]func(f *fixture){
		link.Idle: func(*fixture) {},
		link.Scanning: func(f *fixture) {
			require.NoError(t, f.session.StartScan())
		},
		link.Connecting: func(f *fixture) {
			require.NoError(t, f.session.StartScan())
			f.session.handle(f.session.inbox.take()[0])
		},
		link.Ready: func(f *fixture) { f.ready(t) },
		link.Disconnected: func(f *fixture) {
			f.ready(t)
			f.transport.Emit(link.PeripheralDisconnected{PeripheralID: biscuitID})
			f.session.pump()
		},
	}

	for state, setup := range reach {
		t.Run(state.String(), func(t *testing.T) {
			f := newFixture(t, testutils.PeripheralEmulation{})
			setup(f)
			require.Equal(t, state, f.session.State())

			pending := f.session.PendingCount()
			writes := len(f.transport.Writes())

			assert.ErrorIs(t, f.session.AnalogRead(2), protocol.ErrUnsupportedOperation)
			assert.ErrorIs(t, f.session.ServoRead(2), device.ErrUnsupportedOperation)

			assert.Equal(t, pending, f.session.PendingCount())
			assert.Len(t, f.transport.Writes(), writes)
			assert.Equal(t, state, f.session.State())
		})
	}
}

func TestWrongStateOperations(t *testing.T) {
	f := newFixture(t, testutils.PeripheralEmulation{})
	s := f.session

	assert.ErrorIs(t, s.Read(), device.ErrOperationIgnoredWrongState)
	assert.ErrorIs(t, s.ReadSignalStrength(), device.ErrOperationIgnoredWrongState)
	assert.ErrorIs(t, s.SetNotifications(true), device.ErrOperationIgnoredWrongState)
	assert.ErrorIs(t, s.Disconnect(), device.ErrOperationIgnoredWrongState)

	_, ok := s.ActivePeripheral()
	assert.False(t, ok)
}

func TestDataReceivedIsDecoded(t *testing.T) {
	parser := protocol.ResponseParserFunc(func(data []byte) (any, error) {
		if len(data) == 0 {
			return nil, errors.New("empty")
		}
		return string(data[:1]), nil
	})
	f := newFixture(t, testutils.PeripheralEmulation{
		Responder: func(frame []byte) [][]byte {
			if frame[0] == 'V' {
				return [][]byte{{'V', 0x00, 0x00, 0x01}}
			}
			return nil
		},
		ReadValue: []byte{'G', 0x04, 0x01},
	}, func(o *Options) { o.Parser = parser })
	f.ready(t)

	f.session.QueryProtocolVersion()
	f.session.pump()
	require.NoError(t, f.session.Read())
	f.session.pump()

	f.observer.mu.Lock()
	defer f.observer.mu.Unlock()
	require.Len(t, f.observer.payloads, 2)
	assert.Equal(t, []byte{'V', 0x00, 0x00, 0x01}, f.observer.payloads[0].Raw)
	assert.Equal(t, "V", f.observer.payloads[0].Response)
	assert.Equal(t, "G", f.observer.payloads[1].Response)
}

func TestObserverSeesLifecycle(t *testing.T) {
	f := newFixture(t, testutils.PeripheralEmulation{RSSI: -61})
	f.ready(t)

	require.NoError(t, f.session.ReadSignalStrength())
	f.session.pump()

	f.observer.mu.Lock()
	assert.Equal(t, []link.State{
		link.Scanning,
		link.Connecting,
		link.DiscoveringServices,
		link.DiscoveringCharacteristics,
		link.EnablingNotifications,
		link.Ready,
	}, f.observer.states)
	require.Len(t, f.observer.found, 1)
	assert.Equal(t, "Biscuit", f.observer.found[0].Name)
	assert.Equal(t, -61, f.observer.rssi[biscuitID])
	f.observer.mu.Unlock()

	p, ok := f.session.ActivePeripheral()
	require.True(t, ok)
	assert.Equal(t, -61, p.RSSI)
	assert.Equal(t, []device.Peripheral{p}, f.session.Peripherals())
	assert.True(t, f.session.Characteristics().Complete())
}

func TestReconnectAfterDrop(t *testing.T) {
	f := newFixture(t, testutils.PeripheralEmulation{})
	f.ready(t)
	first := f.session.Characteristics()

	f.transport.Emit(link.PeripheralDisconnected{PeripheralID: biscuitID, Err: errors.New("connection timeout")})
	f.session.pump()
	require.Equal(t, link.Disconnected, f.session.State())
	assert.Empty(t, f.session.Characteristics())

	f.session.DigitalWrite(13, protocol.PinValueHigh)
	assert.Equal(t, 1, f.session.PendingCount())

	f.ready(t)
	assert.Equal(t, first, f.session.Characteristics())
	assert.Equal(t, [][]byte{{'T', 0x0D, 0x01}}, f.transport.Writes())
	assert.Equal(t, 2, f.transport.CallCount("RequestConnect"))

	errs := f.observer.errors()
	require.Len(t, errs, 1)
	assert.ErrorContains(t, errs[0], "connection timeout")
}

func TestDiscoveryFailureSurfacesAndDisconnects(t *testing.T) {
	f := newFixture(t, testutils.PeripheralEmulation{NotifyErr: errors.New("cccd write rejected")})

	require.NoError(t, f.session.StartScan())
	f.session.pump()

	assert.Equal(t, link.Disconnected, f.session.State())
	f.transport.AssertCalled(t, "RequestDisconnect", biscuitID)
	errs := f.observer.errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], device.ErrDiscoveryFailed)
}

func TestWriteFailureReachesObserver(t *testing.T) {
	f := newFixture(t, testutils.PeripheralEmulation{})
	f.ready(t)
	f.transport.FailOn("WriteValue", device.ErrNotConnected)

	f.session.QueryTotalPinCount()

	errs := f.observer.errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], device.ErrNotConnected)
}

func TestQueuedWriteFailuresReachObserver(t *testing.T) {
	f := newFixture(t, testutils.PeripheralEmulation{})
	f.transport.FailOn("WriteValue", device.ErrNotConnected)

	f.session.QueryProtocolVersion()
	f.session.QueryTotalPinCount()
	f.ready(t)

	errs := f.observer.errors()
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.ErrorIs(t, err, device.ErrNotConnected)
	}
	assert.Zero(t, f.session.PendingCount())
}

func TestLargeBacklogFlushesInOrder(t *testing.T) {
	f := newFixture(t, testutils.PeripheralEmulation{})

	var want [][]byte
	for i := range 100 {
		pin := byte(i % 20)
		f.session.DigitalWrite(pin, protocol.PinValueHigh)
		want = append(want, []byte{'T', pin, 0x01})
	}
	require.Equal(t, 100, f.session.PendingCount())

	f.ready(t)

	assert.Equal(t, want, f.transport.Writes())
	assert.Empty(t, f.observer.errors())
}

func TestEventLoop(t *testing.T) {
	f := newFixture(t, testutils.PeripheralEmulation{
		Responder: func(frame []byte) [][]byte { return [][]byte{frame} },
	})
	s := f.session

	// observers may call back into the session
	echoed := make(chan struct{}, 1)
	f.session.observer = Observers{f.observer, ObserverFuncs{
		StateChanged: func(state link.State) {
			if state == link.Ready {
				s.QueryProtocolVersion()
			}
		},
		DataReceived: func(p protocol.Payload) {
			if len(p.Raw) == 1 && p.Raw[0] == 'V' {
				select {
				case echoed <- struct{}{}:
				default:
				}
			}
		},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Start(ctx)

	require.NoError(t, s.StartScan())
	require.Eventually(t, func() bool { return s.State() == link.Ready }, 2*time.Second, 5*time.Millisecond)

	select {
	case <-echoed:
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}

	require.NoError(t, s.Close())
	f.transport.AssertCalled(t, "RequestDisconnect", biscuitID)
	assert.True(t, f.helper.HasLogged(logrus.DebugLevel, "Session closed"))
}

func TestDispatchBeforeStartIsKept(t *testing.T) {
	f := newFixture(t, testutils.PeripheralEmulation{})
	s := f.session

	s.Dispatch(link.TransportAvailability{Available: false, Reason: "unauthorized"})
	assert.Equal(t, 1, s.inbox.len())

	s.Start(context.Background())
	require.Eventually(t, func() bool { return len(f.observer.errors()) == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, f.observer.errors()[0], device.ErrTransportUnavailable)
	assert.ErrorIs(t, s.StartScan(), device.ErrTransportUnavailable)
	require.NoError(t, s.Close())
}
