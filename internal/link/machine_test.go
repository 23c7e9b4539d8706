package link_test

import (
	"errors"
	"testing"

	"github.com/srg/rblink/internal/device"
	"github.com/srg/rblink/internal/link"
	"github.com/srg/rblink/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const peripheralID = "AA:BB:CC:DD:EE:01"

var (
	dataHandle    = link.NewCharacteristicHandle(link.RedBearServiceUUID, link.RedBearDataUUID)
	commandHandle = link.NewCharacteristicHandle(link.RedBearServiceUUID, link.RedBearCommandUUID)
)

type machineFixture struct {
	t         *testing.T
	transport *testutils.MockTransport
	machine   *link.Machine

	transitions []link.State
	errs        []error
	readyCalls  int
	values      [][]byte
	discovered  []device.Peripheral
	rssi        map[string]int
}

func newMachineFixture(t *testing.T, mutate ...func(*link.Options)) *machineFixture {
	opts := link.DefaultOptions()
	for _, fn := range mutate {
		fn(&opts)
	}

	f := &machineFixture{t: t, transport: testutils.NewMockTransport(), rssi: map[string]int{}}
	hooks := link.Hooks{
		OnStateChanged: func(_, to link.State) { f.transitions = append(f.transitions, to) },
		OnError:        func(err error) { f.errs = append(f.errs, err) },
		OnReady:        func() { f.readyCalls++ },
		OnValue:        func(_ link.CharacteristicHandle, data []byte) { f.values = append(f.values, data) },
		OnPeripheralDiscovered: func(p device.Peripheral) {
			f.discovered = append(f.discovered, p)
		},
		OnSignalStrength: func(id string, rssi int) { f.rssi[id] = rssi },
	}
	f.machine = link.NewMachine(f.transport, opts, hooks, testutils.NewTestHelper(t).Logger)
	return f
}

func (f *machineFixture) advance(to link.State, id string) {
	f.t.Helper()
	m := f.machine

	steps := []struct {
		state link.State
		do    func()
	}{
		{link.Scanning, func() { require.NoError(f.t, m.StartScan()) }},
		{link.Connecting, func() {
			m.Handle(link.PeripheralDiscovered{Peripheral: device.Peripheral{ID: id, Name: "BLE Mini", RSSI: -50}})
		}},
		{link.DiscoveringServices, func() { m.Handle(link.Connected{PeripheralID: id}) }},
		{link.DiscoveringCharacteristics, func() {
			m.Handle(link.ServicesDiscovered{PeripheralID: id, Services: []string{link.RedBearServiceUUID}})
		}},
		{link.EnablingNotifications, func() {
			m.Handle(link.CharacteristicsDiscovered{
				PeripheralID:    id,
				Service:         link.RedBearServiceUUID,
				Characteristics: []string{link.RedBearCommandUUID, link.RedBearDataUUID},
			})
		}},
		{link.Ready, func() {
			m.Handle(link.NotifyConfirmed{PeripheralID: id, Characteristic: dataHandle, Enabled: true})
		}},
	}

	for _, step := range steps {
		cur := m.State()
		if cur == to {
			return
		}
		if cur != link.Idle && cur != link.Disconnected && step.state <= cur {
			continue
		}
		step.do()
		require.Equal(f.t, step.state, m.State(), "advancing towards %s", to)
	}
}

func TestMachineConnectSequence(t *testing.T) {
	f := newMachineFixture(t)
	f.advance(link.Ready, peripheralID)

	assert.Equal(t, []link.State{
		link.Scanning,
		link.Connecting,
		link.DiscoveringServices,
		link.DiscoveringCharacteristics,
		link.EnablingNotifications,
		link.Ready,
	}, f.transitions)
	assert.Empty(t, f.errs)
	assert.Equal(t, 1, f.readyCalls)
	assert.Equal(t, peripheralID, f.machine.Active())
	assert.True(t, f.machine.Notifying())

	ref := f.machine.Characteristics()
	assert.True(t, ref.Complete())
	assert.Equal(t, commandHandle, ref[link.RoleCommand])
	assert.Equal(t, dataHandle, ref[link.RoleData])

	tr := f.transport
	tr.AssertCalled(t, "RequestScan", []string{link.RedBearServiceUUID}, link.DefaultScanTimeout)
	tr.AssertCalled(t, "StopScan")
	tr.AssertCalled(t, "RequestConnect", peripheralID)
	tr.AssertCalled(t, "DiscoverServices", peripheralID, link.RedBearServiceUUID)
	tr.AssertCalled(t, "DiscoverCharacteristics", peripheralID, link.RedBearServiceUUID,
		[]string{link.RedBearCommandUUID, link.RedBearDataUUID})
	tr.AssertCalled(t, "SetNotify", peripheralID, dataHandle, true)

	require.Len(t, f.discovered, 1)
	assert.Equal(t, "BLE Mini", f.discovered[0].Name)
}

func TestMachineWriteUsesCommandChannel(t *testing.T) {
	f := newMachineFixture(t)
	f.advance(link.Ready, peripheralID)

	require.NoError(t, f.machine.Write([]byte{'V'}))
	f.transport.AssertCalled(t, "WriteValue", peripheralID, commandHandle, []byte{'V'})
}

func TestMachineDisconnectFromEveryState(t *testing.T) {
	linked := []link.State{
		link.Connecting,
		link.DiscoveringServices,
		link.DiscoveringCharacteristics,
		link.EnablingNotifications,
		link.Ready,
	}

	for _, state := range linked {
		t.Run(state.String(), func(t *testing.T) {
			f := newMachineFixture(t)
			f.advance(state, peripheralID)

			f.machine.Handle(link.PeripheralDisconnected{PeripheralID: peripheralID})

			assert.Equal(t, link.Disconnected, f.machine.State())
			assert.Empty(t, f.machine.Characteristics())
			assert.Empty(t, f.machine.Active())
			assert.False(t, f.machine.Notifying())
		})
	}

	t.Run("scanning, transport-wide drop", func(t *testing.T) {
		f := newMachineFixture(t)
		f.advance(link.Scanning, peripheralID)

		f.machine.Handle(link.PeripheralDisconnected{})

		assert.Equal(t, link.Disconnected, f.machine.State())
		f.transport.AssertCalled(t, "StopScan")
	})

	t.Run("idle ignores disconnect", func(t *testing.T) {
		f := newMachineFixture(t)
		f.machine.Handle(link.PeripheralDisconnected{PeripheralID: peripheralID})
		assert.Equal(t, link.Idle, f.machine.State())
		assert.Empty(t, f.transitions)
	})

	t.Run("link loss is surfaced", func(t *testing.T) {
		f := newMachineFixture(t)
		f.advance(link.Ready, peripheralID)

		f.machine.Handle(link.PeripheralDisconnected{PeripheralID: peripheralID, Err: errors.New("supervision timeout")})

		assert.Equal(t, link.Disconnected, f.machine.State())
		require.Len(t, f.errs, 1)
		assert.ErrorContains(t, f.errs[0], "supervision timeout")
	})
}

func TestMachineDropsStaleEvents(t *testing.T) {
	f := newMachineFixture(t)
	f.advance(link.DiscoveringServices, peripheralID)
	f.machine.Handle(link.PeripheralDisconnected{PeripheralID: peripheralID})
	require.Equal(t, link.Disconnected, f.machine.State())
	transitions := len(f.transitions)

	stale := []link.Event{
		link.Connected{PeripheralID: peripheralID},
		link.ServicesDiscovered{PeripheralID: peripheralID, Services: []string{link.RedBearServiceUUID}},
		link.CharacteristicsDiscovered{PeripheralID: peripheralID, Service: link.RedBearServiceUUID,
			Characteristics: []string{link.RedBearCommandUUID, link.RedBearDataUUID}},
		link.NotifyConfirmed{PeripheralID: peripheralID, Enabled: true},
		link.ValueUpdated{PeripheralID: peripheralID, Characteristic: dataHandle, Data: []byte{1}},
		link.DiscoveryFailed{PeripheralID: peripheralID, Err: errors.New("late")},
		link.ConnectFailed{PeripheralID: peripheralID, Err: errors.New("late")},
		link.PeripheralDisconnected{PeripheralID: peripheralID},
		link.ScanTimedOut{},
	}
	for _, ev := range stale {
		f.machine.Handle(ev)
	}

	assert.Equal(t, link.Disconnected, f.machine.State())
	assert.Len(t, f.transitions, transitions)
	assert.Empty(t, f.machine.Characteristics())
	assert.Empty(t, f.values)
	assert.Empty(t, f.errs)
	assert.Equal(t, 1, f.transport.CallCount("DiscoverServices"))
}

func TestMachineIgnoresEventsForOtherPeripherals(t *testing.T) {
	f := newMachineFixture(t)
	f.advance(link.Connecting, peripheralID)

	f.machine.Handle(link.Connected{PeripheralID: "other"})
	assert.Equal(t, link.Connecting, f.machine.State())

	f.machine.Handle(link.PeripheralDisconnected{PeripheralID: "other"})
	assert.Equal(t, link.Connecting, f.machine.State())

	f.machine.Handle(link.PeripheralDiscovered{Peripheral: device.Peripheral{ID: "late-adv"}})
	assert.Equal(t, 1, f.machine.Registry().Len(), "discoveries outside a scan are not recorded")
}

func TestMachineDiscoveryFailureRequestsDisconnect(t *testing.T) {
	tests := []struct {
		name  string
		from  link.State
		event link.Event
		stage device.DiscoveryStage
	}{
		{
			name:  "service missing",
			from:  link.DiscoveringServices,
			event: link.ServicesDiscovered{PeripheralID: peripheralID, Services: []string{"180f"}},
			stage: device.StageServices,
		},
		{
			name: "data characteristic missing",
			from: link.DiscoveringCharacteristics,
			event: link.CharacteristicsDiscovered{PeripheralID: peripheralID, Service: link.RedBearServiceUUID,
				Characteristics: []string{link.RedBearCommandUUID}},
			stage: device.StageCharacteristics,
		},
		{
			name:  "transport discovery error",
			from:  link.DiscoveringServices,
			event: link.DiscoveryFailed{PeripheralID: peripheralID, Stage: device.StageServices, Err: errors.New("att error")},
			stage: device.StageServices,
		},
		{
			name:  "notification enable failed",
			from:  link.EnablingNotifications,
			event: link.DiscoveryFailed{PeripheralID: peripheralID, Stage: device.StageNotifications, Err: errors.New("cccd write failed")},
			stage: device.StageNotifications,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMachineFixture(t)
			f.advance(tt.from, peripheralID)

			f.machine.Handle(tt.event)

			assert.Equal(t, link.Disconnected, f.machine.State())
			assert.Empty(t, f.machine.Characteristics())
			f.transport.AssertCalled(t, "RequestDisconnect", peripheralID)

			require.Len(t, f.errs, 1)
			assert.ErrorIs(t, f.errs[0], device.ErrDiscoveryFailed)
			var derr *device.DiscoveryFailedError
			require.ErrorAs(t, f.errs[0], &derr)
			assert.Equal(t, tt.stage, derr.Stage)
			assert.Equal(t, peripheralID, derr.PeripheralID)
		})
	}
}

func TestMachineSynchronousRequestErrors(t *testing.T) {
	t.Run("discover services", func(t *testing.T) {
		f := newMachineFixture(t)
		f.transport.FailOn("DiscoverServices", errors.New("not connected"))
		f.advance(link.Connecting, peripheralID)

		f.machine.Handle(link.Connected{PeripheralID: peripheralID})

		assert.Equal(t, link.Disconnected, f.machine.State())
		require.Len(t, f.errs, 1)
		assert.ErrorIs(t, f.errs[0], device.ErrDiscoveryFailed)
	})

	t.Run("scan", func(t *testing.T) {
		f := newMachineFixture(t)
		f.transport.FailOn("RequestScan", errors.New("adapter busy"))

		err := f.machine.StartScan()

		assert.ErrorContains(t, err, "adapter busy")
		assert.Equal(t, link.Idle, f.machine.State())
	})
}

func TestMachineConnectFailure(t *testing.T) {
	t.Run("reverts to idle", func(t *testing.T) {
		f := newMachineFixture(t)
		f.advance(link.Connecting, peripheralID)

		f.machine.Handle(link.ConnectFailed{PeripheralID: peripheralID, Err: errors.New("timeout")})

		assert.Equal(t, link.Idle, f.machine.State())
		assert.Empty(t, f.machine.Active())
		require.Len(t, f.errs, 1)
		assert.ErrorIs(t, f.errs[0], device.ErrConnectFailed)
	})

	t.Run("rescans when configured", func(t *testing.T) {
		f := newMachineFixture(t, func(o *link.Options) { o.RescanOnConnectFailure = true })
		f.advance(link.Connecting, peripheralID)

		f.machine.Handle(link.ConnectFailed{PeripheralID: peripheralID, Err: errors.New("timeout")})

		assert.Equal(t, link.Scanning, f.machine.State())
		assert.Equal(t, 2, f.transport.CallCount("RequestScan"))
	})

	t.Run("request rejected during auto connect", func(t *testing.T) {
		f := newMachineFixture(t)
		f.transport.FailOn("RequestConnect", errors.New("busy"))
		f.advance(link.Scanning, peripheralID)

		f.machine.Handle(link.PeripheralDiscovered{Peripheral: device.Peripheral{ID: peripheralID}})

		assert.Equal(t, link.Idle, f.machine.State())
		f.transport.AssertCalled(t, "StopScan")
		require.Len(t, f.errs, 1)
		assert.ErrorIs(t, f.errs[0], device.ErrConnectFailed)
	})
}

func TestMachineScanTimeout(t *testing.T) {
	t.Run("nothing found", func(t *testing.T) {
		f := newMachineFixture(t)
		f.advance(link.Scanning, peripheralID)

		f.machine.Handle(link.ScanTimedOut{})
		assert.Equal(t, link.Idle, f.machine.State())
	})

	t.Run("manual policy keeps discoveries", func(t *testing.T) {
		f := newMachineFixture(t, func(o *link.Options) { o.AutoConnect = false })
		require.NoError(t, f.machine.StartScan())
		f.machine.Handle(link.PeripheralDiscovered{Peripheral: device.Peripheral{ID: "one"}})
		f.machine.Handle(link.PeripheralDiscovered{Peripheral: device.Peripheral{ID: "two"}})
		assert.Equal(t, link.Scanning, f.machine.State())

		f.machine.Handle(link.ScanTimedOut{})

		assert.Equal(t, link.Idle, f.machine.State())
		assert.Len(t, f.machine.Registry().List(), 2)
		f.transport.AssertNotCalled(t, "RequestConnect", mock.Anything)

		require.NoError(t, f.machine.Connect("two"))
		assert.Equal(t, link.Connecting, f.machine.State())
		assert.Equal(t, "two", f.machine.Active())
	})

	t.Run("empty window does not redial earlier peripherals", func(t *testing.T) {
		f := newMachineFixture(t)
		f.advance(link.Connecting, peripheralID)
		f.machine.Handle(link.ConnectFailed{PeripheralID: peripheralID, Err: errors.New("timeout")})
		require.Equal(t, link.Idle, f.machine.State())

		require.NoError(t, f.machine.StartScan())
		f.machine.Handle(link.ScanTimedOut{})

		assert.Equal(t, link.Idle, f.machine.State())
		assert.Equal(t, 1, f.transport.CallCount("RequestConnect"))
		assert.Len(t, f.machine.Registry().List(), 1)
	})

	t.Run("rescan after failure waits for a fresh advertisement", func(t *testing.T) {
		f := newMachineFixture(t, func(o *link.Options) { o.RescanOnConnectFailure = true })
		f.advance(link.Connecting, peripheralID)
		f.machine.Handle(link.ConnectFailed{PeripheralID: peripheralID, Err: errors.New("timeout")})
		require.Equal(t, link.Scanning, f.machine.State())

		f.machine.Handle(link.ScanTimedOut{})
		assert.Equal(t, link.Idle, f.machine.State())
		assert.Equal(t, 1, f.transport.CallCount("RequestConnect"))

		require.NoError(t, f.machine.StartScan())
		f.machine.Handle(link.PeripheralDiscovered{Peripheral: device.Peripheral{ID: peripheralID}})
		assert.Equal(t, link.Connecting, f.machine.State())
		assert.Equal(t, 2, f.transport.CallCount("RequestConnect"))
	})

	t.Run("scan failure", func(t *testing.T) {
		f := newMachineFixture(t)
		f.advance(link.Scanning, peripheralID)

		f.machine.Handle(link.ScanFailed{Err: errors.New("hci reset")})

		assert.Equal(t, link.Idle, f.machine.State())
		require.Len(t, f.errs, 1)
	})
}

func TestMachineReconnectGetsFreshCharacteristics(t *testing.T) {
	f := newMachineFixture(t)
	f.advance(link.Ready, peripheralID)
	f.machine.Handle(link.PeripheralDisconnected{PeripheralID: peripheralID})
	require.Empty(t, f.machine.Characteristics())

	f.advance(link.DiscoveringCharacteristics, peripheralID)
	assert.Empty(t, f.machine.Characteristics(), "nothing carried over from the previous link")

	f.advance(link.Ready, peripheralID)
	ref := f.machine.Characteristics()
	assert.Len(t, ref, 2)
	assert.Equal(t, commandHandle, ref[link.RoleCommand])
	assert.Equal(t, 2, f.readyCalls)
}

func TestMachineTransportAvailability(t *testing.T) {
	t.Run("unavailable blocks scanning", func(t *testing.T) {
		f := newMachineFixture(t)
		f.machine.Handle(link.TransportAvailability{Available: false, Reason: "powered off"})

		require.Len(t, f.errs, 1)
		assert.ErrorIs(t, f.errs[0], device.ErrTransportUnavailable)
		assert.ErrorIs(t, f.machine.StartScan(), device.ErrTransportUnavailable)
		assert.ErrorIs(t, f.machine.Connect(peripheralID), device.ErrTransportUnavailable)
		assert.Equal(t, link.Idle, f.machine.State())
	})

	t.Run("auto scan on power on", func(t *testing.T) {
		f := newMachineFixture(t, func(o *link.Options) { o.AutoScan = true })
		f.machine.Handle(link.TransportAvailability{Available: true})
		assert.Equal(t, link.Scanning, f.machine.State())
	})

	t.Run("power off drops the link", func(t *testing.T) {
		f := newMachineFixture(t)
		f.advance(link.Ready, peripheralID)

		f.machine.Handle(link.TransportAvailability{Available: false})

		assert.Equal(t, link.Disconnected, f.machine.State())
		assert.Empty(t, f.machine.Characteristics())
	})
}

func TestMachineDisconnectIntent(t *testing.T) {
	t.Run("while scanning", func(t *testing.T) {
		f := newMachineFixture(t)
		f.advance(link.Scanning, peripheralID)

		require.NoError(t, f.machine.Disconnect())
		assert.Equal(t, link.Idle, f.machine.State())
		f.transport.AssertCalled(t, "StopScan")
	})

	t.Run("while linked waits for confirmation", func(t *testing.T) {
		f := newMachineFixture(t)
		f.advance(link.Ready, peripheralID)

		require.NoError(t, f.machine.Disconnect())
		f.transport.AssertCalled(t, "RequestDisconnect", peripheralID)
		assert.Equal(t, link.Ready, f.machine.State())

		f.machine.Handle(link.PeripheralDisconnected{PeripheralID: peripheralID})
		assert.Equal(t, link.Disconnected, f.machine.State())
	})

	t.Run("nothing to disconnect", func(t *testing.T) {
		f := newMachineFixture(t)
		assert.ErrorIs(t, f.machine.Disconnect(), device.ErrOperationIgnoredWrongState)
	})

	t.Run("request rejected drops locally", func(t *testing.T) {
		f := newMachineFixture(t)
		f.transport.FailOn("RequestDisconnect", errors.New("gone"))
		f.advance(link.DiscoveringServices, peripheralID)

		assert.Error(t, f.machine.Disconnect())
		assert.Equal(t, link.Disconnected, f.machine.State())
	})
}

func TestMachineWrongStateIntents(t *testing.T) {
	f := newMachineFixture(t)

	assert.ErrorIs(t, f.machine.Write([]byte{'V'}), device.ErrOperationIgnoredWrongState)
	assert.ErrorIs(t, f.machine.Read(), device.ErrOperationIgnoredWrongState)
	assert.ErrorIs(t, f.machine.ReadSignalStrength(), device.ErrOperationIgnoredWrongState)
	assert.ErrorIs(t, f.machine.SetNotifications(false), device.ErrOperationIgnoredWrongState)

	f.advance(link.Connecting, peripheralID)
	assert.ErrorIs(t, f.machine.Write([]byte{'V'}), device.ErrOperationIgnoredWrongState)
	assert.ErrorIs(t, f.machine.Connect("other"), device.ErrOperationIgnoredWrongState)
	assert.ErrorIs(t, f.machine.StartScan(), device.ErrOperationIgnoredWrongState)

	f.transport.AssertNotCalled(t, "WriteValue", mock.Anything, mock.Anything, mock.Anything)
}

func TestMachineReadsAndNotifications(t *testing.T) {
	f := newMachineFixture(t)
	f.advance(link.Ready, peripheralID)

	require.NoError(t, f.machine.Read())
	f.transport.AssertCalled(t, "ReadValue", peripheralID, dataHandle)

	f.machine.Handle(link.ValueUpdated{PeripheralID: peripheralID, Characteristic: dataHandle, Data: []byte{0x0A}})
	f.machine.Handle(link.ValueUpdated{PeripheralID: peripheralID, Characteristic: commandHandle, Data: []byte{0x0B}})
	f.machine.Handle(link.ValueUpdated{PeripheralID: "other", Data: []byte{0x0C}})
	assert.Equal(t, [][]byte{{0x0A}}, f.values)

	require.NoError(t, f.machine.ReadSignalStrength())
	f.machine.Handle(link.SignalStrength{PeripheralID: peripheralID, RSSI: -42})
	assert.Equal(t, -42, f.rssi[peripheralID])
	p, ok := f.machine.Registry().Get(peripheralID)
	require.True(t, ok)
	assert.Equal(t, -42, p.RSSI)

	require.NoError(t, f.machine.SetNotifications(false))
	f.transport.AssertCalled(t, "SetNotify", peripheralID, dataHandle, false)
	f.machine.Handle(link.NotifyConfirmed{PeripheralID: peripheralID, Characteristic: dataHandle, Enabled: false})
	assert.False(t, f.machine.Notifying())
	assert.Equal(t, link.Ready, f.machine.State())

	f.machine.Handle(link.ReadFailed{PeripheralID: peripheralID, Err: errors.New("insufficient authentication")})
	require.Len(t, f.errs, 1)
	assert.ErrorContains(t, f.errs[0], "read on "+peripheralID)
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "discovering_characteristics", link.DiscoveringCharacteristics.String())
	assert.Equal(t, "state(42)", link.State(42).String())
	assert.True(t, link.EnablingNotifications.Establishing())
	assert.False(t, link.Ready.Establishing())
	assert.True(t, link.Ready.Linked())
	assert.False(t, link.Disconnected.Linked())
	assert.Equal(t, "data", link.RoleData.String())
	assert.Equal(t, "713d0000/713d0002", dataHandle.String())
}

func TestMachineConnectRegistersUnknownID(t *testing.T) {
	f := newMachineFixture(t, func(o *link.Options) { o.AutoConnect = false })

	require.NoError(t, f.machine.Connect(peripheralID))

	assert.Equal(t, link.Connecting, f.machine.State())
	p, ok := f.machine.Registry().Get(peripheralID)
	require.True(t, ok)
	assert.Equal(t, peripheralID, p.ID)
	f.transport.AssertCalled(t, "RequestConnect", peripheralID)
}
