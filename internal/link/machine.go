package link

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/rblink/internal/device"
)

// Machine sequences scan, connect, discovery and notification enablement for a
// single peripheral. It is not safe for concurrent use: the owner serializes
// Handle and the intent methods.
type Machine struct {
	transport Transport
	opts      Options
	hooks     Hooks
	logger    logrus.FieldLogger
	registry  *device.Registry

	state     State
	active    string
	ref       CharacteristicRef
	available bool
	notifying bool
	// characteristic discovery replies still outstanding
	awaiting int
	// first peripheral seen in the current scan window
	windowFirst string

	service string
	command string
	data    string
}

func NewMachine(transport Transport, opts Options, hooks Hooks, logger logrus.FieldLogger) *Machine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Machine{
		transport: transport,
		opts:      opts,
		hooks:     hooks,
		logger:    logger,
		registry:  device.NewRegistry(),
		state:     Idle,
		ref:       CharacteristicRef{},
		available: true,
		service:   device.NormalizeUUID(opts.ServiceUUID),
		command:   device.NormalizeUUID(opts.CommandUUID),
		data:      device.NormalizeUUID(opts.DataUUID),
	}
}

func (m *Machine) State() State {
	return m.state
}

// Active returns the id of the peripheral being connected or connected, if any.
func (m *Machine) Active() string {
	return m.active
}

// Characteristics returns a copy of the resolved handles.
func (m *Machine) Characteristics() CharacteristicRef {
	return m.ref.Clone()
}

func (m *Machine) Registry() *device.Registry {
	return m.registry
}

// Notifying reports whether notifications are enabled on the data channel.
func (m *Machine) Notifying() bool {
	return m.notifying
}

// Handle applies one event.
func (m *Machine) Handle(ev Event) {
	switch e := ev.(type) {
	case TransportAvailability:
		m.onAvailability(e)
	case StartScanRequested:
		if err := m.StartScan(); err != nil {
			m.fail(err)
		}
	case PeripheralDiscovered:
		m.onDiscovered(e)
	case ScanTimedOut:
		m.onScanTimedOut(e)
	case ScanFailed:
		m.onScanFailed(e)
	case ConnectRequested:
		if err := m.Connect(e.PeripheralID); err != nil {
			m.fail(err)
		}
	case Connected:
		m.onConnected(e)
	case ConnectFailed:
		m.onConnectFailed(e)
	case ServicesDiscovered:
		m.onServicesDiscovered(e)
	case CharacteristicsDiscovered:
		m.onCharacteristicsDiscovered(e)
	case DiscoveryFailed:
		m.onDiscoveryFailed(e)
	case NotifyConfirmed:
		m.onNotifyConfirmed(e)
	case ValueUpdated:
		m.onValueUpdated(e)
	case ReadFailed:
		m.onRequestFailed(e, e.PeripheralID, "read", e.Err)
	case WriteFailed:
		m.onRequestFailed(e, e.PeripheralID, "write", e.Err)
	case SignalStrength:
		m.onSignalStrength(e)
	case DisconnectRequested:
		if err := m.Disconnect(); err != nil {
			m.fail(err)
		}
	case PeripheralDisconnected:
		m.onDisconnected(e)
	default:
		m.logger.WithField("event", EventName(ev)).Warn("Unknown link event")
	}
}

// StartScan requests a scan filtered on the vendor service. Scanning again is a no-op.
func (m *Machine) StartScan() error {
	switch m.state {
	case Scanning:
		return nil
	case Idle, Disconnected:
	default:
		return device.WrongStateError("scan", m.state.String())
	}
	if !m.available {
		return device.ErrTransportUnavailable
	}

	if err := m.transport.RequestScan([]string{m.opts.ServiceUUID}, m.opts.ScanTimeout); err != nil {
		return fmt.Errorf("start scan: %w", err)
	}
	m.logger.WithFields(logrus.Fields{
		"service": device.ShortenUUID(m.service),
		"timeout": m.opts.ScanTimeout,
	}).Debug("Scan requested")
	m.windowFirst = ""
	m.setState(Scanning)
	return nil
}

// Connect selects a peripheral by id. Unknown ids are added to the registry,
// so an address known from an earlier session can be used without scanning.
func (m *Machine) Connect(id string) error {
	switch m.state {
	case Idle, Scanning, Disconnected:
	default:
		return device.WrongStateError("connect", m.state.String())
	}
	if id == "" {
		return &device.NotFoundError{Resource: "peripheral"}
	}
	if !m.available {
		return device.ErrTransportUnavailable
	}
	if _, ok := m.registry.Get(id); !ok {
		m.registry.Upsert(device.Peripheral{ID: id})
	}
	return m.connectTo(id)
}

// Disconnect stops a scan, or asks the transport to drop the active peripheral.
// In the latter case the state changes when the transport confirms.
func (m *Machine) Disconnect() error {
	switch {
	case m.state == Scanning:
		m.stopScan()
		m.setState(Idle)
		return nil
	case m.active != "":
		id := m.active
		if err := m.transport.RequestDisconnect(id); err != nil {
			m.logger.WithError(err).WithField("peripheral", id).Error("Disconnect request failed, dropping link locally")
			m.teardown()
			return fmt.Errorf("disconnect %s: %w", id, err)
		}
		m.logger.WithField("peripheral", id).Debug("Disconnect requested")
		return nil
	default:
		return device.WrongStateError("disconnect", m.state.String())
	}
}

// Write sends an encoded frame on the command channel. Only valid when Ready.
func (m *Machine) Write(data []byte) error {
	if m.state != Ready {
		return device.WrongStateError("write", m.state.String())
	}
	return m.transport.WriteValue(m.active, m.ref[RoleCommand], data)
}

// Read requests the current value of the data channel.
func (m *Machine) Read() error {
	h, ok := m.ref[RoleData]
	if m.active == "" || !ok {
		return device.WrongStateError("read", m.state.String())
	}
	return m.transport.ReadValue(m.active, h)
}

// ReadSignalStrength requests the RSSI of the active peripheral.
func (m *Machine) ReadSignalStrength() error {
	if m.active == "" || m.state == Connecting {
		return device.WrongStateError("signal strength read", m.state.String())
	}
	return m.transport.ReadSignalStrength(m.active)
}

// SetNotifications toggles notifications on the data channel of a ready link.
func (m *Machine) SetNotifications(enabled bool) error {
	if m.state != Ready {
		return device.WrongStateError("notification toggle", m.state.String())
	}
	return m.transport.SetNotify(m.active, m.ref[RoleData], enabled)
}

func (m *Machine) onAvailability(e TransportAvailability) {
	m.available = e.Available
	if e.Available {
		m.logger.Info("Bluetooth transport available")
		if m.opts.AutoScan && (m.state == Idle || m.state == Disconnected) {
			if err := m.StartScan(); err != nil {
				m.fail(err)
			}
		}
		return
	}

	err := error(device.ErrTransportUnavailable)
	if e.Reason != "" {
		err = fmt.Errorf("%w: %s", device.ErrTransportUnavailable, e.Reason)
	}
	m.fail(err)

	switch {
	case m.state == Scanning:
		m.stopScan()
		m.teardown()
	case m.state != Idle && m.state != Disconnected:
		m.teardown()
	}
}

func (m *Machine) onDiscovered(e PeripheralDiscovered) {
	if m.state != Scanning {
		m.stale(e, "not scanning")
		return
	}

	p, isNew := m.registry.Upsert(e.Peripheral)
	if m.windowFirst == "" {
		m.windowFirst = p.ID
	}
	if isNew {
		m.logger.WithFields(logrus.Fields{
			"peripheral": p.ID,
			"name":       p.Name,
			"rssi":       p.RSSI,
		}).Info("Discovered peripheral")
	}
	if m.hooks.OnPeripheralDiscovered != nil {
		m.hooks.OnPeripheralDiscovered(p)
	}

	if m.opts.AutoConnect {
		m.autoConnect(p.ID)
	}
}

func (m *Machine) onScanTimedOut(e ScanTimedOut) {
	if m.state != Scanning {
		m.stale(e, "not scanning")
		return
	}

	// peripherals from earlier windows are never dialled here
	if first := m.windowFirst; first != "" && m.opts.AutoConnect {
		m.logger.WithField("peripheral", first).Debug("Scan window closed, connecting to first discovered peripheral")
		m.autoConnect(first)
		return
	}

	m.logger.WithField("known", m.registry.Len()).Debug("Scan window closed")
	m.setState(Idle)
}

func (m *Machine) onScanFailed(e ScanFailed) {
	if m.state != Scanning {
		m.stale(e, "not scanning")
		return
	}
	m.fail(fmt.Errorf("scan: %w", e.Err))
	m.setState(Idle)
}

func (m *Machine) autoConnect(id string) {
	if err := m.connectTo(id); err != nil {
		m.connectFailure(id, err)
	}
}

func (m *Machine) connectTo(id string) error {
	wasScanning := m.state == Scanning
	if err := m.transport.RequestConnect(id); err != nil {
		return &device.ConnectFailedError{PeripheralID: id, Reason: err}
	}
	if wasScanning {
		m.stopScan()
	}

	m.active = id
	m.ref = CharacteristicRef{}
	m.awaiting = 0
	m.notifying = false
	m.logger.WithField("peripheral", id).Info("Connecting")
	m.setState(Connecting)
	return nil
}

func (m *Machine) onConnected(e Connected) {
	if m.state != Connecting || !m.owns(e.PeripheralID) {
		m.stale(e, "no pending connect")
		return
	}

	m.logger.WithField("peripheral", e.PeripheralID).Info("Connected")
	if err := m.transport.DiscoverServices(m.active, m.opts.ServiceUUID); err != nil {
		m.discoveryFailed(device.StageServices, err)
		return
	}
	m.setState(DiscoveringServices)
}

func (m *Machine) onConnectFailed(e ConnectFailed) {
	if m.state != Connecting || !m.owns(e.PeripheralID) {
		m.stale(e, "no pending connect")
		return
	}
	m.connectFailure(e.PeripheralID, e.Err)
}

func (m *Machine) connectFailure(id string, reason error) {
	var cerr error = &device.ConnectFailedError{PeripheralID: id, Reason: reason}
	if failed, ok := reason.(*device.ConnectFailedError); ok {
		cerr = failed
	}
	m.fail(cerr)

	if m.state == Scanning {
		m.stopScan()
	}
	m.active = ""
	m.ref = CharacteristicRef{}
	m.awaiting = 0
	m.setState(Idle)

	if m.opts.RescanOnConnectFailure {
		if err := m.StartScan(); err != nil {
			m.fail(err)
		}
	}
}

func (m *Machine) onServicesDiscovered(e ServicesDiscovered) {
	if m.state != DiscoveringServices || !m.owns(e.PeripheralID) {
		m.stale(e, "not discovering services")
		return
	}

	var matching []string
	for _, svc := range e.Services {
		if device.NormalizeUUID(svc) == m.service {
			matching = append(matching, svc)
		}
	}
	if len(matching) == 0 {
		m.discoveryFailed(device.StageServices, &device.NotFoundError{Resource: "service", UUIDs: []string{m.opts.ServiceUUID}})
		return
	}

	chars := []string{m.opts.CommandUUID, m.opts.DataUUID}
	for _, svc := range matching {
		if err := m.transport.DiscoverCharacteristics(m.active, svc, chars); err != nil {
			m.discoveryFailed(device.StageCharacteristics, err)
			return
		}
		m.awaiting++
	}
	m.setState(DiscoveringCharacteristics)
}

func (m *Machine) onCharacteristicsDiscovered(e CharacteristicsDiscovered) {
	if m.state != DiscoveringCharacteristics || !m.owns(e.PeripheralID) {
		m.stale(e, "not discovering characteristics")
		return
	}

	if m.awaiting > 0 {
		m.awaiting--
	}
	for _, c := range e.Characteristics {
		switch device.NormalizeUUID(c) {
		case m.command:
			m.ref[RoleCommand] = NewCharacteristicHandle(e.Service, c)
		case m.data:
			m.ref[RoleData] = NewCharacteristicHandle(e.Service, c)
		}
	}

	if m.ref.Complete() {
		m.logger.WithFields(logrus.Fields{
			"command": m.ref[RoleCommand].String(),
			"data":    m.ref[RoleData].String(),
		}).Debug("Characteristics resolved")
		if err := m.transport.SetNotify(m.active, m.ref[RoleData], true); err != nil {
			m.discoveryFailed(device.StageNotifications, err)
			return
		}
		m.setState(EnablingNotifications)
		return
	}

	if m.awaiting == 0 {
		var missing []string
		if _, ok := m.ref[RoleCommand]; !ok {
			missing = append(missing, m.opts.CommandUUID)
		}
		if _, ok := m.ref[RoleData]; !ok {
			missing = append(missing, m.opts.DataUUID)
		}
		m.discoveryFailed(device.StageCharacteristics, &device.NotFoundError{
			Resource: "characteristic",
			UUIDs:    append([]string{m.opts.ServiceUUID}, missing...),
		})
	}
}

func (m *Machine) onDiscoveryFailed(e DiscoveryFailed) {
	if !m.owns(e.PeripheralID) {
		m.stale(e, "peripheral not active")
		return
	}
	switch m.state {
	case DiscoveringServices, DiscoveringCharacteristics, EnablingNotifications:
		m.discoveryFailed(e.Stage, e.Err)
	case Ready:
		m.fail(&device.DiscoveryFailedError{PeripheralID: e.PeripheralID, Stage: e.Stage, Reason: e.Err})
	default:
		m.stale(e, "no discovery in progress")
	}
}

func (m *Machine) discoveryFailed(stage device.DiscoveryStage, reason error) {
	id := m.active
	m.fail(&device.DiscoveryFailedError{PeripheralID: id, Stage: stage, Reason: reason})

	if err := m.transport.RequestDisconnect(id); err != nil {
		m.logger.WithError(err).WithField("peripheral", id).Error("Disconnect after failed discovery could not be requested")
	}
	m.teardown()
}

func (m *Machine) onNotifyConfirmed(e NotifyConfirmed) {
	if !m.owns(e.PeripheralID) {
		m.stale(e, "peripheral not active")
		return
	}

	switch m.state {
	case EnablingNotifications:
		if !e.Enabled {
			m.stale(e, "notifications disabled while enabling")
			return
		}
		m.notifying = true
		m.logger.WithField("peripheral", m.active).Info("Link ready")
		m.setState(Ready)
		if m.hooks.OnReady != nil {
			m.hooks.OnReady()
		}
	case Ready:
		m.notifying = e.Enabled
		m.logger.WithField("enabled", e.Enabled).Debug("Notification state changed")
	default:
		m.stale(e, "not enabling notifications")
	}
}

func (m *Machine) onValueUpdated(e ValueUpdated) {
	if !m.owns(e.PeripheralID) || (m.state != Ready && m.state != EnablingNotifications) {
		m.stale(e, "link not ready")
		return
	}
	if e.Characteristic.UUID != "" && device.NormalizeUUID(e.Characteristic.UUID) != m.data {
		m.stale(e, "not the data channel")
		return
	}
	if m.hooks.OnValue != nil {
		m.hooks.OnValue(m.ref[RoleData], e.Data)
	}
}

func (m *Machine) onRequestFailed(ev Event, id, op string, err error) {
	if !m.owns(id) {
		m.stale(ev, "peripheral not active")
		return
	}
	m.fail(fmt.Errorf("%s on %s: %w", op, id, err))
}

func (m *Machine) onSignalStrength(e SignalStrength) {
	m.registry.UpdateRSSI(e.PeripheralID, e.RSSI)
	if m.hooks.OnSignalStrength != nil {
		m.hooks.OnSignalStrength(e.PeripheralID, e.RSSI)
	}
}

func (m *Machine) onDisconnected(e PeripheralDisconnected) {
	switch {
	case m.state == Idle:
		m.stale(e, "idle")
		return
	case e.PeripheralID == "" && m.state != Disconnected:
		// transport-wide drop
		if m.state == Scanning {
			m.stopScan()
		}
	case m.active == "" || e.PeripheralID != m.active:
		m.stale(e, "peripheral not active")
		return
	}

	fields := logrus.Fields{"peripheral": e.PeripheralID, "state": m.state.String()}
	if e.Err != nil {
		m.logger.WithFields(fields).WithError(e.Err).Info("Link lost")
		m.fail(fmt.Errorf("link to %s lost: %w", e.PeripheralID, e.Err))
	} else {
		m.logger.WithFields(fields).Info("Disconnected")
	}
	m.teardown()
}

// teardown discards the link and everything discovered on it.
func (m *Machine) teardown() {
	m.active = ""
	m.ref = CharacteristicRef{}
	m.awaiting = 0
	m.notifying = false
	m.setState(Disconnected)
}

func (m *Machine) stopScan() {
	if err := m.transport.StopScan(); err != nil {
		m.logger.WithError(err).Error("Stop scan failed")
	}
}

func (m *Machine) owns(id string) bool {
	return m.active != "" && id == m.active
}

func (m *Machine) setState(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.logger.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Debug("Link state changed")
	if m.hooks.OnStateChanged != nil {
		m.hooks.OnStateChanged(from, to)
	}
}

func (m *Machine) fail(err error) {
	m.logger.WithError(err).WithField("state", m.state.String()).Warn("Link operation failed")
	if m.hooks.OnError != nil {
		m.hooks.OnError(err)
	}
}

func (m *Machine) stale(ev Event, reason string) {
	m.logger.WithFields(logrus.Fields{
		"event":  EventName(ev),
		"state":  m.state.String(),
		"active": m.active,
		"reason": reason,
	}).Debug("Dropping stale event")
}
