package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/rblink/internal/device"
	"github.com/srg/rblink/internal/groutine"
	"github.com/srg/rblink/internal/link"
	"github.com/srg/rblink/internal/protocol"
	"github.com/srg/rblink/internal/queue"
)

// Options configures a Session.
type Options struct {
	Link     link.Options
	Parser   protocol.ResponseParser
	Observer Observer
}

func DefaultOptions() Options {
	return Options{Link: link.DefaultOptions()}
}

// Session owns the link to one peripheral: the state machine, the codec and
// the queue of commands issued before the link was ready. Transport events are
// applied by a single loop goroutine; intent methods may be called from any
// goroutine and never block on the radio.
type Session struct {
	id        string
	logger    *logrus.Entry
	transport link.Transport
	observer  Observer

	mu      sync.Mutex
	machine *link.Machine
	codec   *protocol.Codec
	pending *queue.PendingWrites
	// observer calls collected while mu is held
	notes []func()

	inbox     *mailbox
	startOnce sync.Once
	cancel    context.CancelFunc
	done      <-chan struct{}
}

// New binds a session to transport. Events dispatched before Start are kept
// and applied once the loop runs.
func New(transport link.Transport, opts Options, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}

	id := uuid.NewString()
	s := &Session{
		id:        id,
		logger:    logger.WithField("session", id),
		transport: transport,
		observer:  opts.Observer,
		codec:     protocol.NewCodec(opts.Parser),
		pending:   queue.New(),
		inbox:     newMailbox(),
	}
	if s.observer == nil {
		s.observer = ObserverFuncs{}
	}

	s.machine = link.NewMachine(transport, opts.Link, link.Hooks{
		OnStateChanged: func(_, to link.State) {
			s.notify(func(o Observer) { o.OnStateChanged(to) })
		},
		OnPeripheralDiscovered: func(p device.Peripheral) {
			s.notify(func(o Observer) { o.OnPeripheralDiscovered(p) })
		},
		OnReady: s.onReady,
		OnValue: s.onDataReceived,
		OnSignalStrength: func(id string, rssi int) {
			s.notify(func(o Observer) { o.OnSignalStrength(id, rssi) })
		},
		OnError: func(err error) {
			s.notify(func(o Observer) { o.OnError(err) })
		},
	}, s.logger)

	transport.Bind(s)
	return s
}

func (s *Session) ID() string {
	return s.id
}

// Start launches the event loop. Calling it again has no effect.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.done = groutine.Go(ctx, "session-"+s.id[:8], s.run)
		s.logger.Debug("Session started")
	})
}

// Close asks the transport to drop any link or scan and stops the event loop.
func (s *Session) Close() error {
	var err error
	s.locked(func() {
		if s.machine.Active() != "" || s.machine.State() == link.Scanning {
			err = s.machine.Disconnect()
		}
	})

	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	if dropped := s.pending.Clear(); dropped > 0 {
		s.logger.WithField("dropped", dropped).Info("Discarded queued commands on close")
	}
	s.logger.Debug("Session closed")
	return err
}

// Dispatch is the transport event sink. It never blocks.
func (s *Session) Dispatch(ev link.Event) {
	s.inbox.put(ev)
}

func (s *Session) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.inbox.wake:
			s.pump()
		}
	}
}

// pump applies queued events until the inbox is empty.
func (s *Session) pump() int {
	n := 0
	for {
		events := s.inbox.take()
		if len(events) == 0 {
			return n
		}
		for _, ev := range events {
			s.handle(ev)
			n++
		}
	}
}

func (s *Session) handle(ev link.Event) {
	s.locked(func() {
		s.machine.Handle(ev)
	})
}

// locked runs fn under the session lock and then delivers the notifications fn produced.
func (s *Session) locked(fn func()) {
	s.mu.Lock()
	fn()
	notes := s.notes
	s.notes = nil
	s.mu.Unlock()

	for _, note := range notes {
		note()
	}
}

// notify must be called with mu held.
func (s *Session) notify(fn func(o Observer)) {
	obs := s.observer
	s.notes = append(s.notes, func() { fn(obs) })
}

// onReady runs under mu when the link becomes ready.
func (s *Session) onReady() {
	queued := s.pending.Len()
	if queued == 0 {
		return
	}
	sent, errs := s.pending.Flush(s.machine.Write)
	entry := s.logger.WithFields(logrus.Fields{"sent": sent, "failed": len(errs)})
	if len(errs) == 0 {
		entry.Debug("Flushed queued commands")
		return
	}
	entry.Warn("Flushed queued commands with failures")
	for _, err := range errs {
		s.notify(func(o Observer) { o.OnError(err) })
	}
}

func (s *Session) onDataReceived(_ link.CharacteristicHandle, data []byte) {
	payload := s.codec.Decode(data)
	if payload.ParseErr != nil {
		s.logger.WithError(payload.ParseErr).WithField("data", data).Debug("Response parser rejected notification")
	}
	s.notify(func(o Observer) { o.OnDataReceived(payload) })
}

// SendCommand writes msg now when the link is ready, or queues it for the
// next time it becomes ready.
func (s *Session) SendCommand(msg protocol.Message) {
	s.locked(func() {
		buf := s.codec.Encode(msg)
		fields := logrus.Fields{"command": msg.Type.String(), "len": len(buf)}

		if s.machine.State() != link.Ready {
			s.pending.Push(buf)
			s.logger.WithFields(fields).WithField("queued", s.pending.Len()).Debug("Command queued until link is ready")
			return
		}

		if err := s.machine.Write(buf); err != nil {
			s.logger.WithFields(fields).WithError(err).Error("Command write failed")
			s.notify(func(o Observer) { o.OnError(err) })
			return
		}
		s.logger.WithFields(fields).Debug("Command sent")
	})
}

// StartScan begins a scan for peripherals advertising the vendor service.
func (s *Session) StartScan() error {
	var err error
	s.locked(func() { err = s.machine.StartScan() })
	return err
}

// Connect selects a peripheral by id.
func (s *Session) Connect(peripheralID string) error {
	var err error
	s.locked(func() { err = s.machine.Connect(peripheralID) })
	return err
}

// Disconnect stops scanning or drops the active peripheral.
func (s *Session) Disconnect() error {
	var err error
	s.locked(func() { err = s.machine.Disconnect() })
	return err
}

// Read requests the current value of the data channel; it arrives through OnDataReceived.
func (s *Session) Read() error {
	var err error
	s.locked(func() { err = s.machine.Read() })
	return err
}

// ReadSignalStrength requests the RSSI of the active peripheral; it arrives through OnSignalStrength.
func (s *Session) ReadSignalStrength() error {
	var err error
	s.locked(func() { err = s.machine.ReadSignalStrength() })
	return err
}

// SetNotifications toggles notifications on the data channel.
func (s *Session) SetNotifications(enabled bool) error {
	var err error
	s.locked(func() { err = s.machine.SetNotifications(enabled) })
	return err
}

func (s *Session) State() link.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.State()
}

// Peripherals returns the discovered peripherals in discovery order.
func (s *Session) Peripherals() []device.Peripheral {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Registry().List()
}

// ActivePeripheral returns the peripheral being connected or connected.
func (s *Session) ActivePeripheral() (device.Peripheral, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.machine.Active()
	if id == "" {
		return device.Peripheral{}, false
	}
	p, ok := s.machine.Registry().Get(id)
	if !ok {
		p = device.Peripheral{ID: id}
	}
	return p, true
}

func (s *Session) Characteristics() link.CharacteristicRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Characteristics()
}

// PendingCount returns the number of commands waiting for the link to become ready.
func (s *Session) PendingCount() int {
	return s.pending.Len()
}
