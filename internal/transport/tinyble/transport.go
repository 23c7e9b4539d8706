// Package tinyble implements link.Transport on top of tinygo.org/x/bluetooth
// (BlueZ over D-Bus, CoreBluetooth, WinRT).
package tinyble

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/rblink/internal/device"
	"github.com/srg/rblink/internal/groutine"
	"github.com/srg/rblink/internal/link"
	"tinygo.org/x/bluetooth"
)

// maxReadSize bounds a single characteristic read.
const maxReadSize = 512

var errScanRunning = errors.New("scan already running")

type Options struct {
	// ConnectTimeout bounds a connect; tinygo cannot cancel the attempt itself,
	// a late success is disconnected again.
	ConnectTimeout time.Duration
	// WithResponse uses acknowledged writes; only darwin and windows support them.
	WithResponse bool
}

func DefaultOptions() Options {
	return Options{ConnectTimeout: 10 * time.Second}
}

// Transport is a link.Transport backed by the tinygo default adapter.
type Transport struct {
	adapter *bluetooth.Adapter
	opts    Options
	logger  *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sink     link.EventSink
	enabled  bool
	scanning bool
	stopped  bool

	peers    map[string]*peer

	// addresses and last RSSI of every advertiser seen, by id; only ever set
	seen *hashmap.Map[string, bluetooth.Address]
	rssi *hashmap.Map[string, int]
}

type peer struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	dev     *bluetooth.Device
	closing bool
	writes  *backlog

	services *hashmap.Map[string, bluetooth.DeviceService]
	chars    *hashmap.Map[string, bluetooth.DeviceCharacteristic]

	finished sync.Once
}

type writeJob struct {
	char bluetooth.DeviceCharacteristic
	data []byte
}

// backlog is the unbounded write queue of one link.
type backlog struct {
	mu   sync.Mutex
	jobs []writeJob
	wake chan struct{}
}

func newBacklog() *backlog {
	return &backlog{wake: make(chan struct{}, 1)}
}

func (b *backlog) push(job writeJob) {
	b.mu.Lock()
	b.jobs = append(b.jobs, job)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *backlog) take() []writeJob {
	b.mu.Lock()
	defer b.mu.Unlock()
	jobs := b.jobs
	b.jobs = nil
	return jobs
}

func New(opts Options, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		adapter: bluetooth.DefaultAdapter,
		opts:    opts,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		peers:   make(map[string]*peer),
		seen:    hashmap.New[string, bluetooth.Address](),
		rssi:    hashmap.New[string, int](),
	}
}

func (t *Transport) Bind(sink link.EventSink) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

// Open enables the adapter and reports whether it is usable.
func (t *Transport) Open() error {
	if err := t.adapter.Enable(); err != nil {
		err = NormalizeError(err)
		t.logger.WithError(err).Error("Failed to enable Bluetooth adapter")
		t.dispatch(link.TransportAvailability{Available: false, Reason: err.Error()})
		return err
	}
	if t.opts.WithResponse && !ackedWrites {
		t.logger.Warn("Acknowledged writes are not supported on this platform, writes will fail")
	}

	t.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		if connected {
			return
		}
		p, ok := t.lookup(d.Address.String())
		if !ok {
			return
		}
		var lost error
		if !p.isClosing() {
			lost = fmt.Errorf("%w: link lost", device.ErrNotConnected)
			t.logger.WithField("address", p.id).Warn("Adapter reported disconnection")
		}
		t.finish(p, link.PeripheralDisconnected{PeripheralID: p.id, Err: lost})
	})

	t.mu.Lock()
	t.enabled = true
	t.mu.Unlock()
	t.dispatch(link.TransportAvailability{Available: true})
	return nil
}

func (t *Transport) Close() error {
	_ = t.StopScan()

	var errs []error
	for _, p := range t.snapshot() {
		if dev := p.markClosing(); dev != nil {
			if err := dev.Disconnect(); err != nil {
				errs = append(errs, NormalizeError(err))
			}
		}
		t.finish(p, link.PeripheralDisconnected{PeripheralID: p.id})
	}
	t.cancel()
	return errors.Join(errs...)
}

func (t *Transport) dispatch(ev link.Event) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink.Dispatch(ev)
	}
}

func (t *Transport) RequestScan(serviceFilter []string, timeout time.Duration) error {
	filter, err := parseUUIDs(serviceFilter)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if !t.enabled {
		t.mu.Unlock()
		return device.ErrTransportUnavailable
	}
	if t.scanning {
		t.mu.Unlock()
		return errScanRunning
	}
	t.scanning = true
	t.stopped = false
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{"services": serviceFilter, "timeout": timeout}).Info("Starting BLE scan...")

	groutine.Go(t.ctx, "tinyble-scan", func(context.Context) {
		var timedOut atomic.Bool
		if timeout > 0 {
			timer := time.AfterFunc(timeout, func() {
				timedOut.Store(true)
				_ = t.adapter.StopScan()
			})
			defer timer.Stop()
		}

		err := t.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
			if !advertises(r, filter) {
				return
			}
			id := r.Address.String()
			t.seen.Set(id, r.Address)
			t.rssi.Set(id, int(r.RSSI))
			t.dispatch(link.PeripheralDiscovered{Peripheral: device.Peripheral{
				ID:       id,
				Name:     r.LocalName(),
				RSSI:     int(r.RSSI),
				LastSeen: time.Now(),
			}})
		})

		t.mu.Lock()
		stopped := t.stopped
		t.scanning = false
		t.mu.Unlock()

		switch {
		case stopped:
			t.logger.Debug("BLE scan stopped")
		case err != nil && !timedOut.Load():
			err = NormalizeError(err)
			t.logger.WithError(err).Error("BLE scan failed")
			t.dispatch(link.ScanFailed{Err: err})
		default:
			t.logger.Info("BLE scan completed")
			t.dispatch(link.ScanTimedOut{})
		}
	})
	return nil
}

func (t *Transport) StopScan() error {
	t.mu.Lock()
	if !t.scanning {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()
	return NormalizeError(t.adapter.StopScan())
}

func (t *Transport) RequestConnect(peripheralID string) error {
	addr, ok := t.seen.Get(peripheralID)
	if !ok {
		return &device.NotFoundError{Resource: "peripheral", UUIDs: []string{peripheralID}}
	}

	p, err := t.claim(peripheralID)
	if err != nil {
		return err
	}

	groutine.Go(p.ctx, "tinyble-connect", func(ctx context.Context) {
		t.connect(ctx, addr, p)
	})
	return nil
}

// claim registers a new peer for id unless one is already in flight.
func (t *Transport) claim(id string) (*peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.peers[id]; busy {
		return nil, fmt.Errorf("%w: %s", device.ErrAlreadyConnected, id)
	}
	ctx, cancel := context.WithCancel(t.ctx)
	p := &peer{
		id:       id,
		ctx:      ctx,
		cancel:   cancel,
		writes:   newBacklog(),
		services: hashmap.New[string, bluetooth.DeviceService](),
		chars:    hashmap.New[string, bluetooth.DeviceCharacteristic](),
	}
	t.peers[id] = p
	return p, nil
}

func (t *Transport) lookup(id string) (*peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	return p, ok
}

func (t *Transport) snapshot() []*peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

func (t *Transport) connect(ctx context.Context, addr bluetooth.Address, p *peer) {
	type result struct {
		dev bluetooth.Device
		err error
	}
	done := make(chan result, 1)
	go func() {
		dev, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		done <- result{dev, err}
	}()
	// abandon drops a connection that completes after we stopped waiting
	abandon := func() {
		go func() {
			if r := <-done; r.err == nil {
				_ = r.dev.Disconnect()
			}
		}()
	}

	logger := t.logger.WithField("address", p.id)
	logger.Info("Connecting to BLE device...")

	var timeout <-chan time.Time
	if t.opts.ConnectTimeout > 0 {
		timer := time.NewTimer(t.opts.ConnectTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		abandon()
		t.finish(p, link.PeripheralDisconnected{PeripheralID: p.id})
	case <-timeout:
		abandon()
		t.finish(p, link.ConnectFailed{PeripheralID: p.id, Err: fmt.Errorf("%w: connect to %s", device.ErrTimeout, p.id)})
	case r := <-done:
		if r.err != nil {
			err := NormalizeError(r.err)
			logger.WithError(err).Error("Failed to connect to BLE device")
			t.finish(p, link.ConnectFailed{PeripheralID: p.id, Err: err})
			return
		}

		dev := r.dev
		p.mu.Lock()
		if p.closing {
			p.mu.Unlock()
			_ = dev.Disconnect()
			t.finish(p, link.PeripheralDisconnected{PeripheralID: p.id})
			return
		}
		p.dev = &dev
		p.mu.Unlock()

		groutine.GoFor(p.ctx, "tinyble-writer", p.id, func(ctx context.Context) { t.writeLoop(ctx, p) })
		logger.Info("BLE device connected")
		t.dispatch(link.Connected{PeripheralID: p.id})
	}
}

func (t *Transport) finish(p *peer, ev link.Event) {
	p.finished.Do(func() {
		t.mu.Lock()
		if t.peers[p.id] == p {
			delete(t.peers, p.id)
		}
		t.mu.Unlock()
		p.cancel()
		t.dispatch(ev)
	})
}

func (t *Transport) RequestDisconnect(peripheralID string) error {
	p, ok := t.lookup(peripheralID)
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrNotConnected, peripheralID)
	}

	dev := p.markClosing()
	if dev == nil {
		p.cancel()
		return nil
	}

	t.logger.WithField("address", peripheralID).Info("Disconnecting BLE device...")
	groutine.Go(t.ctx, "tinyble-disconnect", func(context.Context) {
		if err := NormalizeError(dev.Disconnect()); err != nil {
			t.logger.WithError(err).WithField("address", peripheralID).Warn("BLE device disconnected with errors")
		}
		t.finish(p, link.PeripheralDisconnected{PeripheralID: peripheralID})
	})
	return nil
}

func (t *Transport) DiscoverServices(peripheralID, serviceID string) error {
	p, dev, err := t.live(peripheralID)
	if err != nil {
		return err
	}
	filter, err := parseUUIDs([]string{serviceID})
	if err != nil {
		return err
	}

	t.request(p, "tinyble-discover-services", func() {
		svcs, err := dev.DiscoverServices(filter)
		if err != nil {
			t.dispatch(link.DiscoveryFailed{PeripheralID: peripheralID, Stage: device.StageServices, Err: NormalizeError(err)})
			return
		}
		names := make([]string, 0, len(svcs))
		for _, s := range svcs {
			raw := s.UUID().String()
			p.services.Set(device.NormalizeUUID(raw), s)
			names = append(names, raw)
		}
		t.dispatch(link.ServicesDiscovered{PeripheralID: peripheralID, Services: names})
	})
	return nil
}

func (t *Transport) DiscoverCharacteristics(peripheralID, serviceID string, characteristicIDs []string) error {
	p, _, err := t.live(peripheralID)
	if err != nil {
		return err
	}
	svc, ok := p.services.Get(device.NormalizeUUID(serviceID))
	if !ok {
		return &device.NotFoundError{Resource: "service", UUIDs: []string{serviceID}}
	}
	filter, err := parseUUIDs(characteristicIDs)
	if err != nil {
		return err
	}

	t.request(p, "tinyble-discover-characteristics", func() {
		chars, err := svc.DiscoverCharacteristics(filter)
		if err != nil {
			t.dispatch(link.DiscoveryFailed{PeripheralID: peripheralID, Stage: device.StageCharacteristics, Err: NormalizeError(err)})
			return
		}
		names := make([]string, 0, len(chars))
		for _, c := range chars {
			raw := c.UUID().String()
			p.chars.Set(charKey(serviceID, raw), c)
			names = append(names, raw)
		}
		t.dispatch(link.CharacteristicsDiscovered{PeripheralID: peripheralID, Service: serviceID, Characteristics: names})
	})
	return nil
}

func (t *Transport) SetNotify(peripheralID string, ch link.CharacteristicHandle, enabled bool) error {
	p, _, err := t.live(peripheralID)
	if err != nil {
		return err
	}
	c, err := p.characteristic(ch)
	if err != nil {
		return err
	}

	t.request(p, "tinyble-set-notify", func() {
		var callback func([]byte)
		if enabled {
			callback = func(buf []byte) {
				t.dispatch(link.ValueUpdated{PeripheralID: peripheralID, Characteristic: ch, Data: append([]byte(nil), buf...)})
			}
		}
		// a nil callback disables notifications
		if err := c.EnableNotifications(callback); err != nil {
			t.dispatch(link.DiscoveryFailed{PeripheralID: peripheralID, Stage: device.StageNotifications, Err: NormalizeError(err)})
			return
		}
		t.dispatch(link.NotifyConfirmed{PeripheralID: peripheralID, Characteristic: ch, Enabled: enabled})
	})
	return nil
}

func (t *Transport) WriteValue(peripheralID string, ch link.CharacteristicHandle, data []byte) error {
	p, _, err := t.live(peripheralID)
	if err != nil {
		return err
	}
	c, err := p.characteristic(ch)
	if err != nil {
		return err
	}

	p.writes.push(writeJob{char: c, data: append([]byte(nil), data...)})
	return nil
}

// writeLoop keeps frames in order; tinygo writes block until the stack accepts them.
func (t *Transport) writeLoop(ctx context.Context, p *peer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.writes.wake:
		}
		for _, job := range p.writes.take() {
			if ctx.Err() != nil {
				return
			}
			var err error
			if t.opts.WithResponse {
				err = writeAcked(job.char, job.data)
			} else {
				_, err = job.char.WriteWithoutResponse(job.data)
			}
			if err != nil && ctx.Err() == nil {
				err = NormalizeError(err)
				t.logger.WithError(err).WithField("address", p.id).Error("Write failed")
				t.dispatch(link.WriteFailed{PeripheralID: p.id, Err: err})
			}
		}
	}
}

func (t *Transport) ReadValue(peripheralID string, ch link.CharacteristicHandle) error {
	p, _, err := t.live(peripheralID)
	if err != nil {
		return err
	}
	c, err := p.characteristic(ch)
	if err != nil {
		return err
	}

	t.request(p, "tinyble-read", func() {
		buf := make([]byte, maxReadSize)
		n, err := c.Read(buf)
		if err != nil {
			t.dispatch(link.ReadFailed{PeripheralID: peripheralID, Err: NormalizeError(err)})
			return
		}
		t.dispatch(link.ValueUpdated{PeripheralID: peripheralID, Characteristic: ch, Data: buf[:n]})
	})
	return nil
}

// ReadSignalStrength reports the RSSI of the last advertisement; tinygo has
// no RSSI read on a live link.
func (t *Transport) ReadSignalStrength(peripheralID string) error {
	p, _, err := t.live(peripheralID)
	if err != nil {
		return err
	}
	t.request(p, "tinyble-rssi", func() {
		rssi, ok := t.rssi.Get(peripheralID)
		if !ok {
			t.dispatch(link.ReadFailed{PeripheralID: peripheralID, Err: &device.NotFoundError{Resource: "rssi", UUIDs: []string{peripheralID}}})
			return
		}
		t.dispatch(link.SignalStrength{PeripheralID: peripheralID, RSSI: rssi})
	})
	return nil
}

func (t *Transport) request(p *peer, name string, fn func()) {
	groutine.GoFor(p.ctx, name, p.id, func(context.Context) { fn() })
}

func (t *Transport) live(peripheralID string) (*peer, *bluetooth.Device, error) {
	p, ok := t.lookup(peripheralID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", device.ErrNotConnected, peripheralID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dev == nil || p.closing {
		return nil, nil, fmt.Errorf("%w: %s", device.ErrNotConnected, peripheralID)
	}
	return p, p.dev, nil
}

func (p *peer) markClosing() *bluetooth.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closing = true
	return p.dev
}

func (p *peer) isClosing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closing
}

func (p *peer) characteristic(ch link.CharacteristicHandle) (bluetooth.DeviceCharacteristic, error) {
	c, ok := p.chars.Get(charKey(ch.Service, ch.UUID))
	if !ok {
		return bluetooth.DeviceCharacteristic{}, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{ch.Service, ch.UUID}}
	}
	return c, nil
}

func charKey(service, uuid string) string {
	return device.NormalizeUUID(service) + "/" + device.NormalizeUUID(uuid)
}

func parseUUIDs(ids []string) ([]bluetooth.UUID, error) {
	out := make([]bluetooth.UUID, 0, len(ids))
	for _, id := range ids {
		u, err := toUUID(id)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// toUUID accepts any form NormalizeUUID does; short forms expand on the SIG base.
func toUUID(id string) (bluetooth.UUID, error) {
	n := device.NormalizeUUID(id)
	switch len(n) {
	case 4, 8:
		v, err := strconv.ParseUint(n, 16, 32)
		if err != nil {
			return bluetooth.UUID{}, fmt.Errorf("invalid UUID %q: %w", id, err)
		}
		return bluetooth.New32BitUUID(uint32(v)), nil
	case 32:
		u, err := bluetooth.ParseUUID(device.CanonicalUUID(n))
		if err != nil {
			return bluetooth.UUID{}, fmt.Errorf("invalid UUID %q: %w", id, err)
		}
		return u, nil
	default:
		return bluetooth.UUID{}, fmt.Errorf("invalid UUID %q", id)
	}
}

func advertises(r bluetooth.ScanResult, filter []bluetooth.UUID) bool {
	if len(filter) == 0 {
		return true
	}
	for _, u := range filter {
		if r.HasServiceUUID(u) {
			return true
		}
	}
	return false
}

var _ link.Transport = (*Transport)(nil)
