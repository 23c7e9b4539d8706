// Package goble implements link.Transport on top of github.com/go-ble/ble.
//
// Every request is issued from its own goroutine and reports back through the
// bound event sink. Characteristic handles discovered on a link are kept in a
// per-peripheral table and looked up by normalized service and characteristic UUID.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/rblink/internal/device"
	"github.com/srg/rblink/internal/groutine"
	"github.com/srg/rblink/internal/link"
)

// Options configure the go-ble transport.
type Options struct {
	// ConnectTimeout bounds a single dial; zero waits until the request is cancelled.
	ConnectTimeout time.Duration
	// AllowDuplicates reports every advertisement instead of the first per address.
	AllowDuplicates bool
	AllowList       []string
	BlockList       []string

	// WriteRate paces chunks per second; zero sends as fast as the stack accepts them.
	WriteRate float64
	// ChunkSize splits frames longer than one ATT payload; zero never splits.
	ChunkSize int
	// WithResponse uses acknowledged writes on the command channel.
	WithResponse bool
}

func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 10 * time.Second,
		ChunkSize:      20,
	}
}

// Transport is a link.Transport backed by a go-ble Central.
type Transport struct {
	opts   Options
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	sink       link.EventSink
	central    Central
	scanCancel context.CancelFunc
	peers      map[string]*peer
}

type peer struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	client     GATTClient
	closing    bool
	writer     *writer
	subscribed map[string]*ble.Characteristic

	// written once per discovery, never deleted
	services *hashmap.Map[string, *ble.Service]
	chars    *hashmap.Map[string, *ble.Characteristic]

	finished sync.Once
}

func New(opts Options, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[string]*peer),
	}
}

func (t *Transport) Bind(sink link.EventSink) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

// Open creates the local adapter and reports whether it is usable.
func (t *Transport) Open() error {
	if _, err := t.ensureCentral(); err != nil {
		t.dispatch(link.TransportAvailability{Available: false, Reason: err.Error()})
		return err
	}
	t.dispatch(link.TransportAvailability{Available: true})
	return nil
}

// Close stops scanning, cancels every link and every pending request.
func (t *Transport) Close() error {
	_ = t.StopScan()

	var errs []error
	for _, p := range t.snapshot() {
		if client := p.markClosing(); client != nil {
			if err := client.CancelConnection(); err != nil {
				errs = append(errs, NormalizeError(err))
			}
		}
		t.finish(p, link.PeripheralDisconnected{PeripheralID: p.id})
	}
	t.cancel()
	return errors.Join(errs...)
}

func (t *Transport) ensureCentral() (Central, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.central != nil {
		return t.central, nil
	}

	central, err := DeviceFactory()
	if err != nil {
		t.logger.WithError(err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("%w: %w", device.ErrTransportUnavailable, err)
	}
	t.central = central
	return central, nil
}

func (t *Transport) dispatch(ev link.Event) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()

	if sink == nil {
		t.logger.WithField("event", link.EventName(ev)).Debug("No sink bound, dropping event")
		return
	}
	sink.Dispatch(ev)
}

func (t *Transport) RequestScan(serviceFilter []string, timeout time.Duration) error {
	central, err := t.ensureCentral()
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.scanCancel != nil {
		t.scanCancel()
	}
	var scanCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		scanCtx, cancel = context.WithTimeout(t.ctx, timeout)
	} else {
		scanCtx, cancel = context.WithCancel(t.ctx)
	}
	t.scanCancel = cancel
	t.mu.Unlock()

	filter := scanFilter{services: serviceFilter, allowList: t.opts.AllowList, blockList: t.opts.BlockList}
	t.logger.WithFields(logrus.Fields{
		"services": serviceFilter,
		"timeout":  timeout,
	}).Info("Starting BLE scan...")

	groutine.Go(t.ctx, "goble-scan", func(context.Context) {
		defer cancel()
		err := central.Scan(scanCtx, t.opts.AllowDuplicates, func(adv Advert) {
			if !filter.include(adv) {
				return
			}
			t.logger.WithFields(logrus.Fields{
				"address": adv.Addr,
				"name":    adv.Name,
				"rssi":    adv.RSSI,
			}).Debug("Advertisement matched")
			t.dispatch(link.PeripheralDiscovered{Peripheral: adv.peripheral(time.Now())})
		})
		t.scanFinished(scanCtx, err)
	})
	return nil
}

func (t *Transport) scanFinished(scanCtx context.Context, err error) {
	switch {
	case errors.Is(scanCtx.Err(), context.DeadlineExceeded):
		t.logger.Info("BLE scan completed")
		t.dispatch(link.ScanTimedOut{})
	case scanCtx.Err() != nil:
		t.logger.Debug("BLE scan stopped")
	case err != nil:
		err = NormalizeError(err)
		t.logger.WithError(err).Error("BLE scan failed")
		t.dispatch(link.ScanFailed{Err: err})
	default:
		t.dispatch(link.ScanTimedOut{})
	}
}

func (t *Transport) StopScan() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.scanCancel != nil {
		t.scanCancel()
		t.scanCancel = nil
	}
	return nil
}

func (t *Transport) RequestConnect(peripheralID string) error {
	central, err := t.ensureCentral()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(t.ctx)
	p := &peer{
		id:         peripheralID,
		ctx:        ctx,
		cancel:     cancel,
		services:   hashmap.New[string, *ble.Service](),
		chars:      hashmap.New[string, *ble.Characteristic](),
		subscribed: make(map[string]*ble.Characteristic),
	}
	t.mu.Lock()
	if _, busy := t.peers[peripheralID]; busy {
		t.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s", device.ErrAlreadyConnected, peripheralID)
	}
	t.peers[peripheralID] = p
	t.mu.Unlock()

	groutine.Go(ctx, "goble-dial", func(ctx context.Context) {
		t.dial(ctx, central, p)
	})
	return nil
}

func (t *Transport) dial(ctx context.Context, central Central, p *peer) {
	dialCtx := ctx
	if t.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t.opts.ConnectTimeout)
		defer cancel()
	}

	logger := t.logger.WithField("address", p.id)
	logger.WithField("timeout", t.opts.ConnectTimeout).Info("Connecting to BLE device...")

	client, err := central.Dial(dialCtx, p.id)
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("Dial cancelled")
			t.finish(p, link.PeripheralDisconnected{PeripheralID: p.id})
			return
		}
		err = NormalizeError(err)
		logger.WithError(err).Error("Failed to dial BLE device")
		t.finish(p, link.ConnectFailed{PeripheralID: p.id, Err: err})
		return
	}

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		if cerr := client.CancelConnection(); cerr != nil {
			logger.WithError(cerr).Warn("Failed to cancel connection after aborted dial")
		}
		t.finish(p, link.PeripheralDisconnected{PeripheralID: p.id})
		return
	}
	p.client = client
	p.writer = newWriter(t.opts, func(err error) {
		t.logger.WithError(err).WithField("address", p.id).Error("Write failed")
		t.dispatch(link.WriteFailed{PeripheralID: p.id, Err: err})
	})
	p.mu.Unlock()

	groutine.GoFor(p.ctx, "goble-writer", p.id, p.writer.run)
	groutine.GoFor(p.ctx, "goble-monitor", p.id, func(ctx context.Context) {
		select {
		case <-client.Disconnected():
			var lost error
			if !p.isClosing() {
				lost = fmt.Errorf("%w: link lost", device.ErrNotConnected)
				logger.Warn("BLE stack reported disconnection")
			}
			t.finish(p, link.PeripheralDisconnected{PeripheralID: p.id, Err: lost})
		case <-ctx.Done():
		}
	})

	logger.Info("BLE device connected")
	t.dispatch(link.Connected{PeripheralID: p.id})
}

// finish retires p and reports ev; only the first call for a peer has effect.
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

func (t *Transport) lookup(peripheralID string) (*peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[peripheralID]
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

func (t *Transport) RequestDisconnect(peripheralID string) error {
	p, ok := t.lookup(peripheralID)
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrNotConnected, peripheralID)
	}

	client := p.markClosing()
	if client == nil {
		// dial in flight; it reports Disconnected once it unwinds
		p.cancel()
		return nil
	}

	t.logger.WithField("address", peripheralID).Info("Disconnecting BLE device...")
	groutine.Go(t.ctx, "goble-disconnect", func(context.Context) {
		t.unsubscribeAll(p, client)
		if err := NormalizeError(client.CancelConnection()); err != nil {
			t.logger.WithError(err).WithField("address", peripheralID).Warn("BLE device disconnected with errors")
		}
		t.finish(p, link.PeripheralDisconnected{PeripheralID: peripheralID})
	})
	return nil
}

func (t *Transport) unsubscribeAll(p *peer, client GATTClient) {
	p.mu.Lock()
	subscribed := p.subscribed
	p.subscribed = make(map[string]*ble.Characteristic)
	p.mu.Unlock()

	for key, c := range subscribed {
		if err := NormalizeError(client.Unsubscribe(c, indicateOnly(c))); err != nil {
			t.logger.WithError(err).WithField("characteristic", key).Warn("Failed to unsubscribe during disconnect")
		}
	}
}

func (t *Transport) DiscoverServices(peripheralID, serviceID string) error {
	p, client, err := t.live(peripheralID)
	if err != nil {
		return err
	}
	filter, err := parseUUIDs([]string{serviceID})
	if err != nil {
		return err
	}

	t.request(p, "goble-discover-services", func() {
		svcs, err := client.DiscoverServices(filter)
		if err != nil {
			t.dispatch(link.DiscoveryFailed{PeripheralID: peripheralID, Stage: device.StageServices, Err: NormalizeError(err)})
			return
		}
		names := make([]string, 0, len(svcs))
		for _, s := range svcs {
			raw := s.UUID.String()
			p.services.Set(device.NormalizeUUID(raw), s)
			names = append(names, raw)
		}
		t.logger.WithFields(logrus.Fields{"address": peripheralID, "services": len(names)}).Debug("Services discovered")
		t.dispatch(link.ServicesDiscovered{PeripheralID: peripheralID, Services: names})
	})
	return nil
}

func (t *Transport) DiscoverCharacteristics(peripheralID, serviceID string, characteristicIDs []string) error {
	p, client, err := t.live(peripheralID)
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

	t.request(p, "goble-discover-characteristics", func() {
		chars, err := client.DiscoverCharacteristics(filter, svc)
		if err != nil {
			t.dispatch(link.DiscoveryFailed{PeripheralID: peripheralID, Stage: device.StageCharacteristics, Err: NormalizeError(err)})
			return
		}
		names := make([]string, 0, len(chars))
		for _, c := range chars {
			raw := c.UUID.String()
			// Subscribe needs the CCCD handle on HCI stacks
			if c.Property&(ble.CharNotify|ble.CharIndicate) != 0 && c.CCCD == nil {
				if _, err := client.DiscoverDescriptors(nil, c); err != nil {
					t.logger.WithError(err).WithField("characteristic", raw).Debug("Descriptor discovery failed")
				}
			}
			p.chars.Set(charKey(serviceID, raw), c)
			names = append(names, raw)
		}
		t.dispatch(link.CharacteristicsDiscovered{PeripheralID: peripheralID, Service: serviceID, Characteristics: names})
	})
	return nil
}

func (t *Transport) SetNotify(peripheralID string, ch link.CharacteristicHandle, enabled bool) error {
	p, client, err := t.live(peripheralID)
	if err != nil {
		return err
	}
	c, err := p.characteristic(ch)
	if err != nil {
		return err
	}

	t.request(p, "goble-set-notify", func() {
		key := charKey(ch.Service, ch.UUID)
		var err error
		if enabled {
			err = client.Subscribe(c, indicateOnly(c), func(data []byte) {
				t.dispatch(link.ValueUpdated{PeripheralID: peripheralID, Characteristic: ch, Data: append([]byte(nil), data...)})
			})
			if err == nil {
				p.track(key, c)
			}
		} else {
			err = client.Unsubscribe(c, indicateOnly(c))
			p.track(key, nil)
		}

		if err != nil {
			t.dispatch(link.DiscoveryFailed{PeripheralID: peripheralID, Stage: device.StageNotifications, Err: NormalizeError(err)})
			return
		}
		t.logger.WithFields(logrus.Fields{"characteristic": ch.String(), "enabled": enabled}).Debug("Notification state applied")
		t.dispatch(link.NotifyConfirmed{PeripheralID: peripheralID, Characteristic: ch, Enabled: enabled})
	})
	return nil
}

func (t *Transport) WriteValue(peripheralID string, ch link.CharacteristicHandle, data []byte) error {
	p, client, err := t.live(peripheralID)
	if err != nil {
		return err
	}
	c, err := p.characteristic(ch)
	if err != nil {
		return err
	}

	noRsp := !t.opts.WithResponse
	p.writer.enqueue(writeJob{
		data: append([]byte(nil), data...),
		write: func(chunk []byte) error {
			return client.WriteCharacteristic(c, chunk, noRsp)
		},
	})
	return nil
}

func (t *Transport) ReadValue(peripheralID string, ch link.CharacteristicHandle) error {
	p, client, err := t.live(peripheralID)
	if err != nil {
		return err
	}
	c, err := p.characteristic(ch)
	if err != nil {
		return err
	}

	t.request(p, "goble-read", func() {
		data, err := client.ReadCharacteristic(c)
		if err != nil {
			t.dispatch(link.ReadFailed{PeripheralID: peripheralID, Err: NormalizeError(err)})
			return
		}
		t.dispatch(link.ValueUpdated{PeripheralID: peripheralID, Characteristic: ch, Data: data})
	})
	return nil
}

func (t *Transport) ReadSignalStrength(peripheralID string) error {
	p, client, err := t.live(peripheralID)
	if err != nil {
		return err
	}
	t.request(p, "goble-rssi", func() {
		t.dispatch(link.SignalStrength{PeripheralID: peripheralID, RSSI: client.ReadRSSI()})
	})
	return nil
}

func (t *Transport) request(p *peer, name string, fn func()) {
	groutine.GoFor(p.ctx, name, p.id, func(context.Context) { fn() })
}

// live returns the peer and its client when the link is established.
func (t *Transport) live(peripheralID string) (*peer, GATTClient, error) {
	p, ok := t.lookup(peripheralID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", device.ErrNotConnected, peripheralID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil || p.closing {
		return nil, nil, fmt.Errorf("%w: %s", device.ErrNotConnected, peripheralID)
	}
	return p, p.client, nil
}

func (p *peer) markClosing() GATTClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closing = true
	return p.client
}

// track records c as subscribed under key; nil forgets it.
func (p *peer) track(key string, c *ble.Characteristic) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c == nil {
		delete(p.subscribed, key)
		return
	}
	p.subscribed[key] = c
}

func (p *peer) isClosing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closing
}

func (p *peer) characteristic(ch link.CharacteristicHandle) (*ble.Characteristic, error) {
	c, ok := p.chars.Get(charKey(ch.Service, ch.UUID))
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{ch.Service, ch.UUID}}
	}
	return c, nil
}

func charKey(service, uuid string) string {
	return device.NormalizeUUID(service) + "/" + device.NormalizeUUID(uuid)
}

// indicateOnly selects indications for characteristics that cannot notify.
func indicateOnly(c *ble.Characteristic) bool {
	return c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0
}

func parseUUIDs(ids []string) ([]ble.UUID, error) {
	out := make([]ble.UUID, 0, len(ids))
	for _, id := range ids {
		u, err := ble.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("invalid UUID %q: %w", id, err)
		}
		out = append(out, u)
	}
	return out, nil
}

var _ link.Transport = (*Transport)(nil)
