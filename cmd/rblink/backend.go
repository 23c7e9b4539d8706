package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/rblink/internal/device"
	"github.com/srg/rblink/internal/link"
	"github.com/srg/rblink/internal/protocol"
	"github.com/srg/rblink/internal/session"
	"github.com/srg/rblink/internal/transport/goble"
	"github.com/srg/rblink/pkg/config"
)

// backend is a transport the CLI can power up and down.
type backend interface {
	link.Transport
	Open() error
	Close() error
}

// backendFactory picks the transport named in the config (can be overridden in tests)
var backendFactory = newBackend

func gobleOptions(cfg *config.Config) goble.Options {
	return goble.Options{
		ConnectTimeout: cfg.Link.ConnectTimeout,
		AllowList:      cfg.Link.AllowList,
		BlockList:      cfg.Link.BlockList,
		WriteRate:      cfg.Write.Rate,
		ChunkSize:      cfg.Write.ChunkSize,
		WithResponse:   cfg.Write.WithResponse,
	}
}

// watcher is the CLI's session observer: it keeps the latest state and
// everything received, and wakes waiters on every change.
type watcher struct {
	mu      sync.Mutex
	state   link.State
	started bool
	ready   bool
	lastErr error
	data    []protocol.Payload
	changed chan struct{}

	// forward, when set, sees every notification as well
	forward session.Observer
}

func newWatcher(forward session.Observer) *watcher {
	return &watcher{changed: make(chan struct{}, 1), forward: forward}
}

func (w *watcher) wake() {
	select {
	case w.changed <- struct{}{}:
	default:
	}
}

func (w *watcher) OnStateChanged(state link.State) {
	w.mu.Lock()
	w.state = state
	if state != link.Idle {
		w.started = true
	}
	if state == link.Ready {
		w.ready = true
	}
	w.mu.Unlock()
	w.wake()
	if w.forward != nil {
		w.forward.OnStateChanged(state)
	}
}

func (w *watcher) OnPeripheralDiscovered(p device.Peripheral) {
	w.wake()
	if w.forward != nil {
		w.forward.OnPeripheralDiscovered(p)
	}
}

func (w *watcher) OnDataReceived(p protocol.Payload) {
	w.mu.Lock()
	w.data = append(w.data, p)
	w.mu.Unlock()
	w.wake()
	if w.forward != nil {
		w.forward.OnDataReceived(p)
	}
}

func (w *watcher) OnError(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
	w.wake()
	if w.forward != nil {
		w.forward.OnError(err)
	}
}

func (w *watcher) OnSignalStrength(id string, rssi int) {
	w.wake()
	if w.forward != nil {
		w.forward.OnSignalStrength(id, rssi)
	}
}

// until blocks until cond holds (evaluated under the lock), ctx ends or timeout elapses.
func (w *watcher) until(ctx context.Context, timeout time.Duration, cond func(w *watcher) (bool, error)) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		w.mu.Lock()
		ok, err := cond(w)
		w.mu.Unlock()
		if ok || err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w after %s", device.ErrTimeout, timeout)
		case <-w.changed:
		}
	}
}

// isReady fails once the session fell back to Idle or Disconnected after trying.
func isReady(w *watcher) (bool, error) {
	if w.ready {
		if w.state == link.Ready {
			return true, nil
		}
		return false, ErrConnectionLost
	}
	if w.started && (w.state == link.Idle || w.state == link.Disconnected) {
		if w.lastErr != nil {
			return false, w.lastErr
		}
		return false, ErrNoPeripheral
	}
	return false, nil
}

// received returns a copy of the notifications seen so far.
func (w *watcher) received() []protocol.Payload {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]protocol.Payload(nil), w.data...)
}

// peripheralLink is one session over one backend.
type peripheralLink struct {
	cfg       *config.Config
	logger    *logrus.Logger
	transport backend
	session   *session.Session
	watcher   *watcher
}

// newPeripheralLink wires a session to the configured backend without touching the radio.
func newPeripheralLink(cfg *config.Config, logger *logrus.Logger, opts session.Options) (*peripheralLink, error) {
	transport, err := backendFactory(cfg, logger)
	if err != nil {
		return nil, err
	}

	w := newWatcher(opts.Observer)
	opts.Observer = w
	return &peripheralLink{
		cfg:       cfg,
		logger:    logger,
		transport: transport,
		session:   session.New(transport, opts, logger),
		watcher:   w,
	}, nil
}

// start runs the session loop and powers the radio up. With scan set it also
// starts the first scan.
func (l *peripheralLink) start(ctx context.Context, scan bool) error {
	l.session.Start(ctx)
	if err := l.transport.Open(); err != nil {
		return fmt.Errorf("failed to open %s backend: %w", l.cfg.Backend, err)
	}
	if !scan {
		return nil
	}
	if err := l.session.StartScan(); err != nil && !errors.Is(err, device.ErrOperationIgnoredWrongState) {
		return err
	}
	return nil
}

func (l *peripheralLink) waitReady(ctx context.Context, timeout time.Duration) error {
	return l.watcher.until(ctx, timeout, isReady)
}

func (l *peripheralLink) Close() error {
	var errs []error
	if err := l.session.Close(); err != nil && !errors.Is(err, device.ErrOperationIgnoredWrongState) {
		errs = append(errs, err)
	}
	if err := l.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
