// Package supervisor keeps a session linked: it rescans after drops and
// failed attempts, and aborts attempts that hang. Reconnect attempts go
// through a circuit breaker so a peripheral that keeps failing is left alone
// for a while instead of being hammered.
package supervisor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"github.com/srg/rblink/internal/device"
	"github.com/srg/rblink/internal/link"
	"github.com/srg/rblink/internal/protocol"
)

// Target is the session being supervised.
type Target interface {
	StartScan() error
	Disconnect() error
}

type Options struct {
	// MaxFailures consecutive failed attempts open the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before a probe attempt.
	OpenTimeout time.Duration
	// RetryDelay separates a failed or dropped link from the next attempt.
	RetryDelay time.Duration
	// WatchdogTimeout bounds connect plus discovery; zero disables the watchdog.
	WatchdogTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxFailures:     3,
		OpenTimeout:     30 * time.Second,
		RetryDelay:      time.Second,
		WatchdogTimeout: 15 * time.Second,
	}
}

var errNotEstablished = errors.New("link not established")

// Supervisor observes a session and drives reconnects. It implements the
// session observer interface; register it alongside the application observer.
type Supervisor struct {
	target  Target
	opts    Options
	logger  *logrus.Entry
	breaker *gobreaker.TwoStepCircuitBreaker[struct{}]

	mu       sync.Mutex
	attempt  func(err error)
	lastErr  error
	watchdog *time.Timer
	// bumped on every arm so a timer that already fired can tell it was stopped
	watchdogGen int
	retry       *time.Timer
	running     bool
}

func New(target Target, opts Options, logger *logrus.Logger) *Supervisor {
	if logger == nil {
		logger = logrus.New()
	}
	def := DefaultOptions()
	if opts.MaxFailures == 0 {
		opts.MaxFailures = def.MaxFailures
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = def.OpenTimeout
	}

	s := &Supervisor{
		target: target,
		opts:   opts,
		logger: logger.WithField("component", "supervisor"),
	}
	s.breaker = gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "reconnect",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state change")
		},
		// wrong-state rejections mean a link is already in progress
		IsExcluded: func(err error) bool {
			return errors.Is(err, device.ErrOperationIgnoredWrongState)
		},
	})
	return s
}

// Start makes the first attempt and keeps retrying until Stop.
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.try()
}

func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	stopTimer(&s.retry)
	stopTimer(&s.watchdog)
	s.attempt = nil
}

// BreakerState reports the reconnect breaker state.
func (s *Supervisor) BreakerState() gobreaker.State {
	return s.breaker.State()
}

func (s *Supervisor) Counts() gobreaker.Counts {
	return s.breaker.Counts()
}

func (s *Supervisor) try() {
	s.mu.Lock()
	if !s.running || s.attempt != nil {
		s.mu.Unlock()
		return
	}
	done, err := s.breaker.Allow()
	if err != nil {
		s.logger.WithError(err).WithField("retry_in", s.opts.OpenTimeout).Warn("Reconnect suppressed")
		s.schedule(s.opts.OpenTimeout)
		s.mu.Unlock()
		return
	}
	s.attempt = done
	s.lastErr = nil
	s.mu.Unlock()

	s.logger.Info("Reconnect attempt")
	err = s.target.StartScan()
	if err == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.finish(err)
	if errors.Is(err, device.ErrOperationIgnoredWrongState) {
		// a link is already on its way; state changes drive the next attempt
		s.logger.WithError(err).Debug("Reconnect not needed")
		return
	}
	s.logger.WithError(err).Warn("Reconnect attempt could not start")
	s.schedule(s.opts.RetryDelay)
}

// finish settles the attempt in flight. Called with mu held.
func (s *Supervisor) finish(err error) {
	if s.attempt == nil {
		return
	}
	s.attempt(err)
	s.attempt = nil
}

// schedule arms the retry timer. Called with mu held.
func (s *Supervisor) schedule(after time.Duration) {
	if !s.running {
		return
	}
	stopTimer(&s.retry)
	s.retry = time.AfterFunc(after, s.try)
}

func (s *Supervisor) OnStateChanged(state link.State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case state.Establishing():
		if s.watchdog == nil && s.opts.WatchdogTimeout > 0 && s.running {
			s.watchdogGen++
			gen := s.watchdogGen
			s.watchdog = time.AfterFunc(s.opts.WatchdogTimeout, func() { s.fire(gen) })
		}
	case state == link.Ready:
		stopTimer(&s.watchdog)
		s.finish(nil)
		s.logger.Info("Link established")
	case state == link.Idle || state == link.Disconnected:
		stopTimer(&s.watchdog)
		err := s.lastErr
		if err == nil {
			err = errNotEstablished
		}
		s.finish(err)
		s.logger.WithField("state", state.String()).Debug("Link down, scheduling reconnect")
		s.schedule(s.opts.RetryDelay)
	}
}

func (s *Supervisor) fire(gen int) {
	s.mu.Lock()
	if s.watchdog == nil || gen != s.watchdogGen {
		s.mu.Unlock()
		return
	}
	s.watchdog = nil
	s.lastErr = fmt.Errorf("%w: link not ready after %s", device.ErrTimeout, s.opts.WatchdogTimeout)
	s.mu.Unlock()

	s.logger.WithField("timeout", s.opts.WatchdogTimeout).Warn("Watchdog expired, dropping link")
	if err := s.target.Disconnect(); err != nil {
		s.logger.WithError(err).Warn("Watchdog disconnect failed")
	}
}

func (s *Supervisor) OnError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Supervisor) OnPeripheralDiscovered(device.Peripheral) {}
func (s *Supervisor) OnDataReceived(protocol.Payload) {}
func (s *Supervisor) OnSignalStrength(string, int) {}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
