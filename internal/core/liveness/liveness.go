// Package liveness watches device reachability with a periodic probe and
// drives reconnection of the notification session.
package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultInterval is the probe period.
const DefaultInterval = 5 * time.Second

// Prober checks whether the device answers.
type Prober interface {
	Probe(ctx context.Context) error
}

// Reconnector rebuilds the notification session.
type Reconnector interface {
	// Reconnect tears down the current session and opens a new one.
	Reconnect(ctx context.Context) error
	// SessionActive reports whether a session is currently streaming.
	SessionActive() bool
}

// Reporter receives availability transitions.
type Reporter interface {
	SetAvailable(available bool)
}

// Monitor probes the device on a fixed interval. It is the only writer of
// availability: a failed probe marks the device unavailable and forces a
// reconnect; the first successful probe after that marks it available again.
type Monitor struct {
	prober   Prober
	reconn   Reconnector
	reporter Reporter
	interval time.Duration
	log      *slog.Logger

	mu    sync.Mutex
	alive bool

	group singleflight.Group

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Config configures a Monitor.
type Config struct {
	Prober      Prober
	Reconnector Reconnector
	Reporter    Reporter
	// Interval between probes. Default 5s.
	Interval time.Duration
}

// New creates a monitor. It starts out alive: the initial connect is not a
// recovery and is not announced.
func New(cfg Config, log *slog.Logger) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		prober:   cfg.Prober,
		reconn:   cfg.Reconnector,
		reporter: cfg.Reporter,
		interval: interval,
		log:      log,
		alive:    true,
	}
}

// Alive reports the last known availability.
func (m *Monitor) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive
}

// Start begins probing in the background. Calling Start on a running monitor
// is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}

	m.mu.Lock()
	m.alive = true
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
}

// Stop halts probing and waits for an in-progress check to finish. Safe to
// call on a stopped monitor.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe and acts on the result. The ticker calls it; tests and
// callers wanting an immediate check may too.
func (m *Monitor) Check(ctx context.Context) {
	err := m.prober.Probe(ctx)
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		m.onFailure(ctx, err)
		return
	}
	m.onSuccess(ctx)
}

func (m *Monitor) onFailure(ctx context.Context, err error) {
	m.mu.Lock()
	wasAlive := m.alive
	m.alive = false
	m.mu.Unlock()

	if wasAlive {
		m.log.Warn("device unreachable", "error", err)
		m.reporter.SetAvailable(false)
	} else {
		m.log.Debug("device still unreachable", "error", err)
	}

	if err := m.reconnect(ctx); err != nil {
		m.log.Debug("reconnect failed, retrying on next probe", "error", err)
	}
}

func (m *Monitor) onSuccess(ctx context.Context) {
	m.mu.Lock()
	wasAlive := m.alive
	m.mu.Unlock()

	if !m.reconn.SessionActive() {
		if wasAlive {
			m.log.Info("notification stream ended, reopening")
		}
		if err := m.reconnect(ctx); err != nil {
			m.log.Warn("device answers but reconnect failed", "error", err)
			return
		}
	}

	if wasAlive {
		return
	}

	m.mu.Lock()
	m.alive = true
	m.mu.Unlock()

	m.log.Info("device reachable again")
	m.reporter.SetAvailable(true)
}

// reconnect collapses concurrent callers into one attempt.
func (m *Monitor) reconnect(ctx context.Context) error {
	_, err, shared := m.group.Do("reconnect", func() (any, error) {
		return nil, m.reconn.Reconnect(ctx)
	})
	if shared {
		m.log.Debug("joined in-flight reconnect")
	}
	return err
}
