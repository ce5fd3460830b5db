// Package network tracks whether the server is reachable.
package network

import (
	"context"
	"sync"
	"time"

	"github.com/restopos/kotsync/internal/logging"
)

// DefaultProbeInterval is used by Run when no interval is given.
const DefaultProbeInterval = 30 * time.Second

// Prober checks that the server answers.
type Prober interface {
	Health(ctx context.Context) error
}

// Monitor holds the current connectivity state and notifies subscribers of
// transitions.
type Monitor struct {
	prober       Prober
	probeTimeout time.Duration

	mu      sync.RWMutex
	online  bool
	changed time.Time
	subs    map[int]func(online bool)
	nextSub int
}

// NewMonitor creates a Monitor that starts online.
func NewMonitor(prober Prober) *Monitor {
	return &Monitor{
		prober:       prober,
		probeTimeout: 5 * time.Second,
		online:       true,
		changed:      time.Now(),
		subs:         make(map[int]func(bool)),
	}
}

// IsOnline reports the last known state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Since returns when the state last changed.
func (m *Monitor) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changed
}

// SetOnline records the state. Subscribers are called synchronously, and
// only on a transition.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.changed = time.Now()
	handlers := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()

	logging.Info("connectivity changed", map[string]interface{}{"online": online})
	for _, fn := range handlers {
		fn(online)
	}
}

// Probe checks the server once and records the result.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.prober == nil {
		return m.IsOnline()
	}
	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	err := m.prober.Health(pctx)
	if err != nil && ctx.Err() != nil {
		// Shutting down; keep the last state.
		return m.IsOnline()
	}
	if err != nil {
		logging.Debug("health probe failed", map[string]interface{}{"error": err.Error()})
	}
	m.SetOnline(err == nil)
	return err == nil
}

// Run probes every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Subscribe registers fn for transitions and returns a function that
// removes it.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}
