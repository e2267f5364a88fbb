package companion

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Monitor tracks network reachability. Callbacks registered with OnOnline
// fire exactly once per unreachable-to-reachable transition; repeated
// reachable reports do not re-fire them, preventing drain storms.
type Monitor struct {
	mu        sync.Mutex
	reachable bool
	onOnline  []func()
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(initiallyReachable bool) *Monitor {
	return &Monitor{reachable: initiallyReachable}
}

// Reachable returns the current reachability state.
func (m *Monitor) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

// OnOnline registers a callback invoked on each unreachable-to-reachable
// transition. Callbacks run synchronously in the order registered.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, fn)
}

// SetReachable reports the current network state. Platform network hooks and
// the polling prober both feed this method; the edge-trigger logic lives here
// so every source gets it.
func (m *Monitor) SetReachable(reachable bool) {
	m.mu.Lock()
	transition := reachable && !m.reachable
	m.reachable = reachable
	callbacks := m.onOnline
	m.mu.Unlock()

	if !transition {
		return
	}

	slog.Info("network reachable",
		"component", "reachability",
		"action", "online_transition",
	)
	for _, fn := range callbacks {
		fn()
	}
}

// Watch polls probe on the given interval and feeds the result into the
// monitor until ctx is cancelled. probe should be a cheap connectivity check
// such as the remote store's health endpoint.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, probe func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Probe immediately on start, then on each tick
	m.SetReachable(probe(ctx) == nil)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetReachable(probe(ctx) == nil)
		}
	}
}
