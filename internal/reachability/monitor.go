// Package reachability tracks whether the device can actually reach the internet.
//
// An interface being up does not mean the internet is reachable (captive portals,
// carrier outages), so link events trigger an active DNS probe. Probes are
// throttled and shared between concurrent callers.
package reachability

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/studysync/offlinecore/internal/logging"
	"github.com/studysync/offlinecore/internal/metrics"
)

// DefaultProbeWindow is the minimum interval between two active probes.
const DefaultProbeWindow = 5 * time.Second

// LinkState is what the OS reports about network interfaces.
type LinkState int

const (
	LinkUnknown LinkState = iota
	LinkNone              // no interface at all
	LinkUp                // some interface is up; reachability still unknown
)

func (s LinkState) String() string {
	switch s {
	case LinkNone:
		return "none"
	case LinkUp:
		return "up"
	default:
		return "unknown"
	}
}

// LinkSource reports the current OS link state.
type LinkSource interface {
	Current(ctx context.Context) (LinkState, error)
}

// LinkSourceFunc adapts a function to LinkSource.
type LinkSourceFunc func(ctx context.Context) (LinkState, error)

// Current calls f.
func (f LinkSourceFunc) Current(ctx context.Context) (LinkState, error) {
	return f(ctx)
}

// Listener is notified with the new state on every online/offline transition.
type Listener func(online bool)

// Monitor is the process-wide reachability monitor.
type Monitor struct {
	prober Prober
	link   LinkSource
	window time.Duration
	now    func() time.Time

	initGroup  singleflight.Group
	probeGroup singleflight.Group

	mu          sync.RWMutex
	initialized bool
	online      bool
	lastProbeAt time.Time
	listeners   map[int]Listener
	nextID      int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLinkSource sets the OS link-state source.
func WithLinkSource(src LinkSource) Option {
	return func(m *Monitor) { m.link = src }
}

// WithProbeWindow overrides the probe throttle window.
func WithProbeWindow(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor creates a Monitor. It starts optimistic: online until a probe says otherwise.
func NewMonitor(prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		prober:    prober,
		window:    DefaultProbeWindow,
		now:       time.Now,
		online:    true,
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize establishes the initial state. It is idempotent and concurrent callers
// share one in-flight initialization. If the link source fails the monitor assumes
// online so startup is never blocked.
func (m *Monitor) Initialize(ctx context.Context) {
	m.mu.RLock()
	done := m.initialized
	m.mu.RUnlock()
	if done {
		return
	}

	m.initGroup.Do("init", func() (interface{}, error) {
		m.mu.RLock()
		done := m.initialized
		m.mu.RUnlock()
		if done {
			return nil, nil
		}

		state := LinkUnknown
		if m.link != nil {
			var err error
			state, err = m.link.Current(ctx)
			if err != nil {
				logging.Warn("Link state unavailable at startup, assuming online", map[string]interface{}{
					"error": err.Error(),
				})
				m.setOnline(true)
				m.markInitialized()
				return nil, nil
			}
		}

		if state == LinkNone {
			m.setOnline(false)
		} else {
			m.probe(ctx)
		}
		m.markInitialized()
		return nil, nil
	})
}

func (m *Monitor) markInitialized() {
	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
}

// Reset forgets the probe cache and initialization so the next Initialize starts
// over. Listeners are kept.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.initialized = false
	m.lastProbeAt = time.Time{}
	m.mu.Unlock()
}

// IsOnline returns the last known state without probing.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// CheckReachability returns the current state, probing if the last probe is older
// than the throttle window. Concurrent callers share one probe.
func (m *Monitor) CheckReachability(ctx context.Context) bool {
	m.mu.RLock()
	fresh := !m.lastProbeAt.IsZero() && m.now().Sub(m.lastProbeAt) < m.window
	online := m.online
	m.mu.RUnlock()
	if fresh {
		return online
	}

	v, _, _ := m.probeGroup.Do("probe", func() (interface{}, error) {
		m.mu.RLock()
		fresh := !m.lastProbeAt.IsZero() && m.now().Sub(m.lastProbeAt) < m.window
		online := m.online
		m.mu.RUnlock()
		if fresh {
			return online, nil
		}
		return m.probe(ctx), nil
	})
	return v.(bool)
}

// HandleLinkChange processes an OS connectivity-changed event. No interface at all
// means offline immediately; anything else is confirmed with an active probe.
func (m *Monitor) HandleLinkChange(ctx context.Context, state LinkState) bool {
	if state == LinkNone {
		m.mu.Lock()
		// The cached probe result no longer describes this link
		m.lastProbeAt = time.Time{}
		m.mu.Unlock()
		m.setOnline(false)
		return false
	}
	return m.CheckReachability(ctx)
}

// Subscribe registers l for transitions. The returned func unregisters it.
func (m *Monitor) Subscribe(l Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// probe runs the prober and records the result. Any error is offline.
func (m *Monitor) probe(ctx context.Context) bool {
	online := true
	if m.prober != nil {
		if err := m.prober.Probe(ctx); err != nil {
			logging.Debug("Reachability probe failed", map[string]interface{}{
				"error": err.Error(),
			})
			online = false
		}
	}
	metrics.RecordProbe(online)

	m.mu.Lock()
	m.lastProbeAt = m.now()
	m.mu.Unlock()

	m.setOnline(online)
	return online
}

// setOnline stores the state and notifies listeners on transitions only.
func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	var listeners []Listener
	if changed {
		listeners = make([]Listener, 0, len(m.listeners))
		for _, l := range m.listeners {
			listeners = append(listeners, l)
		}
	}
	m.mu.Unlock()

	metrics.SetOnline(online)
	if !changed {
		return
	}

	logging.Info("Reachability changed", map[string]interface{}{
		"online": online,
	})
	for _, l := range listeners {
		l(online)
	}
}
