// Package client is the Go SDK for the WebSocket gateway: a connection
// monitor, a session that keeps presence and room subscriptions alive across
// reconnects, and a debounced notepad draft buffer.
package client

import (
	"sync"
	"time"
)

type State string

const (
	StateConnected    State = "connected"
	StateConnecting   State = "connecting"
	StateDisconnected State = "disconnected"
)

// DefaultStaleAfter is how long the link may be down before it is reported
// stale.
const DefaultStaleAfter = 2 * time.Second

// Status is what listeners observe. Stale turns true only once the link has
// been down for the whole debounce window.
type Status struct {
	State State
	Stale bool
}

// ConnectionMonitor tracks the transport's own liveness signal. It is driven
// by the session, never by polling data.
type ConnectionMonitor struct {
	staleAfter time.Duration

	mu        sync.Mutex
	state     State
	downSince time.Time
	stale     bool
	staleGen  int
	timer     *time.Timer
	listeners map[int]func(Status)
	nextID    int
}

func NewConnectionMonitor(staleAfter time.Duration) *ConnectionMonitor {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &ConnectionMonitor{
		staleAfter: staleAfter,
		state:      StateDisconnected,
		downSince:  time.Now(),
		listeners:  make(map[int]func(Status)),
	}
}

func (m *ConnectionMonitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ConnectionMonitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{State: m.state, Stale: m.stale}
}

// Stale reports whether the link has been down for at least the debounce
// window.
func (m *ConnectionMonitor) Stale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stale
}

// Set records a transition. Repeating the current state is a no-op.
func (m *ConnectionMonitor) Set(state State) {
	m.mu.Lock()
	if state == m.state {
		m.mu.Unlock()
		return
	}
	wasUp := m.state == StateConnected
	m.state = state

	switch {
	case state == StateConnected:
		m.stale = false
		m.staleGen++
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
	case wasUp:
		m.downSince = time.Now()
		m.armStale()
	case m.timer == nil && !m.stale:
		// Never connected so far; the window runs from construction.
		m.armStale()
	}

	status := Status{State: m.state, Stale: m.stale}
	listeners := m.snapshotListeners()
	m.mu.Unlock()

	notify(listeners, status)
}

// Subscribe registers fn for every status change. The returned cancel func
// is idempotent.
func (m *ConnectionMonitor) Subscribe(fn func(Status)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// armStale starts the debounce window. Callers hold mu.
func (m *ConnectionMonitor) armStale() {
	m.staleGen++
	gen := m.staleGen
	wait := m.staleAfter - time.Since(m.downSince)
	if wait < 0 {
		wait = 0
	}
	m.timer = time.AfterFunc(wait, func() { m.markStale(gen) })
}

func (m *ConnectionMonitor) markStale(gen int) {
	m.mu.Lock()
	if gen != m.staleGen || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	m.stale = true
	m.timer = nil
	status := Status{State: m.state, Stale: true}
	listeners := m.snapshotListeners()
	m.mu.Unlock()

	notify(listeners, status)
}

// snapshotListeners must be called with mu held.
func (m *ConnectionMonitor) snapshotListeners() []func(Status) {
	out := make([]func(Status), 0, len(m.listeners))
	for _, fn := range m.listeners {
		out = append(out, fn)
	}
	return out
}

func notify(listeners []func(Status), status Status) {
	for _, fn := range listeners {
		fn(status)
	}
}
