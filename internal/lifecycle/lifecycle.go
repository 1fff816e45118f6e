// Package lifecycle tracks admitted upload requests so the server can stop
// accepting work and drain what is in flight before exiting.
package lifecycle

import (
	"context"
	"sync"
)

type State int

const (
	Accepting State = iota
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Accepting:
		return "ACCEPTING"
	case Draining:
		return "DRAINING"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Manager is safe for concurrent use. The zero value is not usable; call
// New.
type Manager struct {
	mu       sync.Mutex
	state    State
	inFlight int
	draining chan struct{}
	idle     chan struct{}
}

func New() *Manager {
	return &Manager{
		draining: make(chan struct{}),
	}
}

// Admit registers a new request. It returns false, without registering,
// unless the manager is accepting. Every true result must be paired with
// one Done call.
func (m *Manager) Admit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Accepting {
		return false
	}
	m.inFlight++
	return true
}

// Done marks an admitted request as finished.
func (m *Manager) Done() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inFlight == 0 {
		panic("lifecycle: Done called without a matching Admit")
	}
	m.inFlight--
	if m.inFlight == 0 && m.idle != nil {
		close(m.idle)
		m.idle = nil
	}
}

// Drain stops admitting requests. It reports whether this call made the
// transition.
func (m *Manager) Drain() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Accepting {
		return false
	}
	m.state = Draining
	close(m.draining)
	return true
}

// Draining is closed once the manager leaves the accepting state.
func (m *Manager) Draining() <-chan struct{} {
	return m.draining
}

// Wait drains the manager and blocks until no request is in flight or ctx
// is done. Either way the manager ends up stopped; requests still running
// are left alone. The returned error is ctx's when the wait was cut short.
func (m *Manager) Wait(ctx context.Context) error {
	m.Drain()

	m.mu.Lock()
	if m.inFlight == 0 {
		m.state = Stopped
		m.mu.Unlock()
		return nil
	}
	if m.idle == nil {
		m.idle = make(chan struct{})
	}
	idle := m.idle
	m.mu.Unlock()

	var err error
	select {
	case <-idle:
	case <-ctx.Done():
		err = ctx.Err()
	}

	m.mu.Lock()
	m.state = Stopped
	m.mu.Unlock()
	return err
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight
}
