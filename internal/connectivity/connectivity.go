// Package connectivity reports network reachability to the sync queue.
package connectivity

import (
	"sync"
)

// Monitor reports network state and notifies on offline to online transitions.
type Monitor interface {
	IsOnline() bool
	// IsExpensiveConnection reports a metered link such as cellular data.
	IsExpensiveConnection() bool
	// OnReconnect registers fn for offline to online transitions.
	OnReconnect(fn func()) (unsubscribe func())
}

// Manual is a Monitor whose state is pushed by the host platform, for example
// from mobile network callbacks bridged through FFI.
type Manual struct {
	mu        sync.RWMutex
	online    bool
	expensive bool
	nextID    int
	listeners map[int]func()
}

var _ Monitor = (*Manual)(nil)

// NewManual creates a monitor with the given initial state.
func NewManual(online bool) *Manual {
	return &Manual{
		online:    online,
		listeners: make(map[int]func()),
	}
}

// IsOnline reports the last pushed reachability.
func (m *Manual) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// IsExpensiveConnection reports the last pushed metered flag.
func (m *Manual) IsExpensiveConnection() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expensive
}

// Set updates the state. Listeners run on the caller's goroutine after the
// lock is released, only on an offline to online transition.
func (m *Manual) Set(online, expensive bool) {
	m.mu.Lock()
	reconnected := online && !m.online
	m.online = online
	m.expensive = expensive
	var fire []func()
	if reconnected {
		fire = make([]func(), 0, len(m.listeners))
		for _, fn := range m.listeners {
			fire = append(fire, fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range fire {
		fn()
	}
}

// SetOnline updates reachability and keeps the metered flag.
func (m *Manual) SetOnline(online bool) {
	m.Set(online, m.IsExpensiveConnection())
}

// OnReconnect registers fn and returns a function removing it.
func (m *Manual) OnReconnect(fn func()) func() {
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
