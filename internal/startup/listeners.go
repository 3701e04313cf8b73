package startup

import (
	"fmt"

	"go.uber.org/zap"
)

// Listener receives a snapshot after every committed operation.
type Listener func(StartupState)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Subscribe registers fn and returns a function that removes it.
// Listeners are notified in subscription order. The returned function is idempotent.
func (m *Machine) Subscribe(fn Listener) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	m.mu.Lock()
	m.nextListener++
	id := m.nextListener
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				// copy-on-write: a delivery in progress keeps iterating its own slice
				next := make([]listenerEntry, 0, len(m.listeners)-1)
				next = append(next, m.listeners[:i]...)
				next = append(next, m.listeners[i+1:]...)
				m.listeners = next
				return
			}
		}
	}
}

// ListenerCount returns the number of registered listeners.
func (m *Machine) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// deliver invokes each listener with snap. A panicking listener is logged and skipped.
func (m *Machine) deliver(listeners []listenerEntry, snap StartupState) {
	for _, l := range listeners {
		m.invoke(l, snap)
	}
}

func (m *Machine) invoke(l listenerEntry, snap StartupState) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("startup listener panicked",
				zap.Uint64("listener", l.id),
				zap.String("panic", fmt.Sprint(r)),
				zap.Stringer("step", snap.Step))
		}
	}()
	l.fn(snap)
}
