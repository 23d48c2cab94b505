// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package realms

import "github.com/warden-os/warden/lib/realm"

// EventType tags a realm lifecycle event.
type EventType int

const (
	// EventStarted fires after a realm's service is confirmed started.
	EventStarted EventType = iota

	// EventStopped fires after a realm is stopped and its resources
	// released.
	EventStopped

	// EventNew fires when discovery finds a realm definition that was
	// not previously known.
	EventNew

	// EventRemoved fires when a known realm's definition disappears.
	EventRemoved

	// EventCurrent fires when the current realm changes. The event's
	// Realm is nil when no realm is current anymore.
	EventCurrent
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventNew:
		return "new"
	case EventRemoved:
		return "removed"
	case EventCurrent:
		return "current"
	default:
		return "unknown"
	}
}

// Event is one realm lifecycle event. The Realm pointer is valid at
// emission time; handlers must not assume the realm stays in the
// manager's collection afterward.
type Event struct {
	Type  EventType
	Realm *realm.Realm
}

// Handler receives lifecycle events. Handlers run synchronously on
// whatever goroutine triggered the event, so events for one realm
// arrive in order. A handler must not block: hand the event off and
// return.
type Handler func(Event)

// AddHandler registers an event handler. Handlers registered after an
// event was emitted do not see it.
func (m *Manager) AddHandler(handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// emit delivers an event to all registered handlers. The handler list
// is snapshotted under the lock; handlers run outside it so they can
// call back into the manager.
func (m *Manager) emit(event Event) {
	m.mu.RLock()
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
