package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatd/internal/bus"
)

// State represents a transport channel lifecycle state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Registering  State = "REGISTERING"
	Registered   State = "REGISTERED"
	Reconnecting State = "RECONNECTING"
)

// validTransitions defines allowed state transitions. Explicit teardown
// (any state → Disconnected) is always allowed.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting},
	Connected:    {Registering, Reconnecting},
	Registering:  {Registered, Reconnecting},
	Registered:   {Reconnecting},
	Reconnecting: {Connecting, Connected},
}

// Machine tracks and enforces transport channel state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// Transitioning to Disconnected is valid from every state (explicit teardown).
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to != Disconnected {
		allowed := validTransitions[m.current]
		if !slices.Contains(allowed, to) {
			return fmt.Errorf("invalid transition from %s to %s", m.current, to)
		}
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "transport.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
