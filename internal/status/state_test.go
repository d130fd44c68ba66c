package status

import (
	"testing"

	"github.com/matheus3301/chatd/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connecting},
		{Connecting, Connected},
		{Connected, Registering},
		{Registering, Registered},
		{Registered, Reconnecting},
		{Reconnecting, Connected},
		{Reconnecting, Connecting},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Registered); err == nil {
		t.Error("Transition(DISCONNECTED -> REGISTERED) should fail")
	}
}

func TestTeardownFromAnyState(t *testing.T) {
	for _, from := range []State{Disconnected, Connecting, Connected, Registering, Registered, Reconnecting} {
		t.Run(string(from), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, from)
			if err := m.Transition(Disconnected); err != nil {
				t.Errorf("Transition(%s -> DISCONNECTED) error = %v", from, err)
			}
		})
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("transport.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != "transport.status_changed" {
		t.Errorf("event kind = %q, want transport.status_changed", evt.Kind)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Disconnected || change.To != Connecting {
		t.Errorf("change = %v -> %v, want DISCONNECTED -> CONNECTING", change.From, change.To)
	}
}

// TestRegistrationRequiresConnected verifies that CONNECTING cannot jump
// directly to REGISTERING — the register handshake is only issued once the
// transport reports an established connection.
func TestRegistrationRequiresConnected(t *testing.T) {
	m := NewMachine(nil)
	_ = m.Transition(Connecting)

	if err := m.Transition(Registering); err == nil {
		t.Fatal("Transition(CONNECTING -> REGISTERING) should fail; must go through CONNECTED first")
	}
	if m.Current() != Connecting {
		t.Errorf("state = %s, want CONNECTING (should not have changed)", m.Current())
	}

	if err := m.Transition(Connected); err != nil {
		t.Fatalf("CONNECTING -> CONNECTED: %v", err)
	}
	if err := m.Transition(Registering); err != nil {
		t.Fatalf("CONNECTED -> REGISTERING: %v", err)
	}
}

// TestFullHandshakeLifecycle simulates a first connection:
// DISCONNECTED → CONNECTING → CONNECTED → REGISTERING → REGISTERED
func TestFullHandshakeLifecycle(t *testing.T) {
	m := NewMachine(nil)

	steps := []State{Connecting, Connected, Registering, Registered}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != Registered {
		t.Errorf("final state = %s, want REGISTERED", m.Current())
	}
}

// TestDropReregistersAfterReconnect verifies the transport-drop loop:
// REGISTERED → RECONNECTING → CONNECTED → REGISTERING → REGISTERED.
// Registration is re-issued with a fresh token after every reconnect.
func TestDropReregistersAfterReconnect(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Registered)

	steps := []State{Reconnecting, Connected, Registering, Registered}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != Registered {
		t.Errorf("final state = %s, want REGISTERED", m.Current())
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Disconnected: {},
		Connecting:   {Connecting},
		Connected:    {Connecting, Connected},
		Registering:  {Connecting, Connected, Registering},
		Registered:   {Connecting, Connected, Registering, Registered},
		Reconnecting: {Connecting, Connected, Reconnecting},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
