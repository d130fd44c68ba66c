package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/matheus3301/chatd/internal/model"
)

// ErrNoChannel is returned for emits while no channel is acquired.
var ErrNoChannel = errors.New("no active transport channel")

// Conn is the channel surface the manager refcounts.
type Conn interface {
	Connect(userID string) error
	SendMessage(m model.Message) error
	MarkSeen(messageID string) error
	Teardown()
}

// Factory creates a fresh channel for a user. Channels are single-use:
// after teardown the manager asks for a new one.
type Factory func(userID string) Conn

// Manager is the process-wide owner of the realtime channel: exactly one
// active connection per authenticated session, reference-counted across
// consumers. A screen acquiring the channel never tears down a connection
// other screens still hold.
type Manager struct {
	mu      sync.Mutex
	factory Factory
	conn    Conn
	userID  string
	refs    int
}

// NewManager creates a manager using the given channel factory.
func NewManager(factory Factory) *Manager {
	return &Manager{factory: factory}
}

// Acquire returns the active channel for userID, connecting one if none
// exists. Acquiring for a different user while the channel is held fails.
func (m *Manager) Acquire(userID string) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refs > 0 {
		if m.userID != userID {
			return nil, fmt.Errorf("transport channel already active for user %s", m.userID)
		}
		m.refs++
		return m.conn, nil
	}

	conn := m.factory(userID)
	if err := conn.Connect(userID); err != nil {
		return nil, err
	}
	m.conn = conn
	m.userID = userID
	m.refs = 1
	return conn, nil
}

// Release drops one reference. The channel is torn down only when the
// last holder releases.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refs == 0 {
		return
	}
	m.refs--
	if m.refs == 0 {
		m.conn.Teardown()
		m.conn = nil
		m.userID = ""
	}
}

// Refs returns the current holder count.
func (m *Manager) Refs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

// SendMessage emits on the active channel.
func (m *Manager) SendMessage(msg model.Message) error {
	conn := m.active()
	if conn == nil {
		return ErrNoChannel
	}
	return conn.SendMessage(msg)
}

// MarkSeen emits a seen receipt on the active channel.
func (m *Manager) MarkSeen(messageID string) error {
	conn := m.active()
	if conn == nil {
		return ErrNoChannel
	}
	return conn.MarkSeen(messageID)
}

func (m *Manager) active() Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs == 0 {
		return nil
	}
	return m.conn
}
