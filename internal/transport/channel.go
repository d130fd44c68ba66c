package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/chatd/internal/auth"
	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/model"
	"github.com/matheus3301/chatd/internal/status"
	"go.uber.org/zap"
)

// Config holds the transport tunables. Reconnect behavior is configuration,
// not logic callers depend on.
type Config struct {
	SocketURL         string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	HandshakeTimeout  time.Duration
}

// Channel manages one realtime bidirectional connection for an
// authenticated user. Connection errors are surfaced as bus events,
// never returned to event consumers.
//
// Inbound frames are dispatched to the bus: getMessage → transport.message
// (normalized), messageSentAck → transport.ack, register →
// transport.register, error → transport.error. Duplicate getMessage frames
// for the same id are possible and are deduplicated downstream, not here.
type Channel struct {
	cfg     Config
	tokens  auth.TokenProvider
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	mu     sync.Mutex
	wmu    sync.Mutex // gorilla allows one concurrent writer
	conn   *websocket.Conn
	userID string
	closed bool
}

// NewChannel creates a channel. Connect must be called before any emit.
func NewChannel(cfg Config, tokens auth.TokenProvider, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Channel {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		cfg:     cfg,
		tokens:  tokens,
		bus:     b,
		machine: machine,
		logger:  logger,
	}
}

// Connect opens the channel for the given user. No-op if already
// connecting or connected for the same user.
func (c *Channel) Connect(userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("channel is torn down")
	}
	if c.machine.Current() != status.Disconnected {
		if c.userID == userID {
			return nil
		}
		return fmt.Errorf("channel already active for user %s", c.userID)
	}
	c.userID = userID
	if err := c.machine.Transition(status.Connecting); err != nil {
		return err
	}
	go c.run()
	return nil
}

// run owns the dial/register/read cycle, including the bounded
// auto-reconnect loop.
func (c *Channel) run() {
	attempts := 0
	for {
		conn, err := c.dial()
		if c.isClosed() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			c.publishError(fmt.Sprintf("connect failed: %v", err))
			attempts++
			if attempts > c.cfg.ReconnectAttempts {
				c.logger.Error("transport reconnect attempts exhausted", zap.Int("attempts", attempts-1))
				_ = c.machine.Transition(status.Disconnected)
				return
			}
			if c.machine.Current() != status.Reconnecting {
				_ = c.machine.Transition(status.Reconnecting)
			}
			time.Sleep(c.cfg.ReconnectDelay)
			continue
		}

		attempts = 0
		c.setConn(conn)
		_ = c.machine.Transition(status.Connected)
		c.logger.Info("transport connected", zap.String("user_id", c.userID))

		// Registration is issued on every (re)connect with a freshly
		// fetched token — tokens rotate and are never cached here.
		c.register()

		c.readLoop(conn)
		c.setConn(nil)

		if c.isClosed() {
			return
		}
		c.logger.Warn("transport connection dropped, reconnecting")
		_ = c.machine.Transition(status.Reconnecting)
		attempts++
		if attempts > c.cfg.ReconnectAttempts {
			c.logger.Error("transport reconnect attempts exhausted", zap.Int("attempts", attempts-1))
			_ = c.machine.Transition(status.Disconnected)
			return
		}
		time.Sleep(c.cfg.ReconnectDelay)
	}
}

func (c *Channel) dial() (*websocket.Conn, error) {
	u := c.cfg.SocketURL + "?userId=" + url.QueryEscape(c.userID)
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.Dial(u, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// register emits the registration handshake. The channel is not considered
// ready until the register ack is observed in dispatch, but emits before
// that are tolerated as best-effort.
func (c *Channel) register() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		c.logger.Warn("token fetch failed, registering without token", zap.Error(err))
		token = ""
	}
	_ = c.machine.Transition(status.Registering)
	if err := c.Emit(EventRegister, registerPayload{UserID: c.userID, Token: token}); err != nil {
		c.logger.Error("register emit failed", zap.Error(err))
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !c.isClosed() {
				c.publishError(fmt.Sprintf("read failed: %v", err))
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Channel) dispatch(data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		c.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	switch f.Event {
	case EventGetMessage:
		var w model.WireMessage
		if err := unmarshalData(f.Data, &w); err != nil {
			c.logger.Warn("dropping malformed message frame", zap.Error(err))
			return
		}
		msg, err := model.Normalize(w)
		if err != nil {
			c.logger.Warn("dropping unnormalizable message", zap.Error(err))
			return
		}
		c.bus.Publish(bus.Event{Kind: "transport.message", Timestamp: time.Now(), Payload: &msg})

	case EventAck:
		id, err := decodeAckID(f.Data)
		if err != nil {
			c.logger.Warn("dropping malformed ack frame", zap.Error(err))
			return
		}
		c.bus.Publish(bus.Event{Kind: "transport.ack", Timestamp: time.Now(), Payload: id})

	case EventRegister:
		if c.machine.Current() == status.Registering {
			_ = c.machine.Transition(status.Registered)
		}
		c.bus.Publish(bus.Event{Kind: "transport.register", Timestamp: time.Now(), Payload: string(f.Data)})

	case EventError:
		c.publishError(string(f.Data))

	default:
		c.logger.Debug("ignoring unknown frame", zap.String("event", f.Event))
	}
}

// Emit writes one event frame. Best-effort: an error means the frame was
// not written, and the caller decides what that means for its state.
func (c *Channel) Emit(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("emit %s: channel not connected", event)
	}

	data, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// SendMessage emits an outgoing message on the channel.
func (c *Channel) SendMessage(m model.Message) error {
	return c.Emit(EventSendMessage, toOutbound(m))
}

// MarkSeen emits a seen receipt for the given message id.
func (c *Channel) MarkSeen(messageID string) error {
	return c.Emit(EventMarkSeen, messageID)
}

// Teardown disconnects and releases the channel. Idempotent.
func (c *Channel) Teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	_ = c.machine.Transition(status.Disconnected)
	c.logger.Info("transport torn down")
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) publishError(msg string) {
	c.bus.Publish(bus.Event{Kind: "transport.error", Timestamp: time.Now(), Payload: msg})
}

func unmarshalData(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(data, v)
}
