// Package outbox implements optimistic message sending. Every outbound
// message is persisted as pending with a provisional id before any network
// emit, then reconciled against server acks or pushed copies.
package outbox

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/model"
	"github.com/matheus3301/chatd/internal/store"
	"go.uber.org/zap"
)

// matchTolerance bounds the timestamp drift allowed when reconciling a
// server-pushed message against a locally tracked pending one.
const matchTolerance = 30 * time.Second

// Emitter is the transport surface the pipeline sends through.
type Emitter interface {
	SendMessage(m model.Message) error
}

// Pipeline owns outbound messages from composition to ack. Pending
// messages are tracked in memory for reconciliation and persisted in the
// cache so they survive scroll-away and restart.
type Pipeline struct {
	db      *store.DB
	emitter Emitter
	bus     *bus.Bus
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]model.Message
}

// NewPipeline creates a pipeline. All collaborators may be shared.
func NewPipeline(db *store.DB, emitter Emitter, b *bus.Bus, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		db:      db,
		emitter: emitter,
		bus:     b,
		logger:  logger,
		pending: make(map[string]model.Message),
	}
}

// Send builds a provisional message, persists it as pending, and emits it
// over the transport. Emit failure leaves the message pending; the server
// ack, not the emit call, is what marks a message sent.
func (p *Pipeline) Send(senderID, receiverID, text string, attachments []string) (model.Message, error) {
	msg := model.Message{
		ID:              uuid.NewString(),
		ConversationKey: model.ConversationKey(senderID, receiverID),
		SenderID:        senderID,
		ReceiverID:      receiverID,
		Text:            text,
		Attachments:     attachments,
		CreatedAt:       time.Now().UnixMilli(),
		SyncStatus:      model.StatusPending,
		Provisional:     true,
	}

	if err := p.db.UpsertMessage(&msg); err != nil {
		p.logger.Warn("failed to persist pending message", zap.String("msg_id", msg.ID), zap.Error(err))
	}

	p.mu.Lock()
	p.pending[msg.ID] = msg
	p.mu.Unlock()

	if err := p.emitter.SendMessage(msg); err != nil {
		p.logger.Warn("emit failed, message stays pending", zap.String("msg_id", msg.ID), zap.Error(err))
	}

	p.publish("message.pending", msg)
	return msg, nil
}

// Forward re-sends a selection of messages to another recipient, one new
// message per source message. A single completion event fires after every
// emit attempt, not per message.
func (p *Pipeline) Forward(senderID, receiverID string, msgs []model.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, src := range msgs {
		msg, err := p.Send(senderID, receiverID, src.Text, src.Attachments)
		if err != nil {
			p.logger.Warn("forward send failed", zap.String("source_id", src.ID), zap.Error(err))
			continue
		}
		out = append(out, msg)
	}
	p.publish("message.forwarded", out)
	return out
}

// AckByID handles a delivery ack carrying the id we sent. The message is
// untracked and flipped to sent in the cache.
func (p *Pipeline) AckByID(msgID string) bool {
	p.mu.Lock()
	_, tracked := p.pending[msgID]
	delete(p.pending, msgID)
	p.mu.Unlock()

	if err := p.db.UpdateSyncStatus(msgID, model.StatusSent); err != nil {
		p.logger.Warn("failed to mark message sent", zap.String("msg_id", msgID), zap.Error(err))
	}
	return tracked
}

// Match reconciles a server-pushed message against tracked pending ones.
// A pending message with the same sender, receiver, and text whose
// timestamp is within tolerance is the pushed message's provisional
// counterpart: the cache row is rewritten under the canonical id and the
// provisional id is returned. Returns "" when nothing matches.
func (p *Pipeline) Match(pushed model.Message) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, pend := range p.pending {
		if pend.SenderID != pushed.SenderID || pend.ReceiverID != pushed.ReceiverID || pend.Text != pushed.Text {
			continue
		}
		delta := pend.CreatedAt - pushed.CreatedAt
		if delta < 0 {
			delta = -delta
		}
		if time.Duration(delta)*time.Millisecond > matchTolerance {
			continue
		}
		delete(p.pending, id)
		canonical := pushed
		canonical.SyncStatus = model.StatusSent
		canonical.Provisional = false
		if err := p.db.ReplaceID(id, &canonical); err != nil {
			p.logger.Warn("failed to replace provisional id",
				zap.String("provisional_id", id), zap.String("msg_id", pushed.ID), zap.Error(err))
		}
		return id
	}
	return ""
}

// Pending reports how many messages await an ack.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pipeline) publish(kind string, payload any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
