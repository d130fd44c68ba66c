// Package sync keeps an open conversation's timeline consistent across
// three sources: the local cache, paginated history fetches, and realtime
// pushes. A coordinator serializes every mutation behind one mutex so the
// timeline a reader observes is always some interleaving of completed
// updates, never a partial one.
package sync

import (
	"context"
	"errors"
	"sort"
	stdsync "sync"
	"time"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/history"
	"github.com/matheus3301/chatd/internal/model"
	"github.com/matheus3301/chatd/internal/store"
	"go.uber.org/zap"
)

// warmStartLimit caps how many cached messages are shown before the first
// fetch completes.
const warmStartLimit = 50

// Fetcher is the history surface the coordinator pages through.
type Fetcher interface {
	FetchPage(ctx context.Context, receiverID string, page int) (*history.Page, error)
	DeleteMessages(ctx context.Context, ids []string) error
}

// Reconciler matches pushed messages and acks against tracked pending
// sends.
type Reconciler interface {
	Match(pushed model.Message) string
	AckByID(msgID string) bool
}

// Seener emits seen receipts on the realtime channel.
type Seener interface {
	MarkSeen(messageID string) error
}

// Coordinator synchronizes one open conversation.
type Coordinator struct {
	db       *store.DB
	fetcher  Fetcher
	pipeline Reconciler
	seener   Seener
	bus      *bus.Bus
	logger   *zap.Logger

	userID  string
	peerID  string
	convKey string

	mu        stdsync.Mutex
	timeline  []model.Message
	page      int
	fetching  bool
	fetchErr  string
	seenFired bool
	closed    bool

	cancelSub func()
	quit      chan struct{}
	done      chan struct{}
}

// NewCoordinator creates a coordinator for the conversation between
// userID and peerID.
func NewCoordinator(db *store.DB, fetcher Fetcher, pipeline Reconciler, seener Seener, b *bus.Bus, userID, peerID string, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		db:       db,
		fetcher:  fetcher,
		pipeline: pipeline,
		seener:   seener,
		bus:      b,
		logger:   logger,
		userID:   userID,
		peerID:   peerID,
		convKey:  model.ConversationKey(userID, peerID),
	}
}

// Start subscribes to transport and outbound events and begins applying
// them to the timeline.
func (c *Coordinator) Start() {
	if c.bus == nil {
		return
	}
	transport, cancelTransport := c.bus.Subscribe("transport.", 64)
	pending, cancelPending := c.bus.Subscribe("message.pending", 16)
	c.cancelSub = func() {
		cancelTransport()
		cancelPending()
	}
	c.quit = make(chan struct{})
	c.done = make(chan struct{})
	go c.loop(transport, pending, c.quit)
}

// Stop unsubscribes and marks the coordinator closed. Fetches already in
// flight discard their results.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if c.cancelSub != nil {
		c.cancelSub()
		c.cancelSub = nil
	}
	if c.quit != nil {
		close(c.quit)
		c.quit = nil
	}
	if c.done != nil {
		<-c.done
		c.done = nil
	}
}

func (c *Coordinator) loop(transport, pending <-chan bus.Event, quit <-chan struct{}) {
	defer close(c.done)
	for {
		select {
		case <-quit:
			return
		case evt := <-transport:
			c.handleTransport(evt)
		case evt := <-pending:
			if msg, ok := evt.Payload.(model.Message); ok {
				c.OnLocalSend(msg)
			}
		}
	}
}

func (c *Coordinator) handleTransport(evt bus.Event) {
	switch evt.Kind {
	case "transport.message":
		if msg, ok := evt.Payload.(*model.Message); ok {
			c.OnPushMessage(*msg)
		}
	case "transport.ack":
		if id, ok := evt.Payload.(string); ok {
			c.OnDeliveryAck(id)
		}
	}
}

// Initialize shows whatever the cache has, then fetches the newest page.
func (c *Coordinator) Initialize() {
	cached, err := c.db.ListByConversation(c.convKey, warmStartLimit)
	if err != nil {
		c.logger.Warn("warm start read failed", zap.String("conversation", c.convKey), zap.Error(err))
	}
	if last, err := c.db.GetCheckpoint("last_synced:" + c.convKey); err == nil && last != "" {
		c.logger.Debug("resuming conversation", zap.String("last_synced", last))
	}

	c.mu.Lock()
	c.timeline = cached
	c.page = 0
	c.fetchErr = ""
	c.mu.Unlock()

	c.fetchPage(1)
}

// LoadMore fetches the next older page. A fetch already in flight makes
// this a no-op.
func (c *Coordinator) LoadMore() {
	c.mu.Lock()
	next := c.page + 1
	c.mu.Unlock()
	c.fetchPage(next)
}

// fetchPage runs one guarded history fetch. Only one fetch is in flight
// at a time; results arriving after Stop are discarded.
func (c *Coordinator) fetchPage(page int) {
	c.mu.Lock()
	if c.fetching || c.closed {
		c.mu.Unlock()
		return
	}
	c.fetching = true
	c.mu.Unlock()

	go func() {
		result, err := c.fetcher.FetchPage(context.Background(), c.peerID, page)
		c.applyFetch(page, result, err)
	}()
}

func (c *Coordinator) applyFetch(page int, result *history.Page, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetching = false
	if c.closed {
		return
	}

	if err != nil {
		if errors.Is(err, history.ErrRateLimited) {
			c.fetchErr = history.RateLimitedMessage
		} else {
			c.fetchErr = history.FetchFailedMessage
		}
		c.logger.Warn("history fetch failed", zap.Int("page", page), zap.Error(err))
		c.publish("timeline.fetch_failed", c.fetchErr)
		return
	}

	c.fetchErr = ""
	if page == 1 {
		// A full refresh is the point where out-of-order pushes get
		// repaired: re-sort newest first, stable so pending sends and
		// arrival order win ties.
		merged := c.merge(c.pendingOnly(), result.Messages)
		sort.SliceStable(merged, func(i, j int) bool {
			return merged[i].CreatedAt > merged[j].CreatedAt
		})
		c.timeline = merged
	} else {
		c.timeline = c.merge(c.timeline, result.Messages)
	}
	c.page = page

	for i := range result.Messages {
		c.persistLocked(&result.Messages[i])
	}
	c.publish("timeline.updated", len(c.timeline))
}

// pendingOnly returns the timeline entries still awaiting an ack. A page-1
// replace must not drop optimistic sends the server has not echoed yet.
func (c *Coordinator) pendingOnly() []model.Message {
	var out []model.Message
	for _, m := range c.timeline {
		if m.SyncStatus == model.StatusPending {
			out = append(out, m)
		}
	}
	return out
}

// merge concatenates newest-first slices, dropping duplicate ids. The
// first slice wins on conflict.
func (c *Coordinator) merge(head, tail []model.Message) []model.Message {
	seen := make(map[string]bool, len(head)+len(tail))
	out := make([]model.Message, 0, len(head)+len(tail))
	for _, m := range head {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	for _, m := range tail {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	return out
}

// OnPushMessage applies a realtime push. The message is cached regardless
// of which conversation is open; the timeline changes only when it
// belongs to this one.
func (c *Coordinator) OnPushMessage(msg model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if provisional := c.pipeline.Match(msg); provisional != "" {
		msg.SyncStatus = model.StatusSent
		msg.Provisional = false
		c.replaceLocked(provisional, msg)
		// The pipeline rewrote the message row; the conversation summary
		// and checkpoint still need the same upkeep as any other ingest.
		c.persistLocked(&msg)
		c.publish("timeline.updated", len(c.timeline))
		return
	}

	c.persistLocked(&msg)

	if msg.ConversationKey != c.convKey {
		return
	}
	for _, m := range c.timeline {
		if m.ID == msg.ID {
			return
		}
	}
	c.timeline = append([]model.Message{msg}, c.timeline...)
	c.publish("timeline.updated", len(c.timeline))
}

// replaceLocked swaps a provisional timeline entry for its canonical
// server copy in place. Order is preserved.
func (c *Coordinator) replaceLocked(provisionalID string, canonical model.Message) {
	canonical.SyncStatus = model.StatusSent
	canonical.Provisional = false
	for i, m := range c.timeline {
		if m.ID == provisionalID {
			c.timeline[i] = canonical
			return
		}
	}
	if canonical.ConversationKey == c.convKey {
		c.timeline = append([]model.Message{canonical}, c.timeline...)
	}
}

// persistLocked writes a message through to the cache and keeps the
// conversation summary and checkpoint current.
func (c *Coordinator) persistLocked(msg *model.Message) {
	if err := c.db.UpsertMessage(msg); err != nil {
		c.logger.Warn("failed to cache message", zap.String("msg_id", msg.ID), zap.Error(err))
	}
	peer := msg.SenderID
	if peer == c.userID {
		peer = msg.ReceiverID
	}
	err := c.db.UpsertConversation(&store.Conversation{
		Key:                msg.ConversationKey,
		PeerID:             peer,
		LastMessageAt:      msg.CreatedAt,
		LastMessagePreview: msg.Text,
	})
	if err != nil {
		c.logger.Warn("failed to update conversation summary", zap.Error(err))
	}
	if err := c.db.SetCheckpoint("last_synced:"+msg.ConversationKey, msg.ID); err != nil {
		c.logger.Warn("failed to record sync checkpoint", zap.Error(err))
	}
}

// OnLocalSend prepends an optimistic outbound message when it belongs to
// this conversation.
func (c *Coordinator) OnLocalSend(msg model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.ConversationKey != c.convKey {
		return
	}
	for _, m := range c.timeline {
		if m.ID == msg.ID {
			return
		}
	}
	c.timeline = append([]model.Message{msg}, c.timeline...)
	c.publish("timeline.updated", len(c.timeline))
}

// OnDeliveryAck flips the acked message to sent in place. The timeline
// position does not change.
func (c *Coordinator) OnDeliveryAck(msgID string) {
	c.pipeline.AckByID(msgID)

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.timeline {
		if m.ID == msgID {
			c.timeline[i].SyncStatus = model.StatusSent
			c.timeline[i].Provisional = false
			c.publish("timeline.updated", len(c.timeline))
			return
		}
	}
}

// Focus emits a seen receipt for the newest inbound message, at most once
// per focus period.
func (c *Coordinator) Focus() {
	c.mu.Lock()
	if c.seenFired {
		c.mu.Unlock()
		return
	}
	var target string
	for _, m := range c.timeline {
		if m.SenderID != c.userID {
			target = m.ID
			break
		}
	}
	c.seenFired = true
	c.mu.Unlock()

	if target == "" {
		return
	}
	if err := c.seener.MarkSeen(target); err != nil {
		c.logger.Warn("seen receipt emit failed", zap.String("msg_id", target), zap.Error(err))
	}
}

// Blur rearms the seen receipt for the next focus.
func (c *Coordinator) Blur() {
	c.mu.Lock()
	c.seenFired = false
	c.mu.Unlock()
}

// DeleteSelected deletes messages remotely and, only after the server
// confirms, soft-deletes them locally and refreshes the newest page. A
// remote failure leaves the timeline and cache untouched.
func (c *Coordinator) DeleteSelected(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.fetcher.DeleteMessages(ctx, ids); err != nil {
		return err
	}
	if err := c.db.SoftDelete(ids); err != nil {
		c.logger.Warn("local soft delete failed", zap.Error(err))
	}

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	c.mu.Lock()
	kept := c.timeline[:0]
	for _, m := range c.timeline {
		if !drop[m.ID] {
			kept = append(kept, m)
		}
	}
	c.timeline = kept
	c.publish("timeline.updated", len(c.timeline))
	c.mu.Unlock()

	c.fetchPage(1)
	return nil
}

// Timeline returns a snapshot of the current timeline, newest first.
func (c *Coordinator) Timeline() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Message, len(c.timeline))
	copy(out, c.timeline)
	return out
}

// Loading reports whether a history fetch is in flight.
func (c *Coordinator) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetching
}

// FetchError returns the user-facing message for the last failed fetch,
// or "" when the last fetch succeeded.
func (c *Coordinator) FetchError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchErr
}

func (c *Coordinator) publish(kind string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
