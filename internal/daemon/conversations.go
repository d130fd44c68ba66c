package daemon

import (
	"sync"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/config"
	"github.com/matheus3301/chatd/internal/history"
	"github.com/matheus3301/chatd/internal/model"
	"github.com/matheus3301/chatd/internal/outbox"
	"github.com/matheus3301/chatd/internal/store"
	intsync "github.com/matheus3301/chatd/internal/sync"
	"github.com/matheus3301/chatd/internal/transport"
	"go.uber.org/zap"
)

// Conversations opens and closes per-conversation coordinators. At most
// one coordinator runs per conversation at a time; opening an already
// open conversation returns the running coordinator.
type Conversations struct {
	db       *store.DB
	fetcher  *history.Client
	pipeline *outbox.Pipeline
	manager  *transport.Manager
	bus      *bus.Bus
	cfg      *config.Config
	logger   *zap.Logger

	mu   sync.Mutex // Open/Close race the fx OnStop CloseAll
	open map[string]*intsync.Coordinator
}

// NewConversations creates the conversation service.
func NewConversations(db *store.DB, fetcher *history.Client, pipeline *outbox.Pipeline, manager *transport.Manager, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *Conversations {
	return &Conversations{
		db:       db,
		fetcher:  fetcher,
		pipeline: pipeline,
		manager:  manager,
		bus:      b,
		cfg:      cfg,
		logger:   logger,
		open:     make(map[string]*intsync.Coordinator),
	}
}

// Open starts a coordinator for the conversation with peerID, acquiring a
// transport reference for its lifetime.
func (s *Conversations) Open(peerID string) (*intsync.Coordinator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := model.ConversationKey(s.cfg.UserID, peerID)
	if c, ok := s.open[key]; ok {
		return c, nil
	}
	if _, err := s.manager.Acquire(s.cfg.UserID); err != nil {
		return nil, err
	}

	c := intsync.NewCoordinator(s.db, s.fetcher, s.pipeline, s.manager, s.bus, s.cfg.UserID, peerID, s.logger)
	c.Start()
	c.Initialize()
	s.open[key] = c
	s.logger.Info("conversation opened", zap.String("peer", peerID))
	return c, nil
}

// Close stops the coordinator for peerID and drops its transport
// reference.
func (s *Conversations) Close(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := model.ConversationKey(s.cfg.UserID, peerID)
	c, ok := s.open[key]
	if !ok {
		return
	}
	c.Stop()
	delete(s.open, key)
	s.manager.Release()
	s.logger.Info("conversation closed", zap.String("peer", peerID))
}

// CloseAll stops every open coordinator.
func (s *Conversations) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeAllLocked()
}

func (s *Conversations) closeAllLocked() {
	for key, c := range s.open {
		c.Stop()
		delete(s.open, key)
		s.manager.Release()
	}
}

// Conversations lists cached conversation summaries, newest first.
func (s *Conversations) Conversations(limit, offset int) ([]store.Conversation, error) {
	return s.db.ListConversations(limit, offset)
}

// Search runs a full-text search over the cached messages. peerID narrows
// the search to one conversation; empty searches everything.
func (s *Conversations) Search(query, peerID string, limit int) ([]store.SearchResult, error) {
	conversationKey := ""
	if peerID != "" {
		conversationKey = model.ConversationKey(s.cfg.UserID, peerID)
	}
	return s.db.SearchMessages(query, conversationKey, limit)
}

// Logout purges the local cache. Nothing of the account remains on disk
// afterwards except the session directory itself.
func (s *Conversations) Logout() error {
	s.mu.Lock()
	s.closeAllLocked()
	s.mu.Unlock()
	return s.db.PurgeAll()
}
