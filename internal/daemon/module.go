// Package daemon composes the client: cache, transport, history, outbox,
// and conversation coordinators, wired through fx with lifecycle hooks.
package daemon

import (
	"context"

	"github.com/matheus3301/chatd/internal/auth"
	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/config"
	"github.com/matheus3301/chatd/internal/history"
	"github.com/matheus3301/chatd/internal/lock"
	"github.com/matheus3301/chatd/internal/logging"
	"github.com/matheus3301/chatd/internal/outbox"
	"github.com/matheus3301/chatd/internal/session"
	"github.com/matheus3301/chatd/internal/status"
	"github.com/matheus3301/chatd/internal/store"
	"github.com/matheus3301/chatd/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	AutoConnect bool
}

// Module returns the fx module for the client, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("chatd",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideConfig,
			provideStore,
			provideTokens,
			provideManager,
			provideHistory,
			providePipeline,
			NewConversations,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		logger.Warn("config load failed, using defaults", zap.Error(err))
		return config.Default()
	}
	return cfg
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := store.Open(dbPath, logger)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("message cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideTokens(p Params) auth.TokenProvider {
	return auth.NewFileProvider(session.TokenPath(p.SessionName))
}

func provideManager(cfg *config.Config, tokens auth.TokenProvider, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *transport.Manager {
	return transport.NewManager(func(userID string) transport.Conn {
		return transport.NewChannel(transport.Config{
			SocketURL:         cfg.SocketURL,
			ReconnectAttempts: cfg.ReconnectAttempts,
			ReconnectDelay:    cfg.ReconnectDelay(),
		}, tokens, b, machine, logger)
	})
}

func provideHistory(cfg *config.Config, tokens auth.TokenProvider, logger *zap.Logger) *history.Client {
	return history.NewClient(cfg.ServerURL, cfg.PageSize, cfg.HTTPTimeout(), tokens, logger)
}

func providePipeline(db *store.DB, manager *transport.Manager, b *bus.Bus, logger *zap.Logger) *outbox.Pipeline {
	return outbox.NewPipeline(db, manager, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, cfg *config.Config, lk *lock.Lock, manager *transport.Manager, conversations *Conversations, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if p.AutoConnect && cfg.UserID != "" {
				if _, err := manager.Acquire(cfg.UserID); err != nil {
					logger.Warn("initial connect failed", zap.Error(err))
				}
			}
			logger.Info("client started", zap.String("session", p.SessionName))
			return nil
		},
		OnStop: func(_ context.Context) error {
			conversations.CloseAll()
			if p.AutoConnect && cfg.UserID != "" {
				manager.Release()
			}
			if err := db.Close(); err != nil {
				logger.Warn("cache close failed", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("lock release failed", zap.Error(err))
			}
			logger.Info("client stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
