package daemon

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatd/internal/auth"
	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/config"
	"github.com/matheus3301/chatd/internal/history"
	"github.com/matheus3301/chatd/internal/model"
	"github.com/matheus3301/chatd/internal/outbox"
	"github.com/matheus3301/chatd/internal/session"
	"github.com/matheus3301/chatd/internal/store"
	"github.com/matheus3301/chatd/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func TestClientLifecycle(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"messages":[
			{"_id":"m1","sender":"bob","receiver":"alice","text":"hi","createdAt":1704164645000}
		]}}`))
	}))
	defer srv.Close()

	if err := os.MkdirAll(session.BaseDir(), 0700); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.UserID = "alice"
	cfg.ServerURL = srv.URL
	cfg.SocketURL = "ws://127.0.0.1:1"
	cfg.ReconnectDelayMs = 10
	if err := config.Save(session.ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}

	var conversations *Conversations
	app := fx.New(
		Module(Params{SessionName: "test"}),
		fx.Populate(&conversations),
		fx.NopLogger,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("app start: %v", err)
	}

	coord, err := conversations.Open("bob")
	if err != nil {
		t.Fatalf("open conversation: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(coord.Timeline()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	tl := coord.Timeline()
	if len(tl) != 1 || tl[0].ID != "m1" {
		t.Fatalf("timeline = %+v", tl)
	}

	again, err := conversations.Open("bob")
	if err != nil {
		t.Fatal(err)
	}
	if again != coord {
		t.Fatal("reopening an open conversation returned a new coordinator")
	}

	conversations.Close("bob")

	if err := app.Stop(ctx); err != nil {
		t.Fatalf("app stop: %v", err)
	}
}

type idleConn struct{}

func (idleConn) Connect(string) error            { return nil }
func (idleConn) SendMessage(model.Message) error { return nil }
func (idleConn) MarkSeen(string) error           { return nil }
func (idleConn) Teardown()                       {}

// Open and Close run on behalf of the consumer while the fx OnStop hook
// calls CloseAll; the service must tolerate that interleaving.
func TestConversationsConcurrentCloseAll(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	b := bus.New()
	manager := transport.NewManager(func(string) transport.Conn { return idleConn{} })
	pipeline := outbox.NewPipeline(db, manager, b, nil)
	fetcher := history.NewClient("http://127.0.0.1:1", 20, time.Second, auth.Static(""), nil)
	cfg := config.Default()
	cfg.UserID = "alice"
	svc := NewConversations(db, fetcher, pipeline, manager, b, cfg, zap.NewNop())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			peer := fmt.Sprintf("peer-%d", i%5)
			if _, err := svc.Open(peer); err != nil {
				t.Errorf("open %s: %v", peer, err)
				return
			}
			svc.Close(peer)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			svc.CloseAll()
		}
	}()
	wg.Wait()

	svc.CloseAll()
	if refs := manager.Refs(); refs != 0 {
		t.Errorf("manager refs = %d after close all, want 0", refs)
	}
}

func TestSecondInstanceRejected(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	var first *Conversations
	app := fx.New(
		Module(Params{SessionName: "solo"}),
		fx.Populate(&first),
		fx.NopLogger,
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("app start: %v", err)
	}
	defer func() { _ = app.Stop(ctx) }()

	second := fx.New(
		Module(Params{SessionName: "solo"}),
		fx.NopLogger,
	)
	if err := second.Start(ctx); err == nil {
		_ = second.Stop(ctx)
		t.Fatal("second instance acquired the session lock")
	}
}
