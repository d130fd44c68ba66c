package outbox

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/model"
	"github.com/matheus3301/chatd/internal/store"
)

type fakeEmitter struct {
	sent []model.Message
	err  error
}

func (f *fakeEmitter) SendMessage(m model.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

func testStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSendPersistsPendingAndEmits(t *testing.T) {
	db := testStore(t)
	em := &fakeEmitter{}
	b := bus.New()
	events, cancel := b.Subscribe("message.", 4)
	defer cancel()

	p := NewPipeline(db, em, b, nil)
	msg, err := p.Send("alice", "bob", "hello", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.SyncStatus != model.StatusPending || !msg.Provisional {
		t.Fatalf("message = %+v, want pending provisional", msg)
	}
	if len(em.sent) != 1 || em.sent[0].ID != msg.ID {
		t.Fatalf("emitted = %+v", em.sent)
	}

	rows, err := db.ListByConversation(msg.ConversationKey, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].SyncStatus != model.StatusPending {
		t.Fatalf("cached rows = %+v", rows)
	}

	select {
	case evt := <-events:
		if evt.Kind != "message.pending" {
			t.Fatalf("event kind = %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no pending event published")
	}
}

func TestSendEmitFailureStaysPending(t *testing.T) {
	db := testStore(t)
	em := &fakeEmitter{err: errors.New("offline")}
	p := NewPipeline(db, em, bus.New(), nil)

	msg, err := p.Send("alice", "bob", "hello", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if p.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", p.Pending())
	}
	rows, err := db.ListByConversation(msg.ConversationKey, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].SyncStatus != model.StatusPending {
		t.Fatalf("cached rows = %+v", rows)
	}
}

func TestAckByIDMarksSent(t *testing.T) {
	db := testStore(t)
	p := NewPipeline(db, &fakeEmitter{}, bus.New(), nil)

	msg, _ := p.Send("alice", "bob", "hello", nil)
	if !p.AckByID(msg.ID) {
		t.Fatal("ack did not find tracked message")
	}
	if p.Pending() != 0 {
		t.Fatalf("pending = %d after ack", p.Pending())
	}
	rows, _ := db.ListByConversation(msg.ConversationKey, 10)
	if len(rows) != 1 || rows[0].SyncStatus != model.StatusSent {
		t.Fatalf("cached rows = %+v", rows)
	}
}

func TestMatchReplacesProvisionalID(t *testing.T) {
	db := testStore(t)
	p := NewPipeline(db, &fakeEmitter{}, bus.New(), nil)

	msg, _ := p.Send("alice", "bob", "hello", nil)

	pushed := model.Message{
		ID:              "srv-1",
		ConversationKey: msg.ConversationKey,
		SenderID:        "alice",
		ReceiverID:      "bob",
		Text:            "hello",
		CreatedAt:       msg.CreatedAt + 1500,
		SyncStatus:      model.StatusSent,
	}
	if got := p.Match(pushed); got != msg.ID {
		t.Fatalf("Match = %q, want %q", got, msg.ID)
	}

	rows, _ := db.ListByConversation(msg.ConversationKey, 10)
	if len(rows) != 1 {
		t.Fatalf("want a single reconciled row, got %+v", rows)
	}
	if rows[0].ID != "srv-1" || rows[0].SyncStatus != model.StatusSent || rows[0].Provisional {
		t.Fatalf("reconciled row = %+v", rows[0])
	}
}

func TestMatchRejectsOutsideTolerance(t *testing.T) {
	p := NewPipeline(testStore(t), &fakeEmitter{}, bus.New(), nil)
	msg, _ := p.Send("alice", "bob", "hello", nil)

	pushed := model.Message{
		ID:         "srv-1",
		SenderID:   "alice",
		ReceiverID: "bob",
		Text:       "hello",
		CreatedAt:  msg.CreatedAt + 45_000,
	}
	if got := p.Match(pushed); got != "" {
		t.Fatalf("Match = %q, want no match", got)
	}
	if p.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", p.Pending())
	}
}

func TestMatchRejectsDifferentText(t *testing.T) {
	p := NewPipeline(testStore(t), &fakeEmitter{}, bus.New(), nil)
	msg, _ := p.Send("alice", "bob", "hello", nil)

	pushed := model.Message{
		ID:         "srv-1",
		SenderID:   "alice",
		ReceiverID: "bob",
		Text:       "different",
		CreatedAt:  msg.CreatedAt,
	}
	if got := p.Match(pushed); got != "" {
		t.Fatalf("Match = %q, want no match", got)
	}
}

func TestForwardFansOut(t *testing.T) {
	db := testStore(t)
	em := &fakeEmitter{}
	b := bus.New()
	events, cancel := b.Subscribe("message.forwarded", 8)
	defer cancel()

	p := NewPipeline(db, em, b, nil)
	sources := []model.Message{
		{ID: "s1", Text: "first", SenderID: "carol", ReceiverID: "alice"},
		{ID: "s2", Text: "second", SenderID: "carol", ReceiverID: "alice"},
		{ID: "s3", Text: "third", SenderID: "carol", ReceiverID: "alice"},
	}
	sent := p.Forward("alice", "bob", sources)
	if len(sent) != 3 || len(em.sent) != 3 {
		t.Fatalf("sent = %d, emitted = %d", len(sent), len(em.sent))
	}
	for i, m := range sent {
		if m.ConversationKey != model.ConversationKey("alice", "bob") {
			t.Fatalf("conversation key = %q", m.ConversationKey)
		}
		if m.Text != sources[i].Text {
			t.Fatalf("forwarded text = %q, want %q", m.Text, sources[i].Text)
		}
		if m.ID == sources[i].ID {
			t.Fatal("forwarded message reused the source id")
		}
	}

	var completions int
	timeout := time.After(time.Second)
	for completions == 0 {
		select {
		case evt := <-events:
			if evt.Kind == "message.forwarded" {
				completions++
				if msgs, ok := evt.Payload.([]model.Message); !ok || len(msgs) != 3 {
					t.Fatalf("completion payload = %+v", evt.Payload)
				}
			}
		case <-timeout:
			t.Fatal("no forwarded completion event")
		}
	}
}
