package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/matheus3301/chatd/internal/model"
)

// UpsertMessage inserts or replaces a message (idempotent on msg_id).
// A later authoritative write supersedes an earlier provisional row
// with the same id.
func (db *DB) UpsertMessage(m *model.Message) error {
	if !db.ready("upsert message") {
		return nil
	}
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO messages (msg_id, conversation_key, sender_id, receiver_id, body, attachments, created_at, sync_status, provisional, deleted, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_id) DO UPDATE SET
			body = excluded.body,
			attachments = excluded.attachments,
			sync_status = excluded.sync_status,
			provisional = excluded.provisional`,
		m.ID, m.ConversationKey, m.SenderID, m.ReceiverID, m.Text, string(attachments),
		m.CreatedAt, string(m.SyncStatus), m.Provisional, m.Deleted, now)
	return err
}

// ListByConversation returns non-deleted messages for a conversation,
// newest first, most recent limit only.
func (db *DB) ListByConversation(conversationKey string, limit int) ([]model.Message, error) {
	if !db.ready("list messages") {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT msg_id, conversation_key, sender_id, receiver_id, body, attachments, created_at, sync_status, provisional
		FROM messages
		WHERE conversation_key = ? AND deleted = 0
		ORDER BY created_at DESC
		LIMIT ?`, conversationKey, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var attachments, status string
		if err := rows.Scan(&m.ID, &m.ConversationKey, &m.SenderID, &m.ReceiverID, &m.Text, &attachments, &m.CreatedAt, &status, &m.Provisional); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			m.Attachments = nil
		}
		m.SyncStatus = model.SyncStatus(status)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SoftDelete marks the given message ids deleted. Unknown ids are a no-op.
// The rows stay in storage until an explicit purge.
func (db *DB) SoftDelete(msgIDs []string) error {
	if !db.ready("soft delete") {
		return nil
	}
	if len(msgIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(msgIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(msgIDs))
	for i, id := range msgIDs {
		args[i] = id
	}
	_, err := db.Exec(`UPDATE messages SET deleted = 1 WHERE msg_id IN (`+placeholders+`)`, args...)
	return err
}

// UpdateSyncStatus updates the pending/sent/failed flag for one row.
// No-op if the id is absent.
func (db *DB) UpdateSyncStatus(msgID string, status model.SyncStatus) error {
	if !db.ready("update sync status") {
		return nil
	}
	_, err := db.Exec(`UPDATE messages SET sync_status = ?, provisional = 0 WHERE msg_id = ?`, string(status), msgID)
	return err
}

// ReplaceID supersedes a provisional row with the server-authoritative
// record: the provisional row is removed (never mutated in place) and the
// authoritative message is upserted under its own id. Each statement is
// atomic on its own; no transaction spans the two.
func (db *DB) ReplaceID(provisionalID string, m *model.Message) error {
	if !db.ready("replace message id") {
		return nil
	}
	if _, err := db.Exec(`DELETE FROM messages WHERE msg_id = ? AND provisional = 1`, provisionalID); err != nil {
		return err
	}
	return db.UpsertMessage(m)
}

// PurgeAll irrecoverably removes all cached rows. Used on logout.
func (db *DB) PurgeAll() error {
	if !db.ready("purge all") {
		return nil
	}
	for _, stmt := range []string{
		`DELETE FROM messages`,
		`DELETE FROM conversations`,
		`DELETE FROM sync_state`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
