package store

import (
	"database/sql"
	"time"
)

// Conversation is a cached conversation summary row.
type Conversation struct {
	Key                string
	PeerID             string
	LastMessageAt      int64
	LastMessagePreview string
}

// UpsertConversation inserts or updates a conversation summary. The
// newest message wins the preview.
func (db *DB) UpsertConversation(c *Conversation) error {
	if !db.ready("upsert conversation") {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (conversation_key, peer_id, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_key) DO UPDATE SET
			peer_id = excluded.peer_id,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at
				THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		c.Key, c.PeerID, c.LastMessageAt, c.LastMessagePreview, now)
	return err
}

// ListConversations returns conversation summaries sorted by most recent
// message descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if !db.ready("list conversations") {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT conversation_key, peer_id, last_message_at, last_message_preview
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.Key, &c.PeerID, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation summary by key, or nil.
func (db *DB) GetConversation(key string) (*Conversation, error) {
	if !db.ready("get conversation") {
		return nil, nil
	}
	var c Conversation
	err := db.QueryRow(`
		SELECT conversation_key, peer_id, last_message_at, last_message_preview
		FROM conversations
		WHERE conversation_key = ?`, key).
		Scan(&c.Key, &c.PeerID, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
