package store

import (
	"encoding/json"

	"github.com/matheus3301/chatd/internal/model"
	"go.uber.org/zap"
)

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message model.Message
	Snippet string
}

// initSearchIndex creates the FTS5 index and the triggers keeping it in
// sync with the messages table. FTS5 is an optional SQLite module
// (mattn/go-sqlite3 compiles it only under the sqlite_fts5 build tag), so
// a failure here disables search instead of aborting startup.
func (db *DB) initSearchIndex() {
	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(body, content='messages', content_rowid='id')`,
		`CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
			INSERT INTO messages_fts(rowid, body) VALUES (new.id, new.body);
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, body) VALUES ('delete', old.id, old.body);
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_au AFTER UPDATE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, body) VALUES ('delete', old.id, old.body);
			INSERT INTO messages_fts(rowid, body) VALUES (new.id, new.body);
		END`,
		`INSERT INTO messages_fts(rowid, body)
			SELECT id, body FROM messages
			WHERE id NOT IN (SELECT rowid FROM messages_fts)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			if db.log != nil {
				db.log.Warn("full-text search unavailable", zap.Error(err))
			}
			return
		}
	}
	db.search = true
}

// SearchEnabled reports whether the full-text index is usable.
func (db *DB) SearchEnabled() bool {
	return db != nil && db.search
}

// SearchMessages performs a full-text search on cached message bodies.
// Soft-deleted rows are excluded. Without the FTS index every query
// returns empty.
func (db *DB) SearchMessages(query string, conversationKey string, limit int) ([]SearchResult, error) {
	if !db.ready("search messages") {
		return nil, nil
	}
	if !db.search {
		if db.log != nil {
			db.log.Warn("search index unavailable, returning no results")
		}
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.msg_id, m.conversation_key, m.sender_id, m.receiver_id, m.body,
		       m.attachments, m.created_at, m.sync_status, m.provisional,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ? AND m.deleted = 0`

	args := []any{query}
	if conversationKey != "" {
		q += " AND m.conversation_key = ?"
		args = append(args, conversationKey)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var attachments, status string
		if err := rows.Scan(
			&r.Message.ID, &r.Message.ConversationKey, &r.Message.SenderID,
			&r.Message.ReceiverID, &r.Message.Text, &attachments,
			&r.Message.CreatedAt, &status, &r.Message.Provisional, &r.Snippet,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(attachments), &r.Message.Attachments); err != nil {
			r.Message.Attachments = nil
		}
		r.Message.SyncStatus = model.SyncStatus(status)
		results = append(results, r)
	}
	return results, rows.Err()
}
