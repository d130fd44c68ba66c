package store

import (
	"database/sql"
	"time"
)

// SetCheckpoint records a sync checkpoint value, e.g. the newest
// synced timestamp for a conversation.
func (db *DB) SetCheckpoint(key, value string) error {
	if !db.ready("set checkpoint") {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetCheckpoint retrieves a sync checkpoint value. Returns "" if unset.
func (db *DB) GetCheckpoint(key string) (string, error) {
	if !db.ready("get checkpoint") {
		return "", nil
	}
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
