package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// DB wraps a SQLite database connection for the app-owned chat.db message cache.
type DB struct {
	*sql.DB
	log    *zap.Logger
	search bool
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, log: logger}, nil
}

// ready reports whether the cache is usable. Store operations on an
// uninitialized cache degrade to logged no-ops instead of failing the
// caller — initialization is a precondition, not re-checked per call.
func (db *DB) ready(op string) bool {
	if db == nil || db.DB == nil {
		if db != nil && db.log != nil {
			db.log.Warn("message cache not initialized", zap.String("op", op))
		}
		return false
	}
	return true
}
