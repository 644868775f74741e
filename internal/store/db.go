// Package store is the local SQLite cache of conversations, confirmed
// messages and sync checkpoints.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotConfirmed is returned when an optimistic message is written to the
// cache. Only server-confirmed messages are persisted.
var ErrNotConfirmed = errors.New("store: message has no server id")

// DB wraps a SQLite database connection for the daemon-owned msgsync.db.
type DB struct {
	*sql.DB
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}
