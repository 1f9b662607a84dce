// Package store is the durable key store backing the encryption layer:
// device identity, one-time keys, downloaded remote device records,
// pickled sessions, and per-room encryption configuration. It holds no
// business logic; every component treats it as the source of truth after
// a restart.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database. All writes are single-record upserts
// (last-writer-wins at record granularity); SQLite serializes them.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS account (
	key TEXT PRIMARY KEY,
	value BLOB
);
CREATE TABLE IF NOT EXISTS one_time_key (
	id TEXT PRIMARY KEY,
	public_key TEXT NOT NULL UNIQUE,
	private_key BLOB NOT NULL,
	published INTEGER NOT NULL DEFAULT 0,
	claimed INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS remote_device (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	record BLOB NOT NULL,
	PRIMARY KEY (user_id, device_id)
);
CREATE TABLE IF NOT EXISTS session (
	id TEXT PRIMARY KEY,
	their_user TEXT NOT NULL,
	their_device TEXT NOT NULL,
	their_key TEXT NOT NULL,
	record BLOB NOT NULL,
	last_used INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS session_device ON session (their_user, their_device);
CREATE INDEX IF NOT EXISTS session_key ON session (their_key);
CREATE TABLE IF NOT EXISTS room_config (
	room_id TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

// DefaultDataDir returns the default data directory for databases.
// Uses $XDG_DATA_HOME/mxe2ee, falling back to ~/.local/share/mxe2ee.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "mxe2ee")
}

// Open opens or creates a SQLite store at the given path.
// If dbPath is empty, it defaults to $XDG_DATA_HOME/mxe2ee/default.db.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "default.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
