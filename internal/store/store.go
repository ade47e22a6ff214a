// Package store is the SQLite catalog behind the frozen tier. It
// tracks which documents have been frozen to disk, where each blob
// lives, and the interned kind-name table, so a cache reopened over
// the same directory decodes old blobs with the same ids they were
// written under.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite data access layer for the frozen catalog.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database at dbPath with WAL mode enabled.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use in transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate creates the catalog tables and indexes. Idempotent.
func (s *Store) Migrate() error {
	_, err := s.db.Exec(schemaDDL)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS kinds (
  id              INTEGER PRIMARY KEY,
  name            TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS frozen_entries (
  doc_id          TEXT PRIMARY KEY,
  version         INTEGER NOT NULL,
  fingerprint     BLOB NOT NULL,
  blob_name       TEXT NOT NULL,
  size_bytes      INTEGER NOT NULL,
  bytecode_crc    INTEGER NOT NULL,
  access_count    REAL NOT NULL DEFAULT 0,
  last_access     TIMESTAMP NOT NULL,
  frozen_at       TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_frozen_entries_last_access ON frozen_entries(last_access);
CREATE INDEX IF NOT EXISTS idx_frozen_entries_size ON frozen_entries(size_bytes);
`
