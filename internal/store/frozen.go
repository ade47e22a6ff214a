package store

import (
	"database/sql"
	"fmt"
	"time"
)

// FrozenEntry is one catalog row: a document whose encoded tree and
// compressed source live in a disk blob.
type FrozenEntry struct {
	DocID       string
	Version     uint64
	Fingerprint []byte
	BlobName    string
	SizeBytes   int64
	BytecodeCRC uint32
	AccessCount float64
	LastAccess  time.Time
	FrozenAt    time.Time
}

const frozenCols = `doc_id, version, fingerprint, blob_name, size_bytes,
	bytecode_crc, access_count, last_access, frozen_at`

// UpsertFrozen records or replaces the catalog row for a document.
func (s *Store) UpsertFrozen(e *FrozenEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO frozen_entries (`+frozenCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(doc_id) DO UPDATE SET
		   version = excluded.version,
		   fingerprint = excluded.fingerprint,
		   blob_name = excluded.blob_name,
		   size_bytes = excluded.size_bytes,
		   bytecode_crc = excluded.bytecode_crc,
		   access_count = excluded.access_count,
		   last_access = excluded.last_access,
		   frozen_at = excluded.frozen_at`,
		e.DocID, e.Version, e.Fingerprint, e.BlobName, e.SizeBytes,
		e.BytecodeCRC, e.AccessCount, e.LastAccess, e.FrozenAt,
	)
	if err != nil {
		return fmt.Errorf("upsert frozen entry: %w", err)
	}
	return nil
}

func scanFrozen(scanner interface{ Scan(...any) error }) (*FrozenEntry, error) {
	e := &FrozenEntry{}
	err := scanner.Scan(
		&e.DocID, &e.Version, &e.Fingerprint, &e.BlobName, &e.SizeBytes,
		&e.BytecodeCRC, &e.AccessCount, &e.LastAccess, &e.FrozenAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// FrozenByDocID returns the catalog row for docID, or nil when the
// document has never been frozen.
func (s *Store) FrozenByDocID(docID string) (*FrozenEntry, error) {
	e, err := scanFrozen(s.db.QueryRow(
		"SELECT "+frozenCols+" FROM frozen_entries WHERE doc_id = ?", docID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("frozen entry by doc id: %w", err)
	}
	return e, nil
}

// DeleteFrozen removes a document's catalog row. Missing rows are not
// an error; the blob may already be gone.
func (s *Store) DeleteFrozen(docID string) error {
	if _, err := s.db.Exec("DELETE FROM frozen_entries WHERE doc_id = ?", docID); err != nil {
		return fmt.Errorf("delete frozen entry: %w", err)
	}
	return nil
}

// TouchFrozen refreshes a row's access statistics after a thaw.
func (s *Store) TouchFrozen(docID string, at time.Time, accessCount float64) error {
	if _, err := s.db.Exec(
		"UPDATE frozen_entries SET last_access = ?, access_count = ? WHERE doc_id = ?",
		at, accessCount, docID,
	); err != nil {
		return fmt.Errorf("touch frozen entry: %w", err)
	}
	return nil
}

// OldestFrozen lists up to limit rows, least recently accessed first.
// Disk-budget eviction works through this list in order.
func (s *Store) OldestFrozen(limit int) ([]*FrozenEntry, error) {
	rows, err := s.db.Query(
		"SELECT "+frozenCols+" FROM frozen_entries ORDER BY last_access ASC LIMIT ?", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("oldest frozen entries: %w", err)
	}
	defer rows.Close()
	var entries []*FrozenEntry
	for rows.Next() {
		e, err := scanFrozen(rows)
		if err != nil {
			return nil, fmt.Errorf("scan frozen entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FrozenTotalBytes sums the blob sizes the catalog accounts for.
func (s *Store) FrozenTotalBytes() (int64, error) {
	var total int64
	err := s.db.QueryRow("SELECT COALESCE(SUM(size_bytes), 0) FROM frozen_entries").Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("frozen total bytes: %w", err)
	}
	return total, nil
}

// FrozenCount returns the number of cataloged documents.
func (s *Store) FrozenCount() (int64, error) {
	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM frozen_entries").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("frozen count: %w", err)
	}
	return n, nil
}
