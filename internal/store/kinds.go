package store

import "fmt"

// SaveKinds persists the interner's name table. names must be in id
// order; the whole table is replaced in one transaction so a partial
// write can never leave ids renumbered.
func (s *Store) SaveKinds(names []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM kinds"); err != nil {
		return fmt.Errorf("clear kinds: %w", err)
	}
	stmt, err := tx.Prepare("INSERT INTO kinds (id, name) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare kind insert: %w", err)
	}
	defer stmt.Close()
	for id, name := range names {
		if _, err := stmt.Exec(id, name); err != nil {
			return fmt.Errorf("insert kind %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// LoadKinds returns the persisted name table in id order. Ids must be
// contiguous from zero; a gap means the catalog was edited by hand
// and any blob decoded against it would mis-resolve kinds.
func (s *Store) LoadKinds() ([]string, error) {
	rows, err := s.db.Query("SELECT id, name FROM kinds ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("load kinds: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var id int
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan kind: %w", err)
		}
		if id != len(names) {
			return nil, fmt.Errorf("kind table has a gap: id %d at position %d", id, len(names))
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
