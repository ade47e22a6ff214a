// Package intern maps node-kind and field names to small stable ids.
//
// A Table is append-only: ids are handed out in insertion order, never
// reused, and never released. Trees hold ids, not strings, so a Table
// must outlive every tree that references it.
package intern

import (
	"fmt"
	"sync"
)

// MaxIDs is the id space of a Table. Grammars use a few hundred kinds;
// exhausting 16 bits means the process is interning something that is
// not a kind name.
const MaxIDs = 1 << 16

// Table assigns uint16 ids to strings. Safe for concurrent use.
type Table struct {
	mu    sync.RWMutex
	ids   map[string]uint16
	names []string
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{ids: make(map[string]uint16)}
}

// NewSeededTable returns a table pre-populated with names in id order,
// so ids persisted by an earlier session resolve identically. Seed
// names must be unique and non-empty.
func NewSeededTable(names []string) (*Table, error) {
	if len(names) > MaxIDs {
		return nil, fmt.Errorf("intern: seed has %d names, max %d", len(names), MaxIDs)
	}
	t := &Table{
		ids:   make(map[string]uint16, len(names)),
		names: make([]string, len(names)),
	}
	for i, name := range names {
		if name == "" {
			return nil, fmt.Errorf("intern: empty seed name at id %d", i)
		}
		if _, dup := t.ids[name]; dup {
			return nil, fmt.Errorf("intern: duplicate seed name %q", name)
		}
		t.ids[name] = uint16(i)
		t.names[i] = name
	}
	return t, nil
}

// Intern returns the id for name, allocating the next id on first sight.
// Exhausting the id space panics: it indicates a misconfigured caller,
// not a runtime condition the cache can degrade around.
func (t *Table) Intern(name string) uint16 {
	t.mu.RLock()
	id, ok := t.ids[name]
	t.mu.RUnlock()
	if ok {
		return id
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.ids[name]; ok {
		return id
	}
	if len(t.names) >= MaxIDs {
		panic(fmt.Sprintf("intern: table exhausted %d ids interning %q", MaxIDs, name))
	}
	id = uint16(len(t.names))
	t.ids[name] = id
	t.names = append(t.names, name)
	return id
}

// Resolve returns the name for id, and whether id has been allocated.
func (t *Table) Resolve(id uint16) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.names) {
		return "", false
	}
	return t.names[id], true
}

// Lookup returns the id for name without allocating.
func (t *Table) Lookup(name string) (uint16, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.ids[name]
	return id, ok
}

// Len reports how many ids have been allocated.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.names)
}

// Names returns a copy of the table's names in id order. Used to
// persist the mapping so a later session can seed an identical table.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}
