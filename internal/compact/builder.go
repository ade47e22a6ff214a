package compact

import (
	"fmt"

	"github.com/jward/understory/internal/intern"
)

// Builder assembles the node arrays incrementally. The tree encoder
// and the bytecode decoder both drive it: Open/Close mirror pre-order
// push/close. Builder does link bookkeeping only; input validation
// belongs to the callers.
type Builder struct {
	table *intern.Table

	kinds       []uint16
	flags       []Flags
	fields      []uint16
	starts      []uint32
	ends        []uint32
	parents     []int32
	firstChild  []int32
	nextSibling []int32
	childCounts []uint32

	lastChild []int32
	stack     []int32
}

// NewBuilder returns a builder sized for capHint nodes.
func NewBuilder(table *intern.Table, capHint int) *Builder {
	if capHint < 1 {
		capHint = 1
	}
	return &Builder{
		table:       table,
		kinds:       make([]uint16, 0, capHint),
		flags:       make([]Flags, 0, capHint),
		fields:      make([]uint16, 0, capHint),
		starts:      make([]uint32, 0, capHint),
		ends:        make([]uint32, 0, capHint),
		parents:     make([]int32, 0, capHint),
		firstChild:  make([]int32, 0, capHint),
		nextSibling: make([]int32, 0, capHint),
		childCounts: make([]uint32, 0, capHint),
		lastChild:   make([]int32, 0, capHint),
		stack:       make([]int32, 0, 32),
	}
}

// Open appends a node as a child of the currently open node and leaves
// it open. Returns the new node's pre-order index.
func (b *Builder) Open(kindID uint16, flags Flags, fieldID uint16, start, end uint32) int32 {
	i := int32(len(b.kinds))
	parent := noNode
	if len(b.stack) > 0 {
		parent = b.stack[len(b.stack)-1]
	}
	b.kinds = append(b.kinds, kindID)
	b.flags = append(b.flags, flags)
	b.fields = append(b.fields, fieldID)
	b.starts = append(b.starts, start)
	b.ends = append(b.ends, end)
	b.parents = append(b.parents, parent)
	b.firstChild = append(b.firstChild, noNode)
	b.nextSibling = append(b.nextSibling, noNode)
	b.childCounts = append(b.childCounts, 0)
	b.lastChild = append(b.lastChild, noNode)

	if parent != noNode {
		if b.firstChild[parent] == noNode {
			b.firstChild[parent] = i
		} else {
			b.nextSibling[b.lastChild[parent]] = i
		}
		b.lastChild[parent] = i
		b.childCounts[parent]++
	}
	b.stack = append(b.stack, i)
	return i
}

// Close closes the most recently opened node. Returns false when no
// node is open.
func (b *Builder) Close() bool {
	if len(b.stack) == 0 {
		return false
	}
	b.stack = b.stack[:len(b.stack)-1]
	return true
}

// Depth returns how many nodes are currently open.
func (b *Builder) Depth() int { return len(b.stack) }

// NodeCount returns how many nodes have been appended so far.
func (b *Builder) NodeCount() int { return len(b.kinds) }

// Finish seals the arrays into an immutable Tree. It fails when no
// node was appended or nodes remain open.
func (b *Builder) Finish(docID string, version uint64) (*Tree, error) {
	if len(b.kinds) == 0 {
		return nil, fmt.Errorf("compact: empty tree for %q", docID)
	}
	if len(b.stack) != 0 {
		return nil, fmt.Errorf("compact: %d nodes left open for %q", len(b.stack), docID)
	}
	return &Tree{
		docID:       docID,
		version:     version,
		table:       b.table,
		kinds:       b.kinds,
		flags:       b.flags,
		fields:      b.fields,
		starts:      b.starts,
		ends:        b.ends,
		parents:     b.parents,
		firstChild:  b.firstChild,
		nextSibling: b.nextSibling,
		childCounts: b.childCounts,
	}, nil
}
