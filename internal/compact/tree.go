// Package compact holds the flat syntax-tree representation: parallel
// arrays of fixed-width node fields addressed by pre-order index, with
// kind and field names interned through intern.Table. Trees are
// immutable once built and safe to share across goroutines.
package compact

import (
	"github.com/jward/understory/internal/intern"
)

// Flags packs the per-node booleans tree-sitter exposes.
type Flags uint8

const (
	FlagNamed Flags = 1 << iota
	FlagMissing
	FlagExtra
	FlagError
	FlagHasField
)

// noNode marks an absent parent/child/sibling link.
const noNode = int32(-1)

// perNodeBytes is the fixed-width storage per node across all arrays:
// kind u16 + flags u8 + field u16 + start u32 + end u32 + parent i32 +
// firstChild i32 + nextSibling i32 + childCount u32.
const perNodeBytes = 29

// Tree is a whole document's syntax tree in struct-of-arrays form.
// Node handles index into the arrays; all navigation is O(1) except
// Children, which is O(child_count).
type Tree struct {
	docID   string
	version uint64
	table   *intern.Table

	kinds       []uint16
	flags       []Flags
	fields      []uint16 // valid only where FlagHasField is set
	starts      []uint32
	ends        []uint32
	parents     []int32
	firstChild  []int32
	nextSibling []int32
	childCounts []uint32
}

// DocID returns the document key the tree was built for.
func (t *Tree) DocID() string { return t.docID }

// Version returns the document version the tree was built at.
func (t *Tree) Version() uint64 { return t.version }

// NodeCount returns the number of nodes in the tree.
func (t *Tree) NodeCount() int { return len(t.kinds) }

// Table returns the interner the tree's ids resolve through.
func (t *Tree) Table() *intern.Table { return t.table }

// Root returns the root node. Valid only for non-empty trees; every
// constructor rejects empty streams.
func (t *Tree) Root() Node { return Node{t: t, i: 0} }

// NodeAt returns the node at pre-order index i.
func (t *Tree) NodeAt(i int) (Node, bool) {
	if i < 0 || i >= len(t.kinds) {
		return Node{}, false
	}
	return Node{t: t, i: int32(i)}, true
}

// SizeBytes estimates the tree's resident memory, used for Hot-tier
// accounting. It counts the fixed-width arrays plus a small constant.
func (t *Tree) SizeBytes() int64 {
	const treeOverhead = 128
	return treeOverhead + int64(len(t.kinds))*perNodeBytes
}

// Walk visits nodes in pre-order. Returning false from fn skips the
// node's subtree.
func (t *Tree) Walk(fn func(Node) bool) {
	n := int32(len(t.kinds))
	i := int32(0)
	for i < n {
		descend := fn(Node{t: t, i: i})
		if descend && t.firstChild[i] != noNode {
			i = t.firstChild[i]
			continue
		}
		for {
			if s := t.nextSibling[i]; s != noNode {
				i = s
				break
			}
			i = t.parents[i]
			if i == noNode {
				return
			}
		}
	}
}

// Node is a lightweight handle into a Tree. The zero Node is invalid.
type Node struct {
	t *Tree
	i int32
}

// Index returns the node's pre-order position.
func (n Node) Index() int { return int(n.i) }

// KindID returns the interned kind id.
func (n Node) KindID() uint16 { return n.t.kinds[n.i] }

// Kind resolves the node's kind name.
func (n Node) Kind() string {
	name, _ := n.t.table.Resolve(n.t.kinds[n.i])
	return name
}

// StartByte returns the node's start offset in the source.
func (n Node) StartByte() uint32 { return n.t.starts[n.i] }

// EndByte returns the node's end offset in the source.
func (n Node) EndByte() uint32 { return n.t.ends[n.i] }

// ByteRange returns the node's [start, end) source span.
func (n Node) ByteRange() (uint32, uint32) {
	return n.t.starts[n.i], n.t.ends[n.i]
}

// Flags returns the packed node flags.
func (n Node) Flags() Flags { return n.t.flags[n.i] }

// IsNamed reports whether the node is a named grammar node.
func (n Node) IsNamed() bool { return n.t.flags[n.i]&FlagNamed != 0 }

// IsMissing reports whether the parser inserted the node to recover.
func (n Node) IsMissing() bool { return n.t.flags[n.i]&FlagMissing != 0 }

// IsExtra reports whether the node is an extra (comment and the like).
func (n Node) IsExtra() bool { return n.t.flags[n.i]&FlagExtra != 0 }

// IsError reports whether the node is a parse error.
func (n Node) IsError() bool { return n.t.flags[n.i]&FlagError != 0 }

// FieldName returns the grammar field the node fills in its parent,
// if any ("name", "body", ...).
func (n Node) FieldName() (string, bool) {
	if n.t.flags[n.i]&FlagHasField == 0 {
		return "", false
	}
	return n.t.table.Resolve(n.t.fields[n.i])
}

// FieldID returns the interned field id, if the node fills a field.
func (n Node) FieldID() (uint16, bool) {
	if n.t.flags[n.i]&FlagHasField == 0 {
		return 0, false
	}
	return n.t.fields[n.i], true
}

// ParentIndex returns the parent's pre-order index, or -1 for the root.
func (n Node) ParentIndex() int { return int(n.t.parents[n.i]) }

// Parent returns the parent node, or false for the root.
func (n Node) Parent() (Node, bool) {
	p := n.t.parents[n.i]
	if p == noNode {
		return Node{}, false
	}
	return Node{t: n.t, i: p}, true
}

// FirstChild returns the node's first child, if any.
func (n Node) FirstChild() (Node, bool) {
	c := n.t.firstChild[n.i]
	if c == noNode {
		return Node{}, false
	}
	return Node{t: n.t, i: c}, true
}

// NextSibling returns the following sibling, if any.
func (n Node) NextSibling() (Node, bool) {
	s := n.t.nextSibling[n.i]
	if s == noNode {
		return Node{}, false
	}
	return Node{t: n.t, i: s}, true
}

// ChildCount returns the number of direct children.
func (n Node) ChildCount() int { return int(n.t.childCounts[n.i]) }

// Children collects the node's direct children in order.
func (n Node) Children() []Node {
	count := n.t.childCounts[n.i]
	if count == 0 {
		return nil
	}
	out := make([]Node, 0, count)
	c := n.t.firstChild[n.i]
	for c != noNode {
		out = append(out, Node{t: n.t, i: c})
		c = n.t.nextSibling[c]
	}
	return out
}

// ChildByField returns the first direct child filling the given
// grammar field.
func (n Node) ChildByField(field string) (Node, bool) {
	c := n.t.firstChild[n.i]
	for c != noNode {
		child := Node{t: n.t, i: c}
		if name, ok := child.FieldName(); ok && name == field {
			return child, true
		}
		c = n.t.nextSibling[c]
	}
	return Node{}, false
}

// Text slices the node's span out of source. Returns "" when the span
// does not fit the given source (wrong or stale bytes).
func (n Node) Text(source []byte) string {
	start, end := n.ByteRange()
	if int64(end) > int64(len(source)) || start > end {
		return ""
	}
	return string(source[start:end])
}
