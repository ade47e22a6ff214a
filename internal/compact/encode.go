package compact

import (
	"errors"
	"fmt"

	"github.com/jward/understory/internal/intern"
)

// ErrMalformedStream matches any stream-validation failure via
// errors.Is.
var ErrMalformedStream = errors.New("compact: malformed node stream")

// MalformedStreamError reports which item of a node stream violated
// the pre-order contract and why.
type MalformedStreamError struct {
	Index  int
	Reason string
}

func (e *MalformedStreamError) Error() string {
	return fmt.Sprintf("compact: malformed node stream at item %d: %s", e.Index, e.Reason)
}

func (e *MalformedStreamError) Unwrap() error { return ErrMalformedStream }

func malformed(i int, format string, args ...any) error {
	return &MalformedStreamError{Index: i, Reason: fmt.Sprintf(format, args...)}
}

// Event is one pre-order item of a parsed document: a node's kind,
// source span, and absolute depth (root 0). Relative to the previous
// item the depth encodes push (prev+1), sibling (equal), or pop
// (smaller), which is sufficient to rebuild all links in one pass.
// Flags and Field carry the parser's node attributes when available.
type Event struct {
	Kind  string
	Start uint32
	End   uint32
	Depth int32
	Flags Flags
	Field string
}

// Encode builds a Tree from a pre-order event stream, interning kind
// and field names through table. Identical streams against the same
// table state produce identical trees.
//
// The stream must describe exactly one root at depth 0, depths may
// grow by at most one per item, child spans must nest inside their
// parent's span, and sibling spans must be disjoint and ordered by
// start byte. Violations return a MalformedStreamError.
func Encode(docID string, version uint64, events []Event, table *intern.Table) (*Tree, error) {
	if len(events) == 0 {
		return nil, malformed(0, "empty stream")
	}

	b := NewBuilder(table, len(events))

	// Validation frames for the currently open ancestors.
	type frame struct {
		start, end   uint32
		lastChildEnd uint32
		hasChild     bool
	}
	stack := make([]frame, 0, 32)

	for i, ev := range events {
		switch {
		case ev.End < ev.Start:
			return nil, malformed(i, "inverted range [%d, %d)", ev.Start, ev.End)
		case ev.Depth < 0:
			return nil, malformed(i, "negative depth %d", ev.Depth)
		case i == 0 && ev.Depth != 0:
			return nil, malformed(i, "first item at depth %d, want 0", ev.Depth)
		case i > 0 && ev.Depth == 0:
			return nil, malformed(i, "second root")
		case int(ev.Depth) > len(stack):
			return nil, malformed(i, "depth %d with only %d open nodes", ev.Depth, len(stack))
		}

		for len(stack) > int(ev.Depth) {
			stack = stack[:len(stack)-1]
			b.Close()
		}

		if len(stack) > 0 {
			p := &stack[len(stack)-1]
			if ev.Start < p.start || ev.End > p.end {
				return nil, malformed(i, "range [%d, %d) escapes parent [%d, %d)",
					ev.Start, ev.End, p.start, p.end)
			}
			if p.hasChild && ev.Start < p.lastChildEnd {
				return nil, malformed(i, "range [%d, %d) overlaps previous sibling ending at %d",
					ev.Start, ev.End, p.lastChildEnd)
			}
			p.lastChildEnd = ev.End
			p.hasChild = true
		}

		flags := ev.Flags &^ FlagHasField
		var fieldID uint16
		if ev.Field != "" {
			flags |= FlagHasField
			fieldID = table.Intern(ev.Field)
		}
		b.Open(table.Intern(ev.Kind), flags, fieldID, ev.Start, ev.End)
		stack = append(stack, frame{start: ev.Start, end: ev.End})
	}

	for len(stack) > 0 {
		stack = stack[:len(stack)-1]
		b.Close()
	}
	return b.Finish(docID, version)
}
