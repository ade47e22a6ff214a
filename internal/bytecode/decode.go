package bytecode

import (
	"encoding/binary"
	"math"

	"github.com/jward/understory/internal/compact"
	"github.com/jward/understory/internal/intern"
)

// Decode rebuilds the tree a stream encodes. All segment checksums
// are validated before any node is materialized, and any failure
// aborts the whole decode. Decoding needs nothing beyond the stream
// and the interner its kind ids were assigned by.
func Decode(s *Stream, table *intern.Table, docID string, version uint64) (*compact.Tree, error) {
	if len(s.Segments) == 0 {
		return nil, decodeErr(Malformed, -1, "no segments")
	}
	if err := s.Verify(); err != nil {
		return nil, err
	}

	b := compact.NewBuilder(table, int(s.NodeCount))
	// Every id the stream references was interned before the stream
	// was encoded, so the table can only have grown since. An id at
	// or past the current length means the stream was encoded against
	// a table this session never saw, and resolving it would hand
	// back the wrong name or none at all.
	idLimit := uint64(table.Len())
	var prevStart, prevEnd uint32

	for si := range s.Segments {
		seg := &s.Segments[si]
		if int(seg.NodeBase) != b.NodeCount() {
			return nil, decodeErr(Malformed, si, "node base %d, decoded %d nodes so far", seg.NodeBase, b.NodeCount())
		}
		if int(seg.OpenDepth) != b.Depth() {
			return nil, decodeErr(Malformed, si, "open depth %d, have %d", seg.OpenDepth, b.Depth())
		}
		if seg.PrevStart != prevStart || seg.PrevEnd != prevEnd {
			return nil, decodeErr(Malformed, si, "offset base (%d, %d), running state (%d, %d)", seg.PrevStart, seg.PrevEnd, prevStart, prevEnd)
		}
		var err error
		prevStart, prevEnd, err = decodeSegment(b, seg, si, idLimit, prevStart, prevEnd)
		if err != nil {
			return nil, err
		}
		if got := b.NodeCount() - int(seg.NodeBase); got != int(seg.NodeCount) {
			return nil, decodeErr(Malformed, si, "decoded %d nodes, header says %d", got, seg.NodeCount)
		}
	}

	if d := b.Depth(); d != 0 {
		return nil, decodeErr(TruncatedStream, -1, "stream ended with %d open nodes", d)
	}
	if b.NodeCount() != int(s.NodeCount) {
		return nil, decodeErr(Malformed, -1, "decoded %d nodes, stream header says %d", b.NodeCount(), s.NodeCount)
	}
	tree, err := b.Finish(docID, version)
	if err != nil {
		return nil, decodeErr(Malformed, -1, "%v", err)
	}
	return tree, nil
}

// decodeSegment replays one payload into the builder and returns the
// updated offset state. The payload has already passed its CRC check,
// so every error here means the stream was assembled wrong, not that
// storage flipped a bit.
func decodeSegment(b *compact.Builder, seg *Segment, si int, idLimit uint64, prevStart, prevEnd uint32) (uint32, uint32, error) {
	p := seg.Payload
	pos := 0

	uvar := func(what string) (uint64, error) {
		v, n := binary.Uvarint(p[pos:])
		if n == 0 {
			return 0, decodeErr(TruncatedStream, si, "short read in %s at offset %d", what, pos)
		}
		if n < 0 {
			return 0, decodeErr(Malformed, si, "varint overflow in %s at offset %d", what, pos)
		}
		pos += n
		return v, nil
	}
	svar := func(what string) (int64, error) {
		v, n := binary.Varint(p[pos:])
		if n == 0 {
			return 0, decodeErr(TruncatedStream, si, "short read in %s at offset %d", what, pos)
		}
		if n < 0 {
			return 0, decodeErr(Malformed, si, "varint overflow in %s at offset %d", what, pos)
		}
		pos += n
		return v, nil
	}

	var pendingField uint16
	havePending := false

	for {
		if pos >= len(p) {
			return 0, 0, decodeErr(TruncatedStream, si, "payload ended without end-segment")
		}
		op := p[pos]
		pos++

		switch op {
		case opPushNode:
			kind, err := uvar("kind id")
			if err != nil {
				return 0, 0, err
			}
			if kind >= idLimit {
				return 0, 0, decodeErr(Malformed, si, "kind id %d outside the interner's %d names", kind, idLimit)
			}
			if pos >= len(p) {
				return 0, 0, decodeErr(TruncatedStream, si, "short read in flags at offset %d", pos)
			}
			flags := compact.Flags(p[pos])
			pos++
			dStart, err := uvar("start delta")
			if err != nil {
				return 0, 0, err
			}
			dEnd, err := svar("end delta")
			if err != nil {
				return 0, 0, err
			}
			start := uint64(prevStart) + dStart
			end := int64(prevEnd) + dEnd
			if start > math.MaxUint32 || end < 0 || end > math.MaxUint32 {
				return 0, 0, decodeErr(Malformed, si, "node offsets (%d, %d) out of range", start, end)
			}
			if uint32(end) < uint32(start) {
				return 0, 0, decodeErr(Malformed, si, "inverted byte range [%d, %d)", start, end)
			}
			var fieldID uint16
			if flags&compact.FlagHasField != 0 {
				if !havePending {
					return 0, 0, decodeErr(Malformed, si, "push-node expects a field but no set-field precedes it")
				}
				fieldID = pendingField
			} else if havePending {
				return 0, 0, decodeErr(Malformed, si, "set-field before a node that takes no field")
			}
			havePending = false
			b.Open(uint16(kind), flags, fieldID, uint32(start), uint32(end))
			prevStart, prevEnd = uint32(start), uint32(end)

		case opCloseNode:
			if havePending {
				return 0, 0, decodeErr(Malformed, si, "set-field followed by close-node")
			}
			if !b.Close() {
				return 0, 0, decodeErr(UnknownOpcode, si, "close-node with no node open")
			}

		case opSetField:
			if havePending {
				return 0, 0, decodeErr(Malformed, si, "consecutive set-field opcodes")
			}
			f, err := uvar("field id")
			if err != nil {
				return 0, 0, err
			}
			if f >= idLimit {
				return 0, 0, decodeErr(Malformed, si, "field id %d outside the interner's %d names", f, idLimit)
			}
			pendingField = uint16(f)
			havePending = true

		case opEndSegment:
			if havePending {
				return 0, 0, decodeErr(Malformed, si, "set-field followed by end-segment")
			}
			if pos != len(p) {
				return 0, 0, decodeErr(Malformed, si, "%d trailing bytes after end-segment", len(p)-pos)
			}
			return prevStart, prevEnd, nil

		default:
			return 0, 0, decodeErr(UnknownOpcode, si, "opcode 0x%02x at offset %d", op, pos-1)
		}
	}
}
