package bytecode

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/jward/understory/internal/compact"
)

// ReuseFunc is consulted at every segment-open point during encoding.
// next is the pre-order index the segment would start at, depth the
// number of open ancestors, prevStart/prevEnd the previous node's
// absolute offsets. Returning ok adopts the given sealed payload, its
// CRC, and its node count in place of encoding those nodes. The
// caller guarantees the payload is byte-identical to what encoding
// them would emit; the delta engine derives such payloads from a
// prior version's stream.
type ReuseFunc func(next, depth int, prevStart, prevEnd uint32) (payload []byte, crc uint32, nodeCount int, ok bool)

// Encode serializes t into segments near segmentSize bytes. Encoding
// is deterministic: the same tree always yields the same bytes.
func Encode(t *compact.Tree, segmentSize int) *Stream {
	s, _ := EncodeReusing(t, segmentSize, nil)
	return s
}

// EncodeReusing is Encode with a segment-reuse hook; it also reports
// how many segments were adopted instead of encoded.
func EncodeReusing(t *compact.Tree, segmentSize int, reuse ReuseFunc) (*Stream, int) {
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	n := t.NodeCount()
	enc := &encoder{
		tree:        t,
		segmentSize: segmentSize,
		stream:      &Stream{NodeCount: uint32(n), Segments: make([]Segment, 0, 1)},
	}
	enc.openSegment(0)
	reused := 0

	for i := 0; i < n; {
		node, _ := t.NodeAt(i)
		parent := int32(node.ParentIndex())

		// Close finished subtrees. A long run of closes counts
		// against the size cap like any other opcode, so climbing out
		// of deep nesting can seal segments of its own, including
		// segments that hold closes and nothing else.
		for len(enc.stack) > 0 && enc.stack[len(enc.stack)-1] != parent {
			enc.emitClose()
			enc.maybeSeal(i)
		}
		enc.maybeSeal(i)

		if reuse != nil && len(enc.payload) == 0 {
			if payload, crc, count, ok := reuse(i, len(enc.stack), enc.prevStart, enc.prevEnd); ok && count > 0 && i+count <= n {
				enc.adopt(i, count, payload, crc)
				i += count
				reused++
				continue
			}
		}

		enc.emitPush(node)
		i++
	}

	for len(enc.stack) > 0 {
		enc.emitClose()
		enc.maybeSeal(n)
	}
	if len(enc.payload) > 0 {
		enc.seal()
	}
	return enc.stream, reused
}

type encoder struct {
	tree        *compact.Tree
	segmentSize int
	stream      *Stream

	cur      Segment // header of the open segment
	payload  []byte
	curNodes int

	stack     []int32 // open node indices, root first
	prevStart uint32
	prevEnd   uint32
}

func (enc *encoder) openSegment(nodeBase int) {
	enc.cur = Segment{
		NodeBase:  uint32(nodeBase),
		OpenDepth: uint32(len(enc.stack)),
		PrevStart: enc.prevStart,
		PrevEnd:   enc.prevEnd,
	}
	enc.payload = make([]byte, 0, enc.segmentSize+64)
	enc.curNodes = 0
}

// maybeSeal closes the current segment at an opcode boundary once it
// is full: at the target size when at most segmentCloseDepth nodes
// are open, and unconditionally at twice the target size. The rule
// depends only on payload fill and open depth, so boundaries are a
// deterministic function of tree content alone.
func (enc *encoder) maybeSeal(next int) {
	if len(enc.payload) < enc.segmentSize {
		return
	}
	if len(enc.stack) > segmentCloseDepth && len(enc.payload) < 2*enc.segmentSize {
		return
	}
	enc.seal()
	enc.openSegment(next)
}

func (enc *encoder) seal() {
	enc.payload = append(enc.payload, opEndSegment)
	seg := enc.cur
	seg.NodeCount = uint32(enc.curNodes)
	seg.Payload = enc.payload
	seg.CRC = crc32.ChecksumIEEE(enc.payload)
	enc.stream.Segments = append(enc.stream.Segments, seg)
	enc.payload = nil
	enc.curNodes = 0
}

// adopt appends a pre-sealed segment and fast-forwards the encoder
// state past its nodes.
func (enc *encoder) adopt(base, count int, payload []byte, crc uint32) {
	seg := enc.cur
	seg.NodeCount = uint32(count)
	seg.Payload = payload
	seg.CRC = crc
	enc.stream.Segments = append(enc.stream.Segments, seg)

	last, _ := enc.tree.NodeAt(base + count - 1)
	enc.prevStart, enc.prevEnd = last.StartByte(), last.EndByte()
	enc.stack = enc.stack[:0]
	if next := base + count; next < enc.tree.NodeCount() {
		enc.rebuildStack(next)
	}
	enc.openSegment(base + count)
}

// rebuildStack sets the open stack to node next's ancestors,
// root first. The adopted payload already closed everything deeper.
func (enc *encoder) rebuildStack(next int) {
	node, _ := enc.tree.NodeAt(next)
	for p := node.ParentIndex(); p >= 0; {
		enc.stack = append(enc.stack, int32(p))
		pn, _ := enc.tree.NodeAt(p)
		p = pn.ParentIndex()
	}
	for l, r := 0, len(enc.stack)-1; l < r; l, r = l+1, r-1 {
		enc.stack[l], enc.stack[r] = enc.stack[r], enc.stack[l]
	}
}

func (enc *encoder) emitClose() {
	enc.payload = append(enc.payload, opCloseNode)
	enc.stack = enc.stack[:len(enc.stack)-1]
}

func (enc *encoder) emitPush(node compact.Node) {
	if fid, ok := node.FieldID(); ok {
		enc.payload = append(enc.payload, opSetField)
		enc.payload = binary.AppendUvarint(enc.payload, uint64(fid))
	}
	enc.payload = append(enc.payload, opPushNode)
	enc.payload = binary.AppendUvarint(enc.payload, uint64(node.KindID()))
	enc.payload = append(enc.payload, byte(node.Flags()))
	start, end := node.ByteRange()
	enc.payload = binary.AppendUvarint(enc.payload, uint64(start-enc.prevStart))
	enc.payload = binary.AppendVarint(enc.payload, int64(end)-int64(enc.prevEnd))
	enc.prevStart, enc.prevEnd = start, end
	enc.stack = append(enc.stack, int32(node.Index()))
	enc.curNodes++
}
