// Package bytecode serializes compact trees to an opcode stream and
// back. Streams are split into segments near a configurable target
// size; every segment carries its own CRC32 and enough header state
// (first node index, open depth, previous node offsets) to be
// verified and decoded independently once the interner mapping is
// established. Byte offsets are delta-encoded as varints, reset at
// each segment boundary.
package bytecode

import (
	"encoding/binary"
	"hash/crc32"
)

// Opcodes. A segment payload is a sequence of these; the last byte of
// every payload is opEndSegment.
const (
	opPushNode   = 0x01 // kind uvarint, flags byte, Δstart uvarint, Δend varint
	opCloseNode  = 0x02
	opSetField   = 0x03 // field uvarint, applies to the next push-node
	opEndSegment = 0x04
)

// DefaultSegmentSize is the target payload size per segment.
const DefaultSegmentSize = 256 << 10

// segmentCloseDepth: a segment may close at an inter-node boundary
// once its payload reaches the target size and at most this many
// nodes are open. Closing near the top of the tree keeps boundaries
// on top-level declarations, so they survive local edits.
const segmentCloseDepth = 1

// Segment is one independently decodable slice of a stream. Header
// fields snapshot the encoder state at the segment's first node:
// NodeBase is that node's pre-order index, OpenDepth the number of
// open ancestors, PrevStart/PrevEnd the previous node's absolute
// offsets (zero for the first segment). CRC is the IEEE CRC32 of
// Payload.
type Segment struct {
	NodeBase  uint32
	NodeCount uint32
	OpenDepth uint32
	PrevStart uint32
	PrevEnd   uint32
	Payload   []byte
	CRC       uint32
}

// Stream is a serialized tree: opcode segments plus the total node
// count. The zero value is not usable; obtain streams from Encode or
// Unmarshal.
type Stream struct {
	NodeCount uint32
	Segments  []Segment
}

// SegmentCount returns the number of segments.
func (s *Stream) SegmentCount() int { return len(s.Segments) }

// VerifySegment checks segment i's CRC32 against its payload.
func (s *Stream) VerifySegment(i int) error {
	if i < 0 || i >= len(s.Segments) {
		return decodeErr(Malformed, i, "segment index out of range (have %d)", len(s.Segments))
	}
	seg := &s.Segments[i]
	if got := crc32.ChecksumIEEE(seg.Payload); got != seg.CRC {
		return decodeErr(CorruptChecksum, i, "crc 0x%08x, payload hashes to 0x%08x", seg.CRC, got)
	}
	return nil
}

// Verify checks every segment's CRC32.
func (s *Stream) Verify() error {
	for i := range s.Segments {
		if err := s.VerifySegment(i); err != nil {
			return err
		}
	}
	return nil
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// SizeBytes returns the exact length Marshal would produce, used for
// Warm-tier accounting.
func (s *Stream) SizeBytes() int64 {
	n := uvarintLen(uint64(s.NodeCount)) + uvarintLen(uint64(len(s.Segments)))
	for i := range s.Segments {
		seg := &s.Segments[i]
		n += uvarintLen(uint64(len(seg.Payload)))
		n += uvarintLen(uint64(seg.NodeBase))
		n += uvarintLen(uint64(seg.NodeCount))
		n += uvarintLen(uint64(seg.OpenDepth))
		n += uvarintLen(uint64(seg.PrevStart))
		n += uvarintLen(uint64(seg.PrevEnd))
		n += len(seg.Payload) + 4
	}
	return int64(n)
}

// Marshal renders the stream to its wire form. Encoding the same tree
// always marshals to identical bytes.
func (s *Stream) Marshal() []byte {
	buf := make([]byte, 0, s.SizeBytes())
	buf = binary.AppendUvarint(buf, uint64(s.NodeCount))
	buf = binary.AppendUvarint(buf, uint64(len(s.Segments)))
	for i := range s.Segments {
		seg := &s.Segments[i]
		buf = binary.AppendUvarint(buf, uint64(len(seg.Payload)))
		buf = binary.AppendUvarint(buf, uint64(seg.NodeBase))
		buf = binary.AppendUvarint(buf, uint64(seg.NodeCount))
		buf = binary.AppendUvarint(buf, uint64(seg.OpenDepth))
		buf = binary.AppendUvarint(buf, uint64(seg.PrevStart))
		buf = binary.AppendUvarint(buf, uint64(seg.PrevEnd))
		buf = append(buf, seg.Payload...)
		buf = binary.LittleEndian.AppendUint32(buf, seg.CRC)
	}
	return buf
}

// reader consumes marshalled stream bytes with truncation tracking.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) uvarint(what string) (uint64, error) {
	v, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 {
		return 0, decodeErr(TruncatedStream, -1, "short read in %s", what)
	}
	r.pos += n
	return v, nil
}

func (r *reader) take(n int, what string) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, decodeErr(TruncatedStream, -1, "short read in %s: want %d bytes, have %d", what, n, len(r.data)-r.pos)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Unmarshal parses the wire form back into a Stream, validating the
// framing (lengths, node counts, segment continuity) but not segment
// checksums; Decode validates those before exposing nodes.
func Unmarshal(data []byte) (*Stream, error) {
	r := &reader{data: data}

	nodeCount, err := r.uvarint("node count")
	if err != nil {
		return nil, err
	}
	segCount, err := r.uvarint("segment count")
	if err != nil {
		return nil, err
	}
	if nodeCount == 0 || segCount == 0 {
		return nil, decodeErr(Malformed, -1, "empty stream (%d nodes, %d segments)", nodeCount, segCount)
	}
	if nodeCount > uint64(len(data)) || segCount > uint64(len(data)) {
		return nil, decodeErr(Malformed, -1, "implausible header: %d nodes, %d segments in %d bytes", nodeCount, segCount, len(data))
	}

	s := &Stream{
		NodeCount: uint32(nodeCount),
		Segments:  make([]Segment, 0, segCount),
	}
	var nextBase uint64
	for i := 0; i < int(segCount); i++ {
		payloadLen, err := r.uvarint("payload length")
		if err != nil {
			return nil, err
		}
		nodeBase, err := r.uvarint("node base")
		if err != nil {
			return nil, err
		}
		segNodes, err := r.uvarint("segment node count")
		if err != nil {
			return nil, err
		}
		openDepth, err := r.uvarint("open depth")
		if err != nil {
			return nil, err
		}
		prevStart, err := r.uvarint("prev start")
		if err != nil {
			return nil, err
		}
		prevEnd, err := r.uvarint("prev end")
		if err != nil {
			return nil, err
		}
		if nodeBase != nextBase {
			return nil, decodeErr(Malformed, i, "node base %d, expected %d", nodeBase, nextBase)
		}
		// segNodes may be zero: a segment can hold nothing but the
		// close run unwinding a deep chain.
		payload, err := r.take(int(payloadLen), "payload")
		if err != nil {
			return nil, err
		}
		crcBytes, err := r.take(4, "segment crc")
		if err != nil {
			return nil, err
		}
		s.Segments = append(s.Segments, Segment{
			NodeBase:  uint32(nodeBase),
			NodeCount: uint32(segNodes),
			OpenDepth: uint32(openDepth),
			PrevStart: uint32(prevStart),
			PrevEnd:   uint32(prevEnd),
			Payload:   payload,
			CRC:       binary.LittleEndian.Uint32(crcBytes),
		})
		nextBase = nodeBase + segNodes
	}
	if nextBase != nodeCount {
		return nil, decodeErr(Malformed, -1, "segments cover %d nodes, header says %d", nextBase, nodeCount)
	}
	if r.pos != len(data) {
		return nil, decodeErr(Malformed, -1, "%d trailing bytes after last segment", len(data)-r.pos)
	}
	return s, nil
}
