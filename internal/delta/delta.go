// Package delta re-encodes an edited tree by splicing unchanged
// segments of the previous version's stream around freshly encoded
// ones. The spliced stream is byte-identical to a full encode of the
// new tree; segment reuse only changes how much work producing it
// takes. Every adopted segment is verified node by node against both
// tree versions first, so a parse that changed distant structure can
// never smuggle stale bytes into the result.
package delta

import (
	"errors"
	"fmt"

	"github.com/jward/understory/internal/bytecode"
	"github.com/jward/understory/internal/compact"
)

// DefaultFallbackFraction is the share of segments an edit may touch
// before splicing is abandoned for a plain full encode.
const DefaultFallbackFraction = 0.5

// Edit describes one contiguous source change: the half-open byte
// range [Start, OldEnd) of the previous text was replaced by bytes
// occupying [Start, NewEnd) in the new text.
type Edit struct {
	Start  uint32
	OldEnd uint32
	NewEnd uint32
}

// shift is the displacement applied to every byte offset after the
// edited range.
func (e Edit) shift() int64 {
	return int64(e.NewEnd) - int64(e.OldEnd)
}

// Result reports how an Apply call assembled its stream.
type Result struct {
	ReusedSegments  int
	RebuiltSegments int
	FullReencode    bool
}

// Apply encodes next, reusing segments of base wherever the edit
// provably left them alone. base must be the stream baseTree decoded
// from or encoded to; both trees must intern against the same table.
// When the edit touches more than fallbackFraction of base's segments
// the splice is skipped and next is encoded from scratch.
func Apply(base *bytecode.Stream, baseTree, next *compact.Tree, edit Edit, segmentSize int, fallbackFraction float64) (*bytecode.Stream, Result, error) {
	if base == nil || baseTree == nil || next == nil {
		return nil, Result{}, errors.New("delta: nil base stream or tree")
	}
	if baseTree.Table() != next.Table() {
		return nil, Result{}, errors.New("delta: tree versions interned against different tables")
	}
	if int(base.NodeCount) != baseTree.NodeCount() {
		return nil, Result{}, fmt.Errorf("delta: base stream holds %d nodes, base tree has %d", base.NodeCount, baseTree.NodeCount())
	}
	if edit.OldEnd < edit.Start || edit.NewEnd < edit.Start {
		return nil, Result{}, fmt.Errorf("delta: inverted edit [%d, %d) -> [%d, %d)", edit.Start, edit.OldEnd, edit.Start, edit.NewEnd)
	}
	if fallbackFraction <= 0 {
		fallbackFraction = DefaultFallbackFraction
	}

	if affectedFraction(base, baseTree, edit) > fallbackFraction {
		s := bytecode.Encode(next, segmentSize)
		return s, Result{RebuiltSegments: s.SegmentCount(), FullReencode: true}, nil
	}

	v := &verifier{
		base:      base,
		baseTree:  baseTree,
		next:      next,
		baseDepth: depths(baseTree),
		nextDepth: depths(next),
		segIdx:    make(map[uint32]int, len(base.Segments)),
		byteShift: edit.shift(),
		nodeShift: next.NodeCount() - baseTree.NodeCount(),
	}
	for i := range base.Segments {
		v.segIdx[base.Segments[i].NodeBase] = i
	}

	out, reused := bytecode.EncodeReusing(next, segmentSize, v.probe)
	return out, Result{
		ReusedSegments:  reused,
		RebuiltSegments: out.SegmentCount() - reused,
	}, nil
}

// affectedFraction estimates how much of base the edit invalidated by
// counting segments whose byte span intersects the replaced range.
func affectedFraction(base *bytecode.Stream, baseTree *compact.Tree, edit Edit) float64 {
	if base.SegmentCount() == 0 {
		return 1
	}
	affected := 0
	for i := range base.Segments {
		seg := &base.Segments[i]
		if seg.NodeCount == 0 {
			// Close-only segments span no source bytes.
			continue
		}
		first, _ := baseTree.NodeAt(int(seg.NodeBase))
		spanStart := first.StartByte()
		spanEnd := first.EndByte()
		for o := 1; o < int(seg.NodeCount); o++ {
			n, _ := baseTree.NodeAt(int(seg.NodeBase) + o)
			if end := n.EndByte(); end > spanEnd {
				spanEnd = end
			}
		}
		if spanStart <= edit.OldEnd && spanEnd >= edit.Start {
			affected++
		}
	}
	return float64(affected) / float64(base.SegmentCount())
}

// depths computes each node's ancestor count. Parents precede their
// children in pre-order, so one forward pass suffices.
func depths(t *compact.Tree) []int32 {
	d := make([]int32, t.NodeCount())
	for i := 1; i < t.NodeCount(); i++ {
		n, _ := t.NodeAt(i)
		d[i] = d[n.ParentIndex()] + 1
	}
	return d
}

type verifier struct {
	base      *bytecode.Stream
	baseTree  *compact.Tree
	next      *compact.Tree
	baseDepth []int32
	nextDepth []int32
	segIdx    map[uint32]int
	byteShift int64
	nodeShift int
}

// probe is the reuse hook handed to the encoder. At each segment-open
// point it offers two candidates: the base segment starting at the
// same node index (valid before the edit) and the one displaced by
// the edit's node delta (valid after it).
func (v *verifier) probe(nextNode, depth int, prevStart, prevEnd uint32) ([]byte, uint32, int, bool) {
	if seg, ok := v.candidate(nextNode, 0, 0, depth, prevStart, prevEnd); ok {
		return seg.Payload, seg.CRC, int(seg.NodeCount), true
	}
	if v.nodeShift != 0 || v.byteShift != 0 {
		if seg, ok := v.candidate(nextNode, v.nodeShift, v.byteShift, depth, prevStart, prevEnd); ok {
			return seg.Payload, seg.CRC, int(seg.NodeCount), true
		}
	}
	return nil, 0, 0, false
}

// candidate checks whether the base segment starting at node
// nextNode-nodeShift would encode byte-for-byte identically at this
// point of the new stream. Every node's kind, flags, field, shifted
// offsets, and depth must match, and the close run at the segment's
// tail must still be the right length for what follows.
func (v *verifier) candidate(nextNode, nodeShift int, byteShift int64, depth int, prevStart, prevEnd uint32) (*bytecode.Segment, bool) {
	baseStart := nextNode - nodeShift
	if baseStart < 0 {
		return nil, false
	}
	j, ok := v.segIdx[uint32(baseStart)]
	if !ok {
		return nil, false
	}
	seg := &v.base.Segments[j]
	if int(seg.OpenDepth) != depth {
		return nil, false
	}
	if int64(seg.PrevStart)+byteShift != int64(prevStart) || int64(seg.PrevEnd)+byteShift != int64(prevEnd) {
		return nil, false
	}
	count := int(seg.NodeCount)
	if nextNode+count > v.next.NodeCount() || baseStart+count > v.baseTree.NodeCount() {
		return nil, false
	}

	for o := 0; o < count; o++ {
		bi, ni := baseStart+o, nextNode+o
		bn, _ := v.baseTree.NodeAt(bi)
		nn, _ := v.next.NodeAt(ni)
		if bn.KindID() != nn.KindID() || bn.Flags() != nn.Flags() {
			return nil, false
		}
		bf, _ := bn.FieldID()
		nf, _ := nn.FieldID()
		if bf != nf {
			return nil, false
		}
		if int64(bn.StartByte())+byteShift != int64(nn.StartByte()) ||
			int64(bn.EndByte())+byteShift != int64(nn.EndByte()) {
			return nil, false
		}
		if v.baseDepth[bi] != v.nextDepth[ni] {
			return nil, false
		}
	}

	baseEnd := baseStart + count
	newEnd := nextNode + count
	if j+1 < len(v.base.Segments) {
		nextSeg := &v.base.Segments[j+1]
		if int(nextSeg.NodeBase) != baseEnd {
			return nil, false
		}
		if newEnd >= v.next.NodeCount() || int(v.nextDepth[newEnd]) != int(nextSeg.OpenDepth) {
			return nil, false
		}
	} else if baseEnd != v.baseTree.NodeCount() || newEnd != v.next.NodeCount() {
		return nil, false
	}
	return seg, true
}
