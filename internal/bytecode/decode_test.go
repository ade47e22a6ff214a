package bytecode

import (
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/understory/internal/compact"
	"github.com/jward/understory/internal/intern"
)

func requireDecodeError(t *testing.T, err, sentinel error) *DecodeError {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, sentinel)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	return de
}

// craftStream hand-assembles a single-segment stream whose payload
// passes its CRC check, for exercising opcode-level failures.
func craftStream(nodes uint32, payload ...byte) *Stream {
	return &Stream{
		NodeCount: nodes,
		Segments: []Segment{{
			NodeCount: nodes,
			Payload:   payload,
			CRC:       crc32.ChecksumIEEE(payload),
		}},
	}
}

func TestDecode_RoundTripMultiSegment(t *testing.T) {
	table := intern.NewTable()
	tree := buildTree(t, table, declEvents(40))

	s := Encode(tree, 96)
	require.Greater(t, s.SegmentCount(), 3)

	decoded, err := Decode(s, table, "main.go", 1)
	require.NoError(t, err)
	require.Equal(t, "main.go", decoded.DocID())
	require.Equal(t, uint64(1), decoded.Version())
	requireTreesEqual(t, tree, decoded)
}

func TestDecode_RoundTripThroughMarshal(t *testing.T) {
	table := intern.NewTable()
	tree := buildTree(t, table, declEvents(40))

	s := Encode(tree, 96)
	back, err := Unmarshal(s.Marshal())
	require.NoError(t, err)
	require.Equal(t, s.NodeCount, back.NodeCount)
	require.Equal(t, s.SegmentCount(), back.SegmentCount())

	decoded, err := Decode(back, table, "main.go", 1)
	require.NoError(t, err)
	requireTreesEqual(t, tree, decoded)
}

func TestDecode_FieldNamesSurvive(t *testing.T) {
	table := intern.NewTable()
	tree := buildTree(t, table, declEvents(1))

	decoded, err := Decode(Encode(tree, DefaultSegmentSize), table, "main.go", 1)
	require.NoError(t, err)

	decl, ok := decoded.Root().FirstChild()
	require.True(t, ok)
	name, ok := decl.ChildByField("name")
	require.True(t, ok)
	assert.Equal(t, "identifier", name.Kind())
	body, ok := decl.ChildByField("body")
	require.True(t, ok)
	assert.Equal(t, "block", body.Kind())
}

func TestDecode_FlippedPayloadByteIsCorruptChecksum(t *testing.T) {
	table := intern.NewTable()
	tree := buildTree(t, table, declEvents(40))

	s := Encode(tree, 96)
	s.Segments[2].Payload[5] ^= 0xFF

	_, err := Decode(s, table, "main.go", 1)
	de := requireDecodeError(t, err, ErrCorruptChecksum)
	assert.Equal(t, 2, de.Segment)
}

func TestDecode_FlippedStoredCRCIsCorruptChecksum(t *testing.T) {
	table := intern.NewTable()
	tree := buildTree(t, table, declEvents(8))

	s := Encode(tree, DefaultSegmentSize)
	s.Segments[0].CRC ^= 1

	_, err := Decode(s, table, "main.go", 1)
	de := requireDecodeError(t, err, ErrCorruptChecksum)
	assert.Equal(t, 0, de.Segment)
}

func TestDecode_CorruptionAbortsBeforeAnyNodes(t *testing.T) {
	table := intern.NewTable()
	tree := buildTree(t, table, declEvents(40))

	// Corrupt the LAST segment: decoding must still fail up front
	// rather than after materializing most of the tree.
	s := Encode(tree, 96)
	last := s.SegmentCount() - 1
	s.Segments[last].Payload[0] ^= 0xFF

	_, err := Decode(s, table, "main.go", 1)
	de := requireDecodeError(t, err, ErrCorruptChecksum)
	assert.Equal(t, last, de.Segment)
}

func TestDecode_RejectsBadPayloads(t *testing.T) {
	// All payloads carry valid CRCs so the opcode walker, not the
	// checksum pass, is what rejects them.
	const named = byte(compact.FlagNamed)
	cases := []struct {
		name     string
		payload  []byte
		sentinel error
	}{
		{"unknown opcode", []byte{0x7F, opEndSegment}, ErrUnknownOpcode},
		{"close with nothing open", []byte{opCloseNode, opEndSegment}, ErrUnknownOpcode},
		{"missing end marker", []byte{opPushNode, 0, named, 0, 0x02}, ErrTruncatedStream},
		{"payload cut mid-operand", []byte{opPushNode}, ErrTruncatedStream},
		{"set-field at end of segment", []byte{opSetField, 0, opEndSegment}, ErrMalformed},
		{"set-field before plain node", []byte{opSetField, 0, opPushNode, 0, named, 0, 0x02, opEndSegment}, ErrMalformed},
		{"field flag without set-field", []byte{opPushNode, 0, named | byte(compact.FlagHasField), 0, 0x02, opEndSegment}, ErrMalformed},
		{"trailing bytes after end", []byte{opPushNode, 0, named, 0, 0x02, opCloseNode, opEndSegment, 0xAA}, ErrMalformed},
		{"inverted byte range", []byte{opPushNode, 0, named, 0x05, 0x04, opEndSegment}, ErrMalformed},
		{"end offset underflow", []byte{opPushNode, 0, named, 0, 0x01, opEndSegment}, ErrMalformed},
	}

	table := intern.NewTable()
	table.Intern("block") // id 0 must resolve, or the id guard fires first
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(craftStream(1, tc.payload...), table, "main.go", 1)
			requireDecodeError(t, err, tc.sentinel)
		})
	}
}

func TestDecode_OpenNodesAtStreamEnd(t *testing.T) {
	table := intern.NewTable()
	table.Intern("block")
	// One push, no close, then a clean end marker.
	s := craftStream(1, opPushNode, 0, byte(compact.FlagNamed), 0, 0x02, opEndSegment)

	_, err := Decode(s, table, "main.go", 1)
	requireDecodeError(t, err, ErrTruncatedStream)
}

func TestDecode_HeaderMismatchesAreMalformed(t *testing.T) {
	table := intern.NewTable()
	tree := buildTree(t, table, declEvents(40))

	mutate := func(fn func(*Stream)) error {
		s := Encode(tree, 96)
		require.Greater(t, s.SegmentCount(), 1)
		fn(s)
		_, err := Decode(s, table, "main.go", 1)
		return err
	}

	err := mutate(func(s *Stream) { s.Segments[1].NodeBase++ })
	requireDecodeError(t, err, ErrMalformed)

	err = mutate(func(s *Stream) { s.Segments[1].OpenDepth++ })
	requireDecodeError(t, err, ErrMalformed)

	err = mutate(func(s *Stream) { s.Segments[1].PrevStart++ })
	requireDecodeError(t, err, ErrMalformed)

	err = mutate(func(s *Stream) { s.Segments[1].NodeCount++ })
	requireDecodeError(t, err, ErrMalformed)

	err = mutate(func(s *Stream) { s.NodeCount++ })
	requireDecodeError(t, err, ErrMalformed)
}

func TestDecode_IDPastInternerIsMalformed(t *testing.T) {
	table := intern.NewTable()
	tree := buildTree(t, table, declEvents(3))
	s := Encode(tree, DefaultSegmentSize)

	// A table that never saw this stream's ids, as after a restart
	// whose catalog missed the names. Resolving would silently hand
	// back the wrong kinds, so the decode must refuse instead.
	_, err := Decode(s, intern.NewTable(), "main.go", 1)
	de := requireDecodeError(t, err, ErrMalformed)
	assert.Equal(t, 0, de.Segment)
}

func TestDecode_EmptyStream(t *testing.T) {
	table := intern.NewTable()
	_, err := Decode(&Stream{}, table, "main.go", 1)
	requireDecodeError(t, err, ErrMalformed)
}

func TestUnmarshal_TruncatedInputs(t *testing.T) {
	table := intern.NewTable()
	tree := buildTree(t, table, declEvents(40))
	full := Encode(tree, 96).Marshal()

	for _, cut := range []int{0, 1, 3, len(full) / 2, len(full) - 1} {
		_, err := Unmarshal(full[:cut])
		requireDecodeError(t, err, ErrTruncatedStream)
	}
}

func TestUnmarshal_TrailingGarbage(t *testing.T) {
	table := intern.NewTable()
	tree := buildTree(t, table, declEvents(8))
	full := Encode(tree, DefaultSegmentSize).Marshal()

	_, err := Unmarshal(append(full, 0x00))
	requireDecodeError(t, err, ErrMalformed)
}

func TestUnmarshal_KeepsCorruptPayloadForDecodeToReject(t *testing.T) {
	table := intern.NewTable()
	tree := buildTree(t, table, declEvents(8))

	s := Encode(tree, DefaultSegmentSize)
	s.Segments[0].Payload[3] ^= 0xFF
	wire := s.Marshal()

	// Framing still parses; the checksum failure surfaces at decode.
	back, err := Unmarshal(wire)
	require.NoError(t, err)
	_, err = Decode(back, table, "main.go", 1)
	requireDecodeError(t, err, ErrCorruptChecksum)
}

func TestVerifySegment_OutOfRange(t *testing.T) {
	table := intern.NewTable()
	tree := buildTree(t, table, declEvents(2))
	s := Encode(tree, DefaultSegmentSize)

	require.NoError(t, s.VerifySegment(0))
	require.Error(t, s.VerifySegment(1))
	require.Error(t, s.VerifySegment(-1))
}
