package understory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/understory/internal/bytecode"
	"github.com/jward/understory/internal/compact"
)

// fakeParser produces a deterministic tree from a toy line format:
// every non-empty line is a declaration whose first word is its name.
// It keeps parser-dependent tests free of cgo grammars.
type fakeParser struct {
	calls atomic.Int64
}

func (p *fakeParser) Parse(_ context.Context, _ string, source []byte) ([]Event, error) {
	p.calls.Add(1)
	events := []Event{
		{Kind: "source_file", Start: 0, End: uint32(len(source)), Flags: compact.FlagNamed},
	}
	start := 0
	for start < len(source) {
		end := bytes.IndexByte(source[start:], '\n')
		lineEnd := len(source)
		next := len(source)
		if end >= 0 {
			lineEnd = start + end
			next = lineEnd + 1
		}
		if lineEnd > start {
			line := source[start:lineEnd]
			word := bytes.IndexByte(line, ' ')
			if word <= 0 {
				word = len(line)
			}
			events = append(events,
				Event{Kind: "decl", Start: uint32(start), End: uint32(lineEnd), Depth: 1, Flags: compact.FlagNamed},
				Event{Kind: "identifier", Start: uint32(start), End: uint32(start + word), Depth: 2, Flags: compact.FlagNamed, Field: "name"},
			)
		}
		start = next
	}
	return events, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestCache opens a cache without a Frozen tier unless opts add one.
func newTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	base := []Option{WithParser(&fakeParser{}), WithLogger(testLogger())}
	c, err := New("", append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	return c
}

// declSource builds an n-line source where every line is about width
// bytes, named so each document parses to a distinct tree.
func declSource(name string, n, width int) []byte {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		fmt.Fprintf(&buf, "%s_%d ", name, i)
		for buf.Len() < (i+1)*width-1 {
			buf.WriteByte('x')
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// putTree hand-builds a tree through the cache's interner and installs
// it, for tests that bypass the parsing pipeline.
func putTree(t *testing.T, c *Cache, docID string, version uint64, events []Event, source []byte) *Tree {
	t.Helper()
	tree, err := compact.Encode(docID, version, events, c.table)
	require.NoError(t, err)
	stream := bytecode.Encode(tree, c.cfg.SegmentSize)
	require.NoError(t, c.Put(context.Background(), docID, version, tree, stream, source))
	return tree
}

func TestPutGet_TwoNodeTree(t *testing.T) {
	c := newTestCache(t)
	events := []Event{
		{Kind: "source_file", Start: 0, End: 10, Flags: compact.FlagNamed},
		{Kind: "identifier", Start: 0, End: 10, Depth: 1, Flags: compact.FlagNamed},
	}
	putTree(t, c, "a.go", 1, events, []byte("0123456789"))

	tree, info, err := c.Get(context.Background(), "a.go")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.Version)
	assert.Equal(t, TierHot, info.Tier)

	root := tree.Root()
	assert.Equal(t, "source_file", root.Kind())
	start, end := root.ByteRange()
	assert.Equal(t, uint32(0), start)
	assert.Equal(t, uint32(10), end)
	assert.Equal(t, 2, tree.NodeCount())
	assert.Equal(t, 1, root.ChildCount())
}

func TestGet_MissingDocument(t *testing.T) {
	c := newTestCache(t)
	_, _, err := c.Get(context.Background(), "nope.go")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, uint64(1), c.Stats().Misses)
}

func TestPut_StaleVersionRejected(t *testing.T) {
	c := newTestCache(t)
	events := []Event{{Kind: "source_file", Start: 0, End: 4, Flags: compact.FlagNamed}}
	putTree(t, c, "a.go", 3, events, []byte("abcd"))

	tree, err := compact.Encode("a.go", 3, events, c.table)
	require.NoError(t, err)
	stream := bytecode.Encode(tree, c.cfg.SegmentSize)

	err = c.Put(context.Background(), "a.go", 3, tree, stream, []byte("abcd"))
	require.ErrorIs(t, err, ErrSuperseded)
	err = c.Put(context.Background(), "a.go", 2, tree, stream, []byte("abcd"))
	require.ErrorIs(t, err, ErrSuperseded)

	// The installed version is untouched.
	_, info, err := c.Get(context.Background(), "a.go")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), info.Version)
	assert.Equal(t, uint64(2), c.Stats().Superseded)
}

func TestPut_EntryLargerThanHotBudget(t *testing.T) {
	c := newTestCache(t, WithBudgets(256, 1<<20, 1<<20, 1<<20))
	events := []Event{{Kind: "source_file", Start: 0, End: 4096, Flags: compact.FlagNamed}}
	for i := 0; i < 64; i++ {
		events = append(events, Event{
			Kind: "decl", Start: uint32(i * 64), End: uint32(i*64 + 60),
			Depth: 1, Flags: compact.FlagNamed,
		})
	}
	tree, err := compact.Encode("big.go", 1, events, c.table)
	require.NoError(t, err)
	stream := bytecode.Encode(tree, c.cfg.SegmentSize)

	err = c.Put(context.Background(), "big.go", 1, tree, stream, make([]byte, 4096))
	require.ErrorIs(t, err, ErrEntryTooLarge)
	assert.Zero(t, c.Len())
}

func TestRemove_DropsEveryTier(t *testing.T) {
	c := newTestCache(t, WithInMemoryFrozen())
	src := declSource("rm", 8, 32)
	_, err := c.PutSource(context.Background(), "rm.go", src)
	require.NoError(t, err)

	require.NoError(t, c.Remove("rm.go"))
	assert.Zero(t, c.Len())
	assert.Zero(t, c.tierBytes[TierHot].Load())

	_, _, err = c.Get(context.Background(), "rm.go")
	require.ErrorIs(t, err, ErrNotFound)

	// Removing an absent document is not an error.
	require.NoError(t, c.Remove("rm.go"))
}

func TestClose_OperationsReturnErrClosed(t *testing.T) {
	c, err := New("", WithParser(&fakeParser{}), WithLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "second close is a no-op")

	_, _, err = c.Get(context.Background(), "a.go")
	require.ErrorIs(t, err, ErrClosed)
	_, err = c.PutSource(context.Background(), "a.go", []byte("x\n"))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, c.Remove("a.go"), ErrClosed)
}

func TestStats_TracksTierOccupancy(t *testing.T) {
	c := newTestCache(t)
	for i := 0; i < 4; i++ {
		doc := fmt.Sprintf("s%d.go", i)
		_, err := c.PutSource(context.Background(), doc, declSource(doc, 4, 24))
		require.NoError(t, err)
	}
	require.True(t, c.demoteHot(c.docs["s0.go"]))

	s := c.Stats()
	assert.Equal(t, 3, s.Tiers[TierHot].Entries)
	assert.Equal(t, 1, s.Tiers[TierWarm].Entries)
	assert.Equal(t, c.tierBytes[TierHot].Load(), s.Tiers[TierHot].Bytes)
	assert.Equal(t, c.tierBytes[TierWarm].Load(), s.Tiers[TierWarm].Bytes)
	assert.Equal(t, 4, c.Len())
}

func TestGet_VersionsNeverRegress(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	_, err := c.PutSource(ctx, "w.go", declSource("w", 4, 32))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			src := declSource("w", 4+i%3, 32+i)
			if _, err := c.PutSource(ctx, "w.go", src); err != nil {
				// Only a concurrent newer install may beat us.
				if !assert.ErrorIs(t, err, ErrSuperseded) {
					return
				}
			}
		}
	}()

	var last uint64
	for {
		select {
		case <-done:
			return
		default:
		}
		_, info, err := c.Get(ctx, "w.go")
		require.NoError(t, err)
		require.GreaterOrEqual(t, info.Version, last)
		last = info.Version
	}
}
