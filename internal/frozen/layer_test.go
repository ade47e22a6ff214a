package frozen

import (
	"bytes"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/understory/internal/bytecode"
	"github.com/jward/understory/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLayer(t *testing.T) (*Layer, string) {
	t.Helper()
	dir := t.TempDir()
	catalog, err := store.NewStore(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	require.NoError(t, catalog.Migrate())

	blobDir := filepath.Join(dir, "blobs")
	blobs, err := NewFSStore(blobDir)
	require.NoError(t, err)

	l := NewLayer(blobs, catalog, discardLogger())
	t.Cleanup(func() {
		l.Close()
		catalog.Close()
	})
	return l, blobDir
}

func testFrozenEntry(docID string, version uint64, seed byte) *Entry {
	e := &Entry{
		DocID:       docID,
		Version:     version,
		Bytecode:    bytes.Repeat([]byte{seed, seed + 1}, 32),
		Source:      []byte("func main() {}\n"),
		AccessCount: 1.5,
		LastAccess:  time.Now().UTC(),
	}
	for i := range e.Fingerprint {
		e.Fingerprint[i] = seed + byte(i)
	}
	return e
}

// corruptBlob flips one byte at offset in the only blob on disk.
func corruptBlob(t *testing.T, blobDir string, offset int) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(blobDir, "*.blob"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	require.Greater(t, len(data), offset)
	data[offset] ^= 0xFF
	require.NoError(t, os.WriteFile(matches[0], data, 0o644))
}

func TestFreeze_ThawRoundTrip(t *testing.T) {
	l, _ := newTestLayer(t)
	want := testFrozenEntry("src/main.go", 3, 0x10)
	require.NoError(t, l.Freeze(want))

	got, err := l.Thaw("src/main.go")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.DocID, got.DocID)
	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, want.Fingerprint, got.Fingerprint)
	assert.Equal(t, want.Bytecode, got.Bytecode)
	assert.Equal(t, want.Source, got.Source)
	assert.InDelta(t, want.AccessCount, got.AccessCount, 1e-9)
}

func TestThaw_NeverFrozen(t *testing.T) {
	l, _ := newTestLayer(t)
	got, err := l.Thaw("missing.go")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFreeze_ReplacesPriorVersion(t *testing.T) {
	l, blobDir := newTestLayer(t)
	require.NoError(t, l.Freeze(testFrozenEntry("a.go", 1, 0x01)))
	require.NoError(t, l.Freeze(testFrozenEntry("a.go", 2, 0x02)))

	got, err := l.Thaw("a.go")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(2), got.Version)

	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The superseded blob is deleted, not just orphaned.
	matches, err := filepath.Glob(filepath.Join(blobDir, "*.blob"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestThaw_CorruptChecksumRegion(t *testing.T) {
	l, blobDir := newTestLayer(t)
	require.NoError(t, l.Freeze(testFrozenEntry("a.go", 1, 0x01)))

	// Offset 30 is the first byte of the stored CRC32.
	corruptBlob(t, blobDir, 30)

	_, err := l.Thaw("a.go")
	require.Error(t, err)
	assert.ErrorIs(t, err, bytecode.ErrCorruptChecksum)
}

func TestThaw_CorruptBytecodePayload(t *testing.T) {
	l, blobDir := newTestLayer(t)
	require.NoError(t, l.Freeze(testFrozenEntry("a.go", 1, 0x01)))

	corruptBlob(t, blobDir, headerLen+4+2)

	_, err := l.Thaw("a.go")
	require.Error(t, err)
	assert.ErrorIs(t, err, bytecode.ErrCorruptChecksum)
}

func TestThaw_BadMagic(t *testing.T) {
	l, blobDir := newTestLayer(t)
	require.NoError(t, l.Freeze(testFrozenEntry("a.go", 1, 0x01)))

	corruptBlob(t, blobDir, 0)

	_, err := l.Thaw("a.go")
	require.Error(t, err)
	assert.ErrorIs(t, err, bytecode.ErrMalformed)
}

func TestThaw_UnsupportedFormatVersion(t *testing.T) {
	l, blobDir := newTestLayer(t)
	require.NoError(t, l.Freeze(testFrozenEntry("a.go", 1, 0x01)))

	corruptBlob(t, blobDir, 4)

	_, err := l.Thaw("a.go")
	require.Error(t, err)
	assert.ErrorIs(t, err, bytecode.ErrMalformed)
}

func TestThaw_VersionDisagreesWithCatalog(t *testing.T) {
	l, blobDir := newTestLayer(t)
	require.NoError(t, l.Freeze(testFrozenEntry("a.go", 1, 0x01)))

	// Offset 22 sits inside the blob's tree-version field.
	corruptBlob(t, blobDir, 22)

	_, err := l.Thaw("a.go")
	require.Error(t, err)
	assert.ErrorIs(t, err, bytecode.ErrMalformed)
}

func TestThaw_TruncatedBlob(t *testing.T) {
	l, blobDir := newTestLayer(t)
	require.NoError(t, l.Freeze(testFrozenEntry("a.go", 1, 0x01)))

	matches, err := filepath.Glob(filepath.Join(blobDir, "*.blob"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.NoError(t, os.Truncate(matches[0], 10))

	_, err = l.Thaw("a.go")
	require.Error(t, err)
	assert.ErrorIs(t, err, bytecode.ErrTruncatedStream)
}

func TestDrop_RemovesBlobAndRow(t *testing.T) {
	l, blobDir := newTestLayer(t)
	require.NoError(t, l.Freeze(testFrozenEntry("a.go", 1, 0x01)))
	require.NoError(t, l.Drop("a.go"))

	got, err := l.Thaw("a.go")
	require.NoError(t, err)
	assert.Nil(t, got)

	usage, err := l.DiskUsage()
	require.NoError(t, err)
	assert.Zero(t, usage)

	matches, err := filepath.Glob(filepath.Join(blobDir, "*.blob"))
	require.NoError(t, err)
	assert.Empty(t, matches)

	// Dropping again is a no-op.
	require.NoError(t, l.Drop("a.go"))
}

func TestEvictOldest_DropsLeastRecentFirst(t *testing.T) {
	l, _ := newTestLayer(t)
	now := time.Now().UTC()
	for i, doc := range []string{"old.go", "mid.go", "new.go"} {
		e := testFrozenEntry(doc, 1, byte(i+1))
		e.LastAccess = now.Add(time.Duration(i) * time.Hour)
		require.NoError(t, l.Freeze(e))
	}

	usage, err := l.DiskUsage()
	require.NoError(t, err)
	perEntry := usage / 3

	// Budget for a single entry: the two older ones must go.
	dropped, err := l.EvictOldest(perEntry)
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)

	got, err := l.Thaw("new.go")
	require.NoError(t, err)
	assert.NotNil(t, got)
	got, err = l.Thaw("old.go")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEvictOldest_UnderBudgetIsNoop(t *testing.T) {
	l, _ := newTestLayer(t)
	require.NoError(t, l.Freeze(testFrozenEntry("a.go", 1, 0x01)))

	dropped, err := l.EvictOldest(1 << 20)
	require.NoError(t, err)
	assert.Zero(t, dropped)
}

func TestFSStore_MissingBlob(t *testing.T) {
	blobs, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	defer blobs.Close()

	_, err = blobs.Get("no-such-blob")
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	blobs, err := NewMemoryStore(discardLogger())
	require.NoError(t, err)
	defer blobs.Close()

	require.NoError(t, blobs.Put("k", []byte("payload")))
	got, err := blobs.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	require.NoError(t, blobs.Delete("k"))
	_, err = blobs.Get("k")
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestLayer_WorksOverMemoryStore(t *testing.T) {
	dir := t.TempDir()
	catalog, err := store.NewStore(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	require.NoError(t, catalog.Migrate())
	defer catalog.Close()

	blobs, err := NewMemoryStore(discardLogger())
	require.NoError(t, err)
	l := NewLayer(blobs, catalog, discardLogger())
	defer l.Close()

	require.NoError(t, l.Freeze(testFrozenEntry("a.go", 1, 0x01)))
	got, err := l.Thaw("a.go")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(1), got.Version)
}
