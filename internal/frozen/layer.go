// Package frozen is the disk tier. Each document becomes one
// self-describing blob holding its compressed bytecode and compressed
// source, cataloged in SQLite so budget accounting and eviction order
// survive restarts.
package frozen

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"time"

	"github.com/jward/understory/internal/bytecode"
	"github.com/jward/understory/internal/store"
)

// Blob layout, little-endian:
//
//	magic "USTF" (4) | format u16 | fingerprint (16) | tree version u64 |
//	crc32 of compressed bytecode u32 | bytecode len u32 | bytecode |
//	source len u32 | source
var blobMagic = [4]byte{'U', 'S', 'T', 'F'}

const (
	formatVersion = 1
	headerLen     = 4 + 2 + 16 + 8 + 4
)

// Entry is one frozen document: both payloads stay compressed; the
// cache decompresses on promotion.
type Entry struct {
	DocID       string
	Version     uint64
	Fingerprint [16]byte
	Bytecode    []byte
	Source      []byte
	AccessCount float64
	LastAccess  time.Time
}

// Layer writes and reads frozen entries. It owns the blob store but
// only borrows the catalog, which the cache shares with the interner's
// kind table.
type Layer struct {
	blobs   BlobStore
	catalog *store.Store
	log     *slog.Logger
}

func NewLayer(blobs BlobStore, catalog *store.Store, log *slog.Logger) *Layer {
	if log == nil {
		log = slog.Default()
	}
	return &Layer{blobs: blobs, catalog: catalog, log: log}
}

func blobName(fingerprint [16]byte, version uint64) string {
	return fmt.Sprintf("%x-%d", fingerprint, version)
}

// Freeze writes e's blob and catalogs it, replacing any prior frozen
// version of the same document.
func (l *Layer) Freeze(e *Entry) error {
	crc := crc32.ChecksumIEEE(e.Bytecode)
	name := blobName(e.Fingerprint, e.Version)

	blob := make([]byte, 0, headerLen+8+len(e.Bytecode)+len(e.Source))
	blob = append(blob, blobMagic[:]...)
	blob = binary.LittleEndian.AppendUint16(blob, formatVersion)
	blob = append(blob, e.Fingerprint[:]...)
	blob = binary.LittleEndian.AppendUint64(blob, e.Version)
	blob = binary.LittleEndian.AppendUint32(blob, crc)
	blob = binary.LittleEndian.AppendUint32(blob, uint32(len(e.Bytecode)))
	blob = append(blob, e.Bytecode...)
	blob = binary.LittleEndian.AppendUint32(blob, uint32(len(e.Source)))
	blob = append(blob, e.Source...)

	prev, err := l.catalog.FrozenByDocID(e.DocID)
	if err != nil {
		return err
	}
	if err := l.blobs.Put(name, blob); err != nil {
		return err
	}

	lastAccess := e.LastAccess
	if lastAccess.IsZero() {
		lastAccess = time.Now()
	}
	err = l.catalog.UpsertFrozen(&store.FrozenEntry{
		DocID:       e.DocID,
		Version:     e.Version,
		Fingerprint: append([]byte(nil), e.Fingerprint[:]...),
		BlobName:    name,
		SizeBytes:   int64(len(blob)),
		BytecodeCRC: crc,
		AccessCount: e.AccessCount,
		LastAccess:  lastAccess,
		FrozenAt:    time.Now(),
	})
	if err != nil {
		return err
	}

	if prev != nil && prev.BlobName != name {
		if err := l.blobs.Delete(prev.BlobName); err != nil {
			l.log.Warn("stale frozen blob left behind", "doc", e.DocID, "blob", prev.BlobName, "error", err)
		}
	}
	return nil
}

// Thaw loads a document's frozen entry. It returns (nil, nil) when
// the document was never frozen, and validates the stored checksum
// before handing anything back.
func (l *Layer) Thaw(docID string) (*Entry, error) {
	row, err := l.catalog.FrozenByDocID(docID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	blob, err := l.blobs.Get(row.BlobName)
	if err != nil {
		return nil, err
	}
	e, err := parseBlob(blob)
	if err != nil {
		return nil, err
	}
	if e.Version != row.Version {
		return nil, blobErr(bytecode.Malformed, "blob holds version %d, catalog says %d", e.Version, row.Version)
	}
	e.DocID = docID
	e.AccessCount = row.AccessCount
	e.LastAccess = row.LastAccess
	return e, nil
}

// Touch refreshes a document's access statistics after a thaw.
func (l *Layer) Touch(docID string, at time.Time, accessCount float64) error {
	return l.catalog.TouchFrozen(docID, at, accessCount)
}

// Drop removes a document's blob and catalog row. Used both for
// eviction and for discarding entries that failed validation.
func (l *Layer) Drop(docID string) error {
	row, err := l.catalog.FrozenByDocID(docID)
	if err != nil {
		return err
	}
	if row == nil {
		return nil
	}
	if err := l.blobs.Delete(row.BlobName); err != nil {
		l.log.Warn("frozen blob left behind", "doc", docID, "blob", row.BlobName, "error", err)
	}
	return l.catalog.DeleteFrozen(docID)
}

// EvictOldest drops least-recently-accessed entries until disk usage
// fits maxBytes. It reports how many documents were removed.
func (l *Layer) EvictOldest(maxBytes int64) (int, error) {
	dropped := 0
	for {
		total, err := l.catalog.FrozenTotalBytes()
		if err != nil {
			return dropped, err
		}
		if total <= maxBytes {
			return dropped, nil
		}
		rows, err := l.catalog.OldestFrozen(16)
		if err != nil {
			return dropped, err
		}
		if len(rows) == 0 {
			return dropped, nil
		}
		for _, row := range rows {
			if total <= maxBytes {
				break
			}
			if err := l.Drop(row.DocID); err != nil {
				return dropped, err
			}
			total -= row.SizeBytes
			dropped++
			l.log.Debug("evicted frozen entry", "doc", row.DocID, "freed", row.SizeBytes)
		}
	}
}

// DiskUsage returns the cataloged blob bytes.
func (l *Layer) DiskUsage() (int64, error) {
	return l.catalog.FrozenTotalBytes()
}

// Count returns the number of frozen documents.
func (l *Layer) Count() (int64, error) {
	return l.catalog.FrozenCount()
}

// Close closes the blob store. The catalog stays open; its owner
// closes it.
func (l *Layer) Close() error {
	return l.blobs.Close()
}

func parseBlob(blob []byte) (*Entry, error) {
	if len(blob) < headerLen {
		return nil, blobErr(bytecode.TruncatedStream, "blob is %d bytes, header needs %d", len(blob), headerLen)
	}
	if string(blob[:4]) != string(blobMagic[:]) {
		return nil, blobErr(bytecode.Malformed, "bad magic %q", blob[:4])
	}
	off := 4
	format := binary.LittleEndian.Uint16(blob[off:])
	off += 2
	if format != formatVersion {
		return nil, blobErr(bytecode.Malformed, "unsupported format version %d", format)
	}

	var e Entry
	copy(e.Fingerprint[:], blob[off:off+16])
	off += 16
	e.Version = binary.LittleEndian.Uint64(blob[off:])
	off += 8
	crc := binary.LittleEndian.Uint32(blob[off:])
	off += 4

	bc, off, err := lengthPrefixed(blob, off, "bytecode")
	if err != nil {
		return nil, err
	}
	src, off, err := lengthPrefixed(blob, off, "source")
	if err != nil {
		return nil, err
	}
	if off != len(blob) {
		return nil, blobErr(bytecode.Malformed, "%d trailing bytes", len(blob)-off)
	}
	if got := crc32.ChecksumIEEE(bc); got != crc {
		return nil, blobErr(bytecode.CorruptChecksum, "stored crc 0x%08x, bytecode hashes to 0x%08x", crc, got)
	}
	e.Bytecode = bc
	e.Source = src
	return &e, nil
}

func lengthPrefixed(blob []byte, off int, what string) ([]byte, int, error) {
	if off+4 > len(blob) {
		return nil, 0, blobErr(bytecode.TruncatedStream, "short read in %s length", what)
	}
	n := int(binary.LittleEndian.Uint32(blob[off:]))
	off += 4
	if n > len(blob)-off {
		return nil, 0, blobErr(bytecode.TruncatedStream, "%s wants %d bytes, %d remain", what, n, len(blob)-off)
	}
	return blob[off : off+n], off + n, nil
}

func blobErr(kind bytecode.DecodeErrorKind, format string, args ...any) error {
	return &bytecode.DecodeError{Kind: kind, Segment: -1, Detail: fmt.Sprintf(format, args...)}
}
