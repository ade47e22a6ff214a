package understory

import (
	"context"
	"errors"

	"github.com/jward/understory/internal/bytecode"
	"github.com/jward/understory/internal/compact"
	"github.com/jward/understory/internal/delta"
	"github.com/jward/understory/internal/frozen"
)

// Public type aliases for the internal representation types. They are
// identical to the internal types at compile time, so external
// consumers use these names with no conversion.

type Tree = compact.Tree
type Node = compact.Node
type Event = compact.Event
type Flags = compact.Flags
type Stream = bytecode.Stream
type Edit = delta.Edit
type BlobStore = frozen.BlobStore

// Sentinels surfaced by Cache operations.
var (
	// ErrNotFound means no tier holds the document.
	ErrNotFound = errors.New("understory: document not found")
	// ErrEntryTooLarge means the entry cannot fit the Hot budget even
	// with everything else evicted. Callers treat it as a miss.
	ErrEntryTooLarge = errors.New("understory: entry exceeds tier budget")
	// ErrSuperseded means a newer version was installed first; the
	// rejected work is stale, not wrong.
	ErrSuperseded = errors.New("understory: version superseded")
	// ErrClosed means the cache has been closed.
	ErrClosed = errors.New("understory: cache closed")
	// ErrNoParser means an operation needed to parse source but no
	// Parser was configured.
	ErrNoParser = errors.New("understory: no parser configured")
)

// Decode and encode sentinels, re-exported so callers can errors.Is
// against them without importing internal packages.
var (
	ErrCorruptChecksum = bytecode.ErrCorruptChecksum
	ErrTruncatedStream = bytecode.ErrTruncatedStream
	ErrUnknownOpcode   = bytecode.ErrUnknownOpcode
	ErrMalformedStream = compact.ErrMalformedStream
)

// Parser turns source bytes into the pre-order event stream the tree
// encoder consumes. docID is the caller's document key (typically a
// path); implementations may use it to pick a grammar. The cache calls
// a Parser only from PutSource, Apply, and the corruption-recovery
// path, never to serve an ordinary hit.
type Parser interface {
	Parse(ctx context.Context, docID string, source []byte) ([]Event, error)
}
