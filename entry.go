package understory

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jward/understory/internal/bytecode"
	"github.com/jward/understory/internal/compact"
)

// Tier is an entry's position on the memory-vs-materialization curve.
type Tier uint8

const (
	// TierHot holds a decoded tree, ready for navigation.
	TierHot Tier = iota
	// TierWarm holds bytecode in memory, decoded on access.
	TierWarm
	// TierCold holds zstd-compressed bytecode in memory.
	TierCold
	// TierFrozen holds compressed bytecode and source on disk.
	TierFrozen
	// TierEvicted is terminal; the entry is gone.
	TierEvicted
)

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	case TierFrozen:
		return "frozen"
	case TierEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// memTiers is the number of tiers with in-memory byte accounting.
const memTiers = 3

// entry is the cache's record for one document. At most one exists
// per docID; a new version replaces the fields, never the entry's
// identity in the map. All mutable fields are guarded by mu except
// tree, which readers load without locking.
type entry struct {
	docID string

	tree atomic.Pointer[compact.Tree]

	mu          sync.Mutex
	dead        bool // removed from the doc map; the slot must not be reused
	version     uint64
	tier        Tier
	stream      *bytecode.Stream // Hot and Warm
	compressed  []byte           // Cold: zstd frame of the marshalled stream
	source      []byte           // zstd frame of the document source, kept for freeze and recovery
	fingerprint [16]byte
	sizeBytes   int64

	lastAccess  time.Time
	accessCount float64
	lastDecay   time.Time
}

// decayLocked folds elapsed half-lives into the access count. Called
// under mu.
func (e *entry) decayLocked(now time.Time, halfLife time.Duration) {
	if halfLife <= 0 {
		return
	}
	if e.lastDecay.IsZero() {
		e.lastDecay = now
		return
	}
	elapsed := now.Sub(e.lastDecay)
	if elapsed <= 0 {
		return
	}
	e.accessCount *= math.Pow(0.5, float64(elapsed)/float64(halfLife))
	e.lastDecay = now
}

// touchLocked records an access. Called under mu.
func (e *entry) touchLocked(now time.Time, halfLife time.Duration) {
	e.decayLocked(now, halfLife)
	e.accessCount++
	e.lastAccess = now
}

// scoreLocked ranks the entry for demotion: decayed frequency over
// recency. Lower goes first. Called under mu.
func (e *entry) scoreLocked(now time.Time, halfLife time.Duration) float64 {
	e.decayLocked(now, halfLife)
	age := now.Sub(e.lastAccess).Seconds()
	if age < 1e-3 {
		age = 1e-3
	}
	return e.accessCount / age
}

// infoLocked snapshots the entry for callers. Called under mu.
func (e *entry) infoLocked() Info {
	return Info{
		Version:     e.version,
		Tier:        e.tier,
		SizeBytes:   e.sizeBytes,
		Fingerprint: e.fingerprint,
	}
}

// Info describes a cache entry as Get found it, before any promotion.
type Info struct {
	Version     uint64
	Tier        Tier
	SizeBytes   int64
	Fingerprint [16]byte
}
