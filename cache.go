package understory

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jward/understory/internal/compress"
	"github.com/jward/understory/internal/frozen"
	"github.com/jward/understory/internal/intern"
	"github.com/jward/understory/internal/store"
)

// Cache is the multi-tier syntax-tree cache. It owns one entry per
// document, a shared interner for kind and field names, and, when
// given a directory, a disk-backed Frozen tier whose catalog
// survives restarts.
type Cache struct {
	cfg     Config
	log     *slog.Logger
	parser  Parser
	table   *intern.Table
	metrics *metrics

	catalog    *store.Store
	frozen     *frozen.Layer
	memFrozen  bool
	blobs      BlobStore
	kindsSaved atomic.Int64

	mu     sync.RWMutex
	docs   map[string]*entry
	closed bool

	tierBytes [memTiers]atomic.Int64

	counters struct {
		hits, misses, promotions, demotions atomic.Uint64
		evictions, recoveries, superseded   atomic.Uint64
	}

	flight singleflight.Group

	sweepCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New opens a cache. dir hosts the Frozen tier's blobs and its SQLite
// catalog; an empty dir disables the Frozen tier unless
// WithInMemoryFrozen or WithBlobStore supplies a backend, in which
// case Cold evicts into it over an in-memory catalog.
func New(dir string, opts ...Option) (*Cache, error) {
	c := &Cache{
		cfg:     DefaultConfig(),
		log:     slog.Default(),
		docs:    make(map[string]*entry),
		sweepCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg = c.cfg.withDefaults()
	if c.metrics == nil {
		c.metrics = newMetrics(nil)
	}

	if err := c.openFrozen(dir); err != nil {
		return nil, err
	}

	if c.catalog != nil {
		names, err := c.catalog.LoadKinds()
		if err != nil {
			c.closeStores()
			return nil, fmt.Errorf("understory: load kind table: %w", err)
		}
		c.table, err = intern.NewSeededTable(names)
		if err != nil {
			c.closeStores()
			return nil, fmt.Errorf("understory: seed kind table: %w", err)
		}
		c.kindsSaved.Store(int64(c.table.Len()))
	} else {
		c.table = intern.NewTable()
	}

	go c.sweepLoop()
	return c, nil
}

// openFrozen wires the Frozen tier's catalog and blob store, if any.
func (c *Cache) openFrozen(dir string) error {
	var catalogPath string
	switch {
	case dir != "":
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("understory: create cache dir: %w", err)
		}
		catalogPath = filepath.Join(dir, "catalog.db")
		if c.blobs == nil {
			blobs, err := frozen.NewFSStore(filepath.Join(dir, "blobs"))
			if err != nil {
				return fmt.Errorf("understory: open blob store: %w", err)
			}
			c.blobs = blobs
		}
	case c.memFrozen || c.blobs != nil:
		catalogPath = ":memory:"
		if c.blobs == nil {
			blobs, err := frozen.NewMemoryStore(c.log)
			if err != nil {
				return fmt.Errorf("understory: open blob store: %w", err)
			}
			c.blobs = blobs
		}
	default:
		// No Frozen tier: Cold evicts straight to Evicted.
		return nil
	}

	catalog, err := store.NewStore(catalogPath)
	if err != nil {
		c.blobs.Close()
		return fmt.Errorf("understory: open catalog: %w", err)
	}
	if err := catalog.Migrate(); err != nil {
		catalog.Close()
		c.blobs.Close()
		return fmt.Errorf("understory: migrate catalog: %w", err)
	}
	c.catalog = catalog
	c.frozen = frozen.NewLayer(c.blobs, catalog, c.log)
	return nil
}

func (c *Cache) closeStores() {
	if c.frozen != nil {
		c.frozen.Close()
	}
	if c.catalog != nil {
		c.catalog.Close()
	}
}

// Table returns the interner the cache's trees resolve through.
func (c *Cache) Table() *intern.Table { return c.table }

// Put installs tree and its encoded stream as docID's current
// version, in Hot. source is retained compressed for the Frozen tier
// and for corruption recovery. A version at or below the installed
// one returns ErrSuperseded; an entry that cannot fit the Hot budget
// even alone returns ErrEntryTooLarge.
func (c *Cache) Put(ctx context.Context, docID string, version uint64, tree *Tree, stream *Stream, source []byte) error {
	if tree == nil || stream == nil {
		return fmt.Errorf("understory: put %s: nil tree or stream", docID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	comp := compress.Compress(compress.LevelCold, source)
	size := tree.SizeBytes() + stream.SizeBytes() + int64(len(comp))
	if size > c.cfg.HotBytes {
		return fmt.Errorf("understory: put %s: %d bytes exceed hot budget %d: %w",
			docID, size, c.cfg.HotBytes, ErrEntryTooLarge)
	}

	var (
		e          *entry
		dropFrozen bool
	)
	for {
		var err error
		e, err = c.entryFor(docID)
		if err != nil {
			return err
		}
		e.mu.Lock()
		if !e.dead {
			break
		}
		// Lost a race with Remove or eviction; the map slot was
		// recycled under us.
		e.mu.Unlock()
	}

	if version <= e.version {
		e.mu.Unlock()
		c.counters.superseded.Add(1)
		c.metrics.superseded.Inc()
		return fmt.Errorf("understory: put %s v%d, v%d installed: %w",
			docID, version, e.version, ErrSuperseded)
	}

	if e.version > 0 {
		c.creditTier(e.tier, -e.sizeBytes)
		dropFrozen = e.tier == TierFrozen
	}
	e.version = version
	e.tier = TierHot
	e.stream = stream
	e.compressed = nil
	e.source = comp
	e.fingerprint = fingerprint(source)
	e.sizeBytes = size
	e.touchLocked(time.Now(), c.cfg.DecayHalfLife)
	e.tree.Store(tree)
	e.mu.Unlock()

	c.creditTier(TierHot, size)
	if dropFrozen && c.frozen != nil {
		if err := c.frozen.Drop(docID); err != nil {
			c.log.Warn("superseded frozen entry not dropped", "doc", docID, "error", err)
		}
	}
	c.log.Debug("installed", "doc", docID, "version", version, "bytes", size)
	c.maybeSweep()
	return nil
}

// Remove drops a document from every tier, including disk. Closing a
// document ends its entry's lifecycle; a later Put starts a fresh one.
func (c *Cache) Remove(docID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	e := c.docs[docID]
	delete(c.docs, docID)
	c.mu.Unlock()

	if e != nil {
		e.mu.Lock()
		if !e.dead && e.version > 0 {
			c.creditTier(e.tier, -e.sizeBytes)
		}
		e.dead = true
		e.tier = TierEvicted
		e.tree.Store(nil)
		e.stream, e.compressed, e.source = nil, nil, nil
		e.mu.Unlock()
	}
	if c.frozen != nil {
		if err := c.frozen.Drop(docID); err != nil {
			return fmt.Errorf("understory: remove %s: %w", docID, err)
		}
	}
	return nil
}

// Len reports how many documents have live in-memory entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

// TierStats is one tier's occupancy.
type TierStats struct {
	Entries int
	Bytes   int64
}

// Stats snapshots occupancy and lifetime counters. Frozen figures
// come from the catalog, so they include entries frozen by earlier
// sessions that this one has not touched yet.
type Stats struct {
	Tiers [4]TierStats

	Hits       uint64
	Misses     uint64
	Promotions uint64
	Demotions  uint64
	Evictions  uint64
	Recoveries uint64
	Superseded uint64
}

func (c *Cache) Stats() Stats {
	var s Stats
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.docs))
	for _, e := range c.docs {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if !e.dead && e.version > 0 && e.tier < TierFrozen {
			s.Tiers[e.tier].Entries++
			s.Tiers[e.tier].Bytes += e.sizeBytes
		}
		e.mu.Unlock()
	}
	if c.frozen != nil {
		if n, err := c.frozen.Count(); err == nil {
			s.Tiers[TierFrozen].Entries = int(n)
		}
		if b, err := c.frozen.DiskUsage(); err == nil {
			s.Tiers[TierFrozen].Bytes = b
		}
	}

	s.Hits = c.counters.hits.Load()
	s.Misses = c.counters.misses.Load()
	s.Promotions = c.counters.promotions.Load()
	s.Demotions = c.counters.demotions.Load()
	s.Evictions = c.counters.evictions.Load()
	s.Recoveries = c.counters.recoveries.Load()
	s.Superseded = c.counters.superseded.Load()
	return s
}

// persistKinds saves the interner's names when ids were assigned
// since the last save. It runs before every freeze, so a blob on disk
// always has its kind names in the catalog even if the process dies
// without Close.
func (c *Cache) persistKinds() error {
	n := int64(c.table.Len())
	if n <= c.kindsSaved.Load() {
		return nil
	}
	if err := c.catalog.SaveKinds(c.table.Names()); err != nil {
		return err
	}
	for {
		cur := c.kindsSaved.Load()
		if n <= cur || c.kindsSaved.CompareAndSwap(cur, n) {
			return nil
		}
	}
}

// Close stops the sweeper, persists the kind table, and closes the
// Frozen tier. Further operations return ErrClosed.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh

	var errs []error
	if c.catalog != nil {
		if err := c.catalog.SaveKinds(c.table.Names()); err != nil {
			errs = append(errs, fmt.Errorf("understory: save kind table: %w", err))
		}
	}
	if c.frozen != nil {
		if err := c.frozen.Close(); err != nil {
			errs = append(errs, fmt.Errorf("understory: close frozen tier: %w", err))
		}
	}
	if c.catalog != nil {
		if err := c.catalog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("understory: close catalog: %w", err))
		}
	}
	return errors.Join(errs...)
}

// entryFor returns docID's entry, creating an empty slot if needed.
func (c *Cache) entryFor(docID string) (*entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	e, ok := c.docs[docID]
	if !ok {
		e = &entry{docID: docID}
		c.docs[docID] = e
	}
	return e, nil
}

// lookup returns docID's entry without creating one.
func (c *Cache) lookup(docID string) (*entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, false, ErrClosed
	}
	e, ok := c.docs[docID]
	return e, ok, nil
}

// creditTier adjusts an in-memory tier's byte accounting. The Frozen
// tier is accounted by its catalog.
func (c *Cache) creditTier(t Tier, delta int64) {
	if t >= memTiers {
		return
	}
	c.tierBytes[t].Add(delta)
	c.metrics.tierBytes.WithLabelValues(t.String()).Add(float64(delta))
}

// overBudget reports whether any in-memory tier exceeds its budget.
func (c *Cache) overBudget() bool {
	return c.tierBytes[TierHot].Load() > c.cfg.HotBytes ||
		c.tierBytes[TierWarm].Load() > c.cfg.WarmBytes ||
		c.tierBytes[TierCold].Load() > c.cfg.ColdBytes
}

func (c *Cache) maybeSweep() {
	if !c.overBudget() {
		return
	}
	select {
	case c.sweepCh <- struct{}{}:
	default:
	}
}

func fingerprint(source []byte) [16]byte {
	sum := sha256.Sum256(source)
	var fp [16]byte
	copy(fp[:], sum[:16])
	return fp
}
