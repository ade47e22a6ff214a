package understory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jward/understory/internal/bytecode"
	"github.com/jward/understory/internal/compact"
	"github.com/jward/understory/internal/compress"
)

// errRaced signals that a concurrent install invalidated a promotion
// mid-flight; the lookup is retried against the newer state.
var errRaced = errors.New("understory: promotion raced")

// Get returns docID's current tree, promoting it to Hot from
// whichever tier holds it. Info describes the entry as found, before
// the promotion. Misses return ErrNotFound; a version is only ever
// returned after its Put fully committed.
func (c *Cache) Get(ctx context.Context, docID string) (*Tree, Info, error) {
	var lastErr error
	for attempt := 0; attempt < 4; attempt++ {
		tree, info, err := c.getOnce(ctx, docID)
		if errors.Is(err, errRaced) {
			lastErr = err
			continue
		}
		return tree, info, err
	}
	return nil, Info{}, fmt.Errorf("understory: get %s: %w", docID, lastErr)
}

func (c *Cache) getOnce(ctx context.Context, docID string) (*Tree, Info, error) {
	e, ok, err := c.lookup(docID)
	if err != nil {
		return nil, Info{}, err
	}
	if !ok {
		if c.frozen != nil {
			return c.loadFrozen(ctx, docID)
		}
		return nil, Info{}, c.miss(docID)
	}

	e.mu.Lock()
	if e.dead || e.version == 0 {
		e.mu.Unlock()
		return nil, Info{}, c.miss(docID)
	}
	info := e.infoLocked()
	if e.tier == TierHot {
		tree := e.tree.Load()
		e.touchLocked(time.Now(), c.cfg.DecayHalfLife)
		e.mu.Unlock()
		c.recordHit(TierHot)
		return tree, info, nil
	}
	e.mu.Unlock()

	tree, err := c.promote(ctx, e, info.Version)
	if err != nil {
		return nil, Info{}, err
	}
	c.recordHit(info.Tier)
	return tree, info, nil
}

func (c *Cache) miss(docID string) error {
	c.counters.misses.Add(1)
	c.metrics.misses.Inc()
	return fmt.Errorf("understory: get %s: %w", docID, ErrNotFound)
}

func (c *Cache) recordHit(tier Tier) {
	c.counters.hits.Add(1)
	c.metrics.hits.WithLabelValues(tier.String()).Inc()
}

// promote materializes e's tree and installs it in Hot. Concurrent
// Gets for the same doc and version share one decode.
func (c *Cache) promote(ctx context.Context, e *entry, version uint64) (*compact.Tree, error) {
	key := fmt.Sprintf("%s@%d", e.docID, version)
	v, err, _ := c.flight.Do(key, func() (any, error) {
		return c.promoteOnce(ctx, e, version)
	})
	if err != nil {
		return nil, err
	}
	return v.(*compact.Tree), nil
}

func (c *Cache) promoteOnce(ctx context.Context, e *entry, version uint64) (*compact.Tree, error) {
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return nil, c.miss(e.docID)
	}
	if e.version != version {
		// A newer version landed while we queued. Serve it if it is
		// already materialized, otherwise retry from the top.
		if e.tier == TierHot {
			tree := e.tree.Load()
			e.touchLocked(time.Now(), c.cfg.DecayHalfLife)
			e.mu.Unlock()
			return tree, nil
		}
		e.mu.Unlock()
		return nil, errRaced
	}
	if e.tier == TierHot {
		tree := e.tree.Load()
		e.touchLocked(time.Now(), c.cfg.DecayHalfLife)
		e.mu.Unlock()
		return tree, nil
	}
	from := e.tier
	stream := e.stream
	compressed := e.compressed
	source := e.source
	e.mu.Unlock()

	// All decode, decompression, and disk work happens outside every
	// lock; concurrent gets and puts for other documents never wait.
	start := time.Now()
	var (
		tree      *compact.Tree
		newStream *bytecode.Stream
		err       error
	)
	switch from {
	case TierWarm:
		newStream = stream
		tree, err = bytecode.Decode(stream, c.table, e.docID, version)
		if err != nil {
			tree, newStream, err = c.recoverTree(ctx, e.docID, version, source, err)
		}
		if err != nil {
			return nil, fmt.Errorf("understory: get %s: %w", e.docID, err)
		}

	case TierCold:
		tree, newStream, err = c.materialize(ctx, e.docID, version, compressed, source)
		if err != nil {
			return nil, fmt.Errorf("understory: get %s: %w", e.docID, err)
		}

	case TierFrozen:
		ent, thawErr := c.frozen.Thaw(e.docID)
		if thawErr != nil {
			var dec *bytecode.DecodeError
			if errors.As(thawErr, &dec) || errors.Is(thawErr, fs.ErrNotExist) {
				// The blob cannot be trusted or is gone; drop it so a
				// fresh Put can take over the docID.
				c.dropEntry(e)
				if err := c.frozen.Drop(e.docID); err != nil {
					c.log.Warn("corrupt frozen entry not dropped", "doc", e.docID, "error", err)
				}
			}
			if errors.Is(thawErr, fs.ErrNotExist) {
				return nil, c.miss(e.docID)
			}
			return nil, fmt.Errorf("understory: get %s: %w", e.docID, thawErr)
		}
		if ent == nil {
			// Disk eviction raced ahead of the in-memory record.
			c.dropEntry(e)
			return nil, c.miss(e.docID)
		}
		source = ent.Source
		tree, newStream, err = c.materialize(ctx, e.docID, version, ent.Bytecode, ent.Source)
		if err != nil {
			return nil, fmt.Errorf("understory: get %s: %w", e.docID, err)
		}

	default:
		return nil, c.miss(e.docID)
	}
	c.metrics.decodeSeconds.Observe(time.Since(start).Seconds())

	e.mu.Lock()
	if e.dead {
		// Removed mid-promotion; the caller still gets the version it
		// found, the cache just forgets it.
		e.mu.Unlock()
		return tree, nil
	}
	if e.version != version {
		if e.tier == TierHot {
			t := e.tree.Load()
			e.touchLocked(time.Now(), c.cfg.DecayHalfLife)
			e.mu.Unlock()
			return t, nil
		}
		e.mu.Unlock()
		return nil, errRaced
	}
	c.creditTier(e.tier, -e.sizeBytes)
	e.tier = TierHot
	e.stream = newStream
	e.compressed = nil
	e.source = source
	e.sizeBytes = tree.SizeBytes() + newStream.SizeBytes() + int64(len(source))
	size := e.sizeBytes
	e.touchLocked(time.Now(), c.cfg.DecayHalfLife)
	e.tree.Store(tree)
	e.mu.Unlock()

	c.creditTier(TierHot, size)
	c.counters.promotions.Add(1)
	c.metrics.promotions.WithLabelValues(from.String()).Inc()
	if from == TierFrozen {
		// The entry lives in memory again; keeping the blob would
		// duplicate it and let it go stale on the next edit.
		if err := c.frozen.Drop(e.docID); err != nil {
			c.log.Warn("promoted frozen entry not dropped", "doc", e.docID, "error", err)
		}
	}
	c.log.Debug("promoted", "doc", e.docID, "from", from.String(), "version", version)
	c.maybeSweep()
	return tree, nil
}

// materialize turns a compressed marshalled stream back into a tree,
// falling back to the retained source when the bytes fail to decode.
func (c *Cache) materialize(ctx context.Context, docID string, version uint64, compStream, compSource []byte) (*compact.Tree, *bytecode.Stream, error) {
	raw, err := compress.Decompress(compStream)
	if err != nil {
		return c.recoverTree(ctx, docID, version, compSource, err)
	}
	s, err := bytecode.Unmarshal(raw)
	if err != nil {
		return c.recoverTree(ctx, docID, version, compSource, err)
	}
	tree, err := bytecode.Decode(s, c.table, docID, version)
	if err != nil {
		return c.recoverTree(ctx, docID, version, compSource, err)
	}
	return tree, s, nil
}

// recoverTree rebuilds a tree by re-parsing the retained compressed
// source, the path of last resort after a decode failure. Without a
// parser or source, the original failure stands.
func (c *Cache) recoverTree(ctx context.Context, docID string, version uint64, compSource []byte, cause error) (*compact.Tree, *bytecode.Stream, error) {
	if c.parser == nil || len(compSource) == 0 {
		return nil, nil, cause
	}
	src, err := compress.Decompress(compSource)
	if err != nil {
		return nil, nil, cause
	}
	events, err := c.parser.Parse(ctx, docID, src)
	if err != nil {
		return nil, nil, cause
	}
	tree, err := compact.Encode(docID, version, events, c.table)
	if err != nil {
		return nil, nil, cause
	}
	stream := bytecode.Encode(tree, c.cfg.SegmentSize)
	c.counters.recoveries.Add(1)
	c.metrics.recoveries.Inc()
	c.log.Warn("recovered tree from retained source",
		"doc", docID, "version", version, "error", cause)
	return tree, stream, nil
}

// dropEntry removes e from the cache entirely.
func (c *Cache) dropEntry(e *entry) {
	c.mu.Lock()
	if c.docs[e.docID] == e {
		delete(c.docs, e.docID)
	}
	c.mu.Unlock()

	e.mu.Lock()
	if !e.dead && e.version > 0 {
		c.creditTier(e.tier, -e.sizeBytes)
	}
	e.dead = true
	e.tier = TierEvicted
	e.tree.Store(nil)
	e.stream, e.compressed, e.source = nil, nil, nil
	e.mu.Unlock()

	c.counters.evictions.Add(1)
	c.metrics.evictions.Inc()
}

// loadFrozen serves a doc the in-memory map has never seen but the
// catalog remembers from an earlier session.
func (c *Cache) loadFrozen(ctx context.Context, docID string) (*Tree, Info, error) {
	type loaded struct {
		tree *compact.Tree
		info Info
	}
	v, err, _ := c.flight.Do("load:"+docID, func() (any, error) {
		ent, err := c.frozen.Thaw(docID)
		if err != nil {
			var dec *bytecode.DecodeError
			if errors.As(err, &dec) || errors.Is(err, fs.ErrNotExist) {
				if dropErr := c.frozen.Drop(docID); dropErr != nil {
					c.log.Warn("unreadable frozen entry not dropped", "doc", docID, "error", dropErr)
				}
			}
			if errors.Is(err, fs.ErrNotExist) {
				return nil, c.miss(docID)
			}
			return nil, fmt.Errorf("understory: get %s: %w", docID, err)
		}
		if ent == nil {
			return nil, c.miss(docID)
		}
		foundSize := int64(len(ent.Bytecode) + len(ent.Source))

		tree, stream, err := c.materialize(ctx, docID, ent.Version, ent.Bytecode, ent.Source)
		if err != nil {
			return nil, fmt.Errorf("understory: get %s: %w", docID, err)
		}

		var e *entry
		for {
			e, err = c.entryFor(docID)
			if err != nil {
				return nil, err
			}
			e.mu.Lock()
			if !e.dead {
				break
			}
			e.mu.Unlock()
		}
		if e.version >= ent.Version {
			// A Put slipped in between the map lookup and here.
			e.mu.Unlock()
			return nil, errRaced
		}
		e.version = ent.Version
		e.tier = TierHot
		e.stream = stream
		e.compressed = nil
		e.source = ent.Source
		e.fingerprint = ent.Fingerprint
		e.sizeBytes = tree.SizeBytes() + stream.SizeBytes() + int64(len(ent.Source))
		size := e.sizeBytes
		e.touchLocked(time.Now(), c.cfg.DecayHalfLife)
		e.tree.Store(tree)
		e.mu.Unlock()

		c.creditTier(TierHot, size)
		c.counters.promotions.Add(1)
		c.metrics.promotions.WithLabelValues(TierFrozen.String()).Inc()
		if dropErr := c.frozen.Drop(docID); dropErr != nil {
			c.log.Warn("promoted frozen entry not dropped", "doc", docID, "error", dropErr)
		}
		c.maybeSweep()

		return loaded{tree: tree, info: Info{
			Version:     ent.Version,
			Tier:        TierFrozen,
			SizeBytes:   foundSize,
			Fingerprint: ent.Fingerprint,
		}}, nil
	})
	if err != nil {
		return nil, Info{}, err
	}
	l := v.(loaded)
	c.recordHit(TierFrozen)
	return l.tree, l.info, nil
}
