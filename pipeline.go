package understory

import (
	"context"
	"fmt"
	"time"

	"github.com/jward/understory/internal/bytecode"
	"github.com/jward/understory/internal/compact"
	"github.com/jward/understory/internal/delta"
)

// PutSource runs the full pipeline for a document: parse, encode,
// serialize, install at the next version. When the source fingerprint
// matches the live entry the parse is skipped entirely and the cached
// tree is returned.
func (c *Cache) PutSource(ctx context.Context, docID string, source []byte) (*Tree, error) {
	if c.parser == nil {
		return nil, fmt.Errorf("understory: put %s: %w", docID, ErrNoParser)
	}
	fp := fingerprint(source)

	if e, ok, err := c.lookup(docID); err != nil {
		return nil, err
	} else if ok {
		e.mu.Lock()
		unchanged := !e.dead && e.version > 0 && e.fingerprint == fp
		e.mu.Unlock()
		if unchanged {
			tree, _, err := c.Get(ctx, docID)
			return tree, err
		}
	}

	version, err := c.nextVersion(docID)
	if err != nil {
		return nil, err
	}
	tree, stream, err := c.encodeSource(ctx, docID, version, source)
	if err != nil {
		return nil, err
	}
	if err := c.Put(ctx, docID, version, tree, stream, source); err != nil {
		return nil, err
	}
	return tree, nil
}

// Apply installs the next version of an edited document, re-encoding
// incrementally against the current version's stream. Concurrent
// applies race benignly: only the one computed against the latest
// installed version lands, the rest return ErrSuperseded.
func (c *Cache) Apply(ctx context.Context, docID string, edit Edit, source []byte) (*Tree, error) {
	if c.parser == nil {
		return nil, fmt.Errorf("understory: apply %s: %w", docID, ErrNoParser)
	}

	baseTree, baseStream, err := c.baseForDelta(ctx, docID)
	if err != nil {
		return nil, err
	}
	version := baseTree.Version() + 1

	start := time.Now()
	events, err := c.parser.Parse(ctx, docID, source)
	if err != nil {
		return nil, fmt.Errorf("understory: parse %s: %w", docID, err)
	}
	next, err := compact.Encode(docID, version, events, c.table)
	if err != nil {
		return nil, fmt.Errorf("understory: encode %s: %w", docID, err)
	}
	newStream, res, err := delta.Apply(baseStream, baseTree, next, edit,
		c.cfg.SegmentSize, c.cfg.FallbackFraction)
	if err != nil {
		return nil, fmt.Errorf("understory: apply %s: %w", docID, err)
	}
	c.metrics.encodeSeconds.Observe(time.Since(start).Seconds())

	if err := c.Put(ctx, docID, version, next, newStream, source); err != nil {
		return nil, err
	}
	c.log.Debug("applied edit", "doc", docID, "version", version,
		"reused", res.ReusedSegments, "rebuilt", res.RebuiltSegments,
		"full", res.FullReencode)
	return next, nil
}

// baseForDelta materializes the current version's tree and stream.
// Get promotes the entry to Hot, where both are resident; a demotion
// racing in between just means one more attempt.
func (c *Cache) baseForDelta(ctx context.Context, docID string) (*compact.Tree, *bytecode.Stream, error) {
	for attempt := 0; attempt < 3; attempt++ {
		tree, _, err := c.Get(ctx, docID)
		if err != nil {
			return nil, nil, err
		}
		e, ok, err := c.lookup(docID)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, c.miss(docID)
		}
		e.mu.Lock()
		stream := e.stream
		version := e.version
		e.mu.Unlock()
		if version == tree.Version() && stream != nil {
			return tree, stream, nil
		}
	}
	return nil, nil, fmt.Errorf("understory: apply %s: %w", docID, ErrSuperseded)
}

// encodeSource is the parse→encode→serialize leg shared by PutSource
// and corruption recovery paths that need a stream alongside the tree.
func (c *Cache) encodeSource(ctx context.Context, docID string, version uint64, source []byte) (*compact.Tree, *bytecode.Stream, error) {
	start := time.Now()
	events, err := c.parser.Parse(ctx, docID, source)
	if err != nil {
		return nil, nil, fmt.Errorf("understory: parse %s: %w", docID, err)
	}
	tree, err := compact.Encode(docID, version, events, c.table)
	if err != nil {
		return nil, nil, fmt.Errorf("understory: encode %s: %w", docID, err)
	}
	stream := bytecode.Encode(tree, c.cfg.SegmentSize)
	c.metrics.encodeSeconds.Observe(time.Since(start).Seconds())
	return tree, stream, nil
}

// nextVersion picks the version a fresh install should use: one past
// the live entry, or past the cataloged frozen version when only the
// disk remembers the document.
func (c *Cache) nextVersion(docID string) (uint64, error) {
	if e, ok, err := c.lookup(docID); err != nil {
		return 0, err
	} else if ok {
		e.mu.Lock()
		v, dead := e.version, e.dead
		e.mu.Unlock()
		if !dead {
			return v + 1, nil
		}
	}
	if c.catalog != nil {
		row, err := c.catalog.FrozenByDocID(docID)
		if err == nil && row != nil {
			return row.Version + 1, nil
		}
	}
	return 1, nil
}
