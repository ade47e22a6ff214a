package understory

import (
	"time"

	"github.com/jward/understory/internal/compress"
	"github.com/jward/understory/internal/frozen"
)

// sweepLoop is the background demotion goroutine. It wakes on a
// budget signal and on a timer so idle entries keep decaying.
func (c *Cache) sweepLoop() {
	defer close(c.doneCh)
	tick := c.cfg.DecayHalfLife
	if tick > time.Minute {
		tick = time.Minute
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.sweepCh:
			c.sweep()
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep walks the tiers top down, so bytes pushed out of Hot are
// immediately eligible to continue down if Warm overflows too.
func (c *Cache) sweep() {
	c.demoteTier(TierHot, c.cfg.HotBytes)
	c.demoteTier(TierWarm, c.cfg.WarmBytes)
	c.demoteTier(TierCold, c.cfg.ColdBytes)
	if c.frozen != nil {
		dropped, err := c.frozen.EvictOldest(c.cfg.FrozenDiskBytes)
		if err != nil {
			c.log.Warn("frozen eviction failed", "error", err)
		}
		if dropped > 0 {
			c.counters.evictions.Add(uint64(dropped))
			c.metrics.evictions.Add(float64(dropped))
		}
	}
}

func (c *Cache) demoteTier(tier Tier, budget int64) {
	for c.tierBytes[tier].Load() > budget {
		e := c.pickVictim(tier)
		if e == nil {
			return
		}
		if !c.demote(e, tier) {
			return
		}
	}
}

// pickVictim chooses the lowest-scored entry in tier; ties go to the
// larger entry so each step frees more budget. The scan runs on a
// snapshot of the doc map, holding only one entry lock at a time.
func (c *Cache) pickVictim(tier Tier) *entry {
	c.mu.RLock()
	candidates := make([]*entry, 0, len(c.docs))
	for _, e := range c.docs {
		candidates = append(candidates, e)
	}
	c.mu.RUnlock()

	now := time.Now()
	var (
		best      *entry
		bestScore float64
		bestSize  int64
	)
	for _, e := range candidates {
		e.mu.Lock()
		if e.dead || e.version == 0 || e.tier != tier {
			e.mu.Unlock()
			continue
		}
		score := e.scoreLocked(now, c.cfg.DecayHalfLife)
		size := e.sizeBytes
		e.mu.Unlock()
		if best == nil || score < bestScore || (score == bestScore && size > bestSize) {
			best, bestScore, bestSize = e, score, size
		}
	}
	return best
}

// demote moves e one tier down. It returns false only when no state
// changed at all, which stops the caller's loop.
func (c *Cache) demote(e *entry, from Tier) bool {
	switch from {
	case TierHot:
		return c.demoteHot(e)
	case TierWarm:
		return c.demoteWarm(e)
	case TierCold:
		return c.demoteCold(e)
	default:
		return false
	}
}

// demoteHot drops the decoded tree and keeps the stream, which was
// retained at encode time; demotion never re-encodes.
func (c *Cache) demoteHot(e *entry) bool {
	e.mu.Lock()
	if e.dead || e.tier != TierHot {
		e.mu.Unlock()
		return true // moved under us; accounting already changed
	}
	old := e.sizeBytes
	e.tree.Store(nil)
	e.tier = TierWarm
	e.sizeBytes = e.stream.SizeBytes() + int64(len(e.source))
	size := e.sizeBytes
	e.mu.Unlock()

	c.creditTier(TierHot, -old)
	c.creditTier(TierWarm, size)
	c.noteDemotion(TierHot, TierWarm, e.docID)
	return true
}

// demoteWarm compresses the marshalled stream. The compression runs
// outside the entry lock; a racing Put simply wins.
func (c *Cache) demoteWarm(e *entry) bool {
	e.mu.Lock()
	if e.dead || e.tier != TierWarm {
		e.mu.Unlock()
		return true
	}
	stream := e.stream
	version := e.version
	e.mu.Unlock()

	comp := compress.Compress(compress.LevelCold, stream.Marshal())

	e.mu.Lock()
	if e.dead || e.tier != TierWarm || e.version != version {
		e.mu.Unlock()
		return true
	}
	old := e.sizeBytes
	e.stream = nil
	e.compressed = comp
	e.tier = TierCold
	e.sizeBytes = int64(len(comp) + len(e.source))
	size := e.sizeBytes
	e.mu.Unlock()

	c.creditTier(TierWarm, -old)
	c.creditTier(TierCold, size)
	c.noteDemotion(TierWarm, TierCold, e.docID)
	return true
}

// demoteCold freezes to disk, or evicts outright when no Frozen tier
// is configured. The blob write happens outside the entry lock.
func (c *Cache) demoteCold(e *entry) bool {
	e.mu.Lock()
	if e.dead || e.tier != TierCold {
		e.mu.Unlock()
		return true
	}
	if c.frozen == nil {
		e.mu.Unlock()
		c.dropEntry(e)
		c.log.Debug("evicted", "doc", e.docID)
		return true
	}
	snapshot := frozen.Entry{
		DocID:       e.docID,
		Version:     e.version,
		Fingerprint: e.fingerprint,
		Bytecode:    e.compressed,
		Source:      e.source,
		AccessCount: e.accessCount,
		LastAccess:  e.lastAccess,
	}
	e.mu.Unlock()

	snapshot.Bytecode = refreeze(snapshot.Bytecode)
	snapshot.Source = refreeze(snapshot.Source)

	// Kind names must hit the catalog before the blob that uses them.
	freezeErr := c.persistKinds()
	if freezeErr == nil {
		freezeErr = c.frozen.Freeze(&snapshot)
	}

	e.mu.Lock()
	if e.dead || e.tier != TierCold || e.version != snapshot.Version {
		e.mu.Unlock()
		if freezeErr == nil {
			// A racing install superseded the entry between the write
			// and here; the blob we just wrote is already stale.
			if err := c.frozen.Drop(snapshot.DocID); err != nil {
				c.log.Warn("stale frozen blob not dropped", "doc", snapshot.DocID, "error", err)
			}
		}
		return true
	}
	if freezeErr != nil {
		e.mu.Unlock()
		c.log.Warn("freeze failed, entry dropped", "doc", e.docID, "error", freezeErr)
		c.dropEntry(e)
		return true
	}
	old := e.sizeBytes
	e.compressed = nil
	e.source = nil
	e.tier = TierFrozen
	e.sizeBytes = int64(len(snapshot.Bytecode) + len(snapshot.Source))
	e.mu.Unlock()

	c.creditTier(TierCold, -old)
	c.noteDemotion(TierCold, TierFrozen, e.docID)

	dropped, err := c.frozen.EvictOldest(c.cfg.FrozenDiskBytes)
	if err != nil {
		c.log.Warn("frozen eviction failed", "error", err)
	}
	if dropped > 0 {
		c.counters.evictions.Add(uint64(dropped))
		c.metrics.evictions.Add(float64(dropped))
	}
	return true
}

// refreeze recodes an in-memory frame at the disk compression level.
// A frame that fails to decompress is frozen as-is; the thaw path
// deals with it.
func refreeze(frame []byte) []byte {
	raw, err := compress.Decompress(frame)
	if err != nil {
		return frame
	}
	return compress.Compress(compress.LevelFrozen, raw)
}

func (c *Cache) noteDemotion(from, to Tier, docID string) {
	c.counters.demotions.Add(1)
	c.metrics.demotions.WithLabelValues(from.String(), to.String()).Inc()
	c.log.Debug("demoted", "doc", docID, "from", from.String(), "to", to.String())
}
