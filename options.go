package understory

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jward/understory/internal/bytecode"
	"github.com/jward/understory/internal/delta"
)

// Config carries the cache's budgets and tuning knobs. Zero fields
// keep their DefaultConfig value.
type Config struct {
	// HotBytes bounds the decoded-tree tier.
	HotBytes int64
	// WarmBytes bounds the in-memory bytecode tier.
	WarmBytes int64
	// ColdBytes bounds the compressed in-memory tier.
	ColdBytes int64
	// FrozenDiskBytes bounds on-disk blob usage.
	FrozenDiskBytes int64
	// DecayHalfLife is the interval over which an entry's access count
	// halves when idle.
	DecayHalfLife time.Duration
	// SegmentSize is the target bytecode segment payload size.
	SegmentSize int
	// FallbackFraction is the share of segments an edit may touch
	// before Apply re-encodes from scratch instead of splicing.
	FallbackFraction float64
}

// DefaultConfig returns the stock budgets: 64 MiB hot, 128 MiB warm,
// 256 MiB cold, 1 GiB on disk.
func DefaultConfig() Config {
	return Config{
		HotBytes:         64 << 20,
		WarmBytes:        128 << 20,
		ColdBytes:        256 << 20,
		FrozenDiskBytes:  1 << 30,
		DecayHalfLife:    5 * time.Minute,
		SegmentSize:      bytecode.DefaultSegmentSize,
		FallbackFraction: delta.DefaultFallbackFraction,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.HotBytes <= 0 {
		cfg.HotBytes = def.HotBytes
	}
	if cfg.WarmBytes <= 0 {
		cfg.WarmBytes = def.WarmBytes
	}
	if cfg.ColdBytes <= 0 {
		cfg.ColdBytes = def.ColdBytes
	}
	if cfg.FrozenDiskBytes <= 0 {
		cfg.FrozenDiskBytes = def.FrozenDiskBytes
	}
	if cfg.DecayHalfLife <= 0 {
		cfg.DecayHalfLife = def.DecayHalfLife
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = def.SegmentSize
	}
	if cfg.FallbackFraction <= 0 {
		cfg.FallbackFraction = def.FallbackFraction
	}
	return cfg
}

// Option configures a Cache.
type Option func(*Cache)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(c *Cache) { c.cfg = cfg }
}

// WithBudgets sets the four tier budgets in bytes.
func WithBudgets(hot, warm, cold, frozenDisk int64) Option {
	return func(c *Cache) {
		c.cfg.HotBytes = hot
		c.cfg.WarmBytes = warm
		c.cfg.ColdBytes = cold
		c.cfg.FrozenDiskBytes = frozenDisk
	}
}

// WithSegmentSize sets the target bytecode segment size.
func WithSegmentSize(n int) Option {
	return func(c *Cache) { c.cfg.SegmentSize = n }
}

// WithDecayHalfLife sets the eviction-score aging interval.
func WithDecayHalfLife(d time.Duration) Option {
	return func(c *Cache) { c.cfg.DecayHalfLife = d }
}

// WithParser wires the parser used by PutSource, Apply, and the
// corruption-recovery path.
func WithParser(p Parser) Option {
	return func(c *Cache) { c.parser = p }
}

// WithLogger replaces slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// WithRegisterer registers the cache's metrics with reg. By default
// each cache uses a private registry so two caches in one process
// never collide.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Cache) { c.metrics = newMetrics(reg) }
}

// WithInMemoryFrozen backs the Frozen tier with an in-memory blob
// store and catalog. Restarts lose the tier; tests and dirless
// callers who still want the full state machine use this.
func WithInMemoryFrozen() Option {
	return func(c *Cache) { c.memFrozen = true }
}

// WithBlobStore replaces the default blob backend for the Frozen
// tier. The catalog stays where New's dir argument put it.
func WithBlobStore(bs BlobStore) Option {
	return func(c *Cache) { c.blobs = bs }
}
