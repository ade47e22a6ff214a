// Package understory caches parsed syntax trees for large numbers of
// source files under a strict memory budget. Trees are held in a
// compact array-based form that supports navigation without the
// parser's native tree object, serialized to a segmented, checksummed
// bytecode stream, and moved between four tiers as budgets demand:
// Hot (decoded), Warm (bytecode in memory), Cold (compressed in
// memory), and Frozen (compressed on disk).
//
// # Usage
//
// Create a Cache, feed it source, and navigate the trees it returns:
//
//	c, err := understory.New(".understory",
//		understory.WithParser(parse.NewSitter()))
//	if err != nil { ... }
//	defer c.Close()
//
//	ctx := context.Background()
//	tree, err := c.PutSource(ctx, "main.go", src)
//	tree, info, err := c.Get(ctx, "main.go")
//
// On an edit, Apply re-encodes incrementally, splicing unchanged
// bytecode segments from the prior version:
//
//	tree, err = c.Apply(ctx, "main.go",
//		understory.Edit{Start: 3, OldEnd: 3, NewEnd: 8}, edited)
//
// Trees are immutable; any number of goroutines may navigate one
// while the cache demotes, promotes, or supersedes it.
//
// # Tiers
//
// Each tier has a byte budget. A background sweep demotes the
// lowest-scored entries when a tier overflows: Hot entries drop their
// decoded tree and keep the bytecode, Warm entries are compressed in
// place, Cold entries are written to disk along with a compressed
// copy of their source, and Frozen entries past the disk budget are
// deleted oldest-first. A hit on any tier promotes the entry back to
// Hot. The Frozen tier's catalog is SQLite, so it survives restarts.
//
// A decode failure on a Cold or Frozen hit is recovered by re-parsing
// the retained source through the configured Parser; a checksum
// failure on a Frozen blob drops the entry and surfaces the error.
package understory
