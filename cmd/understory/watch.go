package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/jward/understory"
)

var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Index a directory and keep the cache current as files change",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&flagLanguages, "langs", "", "comma-separated languages to watch (default all)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) == 1 {
		root = args[0]
	}
	langs := languageFilter()

	cache, err := openCache()
	if err != nil {
		return err
	}
	defer cache.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initial pass so the watcher starts from a populated cache.
	paths, err := listFiles(root, langs)
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := indexFile(ctx, cache, path); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %s\n", err)
		}
	}
	fmt.Fprintf(os.Stderr, "watching %s (%d files indexed)\n", root, cache.Len())

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	defer watcher.Close()
	if err := watchDirs(watcher, root); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %s\n", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			handleEvent(ctx, cache, watcher, ev, langs)
		}
	}
}

func handleEvent(ctx context.Context, cache *understory.Cache, watcher *fsnotify.Watcher, ev fsnotify.Event, langs map[string]bool) {
	switch {
	case ev.Op.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// New subtree: watch it and index whatever is inside.
			if err := watchDirs(watcher, ev.Name); err != nil {
				fmt.Fprintf(os.Stderr, "watch error: %s\n", err)
			}
			paths, err := walkListFiles(ev.Name, langs)
			if err != nil {
				return
			}
			for _, p := range paths {
				reindex(ctx, cache, p)
			}
			return
		}
		fallthrough
	case ev.Op.Has(fsnotify.Write):
		if wantFile(ev.Name, langs) {
			reindex(ctx, cache, ev.Name)
		}
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		if wantFile(ev.Name, langs) {
			if err := cache.Remove(ev.Name); err != nil {
				fmt.Fprintf(os.Stderr, "warning: remove %s: %s\n", ev.Name, err)
			} else {
				fmt.Fprintf(os.Stderr, "removed %s\n", ev.Name)
			}
		}
	}
}

func reindex(ctx context.Context, cache *understory.Cache, path string) {
	if err := indexFile(ctx, cache, path); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %s\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "indexed %s\n", path)
}

// watchDirs registers root and every directory below it, skipping
// hidden and dependency directories.
func watchDirs(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != root && (strings.HasPrefix(name, ".") || skipDirs[name]) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}
