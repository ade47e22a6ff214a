package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jward/understory"
)

var flagJobs int

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Parse a directory tree into the cache",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runIndex,
}

func init() {
	indexCmd.Flags().IntVar(&flagJobs, "jobs", runtime.NumCPU(), "parallel parse workers")
	indexCmd.Flags().StringVar(&flagLanguages, "langs", "", "comma-separated languages to index (default all)")
}

func runIndex(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) == 1 {
		root = args[0]
	}

	paths, err := listFiles(root, languageFilter())
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "no source files found")
		return nil
	}

	cache, err := openCache()
	if err != nil {
		return err
	}
	defer cache.Close()

	start := time.Now()
	var indexed, failed int

	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(flagJobs)
	results := make(chan error, len(paths))
	for _, path := range paths {
		path := path
		g.Go(func() error {
			results <- indexFile(ctx, cache, path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	close(results)
	for err := range results {
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: %s\n", err)
			failed++
		} else {
			indexed++
		}
	}
	elapsed := time.Since(start)

	stats := cache.Stats()
	if flagFormat == "json" {
		out := struct {
			Indexed int              `json:"indexed"`
			Failed  int              `json:"failed"`
			Elapsed string           `json:"elapsed"`
			Stats   understory.Stats `json:"stats"`
		}{indexed, failed, elapsed.Round(time.Millisecond).String(), stats}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Printf("indexed %d files (%d failed) in %s\n", indexed, failed, elapsed.Round(time.Millisecond))
	printStats(stats)
	return nil
}

func indexFile(ctx context.Context, cache *understory.Cache, path string) error {
	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if _, err := cache.PutSource(ctx, path, source); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
