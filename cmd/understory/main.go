package main

import (
	"bytes"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jward/understory"
	"github.com/jward/understory/internal/frozen"
	"github.com/jward/understory/internal/parse"
)

var (
	flagDir         string
	flagFormat      string
	flagBlobBackend string

	flagHot        int64
	flagWarm       int64
	flagCold       int64
	flagFrozenDisk int64
	flagLanguages  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "understory",
	Short:         "Tiered syntax-tree cache for code intelligence",
	Long:          "Understory parses source files with tree-sitter into compact trees and keeps them in a budgeted multi-tier cache: decoded, bytecode, compressed, and frozen to disk.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if flagFormat != "json" && flagFormat != "text" {
			return fmt.Errorf("invalid --format %q (want json or text)", flagFormat)
		}
		if flagBlobBackend != "files" && flagBlobBackend != "badger" {
			return fmt.Errorf("invalid --blob-backend %q (want files or badger)", flagBlobBackend)
		}
		return nil
	},
	// No Run: prints help by default.
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDir, "dir", ".understory", "cache directory (frozen tier and catalog)")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "text", "output format: text|json")
	rootCmd.PersistentFlags().StringVar(&flagBlobBackend, "blob-backend", "files", "frozen blob storage: files|badger (one KV database instead of a file per document)")
	rootCmd.PersistentFlags().Int64Var(&flagHot, "hot", 0, "hot tier budget in bytes (0 = default)")
	rootCmd.PersistentFlags().Int64Var(&flagWarm, "warm", 0, "warm tier budget in bytes (0 = default)")
	rootCmd.PersistentFlags().Int64Var(&flagCold, "cold", 0, "cold tier budget in bytes (0 = default)")
	rootCmd.PersistentFlags().Int64Var(&flagFrozenDisk, "frozen-disk", 0, "frozen tier disk budget in bytes (0 = default)")

	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(outlineCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(watchCmd)
}

// openCache builds a Cache from the persistent flags.
func openCache() (*understory.Cache, error) {
	opts := []understory.Option{
		understory.WithParser(parse.NewSitter()),
	}
	if flagBlobBackend == "badger" {
		bs, err := frozen.NewBadgerStore(filepath.Join(flagDir, "badger"), slog.Default())
		if err != nil {
			return nil, fmt.Errorf("opening blob store: %w", err)
		}
		opts = append(opts, understory.WithBlobStore(bs))
	}
	if flagHot > 0 || flagWarm > 0 || flagCold > 0 || flagFrozenDisk > 0 {
		cfg := understory.DefaultConfig()
		if flagHot > 0 {
			cfg.HotBytes = flagHot
		}
		if flagWarm > 0 {
			cfg.WarmBytes = flagWarm
		}
		if flagCold > 0 {
			cfg.ColdBytes = flagCold
		}
		if flagFrozenDisk > 0 {
			cfg.FrozenDiskBytes = flagFrozenDisk
		}
		opts = append(opts, understory.WithConfig(cfg))
	}
	c, err := understory.New(flagDir, opts...)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	return c, nil
}

// languageFilter parses --langs into a set, nil meaning all.
func languageFilter() map[string]bool {
	if flagLanguages == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, lang := range strings.Split(flagLanguages, ",") {
		set[strings.TrimSpace(lang)] = true
	}
	return set
}

// skipDirs are directories excluded from filesystem walks.
var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
}

// listFiles discovers source files under root. If root is inside a
// git repository, git ls-files respects .gitignore; otherwise a
// filesystem walk skips hidden dirs and the usual dependency dirs.
func listFiles(root string, langs map[string]bool) ([]string, error) {
	paths, err := gitListFiles(root, langs)
	if err == nil {
		return paths, nil
	}
	return walkListFiles(root, langs)
}

func wantFile(path string, langs map[string]bool) bool {
	lang, ok := parse.LanguageForFile(path)
	if !ok {
		return false
	}
	return langs == nil || langs[lang]
}

func gitListFiles(root string, langs map[string]bool) ([]string, error) {
	// --cached: tracked, --others: untracked, --exclude-standard:
	// respect .gitignore and global excludes.
	cmd := exec.Command("git", "ls-files", "--cached", "--others", "--exclude-standard")
	cmd.Dir = root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git ls-files: %w", err)
	}

	var paths []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		p := filepath.Join(root, line)
		if wantFile(p, langs) {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

func walkListFiles(root string, langs map[string]bool) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, ".") || skipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if wantFile(path, langs) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk directory: %w", err)
	}
	return paths, nil
}
