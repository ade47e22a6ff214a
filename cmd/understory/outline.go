package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jward/understory/internal/parse"
	"github.com/jward/understory/symbols"
)

var outlineCmd = &cobra.Command{
	Use:   "outline <file>",
	Short: "List the named declarations in a source file",
	Args:  cobra.ExactArgs(1),
	RunE:  runOutline,
}

func runOutline(cmd *cobra.Command, args []string) error {
	path := args[0]
	lang, ok := parse.LanguageForFile(path)
	if !ok {
		return fmt.Errorf("unsupported file type: %s", path)
	}
	source, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	cache, err := openCache()
	if err != nil {
		return err
	}
	defer cache.Close()

	tree, err := cache.PutSource(cmd.Context(), path, source)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	syms := symbols.Extract(tree, source, lang)

	if flagFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(syms)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tNAME\tCONTAINER\tRANGE")
	for _, s := range syms {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d..%d\n", s.Kind, s.Name, s.Container, s.StartByte, s.EndByte)
	}
	return w.Flush()
}
