package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jward/understory"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show tier occupancy for a cache directory",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	cache, err := openCache()
	if err != nil {
		return err
	}
	defer cache.Close()

	stats := cache.Stats()
	if flagFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
	printStats(stats)
	return nil
}

var tierNames = [4]string{"hot", "warm", "cold", "frozen"}

func printStats(s understory.Stats) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIER\tENTRIES\tBYTES")
	for i, t := range s.Tiers {
		fmt.Fprintf(w, "%s\t%d\t%d\n", tierNames[i], t.Entries, t.Bytes)
	}
	w.Flush()
	fmt.Printf("hits %d  misses %d  promotions %d  demotions %d  evictions %d  recoveries %d\n",
		s.Hits, s.Misses, s.Promotions, s.Demotions, s.Evictions, s.Recoveries)
}
