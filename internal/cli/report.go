package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/runnerr0/histo/internal/categorize"
	"github.com/runnerr0/histo/internal/config"
	"github.com/runnerr0/histo/internal/stats"
	"github.com/runnerr0/histo/internal/storage"
	"github.com/runnerr0/histo/internal/tracker"
)

// Execute implements the go-flags Commander interface for ReportCommand.
func (c *ReportCommand) Execute(args []string) error {
	cfg, err := loadConfig(c.globals)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	defer store.Close()

	return c.executeWithStore(cfg, store)
}

// executeWithStore forces an aggregation pass against a provided store and
// prints today's breakdown (used by tests).
func (c *ReportCommand) executeWithStore(cfg *config.Config, store storage.Store) error {
	ctx := context.Background()

	// Adopt any persisted open session so its elapsed time shows up live.
	tr := tracker.New(store, tracker.Options{
		IgnoredSchemes: cfg.Tracking.IgnoredSchemes,
		IgnoredDomains: cfg.Tracking.IgnoredDomains,
	})
	if err := tr.Recover(ctx); err != nil {
		return err
	}

	cats := categorize.New(cfg.Categories.Overrides)
	agg := stats.New(store, cats, tr, nil)

	snap, err := agg.Aggregate(ctx)
	if err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}

	if c.globals != nil && c.globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Printf("Usage Report (%s)\n", snap.Daily.Date)
	fmt.Println("=========================")
	fmt.Printf("Total: %s across %d sites (%d visits)\n",
		formatMinutes(snap.Daily.TotalMinutes), snap.Daily.TotalSites, snap.Daily.TotalVisits)

	if len(snap.Sites) > 0 {
		fmt.Println()
		fmt.Println("Sites:")
		limit := c.Top
		if limit <= 0 || limit > len(snap.Sites) {
			limit = len(snap.Sites)
		}
		for _, st := range snap.Sites[:limit] {
			fmt.Printf("  %-24s %-8s %5.1f%%  %s\n",
				st.Domain, formatMinutes(st.Minutes), st.PctOfDay, st.Category)
		}
	}

	if len(snap.Categories) > 0 {
		fmt.Println()
		fmt.Println("Categories:")
		for _, cs := range snap.Categories {
			fmt.Printf("  %-24s %-8s %d sites\n", cs.Name, formatMinutes(cs.Minutes), cs.Sites)
		}
	}

	return nil
}
