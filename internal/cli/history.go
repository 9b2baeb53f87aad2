package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/runnerr0/histo/internal/storage"
)

// Execute implements the go-flags Commander interface for HistoryCommand.
func (c *HistoryCommand) Execute(args []string) error {
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

	return c.executeWithStore(store)
}

// executeWithStore prints the daily archive, or the visit log with --visits,
// from a provided store (used by tests).
func (c *HistoryCommand) executeWithStore(store storage.Store) error {
	if c.Visits {
		return c.printVisits(store)
	}

	archive, err := store.ListArchive(context.Background(), c.Limit)
	if err != nil {
		return fmt.Errorf("load archive: %w", err)
	}

	if c.globals != nil && c.globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(archive)
	}

	if len(archive) == 0 {
		fmt.Println("No archived days yet.")
		return nil
	}

	fmt.Println("Daily History")
	fmt.Println("=============")
	for _, day := range archive {
		fmt.Printf("  %s  %-8s %3d sites  %4d visits\n",
			day.Date, formatMinutes(day.TotalMinutes), day.TotalSites, day.TotalVisits)
	}

	return nil
}

// printVisits lists the most recent entries of the visit log, newest first.
func (c *HistoryCommand) printVisits(store storage.Store) error {
	visits, err := store.RecentVisits(context.Background(), c.Limit)
	if err != nil {
		return fmt.Errorf("load visits: %w", err)
	}

	if c.globals != nil && c.globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(visits)
	}

	if len(visits) == 0 {
		fmt.Println("No visits recorded yet.")
		return nil
	}

	fmt.Println("Recent Visits")
	fmt.Println("=============")
	for _, v := range visits {
		fmt.Printf("  %s  %-10s %s\n",
			v.Timestamp.Format("15:04:05"), v.Source, v.URL)
	}

	return nil
}
