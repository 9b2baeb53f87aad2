package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/runnerr0/histo/internal/storage"
	"github.com/runnerr0/histo/internal/tracker"
)

// Execute implements the go-flags Commander interface for AddCommand.
func (c *AddCommand) Execute(args []string) error {
	if c.URL == "" {
		return fmt.Errorf("--url is required for add command")
	}

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

// executeWithStore runs the add logic against a provided store (used by tests).
func (c *AddCommand) executeWithStore(store storage.Store) error {
	parsed, err := url.ParseRequestURI(c.URL)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("invalid URL: %s", c.URL)
	}

	visit := &storage.Visit{
		URL:       c.URL,
		Title:     c.Title,
		Source:    tracker.SourceManual,
		Timestamp: time.Now(),
	}
	if err := store.AppendVisit(context.Background(), visit); err != nil {
		return fmt.Errorf("storing visit: %w", err)
	}

	if c.globals != nil && c.globals.JSON {
		out := map[string]interface{}{
			"id":    visit.ID,
			"url":   visit.URL,
			"title": visit.Title,
			"ts":    visit.Timestamp.Format(time.RFC3339),
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Printf("Recorded visit %d (%s)\n", visit.ID, visit.Timestamp.Format(time.RFC3339))
	fmt.Printf("  URL: %s\n", visit.URL)
	if visit.Title != "" {
		fmt.Printf("  Title: %s\n", visit.Title)
	}

	return nil
}
