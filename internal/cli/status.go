package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/runnerr0/histo/internal/config"
	"github.com/runnerr0/histo/internal/stats"
	"github.com/runnerr0/histo/internal/storage"
)

// statusJSON is the JSON output structure for the status command.
type statusJSON struct {
	Version           string         `json:"version"`
	DatabasePath      string         `json:"database_path"`
	DatabaseSizeBytes int64          `json:"database_size_bytes"`
	DaemonRunning     bool           `json:"daemon_running"`
	Visits            int64          `json:"visits"`
	Sessions          int64          `json:"sessions"`
	TotalMinutes      int64          `json:"total_minutes"`
	TotalSites        int64          `json:"total_sites"`
	TopSites          []topSiteJSON  `json:"top_sites"`
	Categories        []categoryJSON `json:"categories"`
}

type topSiteJSON struct {
	Domain  string `json:"domain"`
	Minutes int64  `json:"minutes"`
}

type categoryJSON struct {
	Name    string `json:"name"`
	Minutes int64  `json:"minutes"`
}

// Execute implements the go-flags Commander interface for StatusCommand.
func (c *StatusCommand) Execute(args []string) error {
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

	return c.executeWithStore(cfg, store, db)
}

// executeWithStore runs status against a provided store and db (for testing).
func (c *StatusCommand) executeWithStore(cfg *config.Config, store storage.Store, db *sql.DB) error {
	ctx := context.Background()

	visits, err := store.CountVisits(ctx)
	if err != nil {
		return err
	}
	sessions, err := store.CountSessions(ctx)
	if err != nil {
		return err
	}

	today := stats.DayKey(time.Now())
	daily, err := store.LoadDailyTotal(ctx, today)
	if err != nil {
		return err
	}
	if daily == nil {
		daily = &storage.DailyTotal{Date: today}
	}

	sites, err := store.LoadSiteStats(ctx)
	if err != nil {
		return err
	}
	top := topSites(sites, 5)

	categories, err := store.LoadCategoryStats(ctx)
	if err != nil {
		return err
	}

	dbPath, _ := cfg.DatabasePath()
	dbSize := getDatabaseSize(db, dbPath)
	daemonRunning := checkDaemon(cfg)

	if c.globals != nil && c.globals.JSON {
		out := statusJSON{
			Version:           c.version,
			DatabasePath:      dbPath,
			DatabaseSizeBytes: dbSize,
			DaemonRunning:     daemonRunning,
			Visits:            visits,
			Sessions:          sessions,
			TotalMinutes:      daily.TotalMinutes,
			TotalSites:        daily.TotalSites,
			TopSites:          make([]topSiteJSON, 0, len(top)),
			Categories:        make([]categoryJSON, 0, len(categories)),
		}
		for _, st := range top {
			out.TopSites = append(out.TopSites, topSiteJSON{Domain: st.Domain, Minutes: st.Minutes})
		}
		for _, cs := range categories {
			out.Categories = append(out.Categories, categoryJSON{Name: cs.Name, Minutes: cs.Minutes})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Println("Histo Status")
	fmt.Println("============")
	fmt.Printf("Version:       %s\n", c.version)
	fmt.Printf("Database:      %s (%s)\n", dbPath, formatBytes(dbSize))
	fmt.Printf("Visits:        %d\n", visits)
	fmt.Printf("Sessions:      %d\n", sessions)
	fmt.Printf("Today:         %s, %s across %d sites\n",
		daily.Date, formatMinutes(daily.TotalMinutes), daily.TotalSites)

	if len(top) > 0 {
		fmt.Println()
		fmt.Println("Top Sites:")
		for _, st := range top {
			fmt.Printf("  %-24s %s\n", st.Domain, formatMinutes(st.Minutes))
		}
	}

	if len(categories) > 0 {
		fmt.Println()
		fmt.Println("Categories:")
		for _, cs := range categories {
			fmt.Printf("  %-24s %s\n", cs.Name, formatMinutes(cs.Minutes))
		}
	}

	fmt.Println()
	if daemonRunning {
		fmt.Println("Daemon:        running")
	} else {
		fmt.Println("Daemon:        not running")
	}

	return nil
}

// topSites returns up to n site stats sorted by minutes descending.
func topSites(sites map[string]*storage.SiteStat, n int) []*storage.SiteStat {
	out := make([]*storage.SiteStat, 0, len(sites))
	for _, st := range sites {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Minutes != out[j].Minutes {
			return out[i].Minutes > out[j].Minutes
		}
		return out[i].Domain < out[j].Domain
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// getDatabaseSize returns the database file size in bytes. For on-disk
// databases it uses os.Stat; for in-memory databases it queries
// page_count * page_size.
func getDatabaseSize(db *sql.DB, dbPath string) int64 {
	if info, err := os.Stat(dbPath); err == nil {
		return info.Size()
	}

	var pageCount, pageSize int64
	if err := db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0
	}
	if err := db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0
	}
	return pageCount * pageSize
}

// checkDaemon attempts an HTTP GET to the daemon's health endpoint.
// Returns true if the daemon responds within 1 second.
func checkDaemon(cfg *config.Config) bool {
	client := &http.Client{Timeout: 1 * time.Second}
	url := fmt.Sprintf("http://%s:%d/healthz", cfg.Daemon.Host, cfg.Daemon.Port)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	if cfg.Daemon.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Daemon.AuthToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
