package cli

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/runnerr0/histo/internal/alert"
	"github.com/runnerr0/histo/internal/categorize"
	"github.com/runnerr0/histo/internal/daemon"
	"github.com/runnerr0/histo/internal/stats"
	"github.com/runnerr0/histo/internal/tracker"
)

// Execute implements the go-flags Commander interface for ServeCommand.
func (c *ServeCommand) Execute(args []string) error {
	cfg, err := loadConfig(c.globals)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.Host != "" {
		cfg.Daemon.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Daemon.Port = c.Port
	}
	if c.globals != nil && c.globals.Verbose {
		cfg.Logging.Verbose = true
	}

	store, db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	defer store.Close()

	tasks := daemon.NewTaskQueue()
	cats := categorize.New(cfg.Categories.Overrides)

	tr := tracker.New(store, tracker.Options{
		IgnoredSchemes: cfg.Tracking.IgnoredSchemes,
		IgnoredDomains: cfg.Tracking.IgnoredDomains,
		OnSessionEnd:   tasks.Enqueue,
	})
	agg := stats.New(store, cats, tr, nil)
	watcher := alert.NewWatcher(store, cfg.Alerts, nil)

	d := daemon.New(cfg, tr, agg, watcher, tasks)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("[histo] version %s", c.version)
	return d.Run(ctx)
}
