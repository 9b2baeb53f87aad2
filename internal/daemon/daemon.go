// Package daemon runs the local HTTP service that receives browser events
// and the aggregation loop that turns them into statistics. Event handlers
// never block on aggregation: session-end side effects, the periodic ticker,
// and on-demand requests all funnel through the same idempotent pass.
package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/runnerr0/histo/internal/alert"
	"github.com/runnerr0/histo/internal/config"
	"github.com/runnerr0/histo/internal/stats"
	"github.com/runnerr0/histo/internal/tracker"
)

// TaskQueue coalesces aggregation requests: enqueueing while a request is
// already pending is a no-op, so a burst of session ends triggers one pass.
type TaskQueue struct {
	ch chan struct{}
}

// NewTaskQueue creates an empty queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{ch: make(chan struct{}, 1)}
}

// Enqueue requests an aggregation pass. Never blocks.
func (q *TaskQueue) Enqueue() {
	select {
	case q.ch <- struct{}{}:
	default:
	}
}

// Daemon wraps the HTTP server and the aggregation loop.
type Daemon struct {
	cfg     *config.Config
	tracker *tracker.Tracker
	agg     *stats.Aggregator
	watcher *alert.Watcher
	tasks   *TaskQueue

	httpServer *http.Server
}

// New creates a Daemon and builds its routes.
func New(cfg *config.Config, tr *tracker.Tracker, agg *stats.Aggregator, watcher *alert.Watcher, tasks *TaskQueue) *Daemon {
	d := &Daemon{
		cfg:     cfg,
		tracker: tr,
		agg:     agg,
		watcher: watcher,
		tasks:   tasks,
	}

	if !cfg.Logging.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}

	d.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Daemon.Host, cfg.Daemon.Port),
		Handler:      d.buildRouter(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return d
}

// Run recovers any persisted open session, performs an initial aggregation
// pass, then serves HTTP and runs the aggregation loop until ctx is
// cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.tracker.Recover(ctx); err != nil {
		return fmt.Errorf("recover session: %w", err)
	}
	d.runPass(ctx)

	go d.aggregateLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[histo] daemon listening on %s", d.httpServer.Addr)
		if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Println("[histo] shutting down")
	return d.httpServer.Shutdown(shutdownCtx)
}

// aggregateLoop services the task queue and the periodic ticker.
func (d *Daemon) aggregateLoop(ctx context.Context) {
	interval := time.Duration(d.cfg.Aggregation.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.tasks.ch:
		case <-ticker.C:
		}
		d.runPass(ctx)
	}
}

// runPass executes one aggregation pass and alert check. Failures are logged
// and retried naturally by the next trigger; previously committed state stays
// intact.
func (d *Daemon) runPass(ctx context.Context) {
	snap, err := d.agg.Aggregate(ctx)
	if err != nil {
		log.Printf("[histo] aggregation failed: %v", err)
		return
	}
	if d.watcher != nil {
		if err := d.watcher.Check(ctx, snap); err != nil {
			log.Printf("[histo] alert check failed: %v", err)
		}
	}
}
