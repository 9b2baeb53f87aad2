// Package tracker owns the session lifecycle: it is the only component that
// creates, closes, and persists sessions. At most one session is open at any
// time, and every transition persists or clears the current-session slot
// before returning, so the durable slot always reflects the true open
// session even if the process dies immediately afterwards.
package tracker

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runnerr0/histo/internal/categorize"
	"github.com/runnerr0/histo/internal/storage"
)

// Visit sources.
const (
	SourceHistory   = "history"
	SourceTabUpdate = "tab_update"
	SourceManual    = "manual"
)

// Options configures a Tracker. Zero values get sensible defaults.
type Options struct {
	// Now is the clock; defaults to time.Now. Injected by tests.
	Now func() time.Time
	// IgnoredSchemes lists URL schemes that never open a session or record
	// a visit (browser-internal pages etc.).
	IgnoredSchemes []string
	// IgnoredDomains lists domains excluded from tracking entirely.
	IgnoredDomains []string
	// OnSessionEnd is invoked after a session has been closed and durably
	// logged, to enqueue an aggregation pass. It must not block.
	OnSessionEnd func()
}

// Tracker is the session lifecycle manager.
type Tracker struct {
	store storage.Store
	now   func() time.Time

	ignoredSchemes map[string]bool
	ignoredDomains map[string]bool
	onSessionEnd   func()

	mu      sync.Mutex
	current *storage.Session
}

// New creates a Tracker.
func New(store storage.Store, opts Options) *Tracker {
	t := &Tracker{
		store:          store,
		now:            opts.Now,
		ignoredSchemes: map[string]bool{},
		ignoredDomains: map[string]bool{},
		onSessionEnd:   opts.OnSessionEnd,
	}
	if t.now == nil {
		t.now = time.Now
	}
	for _, s := range opts.IgnoredSchemes {
		t.ignoredSchemes[s] = true
	}
	for _, d := range opts.IgnoredDomains {
		t.ignoredDomains[d] = true
	}
	return t
}

// Recover adopts a previously persisted open session after a process restart.
// The session's original start time is preserved, so elapsed time before the
// restart is still counted. Must run before the first aggregation pass.
func (t *Tracker) Recover(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess, err := t.store.LoadCurrentSession(ctx)
	if err != nil {
		return fmt.Errorf("recover current session: %w", err)
	}
	if sess == nil {
		return nil
	}

	// A slot session whose ID is already in the completed log is a stale
	// leftover, not an open session: adopting it would count the interval
	// twice and the next close would collide with the logged copy.
	logged, err := t.store.HasSession(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("check recovered session: %w", err)
	}
	if logged {
		if err := t.store.ClearCurrentSession(ctx); err != nil {
			return fmt.Errorf("discard stale current session: %w", err)
		}
		log.Printf("[histo] discarded stale slot session for %s (already logged)", sess.Domain)
		return nil
	}

	t.current = sess
	log.Printf("[histo] recovered open session for %s (started %s)",
		sess.Domain, sess.Start.Format(time.RFC3339))
	return nil
}

// Activate handles a tab becoming active: it first closes any open session,
// then opens a new one for the URL's domain. URLs with ignored schemes,
// excluded domains, or no parsable host close the open session but open
// nothing.
func (t *Tracker) Activate(ctx context.Context, rawURL string, tabID, windowID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.endLocked(ctx, "switch"); err != nil {
		return err
	}

	if !t.trackable(rawURL) {
		return nil
	}
	domain := categorize.Domain(rawURL)
	if domain == "" || t.ignoredDomains[domain] {
		return nil
	}

	sess := &storage.Session{
		ID:       uuid.NewString(),
		URL:      rawURL,
		Domain:   domain,
		Start:    t.now(),
		TabID:    tabID,
		WindowID: windowID,
	}

	if err := t.store.SaveCurrentSession(ctx, sess); err != nil {
		return fmt.Errorf("persist current session: %w", err)
	}
	t.current = sess
	return nil
}

// EndSession closes the open session for the given reason. A call with no
// open session is a no-op.
func (t *Tracker) EndSession(ctx context.Context, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endLocked(ctx, reason)
}

// endLocked closes the open session: it stamps the end time with the
// duration floored at zero to tolerate clock skew, atomically moves the
// closed session from the durable slot into the completed log, and finally
// schedules an aggregation pass. Caller must hold t.mu.
func (t *Tracker) endLocked(ctx context.Context, reason string) error {
	if t.current == nil {
		return nil
	}

	sess := *t.current
	sess.End = t.now()
	sess.DurationMs = sess.End.Sub(sess.Start).Milliseconds()
	if sess.DurationMs < 0 {
		sess.DurationMs = 0
	}

	if err := t.store.CloseSession(ctx, &sess); err != nil {
		return fmt.Errorf("log closed session: %w", err)
	}
	t.current = nil

	log.Printf("[histo] session ended (%s): %s %dms", reason, sess.Domain, sess.DurationMs)
	if t.onSessionEnd != nil {
		t.onSessionEnd()
	}
	return nil
}

// TabRemoved closes the open session when its tab goes away. Removal of any
// other tab is ignored.
func (t *Tracker) TabRemoved(ctx context.Context, tabID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil || t.current.TabID != tabID {
		return nil
	}
	return t.endLocked(ctx, "tab-removed")
}

// WindowBlur closes the open session when every window has lost focus.
func (t *Tracker) WindowBlur(ctx context.Context) error {
	return t.EndSession(ctx, "window-blur")
}

// IdleStateChanged closes the open session when the system goes idle or
// locks. The "active" state is ignored.
func (t *Tracker) IdleStateChanged(ctx context.Context, state string) error {
	if state != "idle" && state != "locked" {
		return nil
	}
	return t.EndSession(ctx, "idle-"+state)
}

// RecordVisit appends a page-load record to the capped visit log. Visits to
// ignored schemes or excluded domains are silently skipped.
func (t *Tracker) RecordVisit(ctx context.Context, rawURL, title, source string) error {
	if !t.trackable(rawURL) {
		return nil
	}
	if t.ignoredDomains[categorize.Domain(rawURL)] {
		return nil
	}

	visit := &storage.Visit{
		URL:       rawURL,
		Title:     title,
		Source:    source,
		Timestamp: t.now(),
	}
	if err := t.store.AppendVisit(ctx, visit); err != nil {
		return fmt.Errorf("log visit: %w", err)
	}
	return nil
}

// Current returns a copy of the open session, or nil when idle. The copy is
// read-only input for the aggregator; the tracker keeps exclusive write
// ownership.
func (t *Tracker) Current() *storage.Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		return nil
	}
	sess := *t.current
	return &sess
}

// DropIfStartedBefore discards the in-memory open session without logging it
// when it started before cutoff. Used by the daily rollover, which has
// already cleared the durable slot: a session straddling midnight is cut off
// and restarts on the next activation, while a session opened after the
// rollover committed keeps both its memory copy and its freshly persisted
// slot row.
func (t *Tracker) DropIfStartedBefore(cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil && t.current.Start.Before(cutoff) {
		t.current = nil
	}
}

// trackable reports whether the URL parses, has a host, and does not use an
// ignored scheme.
func (t *Tracker) trackable(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if t.ignoredSchemes[u.Scheme] {
		return false
	}
	return u.Hostname() != ""
}
