// Package stats implements the incremental aggregation engine and the daily
// rollover. An aggregation pass is idempotent: completed sessions are folded
// into the cumulative statistics exactly once, keyed by session ID, while the
// still-open session's contribution is re-derived from scratch on every pass
// and never accumulated.
package stats

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/runnerr0/histo/internal/categorize"
	"github.com/runnerr0/histo/internal/storage"
)

// LiveSource exposes the tracker's open session to the aggregator: a
// read-only copy per pass, plus a guarded drop for the daily rollover, which
// cuts off a session straddling midnight without touching one opened on the
// new day.
type LiveSource interface {
	Current() *storage.Session
	DropIfStartedBefore(cutoff time.Time)
}

// Aggregator folds sessions into per-site and per-category statistics.
type Aggregator struct {
	store storage.Store
	cats  *categorize.Categorizer
	live  LiveSource
	now   func() time.Time

	// Passes are idempotent, but they read-modify-write the statistics in
	// two transactions (rollover, then stats), so concurrent triggers are
	// serialized.
	mu sync.Mutex
}

// New creates an Aggregator. now defaults to time.Now when nil.
func New(store storage.Store, cats *categorize.Categorizer, live LiveSource, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{store: store, cats: cats, live: live, now: now}
}

// DayKey returns the stable calendar-day key for t (UTC date).
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Aggregate runs one pass: daily-rollover check, exactly-once folding of
// newly completed sessions, wholesale re-derivation of the published figures
// (including the live session), and a single-transaction write of every
// derived structure. Safe to call repeatedly and from concurrent triggers.
// On error nothing has been written beyond a completed rollover, and the
// next trigger simply retries.
func (a *Aggregator) Aggregate(ctx context.Context) (*storage.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	today := DayKey(now)

	if err := a.rollover(ctx, now, today); err != nil {
		return nil, err
	}

	sessions, err := a.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	processed, err := a.store.LoadProcessedIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load processed set: %w", err)
	}
	sites, err := a.store.LoadSiteStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("load site stats: %w", err)
	}
	visitCount, err := a.store.CountVisits(ctx)
	if err != nil {
		return nil, fmt.Errorf("count visits: %w", err)
	}

	// Prune processed IDs whose session fell out of the capped log, so the
	// set cannot grow without bound.
	inLog := make(map[string]bool, len(sessions))
	for i := range sessions {
		inLog[sessions[i].ID] = true
	}
	for id := range processed {
		if !inLog[id] {
			delete(processed, id)
		}
	}

	// Fold every not-yet-processed completed session into the raw
	// accumulators, exactly once.
	for i := range sessions {
		sess := &sessions[i]
		if processed[sess.ID] {
			continue
		}
		a.fold(sites, sess)
		processed[sess.ID] = true
	}

	// The live session contributes minutes computed fresh from now. It is
	// never marked processed and its contribution never enters the raw
	// accumulators: once it closes it arrives through the completed log.
	liveDomain := ""
	var liveMinutes float64
	if live := a.live.Current(); live != nil && live.Domain != "" {
		durMs := now.Sub(live.Start).Milliseconds()
		if durMs < 0 {
			durMs = 0
		}
		liveMinutes = float64(durMs) / 60000
		liveDomain = live.Domain

		if _, ok := sites[liveDomain]; !ok {
			sites[liveDomain] = &storage.SiteStat{Domain: liveDomain}
		}
		if sites[liveDomain].Category == "" {
			sites[liveDomain].Category = a.cats.Categorize(liveDomain, live.URL)
		}
		if now.After(sites[liveDomain].LastVisited) {
			sites[liveDomain].LastVisited = now
		}
	}

	// Re-derive every published figure wholesale from the raw accumulators
	// plus the live contribution, so repeated rounding cannot drift.
	var totalMinutes float64
	for _, st := range sites {
		totalMinutes += a.effectiveMinutes(st, liveDomain, liveMinutes)
	}
	roundedTotal := int64(math.Round(totalMinutes))

	siteList := make([]storage.SiteStat, 0, len(sites))
	for _, st := range sites {
		eff := a.effectiveMinutes(st, liveDomain, liveMinutes)
		st.Minutes = int64(math.Round(eff))
		st.Visits = st.RawVisits
		if st.Domain == liveDomain {
			st.Visits++
		}
		if roundedTotal > 0 {
			st.PctOfDay = math.Round(float64(st.Minutes)/float64(roundedTotal)*1000) / 10
		} else {
			st.PctOfDay = 0
		}
		siteList = append(siteList, *st)
	}
	sort.Slice(siteList, func(i, j int) bool {
		if siteList[i].Minutes != siteList[j].Minutes {
			return siteList[i].Minutes > siteList[j].Minutes
		}
		return siteList[i].Domain < siteList[j].Domain
	})

	categories := a.deriveCategories(sites, liveDomain, liveMinutes)

	daily := storage.DailyTotal{
		Date:         today,
		TotalMinutes: roundedTotal,
		TotalSites:   int64(len(siteList)),
		TotalVisits:  visitCount,
	}

	processedIDs := make([]string, 0, len(processed))
	for id := range processed {
		processedIDs = append(processedIDs, id)
	}
	sort.Strings(processedIDs)

	update := &storage.StatsUpdate{
		Sites:        siteList,
		Categories:   categories,
		Daily:        daily,
		ProcessedIDs: processedIDs,
		AggregatedAt: now,
	}
	if err := a.store.ReplaceStats(ctx, update); err != nil {
		return nil, fmt.Errorf("persist stats: %w", err)
	}

	archive, err := a.store.ListArchive(ctx, 30)
	if err != nil {
		return nil, fmt.Errorf("load archive: %w", err)
	}

	return &storage.Snapshot{
		Sites:        siteList,
		Categories:   categories,
		Daily:        daily,
		Archive:      archive,
		AggregatedAt: now,
	}, nil
}

// fold adds one completed session to the raw accumulators. Called at most
// once per session ID.
func (a *Aggregator) fold(sites map[string]*storage.SiteStat, sess *storage.Session) {
	durMs := sess.DurationMs
	if durMs < 0 {
		durMs = 0
	}
	minutes := float64(durMs) / 60000

	st, ok := sites[sess.Domain]
	if !ok {
		st = &storage.SiteStat{Domain: sess.Domain}
		sites[sess.Domain] = st
	}
	st.RawMinutes += minutes
	st.RawVisits++
	st.Category = a.cats.Categorize(sess.Domain, sess.URL)

	last := sess.End
	if last.IsZero() {
		last = sess.Start
	}
	if last.After(st.LastVisited) {
		st.LastVisited = last
	}
}

// deriveCategories rebuilds the category view wholesale from the site stats,
// so the two views can never disagree.
func (a *Aggregator) deriveCategories(sites map[string]*storage.SiteStat, liveDomain string, liveMinutes float64) []storage.CategoryStat {
	byName := map[string]*storage.CategoryStat{}
	rawByName := map[string]float64{}

	for _, st := range sites {
		cat := st.Category
		if cat == "" {
			cat = categorize.Other
		}
		cs, ok := byName[cat]
		if !ok {
			cs = &storage.CategoryStat{Name: cat}
			byName[cat] = cs
		}
		rawByName[cat] += a.effectiveMinutes(st, liveDomain, liveMinutes)
		cs.Visits += st.Visits
		cs.Sites++
	}

	categories := make([]storage.CategoryStat, 0, len(byName))
	for name, cs := range byName {
		cs.Minutes = int64(math.Round(rawByName[name]))
		categories = append(categories, *cs)
	}
	sort.Slice(categories, func(i, j int) bool {
		if categories[i].Minutes != categories[j].Minutes {
			return categories[i].Minutes > categories[j].Minutes
		}
		return categories[i].Name < categories[j].Name
	})
	return categories
}

// effectiveMinutes is a site's unrounded total for this pass: the raw
// accumulator plus the live contribution when the domain matches.
func (a *Aggregator) effectiveMinutes(st *storage.SiteStat, liveDomain string, liveMinutes float64) float64 {
	if st.Domain == liveDomain {
		return st.RawMinutes + liveMinutes
	}
	return st.RawMinutes
}

// rollover archives the outgoing day and resets all working state when the
// calendar day key has changed. First run just records the day key.
func (a *Aggregator) rollover(ctx context.Context, now time.Time, today string) error {
	last, err := a.store.LastDate(ctx)
	if err != nil {
		return fmt.Errorf("load last date: %w", err)
	}
	if last == "" {
		return a.store.SetLastDate(ctx, today)
	}
	if last == today {
		return nil
	}

	outgoing, err := a.store.LoadDailyTotal(ctx, last)
	if err != nil {
		return fmt.Errorf("load outgoing daily total: %w", err)
	}
	var archived *storage.DailyTotal
	if outgoing != nil && outgoing.TotalMinutes > 0 {
		archived = outgoing
	}

	if err := a.store.RolloverDay(ctx, archived, today); err != nil {
		return fmt.Errorf("rollover day: %w", err)
	}
	// RolloverDay cleared the durable slot; the cutoff keeps a session that
	// was activated (and re-persisted) between that commit and this line.
	a.live.DropIfStartedBefore(now.UTC().Truncate(24 * time.Hour))

	log.Printf("[histo] day rolled over: %s -> %s", last, today)
	return nil
}
