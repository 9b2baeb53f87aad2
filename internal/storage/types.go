package storage

import "time"

// Visit is a single page-load record. Visits are append-only and the log is
// capped: once it exceeds the configured maximum the oldest rows are evicted.
type Visit struct {
	ID        int64
	URL       string
	Title     string
	Source    string // "history", "tab_update", "manual"
	Timestamp time.Time
}

// Session is one continuous interval during which a single domain was the
// active tab. End and DurationMs stay zero while the session is open; an open
// session lives in the current_session slot, never in the completed log.
type Session struct {
	ID         string
	URL        string
	Domain     string
	Start      time.Time
	End        time.Time
	DurationMs int64
	TabID      int64
	WindowID   int64
}

// Open reports whether the session has not been closed yet.
func (s *Session) Open() bool {
	return s.End.IsZero()
}

// SiteStat holds today's cumulative usage for one domain.
//
// RawMinutes and RawVisits accumulate only completed sessions that have been
// folded in exactly once (tracked via the processed-session set). Minutes,
// Visits, and PctOfDay are re-derived wholesale on every aggregation pass and
// include the still open session's contribution, which is never written into
// the raw accumulators.
type SiteStat struct {
	Domain      string    `json:"domain"`
	RawMinutes  float64   `json:"-"`
	RawVisits   int64     `json:"-"`
	Minutes     int64     `json:"minutes"`
	Visits      int64     `json:"visits"`
	Category    string    `json:"category"`
	LastVisited time.Time `json:"last_visited"`
	PctOfDay    float64   `json:"pct_of_day"`
}

// CategoryStat is derived wholesale from the site stats on every pass, so the
// two views can never disagree.
type CategoryStat struct {
	Name    string `json:"name"`
	Minutes int64  `json:"minutes"`
	Visits  int64  `json:"visits"`
	Sites   int64  `json:"sites"`
}

// DailyTotal summarizes one calendar day. The row for today is continuously
// overwritten; on rollover it is copied into the daily archive.
type DailyTotal struct {
	Date         string `json:"date"`
	TotalMinutes int64  `json:"total_minutes"`
	TotalSites   int64  `json:"total_sites"`
	TotalVisits  int64  `json:"total_visits"`
}

// StatsUpdate is the wholesale result of one aggregation pass, persisted in a
// single transaction.
type StatsUpdate struct {
	Sites        []SiteStat
	Categories   []CategoryStat
	Daily        DailyTotal
	ProcessedIDs []string
	AggregatedAt time.Time
}

// Snapshot is the read view returned to on-demand callers (get-data, report).
type Snapshot struct {
	Sites        []SiteStat     `json:"sites"`
	Categories   []CategoryStat `json:"categories"`
	Daily        DailyTotal     `json:"daily"`
	Archive      []DailyTotal   `json:"archive"`
	AggregatedAt time.Time      `json:"aggregated_at"`
}
