package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Default log caps. Oldest entries are evicted once a log grows past its cap.
const (
	DefaultMaxVisits   = 1000
	DefaultMaxSessions = 500
)

// Meta keys.
const (
	metaLastDate         = "last_date"
	metaLastAggregatedAt = "last_aggregated_at"
)

// Store defines the typed repository for Histo data, one method group per
// entity collection, all backed by the same SQLite database.
type Store interface {
	// Visit log (append-only, capped).
	AppendVisit(ctx context.Context, visit *Visit) error
	CountVisits(ctx context.Context) (int64, error)
	RecentVisits(ctx context.Context, limit int) ([]Visit, error)

	// Completed session log (append-only, capped). CloseSession is the only
	// write path: it moves a finished session from the slot into the log.
	CloseSession(ctx context.Context, session *Session) error
	ListSessions(ctx context.Context) ([]Session, error)
	CountSessions(ctx context.Context) (int64, error)
	HasSession(ctx context.Context, id string) (bool, error)

	// Current session slot.
	SaveCurrentSession(ctx context.Context, session *Session) error
	LoadCurrentSession(ctx context.Context) (*Session, error)
	ClearCurrentSession(ctx context.Context) error

	// Aggregation state.
	LoadProcessedIDs(ctx context.Context) (map[string]bool, error)
	LoadSiteStats(ctx context.Context) (map[string]*SiteStat, error)
	LoadCategoryStats(ctx context.Context) ([]CategoryStat, error)
	LoadDailyTotal(ctx context.Context, date string) (*DailyTotal, error)
	ReplaceStats(ctx context.Context, update *StatsUpdate) error

	// Daily rollover.
	LastDate(ctx context.Context) (string, error)
	SetLastDate(ctx context.Context, date string) error
	RolloverDay(ctx context.Context, archived *DailyTotal, newDate string) error
	ListArchive(ctx context.Context, limit int) ([]DailyTotal, error)

	// Alert bookkeeping.
	AlertFired(ctx context.Context, date, name string) (bool, error)
	MarkAlertFired(ctx context.Context, date, name string) error

	// Admin.
	ResetAll(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB

	maxVisits   int64
	maxSessions int64

	// Prepared statements for the hot paths.
	insertVisit   *sql.Stmt
	insertSession *sql.Stmt
	upsertCurrent *sql.Stmt
	deleteCurrent *sql.Stmt
	selectCurrent *sql.Stmt
}

// Options tunes the store's log caps. Zero values fall back to the defaults.
type Options struct {
	MaxVisits   int64
	MaxSessions int64
}

// NewSQLiteStore creates a SQLiteStore from an already-opened and migrated
// database.
func NewSQLiteStore(db *sql.DB, opts Options) (*SQLiteStore, error) {
	s := &SQLiteStore{
		db:          db,
		maxVisits:   opts.MaxVisits,
		maxSessions: opts.MaxSessions,
	}
	if s.maxVisits <= 0 {
		s.maxVisits = DefaultMaxVisits
	}
	if s.maxSessions <= 0 {
		s.maxSessions = DefaultMaxSessions
	}

	if err := s.prepareStatements(); err != nil {
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.insertVisit, err = s.db.Prepare(`
		INSERT INTO visits (ts_ms, url, title, source)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}

	s.insertSession, err = s.db.Prepare(`
		INSERT INTO sessions (id, url, domain, start_ms, end_ms, duration_ms, tab_id, window_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}

	s.upsertCurrent, err = s.db.Prepare(`
		INSERT INTO current_session (slot, id, url, domain, start_ms, tab_id, window_id)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			id = excluded.id, url = excluded.url, domain = excluded.domain,
			start_ms = excluded.start_ms, tab_id = excluded.tab_id,
			window_id = excluded.window_id
	`)
	if err != nil {
		return err
	}

	s.deleteCurrent, err = s.db.Prepare(`DELETE FROM current_session WHERE slot = 1`)
	if err != nil {
		return err
	}

	s.selectCurrent, err = s.db.Prepare(`
		SELECT id, url, domain, start_ms, tab_id, window_id
		FROM current_session WHERE slot = 1
	`)
	if err != nil {
		return err
	}

	return nil
}

// timeToMs converts a time to Unix milliseconds; the zero time maps to 0.
func timeToMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// msToTime converts Unix milliseconds to a time; 0 maps to the zero time.
func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// ── Visit log ──────────────────────────────────────────────────────────────

// AppendVisit inserts a visit and evicts the oldest rows past the cap.
func (s *SQLiteStore) AppendVisit(ctx context.Context, visit *Visit) error {
	if visit.Timestamp.IsZero() {
		visit.Timestamp = time.Now()
	}

	res, err := s.insertVisit.ExecContext(ctx,
		timeToMs(visit.Timestamp), visit.URL, visit.Title, visit.Source,
	)
	if err != nil {
		return fmt.Errorf("insert visit: %w", err)
	}
	visit.ID, _ = res.LastInsertId()

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM visits WHERE id IN (
			SELECT id FROM visits ORDER BY id DESC LIMIT -1 OFFSET ?
		)`, s.maxVisits,
	)
	if err != nil {
		return fmt.Errorf("evict visits: %w", err)
	}

	return nil
}

// CountVisits returns the number of visits currently in the log.
func (s *SQLiteStore) CountVisits(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM visits").Scan(&n); err != nil {
		return 0, fmt.Errorf("count visits: %w", err)
	}
	return n, nil
}

// RecentVisits returns up to limit visits, newest first.
func (s *SQLiteStore) RecentVisits(ctx context.Context, limit int) ([]Visit, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts_ms, url, title, source
		FROM visits ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query visits: %w", err)
	}
	defer rows.Close()

	visits := []Visit{}
	for rows.Next() {
		var v Visit
		var ts int64
		if err := rows.Scan(&v.ID, &ts, &v.URL, &v.Title, &v.Source); err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		v.Timestamp = msToTime(ts)
		visits = append(visits, v)
	}

	return visits, rows.Err()
}

// ── Completed session log ──────────────────────────────────────────────────

// ListSessions returns the full completed-session log, oldest first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, domain, start_ms, end_ms, duration_ms, tab_id, window_id
		FROM sessions ORDER BY rowid ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var sess Session
		var startMs, endMs int64
		if err := rows.Scan(
			&sess.ID, &sess.URL, &sess.Domain,
			&startMs, &endMs, &sess.DurationMs, &sess.TabID, &sess.WindowID,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Start = msToTime(startMs)
		sess.End = msToTime(endMs)
		sessions = append(sessions, sess)
	}

	return sessions, rows.Err()
}

// HasSession reports whether the completed log already holds a session with
// the given ID.
func (s *SQLiteStore) HasSession(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions WHERE id = ?", id,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	return n > 0, nil
}

// CountSessions returns the number of completed sessions in the log.
func (s *SQLiteStore) CountSessions(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// ── Current session slot ───────────────────────────────────────────────────

// SaveCurrentSession persists the open session into the single slot row,
// replacing any previous occupant.
func (s *SQLiteStore) SaveCurrentSession(ctx context.Context, session *Session) error {
	_, err := s.upsertCurrent.ExecContext(ctx,
		session.ID, session.URL, session.Domain,
		timeToMs(session.Start), session.TabID, session.WindowID,
	)
	if err != nil {
		return fmt.Errorf("save current session: %w", err)
	}
	return nil
}

// LoadCurrentSession returns the persisted open session, or nil when the slot
// is empty.
func (s *SQLiteStore) LoadCurrentSession(ctx context.Context) (*Session, error) {
	var sess Session
	var startMs int64
	err := s.selectCurrent.QueryRowContext(ctx).Scan(
		&sess.ID, &sess.URL, &sess.Domain, &startMs, &sess.TabID, &sess.WindowID,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load current session: %w", err)
	}
	sess.Start = msToTime(startMs)
	return &sess, nil
}

// ClearCurrentSession empties the slot. Clearing an empty slot is a no-op.
func (s *SQLiteStore) ClearCurrentSession(ctx context.Context) error {
	if _, err := s.deleteCurrent.ExecContext(ctx); err != nil {
		return fmt.Errorf("clear current session: %w", err)
	}
	return nil
}

// CloseSession moves a finished session from the slot into the completed log
// in one transaction: the insert, the eviction past the cap, and the slot
// delete commit together, so a crash can never leave the same session both
// completed and current. Open sessions are rejected.
func (s *SQLiteStore) CloseSession(ctx context.Context, session *Session) error {
	if session.Open() {
		return fmt.Errorf("session %s is still open", session.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.StmtContext(ctx, s.insertSession).ExecContext(ctx,
		session.ID, session.URL, session.Domain,
		timeToMs(session.Start), timeToMs(session.End), session.DurationMs,
		session.TabID, session.WindowID,
	); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sessions WHERE rowid IN (
			SELECT rowid FROM sessions ORDER BY rowid DESC LIMIT -1 OFFSET ?
		)`, s.maxSessions,
	); err != nil {
		return fmt.Errorf("evict sessions: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM current_session WHERE slot = 1"); err != nil {
		return fmt.Errorf("clear current session: %w", err)
	}

	return tx.Commit()
}

// ── Aggregation state ──────────────────────────────────────────────────────

// LoadProcessedIDs returns the set of session IDs already folded into the
// statistics.
func (s *SQLiteStore) LoadProcessedIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT session_id FROM processed_sessions")
	if err != nil {
		return nil, fmt.Errorf("query processed sessions: %w", err)
	}
	defer rows.Close()

	ids := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan processed session: %w", err)
		}
		ids[id] = true
	}

	return ids, rows.Err()
}

// LoadSiteStats returns today's per-domain statistics keyed by domain.
func (s *SQLiteStore) LoadSiteStats(ctx context.Context) (map[string]*SiteStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, raw_minutes, raw_visits, minutes, visits, category, last_visited_ms, pct_of_day
		FROM site_stats`,
	)
	if err != nil {
		return nil, fmt.Errorf("query site stats: %w", err)
	}
	defer rows.Close()

	stats := map[string]*SiteStat{}
	for rows.Next() {
		var st SiteStat
		var lastMs int64
		if err := rows.Scan(
			&st.Domain, &st.RawMinutes, &st.RawVisits, &st.Minutes, &st.Visits,
			&st.Category, &lastMs, &st.PctOfDay,
		); err != nil {
			return nil, fmt.Errorf("scan site stat: %w", err)
		}
		st.LastVisited = msToTime(lastMs)
		stats[st.Domain] = &st
	}

	return stats, rows.Err()
}

// LoadCategoryStats returns today's per-category statistics, most minutes
// first.
func (s *SQLiteStore) LoadCategoryStats(ctx context.Context) ([]CategoryStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, minutes, visits, sites
		FROM category_stats ORDER BY minutes DESC, name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query category stats: %w", err)
	}
	defer rows.Close()

	stats := []CategoryStat{}
	for rows.Next() {
		var st CategoryStat
		if err := rows.Scan(&st.Name, &st.Minutes, &st.Visits, &st.Sites); err != nil {
			return nil, fmt.Errorf("scan category stat: %w", err)
		}
		stats = append(stats, st)
	}

	return stats, rows.Err()
}

// LoadDailyTotal returns the totals row for the given date, or nil when none
// exists yet.
func (s *SQLiteStore) LoadDailyTotal(ctx context.Context, date string) (*DailyTotal, error) {
	var dt DailyTotal
	err := s.db.QueryRowContext(ctx, `
		SELECT date, total_minutes, total_sites, total_visits
		FROM daily_totals WHERE date = ?`, date,
	).Scan(&dt.Date, &dt.TotalMinutes, &dt.TotalSites, &dt.TotalVisits)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load daily total: %w", err)
	}
	return &dt, nil
}

// ReplaceStats persists the outcome of an aggregation pass wholesale: site
// stats, category stats, the daily total, and the processed-session set are
// all rewritten in one transaction so a crash can never leave the derived
// structures disagreeing with each other.
func (s *SQLiteStore) ReplaceStats(ctx context.Context, update *StatsUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM site_stats"); err != nil {
		return fmt.Errorf("clear site stats: %w", err)
	}
	for _, st := range update.Sites {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO site_stats (domain, raw_minutes, raw_visits, minutes, visits, category, last_visited_ms, pct_of_day)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			st.Domain, st.RawMinutes, st.RawVisits, st.Minutes, st.Visits,
			st.Category, timeToMs(st.LastVisited), st.PctOfDay,
		); err != nil {
			return fmt.Errorf("insert site stat %s: %w", st.Domain, err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM category_stats"); err != nil {
		return fmt.Errorf("clear category stats: %w", err)
	}
	for _, st := range update.Categories {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO category_stats (name, minutes, visits, sites)
			VALUES (?, ?, ?, ?)`,
			st.Name, st.Minutes, st.Visits, st.Sites,
		); err != nil {
			return fmt.Errorf("insert category stat %s: %w", st.Name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO daily_totals (date, total_minutes, total_sites, total_visits)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			total_minutes = excluded.total_minutes,
			total_sites   = excluded.total_sites,
			total_visits  = excluded.total_visits`,
		update.Daily.Date, update.Daily.TotalMinutes,
		update.Daily.TotalSites, update.Daily.TotalVisits,
	); err != nil {
		return fmt.Errorf("upsert daily total: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM processed_sessions"); err != nil {
		return fmt.Errorf("clear processed sessions: %w", err)
	}
	for _, id := range update.ProcessedIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO processed_sessions (session_id) VALUES (?)", id,
		); err != nil {
			return fmt.Errorf("insert processed session: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO meta (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		metaLastAggregatedAt, update.AggregatedAt.UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("record aggregation time: %w", err)
	}

	return tx.Commit()
}

// ── Daily rollover ──────────────────────────────────────────────────────────

// LastDate returns the persisted day key, or "" when never set.
func (s *SQLiteStore) LastDate(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM meta WHERE key = ?", metaLastDate,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load last date: %w", err)
	}
	return v, nil
}

// SetLastDate records the day key without touching any other state. Used on
// first run, when there is nothing to archive.
func (s *SQLiteStore) SetLastDate(ctx context.Context, date string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		metaLastDate, date,
	)
	if err != nil {
		return fmt.Errorf("set last date: %w", err)
	}
	return nil
}

// RolloverDay atomically archives the outgoing day (when archived is non-nil)
// and resets all working state for newDate: both logs, the statistics, the
// processed set, and the current-session slot are cleared; the daily total is
// zeroed for the new date and the day key updated.
func (s *SQLiteStore) RolloverDay(ctx context.Context, archived *DailyTotal, newDate string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if archived != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO daily_archive (date, total_minutes, total_sites, total_visits)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(date) DO UPDATE SET
				total_minutes = excluded.total_minutes,
				total_sites   = excluded.total_sites,
				total_visits  = excluded.total_visits`,
			archived.Date, archived.TotalMinutes, archived.TotalSites, archived.TotalVisits,
		); err != nil {
			return fmt.Errorf("archive daily total: %w", err)
		}
	}

	clears := []string{
		"DELETE FROM sessions",
		"DELETE FROM visits",
		"DELETE FROM site_stats",
		"DELETE FROM category_stats",
		"DELETE FROM processed_sessions",
		"DELETE FROM current_session",
		"DELETE FROM daily_totals",
	}
	for _, stmt := range clears {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rollover reset (%s): %w", stmt, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO daily_totals (date, total_minutes, total_sites, total_visits)
		VALUES (?, 0, 0, 0)`, newDate,
	); err != nil {
		return fmt.Errorf("init daily total: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO meta (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		metaLastDate, newDate,
	); err != nil {
		return fmt.Errorf("update last date: %w", err)
	}

	return tx.Commit()
}

// ListArchive returns archived daily totals, newest first.
func (s *SQLiteStore) ListArchive(ctx context.Context, limit int) ([]DailyTotal, error) {
	if limit <= 0 {
		limit = 30
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT date, total_minutes, total_sites, total_visits
		FROM daily_archive ORDER BY date DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	archive := []DailyTotal{}
	for rows.Next() {
		var dt DailyTotal
		if err := rows.Scan(&dt.Date, &dt.TotalMinutes, &dt.TotalSites, &dt.TotalVisits); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		archive = append(archive, dt)
	}

	return archive, rows.Err()
}

// ── Alert bookkeeping ──────────────────────────────────────────────────────

// AlertFired reports whether the named alert has already fired on date.
func (s *SQLiteStore) AlertFired(ctx context.Context, date, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM alerts_fired WHERE date = ? AND name = ?", date, name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check alert fired: %w", err)
	}
	return n > 0, nil
}

// MarkAlertFired records that the named alert fired on date. Re-marking is
// safe.
func (s *SQLiteStore) MarkAlertFired(ctx context.Context, date, name string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO alerts_fired (date, name) VALUES (?, ?)", date, name,
	)
	if err != nil {
		return fmt.Errorf("mark alert fired: %w", err)
	}
	return nil
}

// ── Admin ───────────────────────────────────────────────────────────────────

// ResetAll deletes every row Histo has written, including the archive.
func (s *SQLiteStore) ResetAll(ctx context.Context) error {
	stmts := []string{
		"DELETE FROM visits",
		"DELETE FROM sessions",
		"DELETE FROM current_session",
		"DELETE FROM processed_sessions",
		"DELETE FROM site_stats",
		"DELETE FROM category_stats",
		"DELETE FROM daily_totals",
		"DELETE FROM daily_archive",
		"DELETE FROM alerts_fired",
		"DELETE FROM meta",
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset (%s): %w", stmt, err)
		}
	}
	return nil
}

// Close releases all prepared statements. The underlying *sql.DB is NOT
// closed; that is the caller's responsibility.
func (s *SQLiteStore) Close() error {
	stmts := []*sql.Stmt{
		s.insertVisit, s.insertSession,
		s.upsertCurrent, s.deleteCurrent, s.selectCurrent,
	}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}
