package storage

import "database/sql"

// migrateV001 creates the initial Histo schema: visit and session logs, the
// single-row current session slot, the processed-session set, the derived
// statistics tables, daily totals/archive, alert markers, and engine metadata.
// Every statement uses IF NOT EXISTS for idempotency.
func migrateV001(tx *sql.Tx) error {
	stmts := []string{
		// ── Tables ──────────────────────────────────────────────

		`CREATE TABLE IF NOT EXISTS visits (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_ms      INTEGER NOT NULL,
			url        TEXT NOT NULL,
			title      TEXT NOT NULL DEFAULT '',
			source     TEXT NOT NULL DEFAULT 'history',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id          TEXT PRIMARY KEY,
			url         TEXT NOT NULL,
			domain      TEXT NOT NULL,
			start_ms    INTEGER NOT NULL,
			end_ms      INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			tab_id      INTEGER NOT NULL DEFAULT 0,
			window_id   INTEGER NOT NULL DEFAULT 0,
			created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Exactly one open session system-wide: a single slot row.
		`CREATE TABLE IF NOT EXISTS current_session (
			slot      INTEGER PRIMARY KEY CHECK (slot = 1),
			id        TEXT NOT NULL,
			url       TEXT NOT NULL,
			domain    TEXT NOT NULL,
			start_ms  INTEGER NOT NULL,
			tab_id    INTEGER NOT NULL DEFAULT 0,
			window_id INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS processed_sessions (
			session_id TEXT PRIMARY KEY
		)`,

		`CREATE TABLE IF NOT EXISTS site_stats (
			domain          TEXT PRIMARY KEY,
			raw_minutes     REAL NOT NULL DEFAULT 0,
			raw_visits      INTEGER NOT NULL DEFAULT 0,
			minutes         INTEGER NOT NULL DEFAULT 0,
			visits          INTEGER NOT NULL DEFAULT 0,
			category        TEXT NOT NULL DEFAULT '',
			last_visited_ms INTEGER NOT NULL DEFAULT 0,
			pct_of_day      REAL NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS category_stats (
			name    TEXT PRIMARY KEY,
			minutes INTEGER NOT NULL DEFAULT 0,
			visits  INTEGER NOT NULL DEFAULT 0,
			sites   INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS daily_totals (
			date          TEXT PRIMARY KEY,
			total_minutes INTEGER NOT NULL DEFAULT 0,
			total_sites   INTEGER NOT NULL DEFAULT 0,
			total_visits  INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS daily_archive (
			date          TEXT PRIMARY KEY,
			total_minutes INTEGER NOT NULL DEFAULT 0,
			total_sites   INTEGER NOT NULL DEFAULT 0,
			total_visits  INTEGER NOT NULL DEFAULT 0,
			archived_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS alerts_fired (
			date     TEXT NOT NULL,
			name     TEXT NOT NULL,
			fired_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (date, name)
		)`,

		`CREATE TABLE IF NOT EXISTS meta (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// ── Indexes ────────────────────────────────────────────

		`CREATE INDEX IF NOT EXISTS idx_visits_ts       ON visits(ts_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_domain ON sessions(domain)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_end    ON sessions(end_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_date    ON daily_archive(date)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}
