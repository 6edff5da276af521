package storage

import "fmt"

// createTables applies the schema. Statements are idempotent so startup
// can run them unconditionally.
func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		scope_site_code TEXT NOT NULL DEFAULT '',
		time_scope TEXT NOT NULL DEFAULT 'NONE',
		schedule_start TEXT NOT NULL DEFAULT '',
		schedule_end TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL DEFAULT 'simple',
		simple_spec TEXT,   -- JSON payload, mode=simple
		sequence_spec TEXT, -- JSON payload, mode=sequence
		logic_tree TEXT,    -- JSON payload, mode=logic
		email_notify INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conditions (
		code TEXT PRIMARY KEY,
		label TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'SIMPLE',
		simple_spec TEXT,
		sequence_spec TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		site_code TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT '',
		raw_message TEXT NOT NULL DEFAULT '',
		normalized_message TEXT NOT NULL DEFAULT '',
		incident_id TEXT NOT NULL DEFAULT '',
		incident_open INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp, id);
	CREATE INDEX IF NOT EXISTS idx_events_site ON events(site_code, timestamp);

	CREATE TABLE IF NOT EXISTS hits (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		rule_name TEXT NOT NULL DEFAULT '',
		event_id TEXT NOT NULL,
		pair_event_id TEXT NOT NULL DEFAULT '',
		site_code TEXT NOT NULL DEFAULT '',
		matched_at TEXT NOT NULL,
		score REAL NOT NULL DEFAULT 0,
		explanations TEXT, -- JSON array
		created_at TEXT NOT NULL,
		UNIQUE(event_id, rule_id)
	);
	CREATE INDEX IF NOT EXISTS idx_hits_rule ON hits(rule_id, matched_at);
	CREATE INDEX IF NOT EXISTS idx_hits_matched_at ON hits(matched_at);

	CREATE TABLE IF NOT EXISTS replay_jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL DEFAULT '',
		rules_total INTEGER NOT NULL DEFAULT 0,
		rules_done INTEGER NOT NULL DEFAULT 0,
		events_scanned INTEGER NOT NULL DEFAULT 0,
		alerts_created INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);
	`
	if _, err := s.WriteDB.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
