package store

import (
	"errors"
	"fmt"
	"time"
)

// migration is a versioned schema change applied at open.
type migration struct {
	version int
	name    string
	sql     string
}

// migrations is the ordered schema history. Append only; never edit an
// applied entry.
var migrations = []migration{
	{
		version: 1,
		name:    "events",
		sql: `
CREATE TABLE IF NOT EXISTS events (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	category        TEXT NOT NULL,
	severity        TEXT NOT NULL,
	timestamp       INTEGER NOT NULL,
	source          TEXT NOT NULL,
	data            TEXT,
	metadata        TEXT,
	correlation_id  TEXT,
	parent_event_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(type, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_category_ts ON events(category, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id) WHERE correlation_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_events_parent ON events(parent_event_id) WHERE parent_event_id IS NOT NULL;`,
	},
	{
		version: 2,
		name:    "activities",
		sql: `
CREATE TABLE IF NOT EXISTS activities (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id  TEXT,
	category  TEXT NOT NULL,
	severity  TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	summary   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activities_ts ON activities(timestamp);
CREATE INDEX IF NOT EXISTS idx_activities_category_ts ON activities(category, timestamp);`,
	},
	{
		version: 3,
		name:    "metrics",
		sql: `
CREATE TABLE IF NOT EXISTS metrics (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	metric_id TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	value     REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_metric_ts ON metrics(metric_id, timestamp);`,
	},
	{
		version: 4,
		name:    "stage_transitions",
		sql: `
CREATE TABLE IF NOT EXISTS stage_transitions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	from_stage TEXT,
	to_stage   TEXT NOT NULL,
	confidence REAL NOT NULL,
	reason     TEXT,
	timestamp  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_ts ON stage_transitions(timestamp);`,
	},
	{
		version: 5,
		name:    "file_monitor_cache",
		sql: `
CREATE TABLE IF NOT EXISTS file_monitor_cache (
	path         TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL,
	size         INTEGER NOT NULL,
	mtime        INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);`,
	},
}

// migrate brings the schema up to the latest version. Each migration runs
// in its own transaction and is recorded in the migrations table.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS migrations (
	version    INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at INTEGER NOT NULL
);`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int

	row := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM migrations`)

	scanErr := row.Scan(&current)
	if scanErr != nil {
		return fmt.Errorf("read schema version: %w", scanErr)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		applyErr := s.applyMigration(m)
		if applyErr != nil {
			return applyErr
		}

		s.log.Info("applied migration", "version", m.version, "name", m.name)
	}

	return nil
}

func (s *Store) applyMigration(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}

	_, execErr := tx.Exec(m.sql)
	if execErr != nil {
		return errors.Join(fmt.Errorf("migration %d (%s): %w", m.version, m.name, execErr), tx.Rollback())
	}

	_, recordErr := tx.Exec(
		`INSERT INTO migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, time.Now().UnixMilli(),
	)
	if recordErr != nil {
		return errors.Join(fmt.Errorf("record migration %d: %w", m.version, recordErr), tx.Rollback())
	}

	commitErr := tx.Commit()
	if commitErr != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, commitErr)
	}

	return nil
}
