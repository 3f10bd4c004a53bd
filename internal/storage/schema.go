// Package storage implements the durable journal, checkpoint, results
// freezer, and event/heat configuration layers backed by SQLite.
package storage

import (
	"database/sql"
	"fmt"
)

// schemaStatements mirrors the original schema module's idempotent DDL,
// generalized to the column contract fixed by the design (§6): entrants
// with a partial unique tag index, an append-only event log, checkpoints,
// frozen results, and JSON-blob event/heat configuration.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS entrants (
		entrant_id   INTEGER PRIMARY KEY,
		number       TEXT,
		name         TEXT NOT NULL,
		tag          TEXT,
		enabled      INTEGER NOT NULL DEFAULT 1,
		status       TEXT NOT NULL DEFAULT 'ACTIVE',
		organization TEXT,
		spoken_name  TEXT,
		color        TEXT,
		logo         TEXT,
		updated_at   INTEGER
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_entrants_tag_enabled_unique
		ON entrants(tag) WHERE enabled = 1 AND tag IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS race_events (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		race_id  TEXT NOT NULL,
		wall_ms  INTEGER NOT NULL,
		clock_ms INTEGER NOT NULL,
		type     TEXT NOT NULL,
		payload_json TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_race_events_race_wall ON race_events(race_id, wall_ms)`,

	`CREATE TABLE IF NOT EXISTS race_checkpoints (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		race_id      TEXT NOT NULL,
		wall_ms      INTEGER NOT NULL,
		clock_ms     INTEGER NOT NULL,
		snapshot_json TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_race_checkpoints_race_wall ON race_checkpoints(race_id, wall_ms)`,

	`CREATE TABLE IF NOT EXISTS result_meta (
		race_id          TEXT PRIMARY KEY,
		race_type        TEXT,
		frozen_utc       TEXT NOT NULL,
		duration_ms      INTEGER NOT NULL,
		clock_ms_frozen  INTEGER,
		event_label      TEXT,
		session_label    TEXT,
		race_mode        TEXT,
		frozen_iso_local TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS result_standings (
		race_id      TEXT NOT NULL,
		position     INTEGER NOT NULL,
		entrant_id   INTEGER NOT NULL,
		number       TEXT,
		name         TEXT,
		tag          TEXT,
		laps         INTEGER NOT NULL,
		last_ms      INTEGER,
		best_ms      INTEGER,
		gap_ms       INTEGER,
		lap_deficit  INTEGER,
		pit_count    INTEGER DEFAULT 0,
		status       TEXT DEFAULT 'ACTIVE',
		grid_index   INTEGER,
		brake_valid  INTEGER,
		PRIMARY KEY (race_id, position)
	)`,

	`CREATE TABLE IF NOT EXISTS result_laps (
		race_id     TEXT NOT NULL,
		entrant_id  INTEGER NOT NULL,
		lap_no      INTEGER NOT NULL,
		lap_ms      INTEGER NOT NULL,
		pass_ts_ns  INTEGER,
		PRIMARY KEY (race_id, entrant_id, lap_no)
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		config_json TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS heats (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id    INTEGER NOT NULL,
		config_json TEXT,
		FOREIGN KEY (event_id) REFERENCES events(id) ON DELETE CASCADE
	)`,
}

// EnsureSchema creates every table and index if missing. Safe to call at
// every boot, mirroring the original's ensure_schema.
func EnsureSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("storage: enable WAL: %w", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("storage: apply schema: %w", err)
		}
	}
	return nil
}

// HasExtendedResultMetaColumns probes result_meta for the optional columns
// the Results Freezer writes only when present, mirroring the original's
// PRAGMA table_info probe rather than assuming a fixed schema version.
func HasExtendedResultMetaColumns(db *sql.DB) (bool, error) {
	rows, err := db.Query(`PRAGMA table_info(result_meta)`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	want := map[string]bool{"event_label": false, "session_label": false, "race_mode": false, "frozen_iso_local": false}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for _, present := range want {
		if !present {
			return false, nil
		}
	}
	return true, rows.Err()
}
