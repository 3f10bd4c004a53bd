package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hybridsix/chronocore-rs/internal/timing"
)

// EventMeta carries the optional descriptive fields persisted to
// result_meta's extended columns, when the schema has them (§4.5).
type EventMeta struct {
	EventLabel   string
	SessionLabel string
	RaceMode     string
}

// FreezeResults derives and persists the immutable result_meta /
// result_standings / result_laps rows for a finished race. Re-freezing an
// already-frozen race is a silent no-op (idempotence, §4.5 and §8).
func FreezeResults(db *sql.DB, raceID string, raceType string, clockMsFrozen int64, standings []timing.StandingRow, laps map[int][]int64, meta EventMeta) error {
	var exists int
	if err := db.QueryRow(`SELECT COUNT(*) FROM result_meta WHERE race_id = ?`, raceID).Scan(&exists); err != nil {
		return fmt.Errorf("storage: check existing result_meta: %w", err)
	}
	if exists > 0 {
		return nil
	}

	extended, err := HasExtendedResultMetaColumns(db)
	if err != nil {
		return fmt.Errorf("storage: probe result_meta columns: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin freeze: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	frozenUTC := now.UTC().Format("2006-01-02T15:04:05Z")
	frozenLocal := now.Format(time.RFC3339)

	if extended {
		_, err = tx.Exec(
			`INSERT INTO result_meta (race_id, race_type, frozen_utc, duration_ms, clock_ms_frozen, event_label, session_label, race_mode, frozen_iso_local)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			raceID, raceType, frozenUTC, clockMsFrozen, clockMsFrozen, meta.EventLabel, meta.SessionLabel, meta.RaceMode, frozenLocal,
		)
	} else {
		_, err = tx.Exec(
			`INSERT INTO result_meta (race_id, race_type, frozen_utc, duration_ms) VALUES (?, ?, ?, ?)`,
			raceID, raceType, frozenUTC, clockMsFrozen,
		)
	}
	if err != nil {
		return fmt.Errorf("storage: insert result_meta: %w", err)
	}

	standingStmt, err := tx.Prepare(
		`INSERT INTO result_standings
			(race_id, position, entrant_id, number, name, tag, laps, last_ms, best_ms, gap_ms, lap_deficit, pit_count, status, grid_index, brake_valid)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("storage: prepare result_standings insert: %w", err)
	}
	defer standingStmt.Close()

	for _, row := range standings {
		var lastMs, bestMs any
		if row.HasLast {
			lastMs = row.LastMs
		}
		if row.HasBest {
			bestMs = row.BestMs
		}
		var gridIndex any
		if row.HasGrid {
			gridIndex = row.GridIndex
		}
		var brakeValid any
		if row.BrakeValid != nil {
			brakeValid = *row.BrakeValid
		}
		if _, err := standingStmt.Exec(
			raceID, row.Position, row.EntrantID, row.Number, row.Name, row.Tag,
			row.Laps, lastMs, bestMs, row.GapMs, row.LapDeficit, row.PitCount, string(row.Status),
			gridIndex, brakeValid,
		); err != nil {
			return fmt.Errorf("storage: insert result_standings row: %w", err)
		}
	}

	lapStmt, err := tx.Prepare(
		`INSERT INTO result_laps (race_id, entrant_id, lap_no, lap_ms) VALUES (?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("storage: prepare result_laps insert: %w", err)
	}
	defer lapStmt.Close()

	for entrantID, lapMsList := range laps {
		for i, lapMs := range lapMsList {
			if _, err := lapStmt.Exec(raceID, entrantID, i+1, lapMs); err != nil {
				return fmt.Errorf("storage: insert result_laps row: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit freeze: %w", err)
	}
	return nil
}
