package qualifying

import (
	"database/sql"
	"encoding/json"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	stmts := []string{
		`CREATE TABLE result_laps (race_id TEXT, entrant_id INTEGER, lap_no INTEGER, lap_ms INTEGER)`,
		`CREATE TABLE events (id INTEGER PRIMARY KEY, config_json TEXT)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("setup schema: %v", err)
		}
	}
	return db
}

func seedLaps(t *testing.T, db *sql.DB, raceID string, entrantID int, lapsMs ...int64) {
	t.Helper()
	for i, ms := range lapsMs {
		if _, err := db.Exec(`INSERT INTO result_laps (race_id, entrant_id, lap_no, lap_ms) VALUES (?, ?, ?, ?)`, raceID, entrantID, i+1, ms); err != nil {
			t.Fatalf("seed lap: %v", err)
		}
	}
}

func TestBuildGridRanksByBestLap(t *testing.T) {
	db := openTestDB(t)
	seedLaps(t, db, "quali-1", 1, 12500, 12100, 12300)
	seedLaps(t, db, "quali-1", 2, 11900, 12000)

	grid, err := BuildGrid(db, "quali-1", PolicyDemote, nil)
	if err != nil {
		t.Fatalf("BuildGrid: %v", err)
	}
	if len(grid.Rows) != 2 {
		t.Fatalf("expected 2 grid rows, got %d", len(grid.Rows))
	}
	if grid.Rows[0].EntrantID != 2 || grid.Rows[0].Order != 1 {
		t.Fatalf("expected entrant 2 (11900ms best) on pole, got %+v", grid.Rows[0])
	}
	if grid.Rows[1].EntrantID != 1 || grid.Rows[1].Order != 2 {
		t.Fatalf("expected entrant 1 second, got %+v", grid.Rows[1])
	}
}

func TestBuildGridDemotePolicyKeepsButSinksFailedBrakeTest(t *testing.T) {
	db := openTestDB(t)
	seedLaps(t, db, "quali-1", 1, 12000)
	seedLaps(t, db, "quali-1", 2, 11000)

	verdicts := map[int]bool{1: true, 2: false}
	grid, err := BuildGrid(db, "quali-1", PolicyDemote, verdicts)
	if err != nil {
		t.Fatalf("BuildGrid: %v", err)
	}
	if grid.Rows[0].EntrantID != 1 {
		t.Fatalf("expected the brake-test pass to outrank the faster but failed entrant, got %+v", grid.Rows[0])
	}
	if grid.Rows[1].EntrantID != 2 || grid.Rows[1].BrakeOK {
		t.Fatalf("expected entrant 2 demoted with BrakeOK=false, got %+v", grid.Rows[1])
	}
}

func TestBuildGridExcludePolicyDropsFailedEntrant(t *testing.T) {
	db := openTestDB(t)
	seedLaps(t, db, "quali-1", 1, 12000)
	seedLaps(t, db, "quali-1", 2, 11000)

	verdicts := map[int]bool{2: false}
	grid, err := BuildGrid(db, "quali-1", PolicyExclude, verdicts)
	if err != nil {
		t.Fatalf("BuildGrid: %v", err)
	}
	if len(grid.Rows) != 1 || grid.Rows[0].EntrantID != 1 {
		t.Fatalf("expected the excluded entrant to be dropped entirely, got %+v", grid.Rows)
	}
}

func TestBuildGridUseNextValidFallsBackToSecondLap(t *testing.T) {
	db := openTestDB(t)
	seedLaps(t, db, "quali-1", 1, 11000, 11500)

	verdicts := map[int]bool{1: false}
	grid, err := BuildGrid(db, "quali-1", PolicyUseNextValid, verdicts)
	if err != nil {
		t.Fatalf("BuildGrid: %v", err)
	}
	if len(grid.Rows) != 1 || grid.Rows[0].BestMs != 11500 {
		t.Fatalf("expected the second-fastest lap to be used after a failed brake test, got %+v", grid.Rows)
	}
}

func TestPersistToEventMergesWithoutClobberingOtherKeys(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Exec(`INSERT INTO events (id, config_json) VALUES (1, '{"other_key": 42}')`); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	grid := Grid{SourceHeatID: "quali-1", Policy: PolicyDemote, Rows: []GridRow{{EntrantID: 1, BestMs: 11000, BrakeOK: true, Order: 1}}}
	if err := PersistToEvent(db, 1, grid); err != nil {
		t.Fatalf("PersistToEvent: %v", err)
	}

	var raw string
	if err := db.QueryRow(`SELECT config_json FROM events WHERE id = 1`).Scan(&raw); err != nil {
		t.Fatalf("read back config: %v", err)
	}
	if raw == "" {
		t.Fatal("expected config_json to be populated")
	}

	var cfg map[string]any
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	if cfg["other_key"] != float64(42) {
		t.Fatalf("expected other_key to survive the merge, got %v", cfg["other_key"])
	}
	if _, ok := cfg["qualifying"]; !ok {
		t.Fatalf("expected a qualifying key in the merged config, got %v", cfg)
	}
}
