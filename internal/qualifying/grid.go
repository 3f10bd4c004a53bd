// Package qualifying builds a starting grid from a frozen qualifying
// session and a set of brake-test verdicts (§4.6).
package qualifying

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Policy names how a failed brake-test verdict affects an entrant's grid
// position.
type Policy string

const (
	PolicyDemote       Policy = "demote"
	PolicyUseNextValid Policy = "use_next_valid"
	PolicyExclude      Policy = "exclude"
)

// GridRow is one entrant's computed position in the built grid.
type GridRow struct {
	EntrantID int     `json:"entrant_id"`
	BestMs    int64   `json:"best_ms"`
	BrakeOK   bool    `json:"brake_ok"`
	Order     int     `json:"order"`
}

// Grid is the persisted shape stored under the event config's "qualifying"
// key (§4.6 step 3).
type Grid struct {
	SourceHeatID string    `json:"source_heat_id"`
	Policy       Policy    `json:"policy"`
	Rows         []GridRow `json:"grid"`
}

type candidate struct {
	entrantID int
	bestMs    int64
	hasBest   bool
	brakeOK   bool
	exclude   bool
	demote    bool
}

// BuildGrid runs the ranking algorithm described in §4.6 against the frozen
// laps for qualifyingRaceID, read from result_laps.
func BuildGrid(db *sql.DB, qualifyingRaceID string, policy Policy, verdicts map[int]bool) (Grid, error) {
	laps, err := loadLaps(db, qualifyingRaceID)
	if err != nil {
		return Grid{}, fmt.Errorf("qualifying: load laps: %w", err)
	}

	candidates := make([]candidate, 0, len(laps))
	for entrantID, lapMs := range laps {
		if len(lapMs) == 0 {
			continue
		}
		sorted := append([]int64(nil), lapMs...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		verdict, hasVerdict := verdicts[entrantID]

		c := candidate{entrantID: entrantID}
		switch {
		case !hasVerdict:
			c.bestMs, c.hasBest = sorted[0], true
			c.brakeOK = false
		case verdict:
			c.bestMs, c.hasBest = sorted[0], true
			c.brakeOK = true
		default: // verdict == false
			c.brakeOK = false
			switch policy {
			case PolicyUseNextValid:
				if len(sorted) >= 2 {
					c.bestMs, c.hasBest = sorted[1], true
				} else {
					c.bestMs, c.hasBest = sorted[0], true
				}
				c.demote = false
			case PolicyDemote:
				c.bestMs, c.hasBest = sorted[0], true
				c.demote = true
			case PolicyExclude:
				c.bestMs, c.hasBest = sorted[0], true
				c.exclude = true
			default:
				c.bestMs, c.hasBest = sorted[0], true
			}
		}
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.exclude != b.exclude {
			return !a.exclude && b.exclude
		}
		if a.demote != b.demote {
			return !a.demote && b.demote
		}
		return bestOrInf(a) < bestOrInf(b)
	})

	rows := make([]GridRow, 0, len(candidates))
	order := 1
	for _, c := range candidates {
		if c.exclude {
			continue
		}
		rows = append(rows, GridRow{
			EntrantID: c.entrantID,
			BestMs:    c.bestMs,
			BrakeOK:   c.brakeOK,
			Order:     order,
		})
		order++
	}

	return Grid{SourceHeatID: qualifyingRaceID, Policy: policy, Rows: rows}, nil
}

func bestOrInf(c candidate) int64 {
	if c.hasBest {
		return c.bestMs
	}
	return math.MaxInt64
}

func loadLaps(db *sql.DB, raceID string) (map[int][]int64, error) {
	rows, err := db.Query(`SELECT entrant_id, lap_ms FROM result_laps WHERE race_id = ?`, raceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int][]int64)
	for rows.Next() {
		var entrantID int
		var lapMs int64
		if err := rows.Scan(&entrantID, &lapMs); err != nil {
			return nil, err
		}
		out[entrantID] = append(out[entrantID], lapMs)
	}
	return out, rows.Err()
}

// PersistToEvent merge-patches the given grid into the event's JSON config
// blob under the "qualifying" key, leaving any other keys in the blob
// untouched (mirroring the original's read-merge-write config helpers).
func PersistToEvent(db *sql.DB, eventID int, grid Grid) error {
	var raw sql.NullString
	if err := db.QueryRow(`SELECT config_json FROM events WHERE id = ?`, eventID).Scan(&raw); err != nil {
		return fmt.Errorf("qualifying: load event config: %w", err)
	}

	cfg := map[string]any{}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &cfg); err != nil {
			return fmt.Errorf("qualifying: unmarshal event config: %w", err)
		}
	}
	cfg["qualifying"] = grid

	encoded, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("qualifying: marshal event config: %w", err)
	}

	_, err = db.Exec(`UPDATE events SET config_json = ? WHERE id = ?`, string(encoded), eventID)
	if err != nil {
		return fmt.Errorf("qualifying: persist event config: %w", err)
	}
	return nil
}
