package timing

import "sort"

// buildStandings sorts enabled entrants per §4.3.4 and computes gap/deficit
// relative to the leader's lap cohort.
func buildStandings(entrants map[int]*Entrant) []StandingRow {
	live := make([]*Entrant, 0, len(entrants))
	for _, e := range entrants {
		if e.Enabled {
			live = append(live, e)
		}
	}

	sort.Slice(live, func(i, j int) bool {
		a, b := live[i], live[j]
		if a.Laps != b.Laps {
			return a.Laps > b.Laps
		}
		if a.HasFinishOrd && b.HasFinishOrd {
			return a.FinishOrder < b.FinishOrder
		}
		ab, bb := bestOrInf(a), bestOrInf(b)
		if ab != bb {
			return ab < bb
		}
		al, bl := lastOrInf(a), lastOrInf(b)
		if al != bl {
			return al < bl
		}
		return a.EntrantID < b.EntrantID
	})

	var leaderBestS float64
	var leaderLaps int
	if len(live) > 0 {
		leaderLaps = live[0].Laps
		leaderBestS = bestOrInf(live[0])
	}

	rows := make([]StandingRow, 0, len(live))
	for i, e := range live {
		row := StandingRow{
			Position:   i + 1,
			EntrantID:  e.EntrantID,
			Number:     e.Number,
			Name:       e.Name,
			Tag:        e.Tag,
			Laps:       e.Laps,
			PitCount:   e.PitCount,
			Status:     e.Status,
			LapDeficit: leaderLaps - e.Laps,
		}
		if e.HasLastLap {
			row.LastMs = msFromSeconds(e.LastLapS)
			row.HasLast = true
		}
		if e.HasBestLap {
			row.BestMs = msFromSeconds(e.BestLapS)
			row.HasBest = true
			if e.Laps == leaderLaps {
				gapS := e.BestLapS - leaderBestS
				if gapS < 0 {
					gapS = 0
				}
				row.GapMs = msFromSeconds(gapS)
			}
		}
		if e.HasFinishOrd {
			row.FinishOrder = e.FinishOrder
			row.HasFinish = true
		}
		rows = append(rows, row)
	}
	return rows
}

func bestOrInf(e *Entrant) float64 {
	if e.HasBestLap {
		return e.BestLapS
	}
	return inf
}

func lastOrInf(e *Entrant) float64 {
	if e.HasLastLap {
		return e.LastLapS
	}
	return inf
}

const inf = 1e18

// msFromSeconds converts a seconds-domain duration to integer milliseconds
// with half-away-from-zero rounding (§4.5).
func msFromSeconds(s float64) int64 {
	if s >= 0 {
		return int64(s*1000 + 0.5)
	}
	return -int64(-s*1000 + 0.5)
}
