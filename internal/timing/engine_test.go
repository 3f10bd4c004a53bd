package timing

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T, cfg EngineConfig) *Engine {
	t.Helper()
	e := NewEngine(cfg, NewRouter(RouterConfig{}), nil, zerolog.Nop())
	t.Cleanup(e.Close)
	return e
}

func loadOneEntrant(t *testing.T, e *Engine, mode ModeConfig) {
	t.Helper()
	err := e.Load("race-1", "sprint", []EntrantInput{
		{EntrantID: 1, Number: "7", Name: "Driver One", Tag: "0000001"},
	}, mode, SessionOverride{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestEngineFirstPassIsBaseline(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	loadOneEntrant(t, e, ModeConfig{MinLapS: 0.01, MinLapDupS: 0.005})
	if err := e.SetFlag(FlagGreen); err != nil {
		t.Fatalf("SetFlag: %v", err)
	}

	res, err := e.IngestPass(Pass{Tag: "0000001"})
	if err != nil {
		t.Fatalf("IngestPass: %v", err)
	}
	if res.LapAdded || res.Reason != ReasonBaseline {
		t.Fatalf("expected baseline pass with no lap credited, got %+v", res)
	}
}

func TestEngineSecondPassCreditsLap(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	loadOneEntrant(t, e, ModeConfig{MinLapS: 0.01, MinLapDupS: 0.005})
	if err := e.SetFlag(FlagGreen); err != nil {
		t.Fatalf("SetFlag: %v", err)
	}

	if _, err := e.IngestPass(Pass{Tag: "0000001"}); err != nil {
		t.Fatalf("baseline pass: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	res, err := e.IngestPass(Pass{Tag: "0000001"})
	if err != nil {
		t.Fatalf("IngestPass: %v", err)
	}
	if !res.LapAdded {
		t.Fatalf("expected a credited lap, got %+v", res)
	}
}

func TestEngineDupWithinMinLapDupWindowIsRejected(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	loadOneEntrant(t, e, ModeConfig{MinLapS: 5, MinLapDupS: 1})
	if err := e.SetFlag(FlagGreen); err != nil {
		t.Fatalf("SetFlag: %v", err)
	}

	if _, err := e.IngestPass(Pass{Tag: "0000001"}); err != nil {
		t.Fatalf("baseline pass: %v", err)
	}

	res, err := e.IngestPass(Pass{Tag: "0000001"})
	if err != nil {
		t.Fatalf("IngestPass: %v", err)
	}
	if res.LapAdded || res.Reason != ReasonDup {
		t.Fatalf("expected an immediate re-hit to be flagged as a dup, got %+v", res)
	}
}

func TestEngineDisabledEntrantIsRejected(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	disabled := false
	err := e.Load("race-1", "sprint", []EntrantInput{
		{EntrantID: 1, Name: "Driver One", Tag: "0000001", Enabled: &disabled},
	}, ModeConfig{MinLapS: 0.01, MinLapDupS: 0.005}, SessionOverride{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := e.SetFlag(FlagGreen); err != nil {
		t.Fatalf("SetFlag: %v", err)
	}

	res, err := e.IngestPass(Pass{Tag: "0000001"})
	if err != nil {
		t.Fatalf("IngestPass: %v", err)
	}
	if res.Reason != ReasonDisabled {
		t.Fatalf("expected disabled entrant to be rejected, got %+v", res)
	}
}

func TestEngineUnknownTagWithoutAutoProvisionalIsRejected(t *testing.T) {
	e := newTestEngine(t, EngineConfig{AutoProvisional: false})
	loadOneEntrant(t, e, ModeConfig{MinLapS: 0.01, MinLapDupS: 0.005})
	if err := e.SetFlag(FlagGreen); err != nil {
		t.Fatalf("SetFlag: %v", err)
	}

	res, err := e.IngestPass(Pass{Tag: "0009999"})
	if err != nil {
		t.Fatalf("IngestPass: %v", err)
	}
	if res.Reason != ReasonUnknownTag || res.EntrantID != 0 {
		t.Fatalf("expected an unrouted unknown-tag pass, got %+v", res)
	}
}

func TestEngineUnknownTagWithAutoProvisionalCreatesEntrant(t *testing.T) {
	e := newTestEngine(t, EngineConfig{AutoProvisional: true, ProvisionalCap: 5})
	loadOneEntrant(t, e, ModeConfig{MinLapS: 0.01, MinLapDupS: 0.005})
	if err := e.SetFlag(FlagGreen); err != nil {
		t.Fatalf("SetFlag: %v", err)
	}

	res, err := e.IngestPass(Pass{Tag: "0009999"})
	if err != nil {
		t.Fatalf("IngestPass: %v", err)
	}
	if res.EntrantID == 0 {
		t.Fatalf("expected a provisional entrant to be allocated, got %+v", res)
	}

	entrants, err := e.Entrants()
	if err != nil {
		t.Fatalf("Entrants: %v", err)
	}
	ent, ok := entrants[res.EntrantID]
	if !ok || ent.Tag != "0009999" {
		t.Fatalf("expected the provisional entrant to carry the observed tag, got %+v", ent)
	}
}

func TestEngineLapsLimitTriggersCheckeredOnLimitLap(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	err := e.Load("race-1", "sprint", []EntrantInput{
		{EntrantID: 1, Name: "Driver One", Tag: "0000001"},
	}, ModeConfig{Limit: Limit{Type: LimitLaps, ValueLaps: 1}, MinLapS: 0.01, MinLapDupS: 0.005}, SessionOverride{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := e.SetFlag(FlagGreen); err != nil {
		t.Fatalf("SetFlag: %v", err)
	}

	if _, err := e.IngestPass(Pass{Tag: "0000001"}); err != nil {
		t.Fatalf("baseline pass: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	res, err := e.IngestPass(Pass{Tag: "0000001"})
	if err != nil {
		t.Fatalf("IngestPass: %v", err)
	}
	if !res.LapAdded {
		t.Fatalf("expected the limit-th lap to be credited, got %+v", res)
	}

	state, err := e.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.Flag != FlagCheckered {
		t.Fatalf("expected checkered flag once the lap limit is reached, got %s", state.Flag)
	}
	if !state.LimitReached {
		t.Fatal("expected LimitReached to be set")
	}
}

func TestEngineTimeLimitAutoCheckeredFromNonGreenFlag(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	err := e.Load("race-1", "sprint", []EntrantInput{
		{EntrantID: 1, Name: "Driver One", Tag: "0000001"},
	}, ModeConfig{Limit: Limit{Type: LimitTime, ValueS: 0.05}, MinLapS: 0.01, MinLapDupS: 0.005}, SessionOverride{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := e.SetFlag(FlagGreen); err != nil {
		t.Fatalf("SetFlag green: %v", err)
	}
	// Race control throws yellow for an incident well before the time limit
	// elapses; the clock must still auto-checkered once it does, regardless
	// of the flag sitting on yellow rather than green.
	if err := e.SetFlag(FlagYellow); err != nil {
		t.Fatalf("SetFlag yellow: %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	snap, err := e.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Flag != FlagCheckered {
		t.Fatalf("expected a time-limited race under yellow to auto-checkered once the clock passes the limit, got %s", snap.Flag)
	}

	state, err := e.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if !state.LimitReached {
		t.Fatal("expected LimitReached to be set")
	}
	if state.Running {
		t.Fatal("expected a hard-end time-limited race to stop running once checkered")
	}
}

func TestEngineSoftEndRejectedForLapsLimit(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	err := e.Load("race-1", "sprint", nil,
		ModeConfig{Limit: Limit{Type: LimitLaps, ValueLaps: 10, SoftEnd: true}}, SessionOverride{})
	if !errors.Is(err, &EngineError{Kind: InvalidMode}) {
		t.Fatalf("expected InvalidMode for soft_end with a laps limit, got %v", err)
	}
}

func TestAssignTagConflictIsRejected(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	err := e.Load("race-1", "sprint", []EntrantInput{
		{EntrantID: 1, Name: "Driver One", Tag: "0000001"},
		{EntrantID: 2, Name: "Driver Two", Tag: "0000002"},
	}, ModeConfig{MinLapS: 0.01, MinLapDupS: 0.005}, SessionOverride{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	err = e.AssignTag(2, "0000001")
	if !errors.Is(err, &EngineError{Kind: TagConflict}) {
		t.Fatalf("expected TagConflict, got %v", err)
	}
}

func TestCheckeredFlagFreezesTrackPasses(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	loadOneEntrant(t, e, ModeConfig{MinLapS: 0.01, MinLapDupS: 0.005})
	if err := e.SetFlag(FlagGreen); err != nil {
		t.Fatalf("SetFlag green: %v", err)
	}
	if err := e.SetFlag(FlagCheckered); err != nil {
		t.Fatalf("SetFlag checkered: %v", err)
	}

	res, err := e.IngestPass(Pass{Tag: "0000001"})
	if err != nil {
		t.Fatalf("IngestPass: %v", err)
	}
	if res.Reason != ReasonCheckeredFreeze {
		t.Fatalf("expected a track pass after a hard checkered to be rejected, got %+v", res)
	}
}
