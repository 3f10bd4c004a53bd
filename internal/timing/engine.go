package timing

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// JournalSink is the subset of the storage Journal the engine depends on.
// Kept as an interface here (rather than importing the storage package
// directly) to avoid a timing -> storage -> timing import cycle; the
// concrete *storage.Journal implements it.
type JournalSink interface {
	Put(rec JournalRecord)
	MaybeCheckpoint(raceID string, clockMs int64, snapshot func() any)
}

type nullJournal struct{}

func (nullJournal) Put(JournalRecord)                                     {}
func (nullJournal) MaybeCheckpoint(string, int64, func() any)              {}

// EngineConfig are the knobs an Engine needs beyond what Load provides per
// race.
type EngineConfig struct {
	PitTiming       bool
	AutoProvisional bool
	ProvisionalCap  int // default 50
	CommandQueue    int // default 256
	TickInterval    time.Duration // default 200ms
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.ProvisionalCap <= 0 {
		c.ProvisionalCap = 50
	}
	if c.CommandQueue <= 0 {
		c.CommandQueue = 256
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 200 * time.Millisecond
	}
	return c
}

// command is a closure executed exclusively on the engine's loop goroutine;
// this is the "message-passing actor" redesign from the design notes: the
// loop goroutine is the only mutator of engine state, and every public
// method is a thin wrapper that ships a closure across a bounded channel
// and waits on a per-call reply.
type command struct {
	fn    func(*Engine) (any, error)
	reply chan cmdResult
}

type cmdResult struct {
	value any
	err   error
}

// Engine owns all race state and runs it inside a single loop goroutine.
// No field below is safe to read or write from any other goroutine; all
// access must go through the command channel via call().
type Engine struct {
	cfg     EngineConfig
	router  *Router
	journal JournalSink
	Logger  zerolog.Logger

	commands chan command
	cancel   context.CancelFunc
	done     chan struct{}

	state    RaceState
	entrants map[int]*Entrant
	tagIndex map[string]int
}

// NewEngine constructs an Engine and starts its loop goroutine. Close must
// be called to stop it.
func NewEngine(cfg EngineConfig, router *Router, journal JournalSink, logger zerolog.Logger) *Engine {
	cfg = cfg.withDefaults()
	if journal == nil {
		journal = nullJournal{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		router:   router,
		journal:  journal,
		Logger:   logger,
		commands: make(chan command, cfg.CommandQueue),
		cancel:   cancel,
		done:     make(chan struct{}),
		entrants: make(map[int]*Entrant),
		tagIndex: make(map[string]int),
	}
	e.state.Flag = FlagPre
	e.state.PitTiming = cfg.PitTiming
	e.state.AutoProvisional = cfg.AutoProvisional
	go e.run(ctx)
	return e
}

// Close stops the loop goroutine and waits for it to exit.
func (e *Engine) Close() {
	e.cancel()
	<-e.done
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case cmd := <-e.commands:
			v, err := cmd.fn(e)
			cmd.reply <- cmdResult{value: v, err: err}

		case <-ticker.C:
			e.advanceClock()
			e.runAutoFlagChecks()
		}
	}
}

// call ships fn to the loop goroutine and blocks for its result. The reply
// channel is buffered (size 1) so the loop never blocks on a slow or absent
// reader.
func (e *Engine) call(fn func(*Engine) (any, error)) (any, error) {
	reply := make(chan cmdResult, 1)
	e.commands <- command{fn: fn, reply: reply}
	r := <-reply
	return r.value, r.err
}

// --- clock model (§4.3.1) ---

func (e *Engine) advanceClock() {
	if !e.state.Running {
		return
	}
	now := time.Now()
	delta := now.Sub(e.state.clockStartMonotonic)
	if delta < 0 {
		delta = 0
	}
	e.state.ClockMs += delta.Milliseconds()
	e.state.clockStartMonotonic = now
}

// --- Reset ---

func (e *Engine) Reset() error {
	_, err := e.call(func(e *Engine) (any, error) {
		e.doReset()
		return nil, nil
	})
	return err
}

func (e *Engine) doReset() {
	e.state = RaceState{Flag: FlagPre, PitTiming: e.cfg.PitTiming, AutoProvisional: e.cfg.AutoProvisional}
	e.entrants = make(map[int]*Entrant)
	e.tagIndex = make(map[string]int)
}

// --- Load ---

// EntrantInput is the roster row shape accepted by Load, before validation
// and normalization.
type EntrantInput struct {
	EntrantID any
	Number    string
	Name      string
	Tag       string
	Enabled   *bool
	Status    string
}

// ModeConfig is a named race mode's base configuration.
type ModeConfig struct {
	Limit      Limit
	MinLapS    float64
	MinLapDupS float64
}

// SessionOverride carries per-session overrides that win over ModeConfig
// for limit type/value and soft-end, per §4.3 Load().
type SessionOverride struct {
	LimitType      *LimitType
	LimitValueS    *float64
	LimitValueLaps *int
	SoftEnd        *bool
	SoftEndTimeoutS *float64
}

func coerceEntrantID(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	default:
		return 0, false
	}
}

// Load installs a fresh roster and mode configuration. It fails with
// InvalidEntrant or InvalidMode and leaves the engine at a prior or reset
// state on failure.
func (e *Engine) Load(raceID, raceType string, entrants []EntrantInput, mode ModeConfig, override SessionOverride) error {
	_, err := e.call(func(e *Engine) (any, error) {
		return nil, e.doLoad(raceID, raceType, entrants, mode, override)
	})
	return err
}

func (e *Engine) doLoad(raceID, raceType string, inputs []EntrantInput, mode ModeConfig, override SessionOverride) error {
	limit := mode.Limit
	if override.LimitType != nil {
		limit.Type = *override.LimitType
	}
	if override.LimitValueS != nil {
		limit.ValueS = *override.LimitValueS
	}
	if override.LimitValueLaps != nil {
		limit.ValueLaps = *override.LimitValueLaps
	}
	if override.SoftEnd != nil {
		limit.SoftEnd = *override.SoftEnd
	}
	if override.SoftEndTimeoutS != nil {
		limit.SoftEndTimeout = *override.SoftEndTimeoutS
	}

	// Resolution of Open Question (c): soft_end only makes sense for a time
	// limit; a lap-limit race ends the instant the limit lap is credited, so
	// there is no remaining window for a grace period to run in.
	if limit.Type == LimitLaps && limit.SoftEnd {
		return newErr(InvalidMode, "soft_end is not valid with a laps limit")
	}
	if limit.Type != LimitNone && limit.Type != LimitTime && limit.Type != LimitLaps {
		return newErr(InvalidMode, "unknown limit type %q", limit.Type)
	}

	entrants := make(map[int]*Entrant, len(inputs))
	seen := make(map[int]struct{}, len(inputs))
	for _, in := range inputs {
		id, ok := coerceEntrantID(in.EntrantID)
		if !ok {
			return newErr(InvalidEntrant, "entrant_id %v is not coercible to an integer", in.EntrantID)
		}
		if _, dup := seen[id]; dup {
			return newErr(InvalidEntrant, "duplicate entrant_id %d", id)
		}
		seen[id] = struct{}{}

		status := Status(in.Status)
		if status == "" {
			status = StatusActive
		}
		if !validStatus(status) {
			return newErr(InvalidEntrant, "invalid status %q for entrant %d", in.Status, id)
		}

		enabled := true
		if in.Enabled != nil {
			enabled = *in.Enabled
		}

		entrants[id] = &Entrant{
			EntrantID: id,
			Number:    in.Number,
			Name:      in.Name,
			Tag:       strings.TrimSpace(in.Tag),
			Enabled:   enabled,
			Status:    status,
		}
	}

	e.state = RaceState{
		RaceID:          raceID,
		RaceType:        raceType,
		Flag:            FlagPre,
		Limit:           limit,
		PitTiming:       e.cfg.PitTiming,
		AutoProvisional: e.cfg.AutoProvisional,
		MinLapS:         orDefault(mode.MinLapS, 5.0),
		MinLapDupS:      orDefault(mode.MinLapDupS, 1.0),
	}
	e.entrants = entrants
	e.rebuildTagIndex()

	e.journal.Put(JournalRecord{
		RaceID:  raceID,
		WallMs:  nowMs(),
		ClockMs: 0,
		Type:    RecordFlagChange,
		Payload: map[string]any{"flag": string(FlagPre)},
	})
	return nil
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func nowMs() int64 { return time.Now().UnixMilli() }

// --- roster mutation (tag index rebuild per §9 design notes) ---

func (e *Engine) rebuildTagIndex() {
	idx := make(map[string]int, len(e.entrants))
	for id, ent := range e.entrants {
		if ent.Enabled && ent.Tag != "" {
			idx[ent.Tag] = id
		}
	}
	e.tagIndex = idx
}

// wouldConflict reports whether assigning tag to entrantID (while enabled)
// would collide with a different already-enabled entrant's tag.
func (e *Engine) wouldConflict(entrantID int, tag string) bool {
	if tag == "" {
		return false
	}
	if existing, ok := e.tagIndex[tag]; ok && existing != entrantID {
		return true
	}
	return false
}

// UpdateEntrantEnable enables or disables an entrant, returning TagConflict
// (§9 Open Question b) instead of silently shadowing another enabled
// entrant's tag.
func (e *Engine) UpdateEntrantEnable(id int, enabled bool) error {
	_, err := e.call(func(e *Engine) (any, error) {
		ent, ok := e.entrants[id]
		if !ok {
			return nil, newErr(EntrantNotFound, "entrant %d", id)
		}
		if enabled && e.wouldConflict(id, ent.Tag) {
			return nil, newErr(TagConflict, "tag %q already held by enabled entrant %d", ent.Tag, e.tagIndex[ent.Tag])
		}
		ent.Enabled = enabled
		e.rebuildTagIndex()
		e.journal.Put(JournalRecord{
			RaceID: e.state.RaceID, WallMs: nowMs(), ClockMs: e.state.ClockMs,
			Type: RecordEntrantEnable, Payload: map[string]any{"entrant_id": id, "enabled": enabled},
		})
		return nil, nil
	})
	return err
}

// UpdateEntrantStatus mutates an entrant's status.
func (e *Engine) UpdateEntrantStatus(id int, status Status) error {
	_, err := e.call(func(e *Engine) (any, error) {
		ent, ok := e.entrants[id]
		if !ok {
			return nil, newErr(EntrantNotFound, "entrant %d", id)
		}
		if !validStatus(status) {
			return nil, newErr(InvalidEntrant, "invalid status %q", status)
		}
		ent.Status = status
		e.journal.Put(JournalRecord{
			RaceID: e.state.RaceID, WallMs: nowMs(), ClockMs: e.state.ClockMs,
			Type: RecordEntrantStatus, Payload: map[string]any{"entrant_id": id, "status": string(status)},
		})
		return nil, nil
	})
	return err
}

// AssignTag sets (or clears, when tag == "") an entrant's transponder tag.
func (e *Engine) AssignTag(id int, tag string) error {
	_, err := e.call(func(e *Engine) (any, error) {
		ent, ok := e.entrants[id]
		if !ok {
			return nil, newErr(EntrantNotFound, "entrant %d", id)
		}
		tag = strings.TrimSpace(tag)
		if ent.Enabled && e.wouldConflict(id, tag) {
			return nil, newErr(TagConflict, "tag %q already held by enabled entrant %d", tag, e.tagIndex[tag])
		}
		ent.Tag = tag
		e.rebuildTagIndex()
		e.journal.Put(JournalRecord{
			RaceID: e.state.RaceID, WallMs: nowMs(), ClockMs: e.state.ClockMs,
			Type: RecordAssignTag, Payload: map[string]any{"entrant_id": id, "tag": tag},
		})
		return nil, nil
	})
	return err
}

// --- SetFlag & the flag state machine (§4.3.3) ---

func (e *Engine) SetFlag(flag Flag) error {
	_, err := e.call(func(e *Engine) (any, error) {
		return nil, e.doSetFlag(flag)
	})
	return err
}

func (e *Engine) doSetFlag(flag Flag) error {
	if !validFlag(flag) {
		return newErr(InvalidFlag, "unknown flag %q", flag)
	}

	e.advanceClock()
	prev := e.state.Flag

	if prev == FlagGreen && flag != FlagGreen && e.state.WhiteWindowBegun && !e.state.WhiteSet && flag != FlagWhite {
		// leaving green after the white window began, but before white was
		// actually set: latch so auto-white never fires again this race.
		e.state.WhiteSet = true
	}

	switch flag {
	case FlagGreen:
		if !e.state.Running {
			e.state.clockStartMonotonic = time.Now()
			e.state.Running = true
		}
	case FlagCheckered:
		e.advanceClock()
		if !e.state.HasCheckeredStart {
			e.state.CheckeredFlagStartMs = e.state.ClockMs
			e.state.HasCheckeredStart = true
		}
		if e.state.Limit.SoftEnd {
			// running stays true; the soft-end window closes on a later
			// tick once the timeout elapses (see runAutoFlagChecks).
		} else {
			e.freezeClock()
		}
	}

	e.state.Flag = flag
	e.journal.Put(JournalRecord{
		RaceID: e.state.RaceID, WallMs: nowMs(), ClockMs: e.state.ClockMs,
		Type: RecordFlagChange, Payload: map[string]any{"flag": string(flag)},
	})
	return nil
}

func (e *Engine) freezeClock() {
	e.state.Running = false
	if !e.state.HasClockFrozen {
		e.state.ClockMsFrozen = e.state.ClockMs
		e.state.HasClockFrozen = true
	}
}

// runAutoFlagChecks implements auto-white, auto-checkered, and the soft-end
// window close, all driven off a clock advance (either an explicit
// Snapshot()/IngestPass() call, or the loop's own ticker — this is what lets
// the soft-end window close without a live pass to drive it, per §4.3.5).
func (e *Engine) runAutoFlagChecks() {
	if !e.state.Running {
		return
	}

	// soft-end window close
	if e.state.InSoftEndWindow() {
		elapsed := e.state.ClockMs - e.state.CheckeredFlagStartMs
		if elapsed >= int64(e.state.Limit.SoftEndTimeout*1000) {
			e.freezeClock()
		}
		return
	}

	switch e.state.Limit.Type {
	case LimitTime:
		timeLimitMs := int64(e.state.Limit.ValueS * 1000)

		// Auto-checkered applies regardless of the current flag (so long as
		// we're not already checkered, which Running being true already rules
		// out here since a hard checkered freezes the clock and the soft-end
		// case was handled above) — only auto-white is gated to green.
		if !e.state.Limit.SoftEnd && e.state.ClockMs >= timeLimitMs {
			e.triggerAutoCheckered()
			return
		}
		if e.state.Limit.SoftEnd && e.state.ClockMs >= timeLimitMs {
			e.triggerAutoCheckered()
			return
		}

		if e.state.Flag != FlagGreen {
			return
		}

		elapsedS := float64(e.state.ClockMs) / 1000.0
		if !e.state.Limit.SoftEnd && e.state.Limit.ValueS >= 60 {
			remaining := e.state.Limit.ValueS - elapsedS
			if elapsedS >= e.state.Limit.ValueS-60 {
				e.state.WhiteWindowBegun = true
			}
			if remaining <= 60 && !e.state.WhiteSet {
				e.state.Flag = FlagWhite
				e.state.WhiteSet = true
				e.journal.Put(JournalRecord{
					RaceID: e.state.RaceID, WallMs: nowMs(), ClockMs: e.state.ClockMs,
					Type: RecordFlagChange, Payload: map[string]any{"flag": string(FlagWhite), "auto": true},
				})
			}
		}

	case LimitLaps:
		if e.state.Flag != FlagGreen {
			return
		}
		leaderLaps := 0
		for _, ent := range e.entrants {
			if ent.Enabled && ent.Laps > leaderLaps {
				leaderLaps = ent.Laps
			}
		}
		if leaderLaps >= e.state.Limit.ValueLaps-1 && !e.state.WhiteSet {
			e.state.Flag = FlagWhite
			e.state.WhiteSet = true
			e.journal.Put(JournalRecord{
				RaceID: e.state.RaceID, WallMs: nowMs(), ClockMs: e.state.ClockMs,
				Type: RecordFlagChange, Payload: map[string]any{"flag": string(FlagWhite), "auto": true},
			})
		}
	}
}

func (e *Engine) triggerAutoCheckered() {
	e.state.LimitReached = true
	_ = e.doSetFlag(FlagCheckered)
}

// --- IngestPass & the pass pipeline (§4.3.2) ---

func (e *Engine) IngestPass(p Pass) (IngestResult, error) {
	v, err := e.call(func(e *Engine) (any, error) {
		return e.doIngestPass(p)
	})
	if err != nil {
		return IngestResult{}, err
	}
	return v.(IngestResult), nil
}

func (e *Engine) doIngestPass(p Pass) (IngestResult, error) {
	e.advanceClock()

	if p.Source == SourceTrack && e.state.PitTiming && e.router != nil {
		p = e.router.Route(p)
	}

	entrantID, ok := e.tagIndex[p.Tag]
	var ent *Entrant
	if !ok {
		if e.state.AutoProvisional && e.countUnknown() < e.cfg.ProvisionalCap {
			entrantID = e.allocateProvisional(p.Tag)
			ent = e.entrants[entrantID]
		} else {
			reason := ReasonUnknownTag
			if e.state.AutoProvisional {
				reason = ReasonProvisionalCap
			}
			return IngestResult{OK: true, Reason: reason}, nil
		}
	} else {
		ent = e.entrants[entrantID]
	}

	if !ent.Enabled {
		return IngestResult{OK: true, Reason: ReasonDisabled, EntrantID: entrantID}, nil
	}

	e.journal.Put(JournalRecord{
		RaceID: e.state.RaceID, WallMs: nowMs(), ClockMs: e.state.ClockMs,
		Type: RecordPass, Payload: map[string]any{"tag": p.Tag, "source": string(p.Source), "device_id": p.DeviceID},
	})

	switch p.Source {
	case SourcePitIn:
		ent.PitOpenAtMs = e.state.ClockMs
		ent.PitOpen = true
		e.afterSuccessfulIngest()
		return IngestResult{OK: true, Reason: ReasonPitEvent, EntrantID: entrantID}, nil

	case SourcePitOut:
		if ent.PitOpen {
			ent.LastPitS = float64(e.state.ClockMs-ent.PitOpenAtMs) / 1000.0
			ent.HasLastPit = true
			ent.PitCount++
			ent.PitOpen = false
		}
		e.afterSuccessfulIngest()
		return IngestResult{OK: true, Reason: ReasonPitEvent, EntrantID: entrantID}, nil
	}

	// track path
	if e.state.Flag == FlagCheckered {
		if !e.state.InSoftEndWindow() {
			return IngestResult{OK: true, Reason: ReasonCheckeredFreeze, EntrantID: entrantID}, nil
		}
		if ent.SoftEndDone {
			return IngestResult{OK: true, Reason: ReasonSoftEndCompleted, EntrantID: entrantID}, nil
		}
	}

	prev := ent.lastHitMs
	hadPrev := ent.hasLastHit
	ent.lastHitMs = e.state.ClockMs
	ent.hasLastHit = true

	if !hadPrev {
		e.afterSuccessfulIngest()
		return IngestResult{OK: true, LapAdded: false, Reason: ReasonBaseline, EntrantID: entrantID}, nil
	}

	deltaS := float64(e.state.ClockMs-prev) / 1000.0
	if deltaS < e.state.MinLapDupS {
		e.afterSuccessfulIngest()
		return IngestResult{OK: true, Reason: ReasonDup, EntrantID: entrantID}, nil
	}
	if deltaS < e.state.MinLapS {
		e.afterSuccessfulIngest()
		return IngestResult{OK: true, Reason: ReasonMinLap, EntrantID: entrantID}, nil
	}

	ent.creditLap(deltaS, e.state.ClockMs)

	if e.state.InSoftEndWindow() {
		e.state.nextFinishOrder++
		ent.FinishOrder = e.state.nextFinishOrder
		ent.HasFinishOrd = true
		ent.SoftEndDone = true
	}

	// limit enforcement (§4.3.2 step 9): finishing the limit-th lap triggers
	// checkered on the very same pass (§9 Open Question a resolution).
	if e.state.Limit.Type == LimitLaps && e.state.Flag != FlagCheckered && ent.Laps >= e.state.Limit.ValueLaps {
		e.triggerAutoCheckered()
	} else {
		e.runAutoFlagChecks()
	}

	e.afterSuccessfulIngest()
	return IngestResult{OK: true, LapAdded: true, EntrantID: entrantID}, nil
}

func (e *Engine) afterSuccessfulIngest() {
	e.journal.MaybeCheckpoint(e.state.RaceID, e.state.ClockMs, func() any {
		return e.snapshotLocked()
	})
}

func (e *Engine) countUnknown() int {
	n := 0
	for _, ent := range e.entrants {
		if strings.HasPrefix(ent.Name, "Unknown ") {
			n++
		}
	}
	return n
}

func (e *Engine) allocateProvisional(tag string) int {
	id := 1
	for {
		if _, taken := e.entrants[id]; !taken {
			break
		}
		id++
	}
	suffix := tag
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	suffix = fmt.Sprintf("%04s", suffix)
	ent := &Entrant{
		EntrantID: id,
		Name:      "Unknown " + suffix,
		Tag:       tag,
		Enabled:   true,
		Status:    StatusActive,
	}
	e.entrants[id] = ent
	e.tagIndex[tag] = id
	return id
}

// --- Snapshot ---

func (e *Engine) Snapshot() (Snapshot, error) {
	v, err := e.call(func(e *Engine) (any, error) {
		e.advanceClock()
		e.runAutoFlagChecks()
		return e.snapshotLocked(), nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

func (e *Engine) snapshotLocked() Snapshot {
	snap := Snapshot{
		RaceID:    e.state.RaceID,
		RaceType:  e.state.RaceType,
		Flag:      e.state.Flag,
		ClockMs:   e.state.ClockMs,
		Running:   e.state.Running,
		SimActive: e.state.SimActive,
		SimLabel:  e.state.SimLabel,
		Standings: buildStandings(e.entrants),
		Limit:     e.state.Limit,
	}
	switch e.state.Limit.Type {
	case LimitTime:
		remaining := int64(e.state.Limit.ValueS*1000) - e.state.ClockMs
		if remaining < 0 {
			remaining = 0
		}
		snap.RemainingMs = remaining
		snap.HasRemaining = true
	}
	return snap
}

// Entrants returns a defensive copy of the live roster, for use by the
// Results Freezer and Qualifying Grid Builder which need per-entrant lap
// history outside the command/reply envelope.
func (e *Engine) Entrants() (map[int]Entrant, error) {
	v, err := e.call(func(e *Engine) (any, error) {
		out := make(map[int]Entrant, len(e.entrants))
		for id, ent := range e.entrants {
			out[id] = *ent
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[int]Entrant), nil
}

// State returns a copy of the race state, for use by callers that need
// fields not exposed on Snapshot (e.g. the Results Freezer needs
// ClockMsFrozen).
func (e *Engine) State() (RaceState, error) {
	v, err := e.call(func(e *Engine) (any, error) {
		return e.state, nil
	})
	if err != nil {
		return RaceState{}, err
	}
	return v.(RaceState), nil
}
