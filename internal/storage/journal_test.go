package storage

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hybridsix/chronocore-rs/internal/timing"
)

func TestJournalPutFlushesAndIsReadable(t *testing.T) {
	db := openTestDB(t)
	j, err := NewJournal(db, JournalConfig{BatchMax: 10, BatchMs: 20 * time.Millisecond}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}

	j.Put(timing.JournalRecord{
		RaceID: "race-1", WallMs: 1000, ClockMs: 500,
		Type: timing.RecordFlagChange, Payload: map[string]any{"flag": "green"},
	})
	if err := j.ForceFlush(); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	records, err := j.RecordsSince("race-1", 0)
	if err != nil {
		t.Fatalf("RecordsSince: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Type != timing.RecordFlagChange || records[0].Payload["flag"] != "green" {
		t.Fatalf("unexpected record: %+v", records[0])
	}
}

func TestJournalMaybeCheckpointRespectsInterval(t *testing.T) {
	db := openTestDB(t)
	j, err := NewJournal(db, JournalConfig{CheckpointEvery: 50 * time.Millisecond}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}

	snapshotCalls := 0
	snapshot := func() any {
		snapshotCalls++
		return map[string]int{"calls": snapshotCalls}
	}

	j.MaybeCheckpoint("race-1", 1000, snapshot)
	j.MaybeCheckpoint("race-1", 2000, snapshot)
	if snapshotCalls != 1 {
		t.Fatalf("expected only the first checkpoint to fire within the interval, got %d calls", snapshotCalls)
	}

	time.Sleep(60 * time.Millisecond)
	j.MaybeCheckpoint("race-1", 3000, snapshot)
	if snapshotCalls != 2 {
		t.Fatalf("expected a second checkpoint after the interval elapsed, got %d calls", snapshotCalls)
	}

	_, clockMs, _, ok, err := j.LatestCheckpoint("race-1")
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if !ok || clockMs != 3000 {
		t.Fatalf("expected the latest checkpoint at clock_ms=3000, got ok=%v clockMs=%d", ok, clockMs)
	}
}
