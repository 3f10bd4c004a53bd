package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-microbatch"
	"github.com/rs/zerolog"

	"github.com/hybridsix/chronocore-rs/internal/timing"
)

// JournalConfig tunes batching and checkpoint cadence per §4.4.
type JournalConfig struct {
	BatchMax     int           // default 50
	BatchMs      time.Duration // default 200ms
	CheckpointEvery time.Duration // default 15s
	FSync        bool
}

func (c JournalConfig) withDefaults() JournalConfig {
	if c.BatchMax <= 0 {
		c.BatchMax = 50
	}
	if c.BatchMs <= 0 {
		c.BatchMs = 200 * time.Millisecond
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 15 * time.Second
	}
	return c
}

// Journal is the append-only event log plus periodic checkpointing
// described in §4.4. Batched writes are implemented directly on top of a
// generic batch processor (max-size OR flush-interval, whichever triggers
// first) rather than a hand-rolled buffer-plus-timer pair.
type Journal struct {
	db     *sql.DB
	cfg    JournalConfig
	logger zerolog.Logger

	batcher *microbatch.Batcher[timing.JournalRecord]

	mu               sync.Mutex
	lastCheckpoint   time.Time
	lastCheckpointOK bool
}

// NewJournal opens (or creates) db's schema and starts the batch processor.
func NewJournal(db *sql.DB, cfg JournalConfig, logger zerolog.Logger) (*Journal, error) {
	if err := EnsureSchema(db); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	j := &Journal{db: db, cfg: cfg, logger: logger}
	j.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:       cfg.BatchMax,
		FlushInterval: cfg.BatchMs,
	}, j.flush)
	return j, nil
}

// Put appends rec to the pending batch. It does not block on the durable
// write: the record is guaranteed to be either already in a flush or in the
// pending buffer by the time Put returns, per §4.4's acknowledgement
// guarantee.
func (j *Journal) Put(rec timing.JournalRecord) {
	// Submit's own send/receive handshake only waits for the record to be
	// accepted into the batcher's pending state, not for the batch to run;
	// a background context is safe here since there is no caller deadline
	// to respect for an in-memory enqueue.
	if _, err := j.batcher.Submit(context.Background(), rec); err != nil {
		j.logger.Error().Err(err).Msg("journal: put failed, record dropped")
	}
}

func (j *Journal) flush(ctx context.Context, records []timing.JournalRecord) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin journal flush: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO race_events (race_id, wall_ms, clock_ms, type, payload_json) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("storage: prepare journal insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("storage: marshal journal payload: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, rec.RaceID, rec.WallMs, rec.ClockMs, string(rec.Type), string(payload)); err != nil {
			return fmt.Errorf("storage: insert journal record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit journal flush: %w", err)
	}

	if j.cfg.FSync {
		if _, err := j.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
			j.logger.Warn().Err(err).Msg("journal: wal_checkpoint after flush failed")
		}
	}
	return nil
}

// ForceFlush drains and processes any pending batch, then waits for it to
// complete. It must be called before process exit (§5): unflushed records
// are not acknowledged until this returns.
func (j *Journal) ForceFlush() error {
	return j.batcher.Close()
}

// MaybeCheckpoint writes a full-state checkpoint if at least CheckpointEvery
// has elapsed since the last one, driven off successful pass ingestion
// rather than its own background timer (§4.4).
func (j *Journal) MaybeCheckpoint(raceID string, clockMs int64, snapshot func() any) {
	j.mu.Lock()
	due := time.Since(j.lastCheckpoint) >= j.cfg.CheckpointEvery
	if due {
		j.lastCheckpoint = time.Now()
	}
	j.mu.Unlock()
	if !due {
		return
	}

	blob, err := json.Marshal(snapshot())
	if err != nil {
		j.logger.Error().Err(err).Msg("journal: marshal checkpoint snapshot failed")
		return
	}
	_, err = j.db.Exec(
		`INSERT INTO race_checkpoints (race_id, wall_ms, clock_ms, snapshot_json) VALUES (?, ?, ?, ?)`,
		raceID, time.Now().UnixMilli(), clockMs, string(blob),
	)
	if err != nil {
		j.logger.Error().Err(err).Msg("journal: write checkpoint failed")
	}
}

// LatestCheckpoint loads the most recent checkpoint for raceID, if any.
func (j *Journal) LatestCheckpoint(raceID string) (wallMs, clockMs int64, snapshotJSON string, ok bool, err error) {
	row := j.db.QueryRow(
		`SELECT wall_ms, clock_ms, snapshot_json FROM race_checkpoints WHERE race_id = ? ORDER BY wall_ms DESC LIMIT 1`,
		raceID,
	)
	err = row.Scan(&wallMs, &clockMs, &snapshotJSON)
	if err == sql.ErrNoRows {
		return 0, 0, "", false, nil
	}
	if err != nil {
		return 0, 0, "", false, err
	}
	return wallMs, clockMs, snapshotJSON, true, nil
}

// RecordsSince returns every journal record for raceID at or after
// sinceWallMs, in wall-clock order — the replay contract from §4.4: load
// the latest checkpoint, then apply everything from its wall_ms forward.
func (j *Journal) RecordsSince(raceID string, sinceWallMs int64) ([]timing.JournalRecord, error) {
	rows, err := j.db.Query(
		`SELECT wall_ms, clock_ms, type, payload_json FROM race_events WHERE race_id = ? AND wall_ms >= ? ORDER BY wall_ms ASC, id ASC`,
		raceID, sinceWallMs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []timing.JournalRecord
	for rows.Next() {
		var rec timing.JournalRecord
		var typ, payload string
		if err := rows.Scan(&rec.WallMs, &rec.ClockMs, &typ, &payload); err != nil {
			return nil, err
		}
		rec.RaceID = raceID
		rec.Type = timing.JournalRecordType(typ)
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return nil, fmt.Errorf("storage: unmarshal journal payload: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
