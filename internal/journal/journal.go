// Package journal records every run against the turnstile in a local sqlite
// database: when it ran, what was backed up and what happened to each card.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vitaminmoo/turnstile-tool/internal/model"
)

// Run statuses beyond the batch statuses ok, partial and failed.
const (
	StatusRunning     = "running"
	StatusAborted     = "aborted"
	StatusUnavailable = "unavailable"
)

var ErrRunNotFound = errors.New("run not found")

// Run is one row of the runs table.
type Run struct {
	ID         string
	Device     string
	Source     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	OK         int
	Failed     int
	Skipped    int
	Reauths    int
	Error      string
	BackupPath string
}

// Outcome is one recorded card result.
type Outcome struct {
	Position int
	CardID   string
	Code     string
	Holder   string
	Status   model.RecordStatus
	Reason   string
	Attempts int
}

// Journal reads and writes run history.
type Journal struct {
	db  *sql.DB
	mu  sync.Mutex // one write transaction at a time
	now func() time.Time
}

// New wraps an open, migrated database.
func New(db *sql.DB) *Journal {
	return &Journal{db: db, now: time.Now}
}

// Open opens the database at path and returns a ready Journal.
func Open(ctx context.Context, path string) (*Journal, error) {
	db, err := OpenDB(ctx, path)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// write runs fn in a transaction, committing when it returns nil.
func (j *Journal) write(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// StartRun inserts a running row and returns its id.
func (j *Journal) StartRun(ctx context.Context, device, source string) (string, error) {
	id := uuid.NewString()
	started := j.now().UTC().UnixMilli()
	err := j.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO runs(run_id, device, source, started_at_ms, status)
VALUES (?, ?, ?, ?, ?);`, id, device, source, started, StatusRunning); err != nil {
			return fmt.Errorf("StartRun insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// RecordBackup links the persisted backup to a run.
func (j *Journal) RecordBackup(ctx context.Context, runID, path, contentHash string, backup model.ConfigBackup) error {
	return j.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO backups(run_id, path, content_hash, slot_count, captured_at_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
  path = excluded.path,
  content_hash = excluded.content_hash,
  slot_count = excluded.slot_count,
  captured_at_ms = excluded.captured_at_ms;`,
			runID, path, contentHash, len(backup.Slots), backup.CapturedAt.UTC().UnixMilli(),
		); err != nil {
			return fmt.Errorf("RecordBackup insert: %w", err)
		}
		return nil
	})
}

// RecordOutcome stores the result of the card at position in the batch.
func (j *Journal) RecordOutcome(ctx context.Context, runID string, position int, out model.RecordOutcome) error {
	recorded := j.now().UTC().UnixMilli()
	return j.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO card_outcomes(run_id, position, card_id, code, holder, status, reason, attempts, recorded_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			runID, position, out.Card.ID, out.Card.Code, out.Card.HolderName,
			string(out.Status), out.Reason, out.Attempts, recorded,
		); err != nil {
			return fmt.Errorf("RecordOutcome insert: %w", err)
		}
		return nil
	})
}

// FinishRun closes a run with its final status and counters.
func (j *Journal) FinishRun(ctx context.Context, runID, status string, res model.OperationResult, reauths int, runErr error) error {
	finished := j.now().UTC().UnixMilli()
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	return j.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx, `
UPDATE runs SET
  finished_at_ms = ?, status = ?,
  ok_count = ?, failed_count = ?, skipped_count = ?,
  reauths = ?, error = ?
WHERE run_id = ?;`,
			finished, status,
			res.Count(model.RecordOK), res.Count(model.RecordFailed), res.Count(model.RecordSkipped),
			reauths, msg, runID,
		)
		if err != nil {
			return fmt.Errorf("FinishRun update: %w", err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return fmt.Errorf("%s: %w", runID, ErrRunNotFound)
		}
		return nil
	})
}

const runColumns = `
SELECT r.run_id, r.device, r.source, r.started_at_ms, r.finished_at_ms, r.status,
       r.ok_count, r.failed_count, r.skipped_count, r.reauths, r.error, COALESCE(b.path, '')
FROM runs r LEFT JOIN backups b ON b.run_id = r.run_id`

// Runs lists the newest runs first.
func (j *Journal) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, runColumns+`
ORDER BY r.started_at_ms DESC, r.rowid DESC
LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("Runs query: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// GetRun returns one run by id.
func (j *Journal) GetRun(ctx context.Context, runID string) (Run, error) {
	row := j.db.QueryRowContext(ctx, runColumns+` WHERE r.run_id = ?;`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return run, err
}

// Outcomes returns the card results of a run in batch order.
func (j *Journal) Outcomes(ctx context.Context, runID string) ([]Outcome, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT position, card_id, code, holder, status, reason, attempts
FROM card_outcomes WHERE run_id = ? ORDER BY position;`, runID)
	if err != nil {
		return nil, fmt.Errorf("Outcomes query: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		var status string
		if err := rows.Scan(&o.Position, &o.CardID, &o.Code, &o.Holder, &status, &o.Reason, &o.Attempts); err != nil {
			return nil, fmt.Errorf("Outcomes scan: %w", err)
		}
		o.Status = model.RecordStatus(status)
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r          Run
		startedMs  int64
		finishedMs sql.NullInt64
	)
	if err := s.Scan(&r.ID, &r.Device, &r.Source, &startedMs, &finishedMs, &r.Status,
		&r.OK, &r.Failed, &r.Skipped, &r.Reauths, &r.Error, &r.BackupPath); err != nil {
		return Run{}, err
	}
	r.StartedAt = time.UnixMilli(startedMs).UTC()
	if finishedMs.Valid {
		t := time.UnixMilli(finishedMs.Int64).UTC()
		r.FinishedAt = &t
	}
	return r, nil
}
