package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/roach88/paybench/internal/batch"
	"github.com/roach88/paybench/internal/sink"
)

// ErrRunNotFound is returned by GetRun for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

var _ sink.Sink = (*Store)(nil)

// Record implements sink.Sink.
func (s *Store) Record(ctx context.Context, run sink.Run) error {
	return s.RecordRun(ctx, run)
}

// RecordRun writes a run and its outcomes in one transaction.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - a run ID that is
// already recorded is silently ignored along with its outcomes.
func (s *Store) RecordRun(ctx context.Context, run sink.Run) error {
	topErrors, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(nonNil(run.TopErrors))
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs
		(id, scenario, currency, kind, started_at, elapsed_ns, total, succeeded, failed, cancelled, top_errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		run.Scenario,
		run.Currency,
		run.Kind,
		run.StartedAt.UnixMilli(),
		int64(run.Elapsed),
		run.Total,
		run.Succeeded,
		run.Failed,
		run.Cancelled,
		string(topErrors),
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO outcomes
		(run_id, seq, task_id, status, attempts, duration_ns, error_kind, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	defer stmt.Close()

	for i, o := range run.Outcomes {
		if _, err := stmt.ExecContext(ctx,
			run.ID, i, o.TaskID, o.Status, o.Attempts, int64(o.Duration), o.ErrorKind, o.Error,
		); err != nil {
			return fmt.Errorf("record run: outcome %s: %w", o.TaskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

const runColumns = `id, scenario, currency, kind, started_at, elapsed_ns, total, succeeded, failed, cancelled, top_errors`

// ListRuns returns run summaries, newest first. limit <= 0 returns all.
// Outcomes are not loaded; use RunOutcomes.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]sink.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		ORDER BY started_at DESC, id COLLATE BINARY DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []sink.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// GetRun returns one run summary.
func (s *Store) GetRun(ctx context.Context, id string) (sink.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return sink.Run{}, fmt.Errorf("get run %s: %w", id, ErrRunNotFound)
	}
	return run, err
}

// RunOutcomes returns a run's outcomes in task order. With failedOnly, only
// failures are returned. Returns an empty slice (not nil) for unknown runs.
func (s *Store) RunOutcomes(ctx context.Context, runID string, failedOnly bool) ([]sink.Outcome, error) {
	query := `
		SELECT task_id, status, attempts, duration_ns, error_kind, error
		FROM outcomes
		WHERE run_id = ?`
	args := []any{runID}
	if failedOnly {
		query += ` AND status = ?`
		args = append(args, string(batch.StatusFailure))
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []sink.Outcome{}
	for rows.Next() {
		var (
			o        sink.Outcome
			duration int64
		)
		if err := rows.Scan(&o.TaskID, &o.Status, &o.Attempts, &duration, &o.ErrorKind, &o.Error); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Duration = time.Duration(duration)
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return outcomes, nil
}

// DeleteRun removes a run and, through the foreign key, its outcomes.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("delete run %s: %w", id, ErrRunNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (sink.Run, error) {
	var (
		run       sink.Run
		startedAt int64
		elapsed   int64
		topErrors string
	)
	err := row.Scan(
		&run.ID, &run.Scenario, &run.Currency, &run.Kind,
		&startedAt, &elapsed,
		&run.Total, &run.Succeeded, &run.Failed, &run.Cancelled,
		&topErrors,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sink.Run{}, err
		}
		return sink.Run{}, fmt.Errorf("scan run: %w", err)
	}
	run.StartedAt = time.UnixMilli(startedAt).UTC()
	run.Elapsed = time.Duration(elapsed)
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(topErrors, &run.TopErrors); err != nil {
		return sink.Run{}, fmt.Errorf("scan run %s: top errors: %w", run.ID, err)
	}
	return run, nil
}

func nonNil(v []batch.ErrorCount) []batch.ErrorCount {
	if v == nil {
		return []batch.ErrorCount{}
	}
	return v
}
