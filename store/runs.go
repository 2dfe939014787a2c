// ABOUTME: Run persistence including the atomic claim protocol and staleness queries.
// ABOUTME: ClaimNextPendingRun is the only path that transitions a run PENDING -> RUNNING.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotClaimed is returned by FinishRun when the run is no longer RUNNING,
// meaning another actor (recovery sweep or stale cleanup) resolved it first.
var ErrNotClaimed = errors.New("run is not in RUNNING status")

// CreateRun inserts a new PENDING run for the given task.
func (s *Store) CreateRun(ctx context.Context, taskID string) (*Run, error) {
	now := time.Now()
	run := &Run{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Status:    RunPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, task_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.TaskID, string(run.Status),
		formatTime(run.CreatedAt), formatTime(run.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// GetRun returns the run with the given identifier.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, selectRunSQL+` WHERE run_id = ?`, id)
	return scanRun(row)
}

// ListRunsByTask returns all runs owned by a task, ordered by creation time.
func (s *Store) ListRunsByTask(ctx context.Context, taskID string) ([]*Run, error) {
	return s.queryRuns(ctx, selectRunSQL+` WHERE task_id = ? ORDER BY created_at ASC, run_id ASC`, taskID)
}

// ListRunsByStatus returns all runs in the given status, ordered by creation time.
func (s *Store) ListRunsByStatus(ctx context.Context, status RunStatus) ([]*Run, error) {
	return s.queryRuns(ctx, selectRunSQL+` WHERE status = ? ORDER BY created_at ASC, run_id ASC`, string(status))
}

// ClaimNextPendingRun atomically transitions the oldest PENDING run to RUNNING
// with claimed_by set to instanceID. The scan and the conditional update run
// inside one immediate transaction, so concurrent claimers from any number of
// instances serialize on the database write lock; if the conditional update
// still matches zero rows the claim is lost and (nil, nil) is returned;
// callers simply wait for the next poll tick rather than retrying in place.
func (s *Store) ClaimNextPendingRun(ctx context.Context, instanceID string) (*Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT run_id FROM runs WHERE status = ? ORDER BY created_at ASC, run_id ASC LIMIT 1`,
		string(RunPending)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan claim candidate: %w", err)
	}

	now := formatTime(time.Now())
	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, claimed_by = ?, started_at = ?, updated_at = ?
		 WHERE run_id = ? AND status = ?`,
		string(RunRunning), instanceID, now, now, id, string(RunPending))
	if err != nil {
		return nil, fmt.Errorf("claim run %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim rows affected: %w", err)
	}
	if affected == 0 {
		// Another instance won the race between scan and update.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return s.GetRun(ctx, id)
}

// ClaimRun attempts to claim one specific PENDING run for instanceID, using
// the same conditional write as ClaimNextPendingRun. Returns (nil, nil) when
// the run is not PENDING or another instance claimed it first.
func (s *Store) ClaimRun(ctx context.Context, id, instanceID string) (*Run, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, claimed_by = ?, started_at = ?, updated_at = ?
		 WHERE run_id = ? AND status = ?`,
		string(RunRunning), instanceID, now, now, id, string(RunPending))
	if err != nil {
		return nil, fmt.Errorf("claim run %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}
	return s.GetRun(ctx, id)
}

// FinishRun sets the terminal status and error message of a RUNNING run.
// Returns ErrNotClaimed if the run is no longer RUNNING (e.g. the recovery
// sweep reset it), in which case this instance must not record an outcome.
func (s *Store) FinishRun(ctx context.Context, id string, status RunStatus, errorMessage string) error {
	if status != RunDone && status != RunFailed {
		return fmt.Errorf("finish run %s: %q is not a terminal status", id, status)
	}
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error_message = ?, finished_at = ?, updated_at = ?
		 WHERE run_id = ? AND status = ?`,
		string(status), errorMessage, now, now, id, string(RunRunning))
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotClaimed
	}
	return nil
}

// TouchRun advances a RUNNING run's updated_at as a liveness heartbeat so the
// staleness sweeps do not reclaim a run that is merely long-running.
func (s *Store) TouchRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET updated_at = ? WHERE run_id = ? AND status = ?`,
		formatTime(time.Now()), id, string(RunRunning))
	if err != nil {
		return fmt.Errorf("touch run %s: %w", id, err)
	}
	return nil
}

// FailStaleRuns marks RUNNING runs whose updated_at is older than the cutoff
// as FAILED with a synthetic timeout error. This is the coarse give-up path
// for runs abandoned far beyond any plausible execution time. Returns the
// identifiers of the runs it failed.
func (s *Store) FailStaleRuns(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))
	ids, err := s.staleRunIDs(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	now := formatTime(time.Now())
	var failed []string
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, error_message = ?, finished_at = ?, updated_at = ?
			 WHERE run_id = ? AND status = ? AND updated_at < ?`,
			string(RunFailed), "run timed out: no progress past stale threshold", now, now,
			id, string(RunRunning), cutoff)
		if err != nil {
			return failed, fmt.Errorf("fail stale run %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			failed = append(failed, id)
		}
	}
	return failed, nil
}

// ResetStaleRuns returns RUNNING runs whose updated_at is older than the
// cutoff to PENDING, clearing claimed_by and any partial error, and resets
// those runs' still-RUNNING steps back to PENDING. This is the crash-recovery
// path: the runs become claimable again on the next poll. Returns the
// identifiers of the runs it reset.
func (s *Store) ResetStaleRuns(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))
	ids, err := s.staleRunIDs(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var reset []string
	for _, id := range ids {
		ok, err := s.resetStaleRun(ctx, id, cutoff)
		if err != nil {
			return reset, err
		}
		if ok {
			reset = append(reset, id)
		}
	}
	return reset, nil
}

// resetStaleRun resets one stale run and its RUNNING steps in a single
// transaction, guarded so a run that made progress since the scan is skipped.
func (s *Store) resetStaleRun(ctx context.Context, id, cutoff string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin reset tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(time.Now())
	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, claimed_by = NULL, started_at = NULL,
		        finished_at = NULL, error_message = '', updated_at = ?
		 WHERE run_id = ? AND status = ? AND updated_at < ?`,
		string(RunPending), now, id, string(RunRunning), cutoff)
	if err != nil {
		return false, fmt.Errorf("reset stale run %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reset rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE steps SET status = ?, result = '', error_message = '',
		        started_at = NULL, finished_at = NULL, version = version + 1, updated_at = ?
		 WHERE run_id = ? AND status = ?`,
		string(StepPending), now, id, string(StepRunning))
	if err != nil {
		return false, fmt.Errorf("reset steps of run %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit reset: %w", err)
	}
	return true, nil
}

// staleRunIDs returns identifiers of RUNNING runs not updated since the cutoff.
func (s *Store) staleRunIDs(ctx context.Context, cutoff string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id FROM runs WHERE status = ? AND updated_at < ? ORDER BY updated_at ASC`,
		string(RunRunning), cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RunStatistics counts runs by status.
func (s *Store) RunStatistics(ctx context.Context) (*Statistics, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query run statistics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats Statistics
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan statistics row: %w", err)
		}
		switch RunStatus(status) {
		case RunPending:
			stats.PendingCount = count
		case RunRunning:
			stats.RunningCount = count
		case RunDone:
			stats.DoneCount = count
		case RunFailed:
			stats.FailedCount = count
		}
	}
	return &stats, rows.Err()
}

const selectRunSQL = `SELECT run_id, task_id, status, claimed_by, started_at, finished_at,
	error_message, created_at, updated_at FROM runs`

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var status string
	var claimedBy, startedAt, finishedAt sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&r.ID, &r.TaskID, &status, &claimedBy, &startedAt, &finishedAt,
		&r.ErrorMessage, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run row: %w", err)
	}
	r.Status = RunStatus(status)
	if claimedBy.Valid {
		r.ClaimedBy = claimedBy.String
	}
	if r.StartedAt, err = scanNullableTime(startedAt); err != nil {
		return nil, err
	}
	if r.FinishedAt, err = scanNullableTime(finishedAt); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
