// ABOUTME: Step persistence with version-stamped conditional writes.
// ABOUTME: Every status/result/error mutation is conditioned on the version read beforehand.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateStep inserts a new PENDING step for the given run at the given ordinal.
func (s *Store) CreateStep(ctx context.Context, runID, name, description string, ordinal int) (*Step, error) {
	now := time.Now()
	step := &Step{
		ID:          uuid.NewString(),
		RunID:       runID,
		Name:        name,
		Description: description,
		Ordinal:     ordinal,
		Status:      StepPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO steps (step_id, run_id, name, description, ordinal, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.Name, step.Description, step.Ordinal, string(step.Status),
		formatTime(step.CreatedAt), formatTime(step.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert step: %w", err)
	}
	return step, nil
}

// GetStep returns the step with the given identifier.
func (s *Store) GetStep(ctx context.Context, id string) (*Step, error) {
	row := s.db.QueryRowContext(ctx, selectStepSQL+` WHERE step_id = ?`, id)
	return scanStep(row)
}

// ListStepsByRun returns all steps of a run ordered by ordinal.
func (s *Store) ListStepsByRun(ctx context.Context, runID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx,
		selectStepSQL+` WHERE run_id = ? ORDER BY ordinal ASC, created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []*Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// StartStep transitions a step to RUNNING, conditioned on the observed version.
func (s *Store) StartStep(ctx context.Context, id string, version int64) error {
	now := formatTime(time.Now())
	return s.conditionalStepUpdate(ctx, id, version,
		`UPDATE steps SET status = ?, started_at = ?, version = version + 1, updated_at = ?
		 WHERE step_id = ? AND version = ?`,
		string(StepRunning), now, now, id, version)
}

// CompleteStep transitions a step to DONE with its result text, conditioned
// on the observed version.
func (s *Store) CompleteStep(ctx context.Context, id string, version int64, result string) error {
	now := formatTime(time.Now())
	return s.conditionalStepUpdate(ctx, id, version,
		`UPDATE steps SET status = ?, result = ?, finished_at = ?, version = version + 1, updated_at = ?
		 WHERE step_id = ? AND version = ?`,
		string(StepDone), result, now, now, id, version)
}

// FailStep transitions a step to FAILED with its error message, conditioned
// on the observed version.
func (s *Store) FailStep(ctx context.Context, id string, version int64, errorMessage string) error {
	now := formatTime(time.Now())
	return s.conditionalStepUpdate(ctx, id, version,
		`UPDATE steps SET status = ?, error_message = ?, finished_at = ?, version = version + 1, updated_at = ?
		 WHERE step_id = ? AND version = ?`,
		string(StepFailed), errorMessage, now, now, id, version)
}

// ResetStep returns a step to PENDING, clearing result, error, and timestamps,
// conditioned on the observed version. Used for controlled retry between
// attempts and by crash recovery.
func (s *Store) ResetStep(ctx context.Context, id string, version int64) error {
	now := formatTime(time.Now())
	return s.conditionalStepUpdate(ctx, id, version,
		`UPDATE steps SET status = ?, result = '', error_message = '',
		        started_at = NULL, finished_at = NULL, version = version + 1, updated_at = ?
		 WHERE step_id = ? AND version = ?`,
		string(StepPending), now, id, version)
}

// conditionalStepUpdate executes a version-guarded step write. Zero affected
// rows means the step does not exist at that version anymore: either it was
// deleted (cascade) or a concurrent writer advanced it, which surfaces as
// ErrVersionConflict for the caller to retry against fresh state.
func (s *Store) conditionalStepUpdate(ctx context.Context, id string, version int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update step %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("step update rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("step %s at version %d: %w", id, version, ErrVersionConflict)
	}
	return nil
}

const selectStepSQL = `SELECT step_id, run_id, name, description, ordinal, status, result,
	error_message, version, started_at, finished_at, created_at, updated_at FROM steps`

func scanStep(row rowScanner) (*Step, error) {
	var st Step
	var status string
	var startedAt, finishedAt sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&st.ID, &st.RunID, &st.Name, &st.Description, &st.Ordinal, &status,
		&st.Result, &st.ErrorMessage, &st.Version, &startedAt, &finishedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan step row: %w", err)
	}
	st.Status = StepStatus(status)
	if st.StartedAt, err = scanNullableTime(startedAt); err != nil {
		return nil, err
	}
	if st.FinishedAt, err = scanNullableTime(finishedAt); err != nil {
		return nil, err
	}
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}
