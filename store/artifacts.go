// ABOUTME: Append-only artifact persistence: named, typed content blobs owned by steps.
// ABOUTME: Artifacts are never mutated after insert and delete transitively with their step.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// SaveArtifact inserts a new artifact for the given step. Artifact identifiers
// are ULIDs so lexical order matches creation order.
func (s *Store) SaveArtifact(ctx context.Context, stepID, name, mimeType string, content []byte) (*Artifact, error) {
	now := time.Now()
	artifact := &Artifact{
		ID:        ulid.Make().String(),
		StepID:    stepID,
		Name:      name,
		MimeType:  mimeType,
		Content:   content,
		SizeBytes: len(content),
		CreatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (artifact_id, step_id, name, mime_type, content, size_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		artifact.ID, artifact.StepID, artifact.Name, artifact.MimeType,
		artifact.Content, artifact.SizeBytes, formatTime(artifact.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert artifact: %w", err)
	}
	return artifact, nil
}

// GetArtifact returns the artifact with the given identifier, including content.
func (s *Store) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT artifact_id, step_id, name, mime_type, content, size_bytes, created_at
		 FROM artifacts WHERE artifact_id = ?`, id)
	return scanArtifact(row)
}

// ListArtifactsByStep returns all artifacts of a step, ordered by creation.
func (s *Store) ListArtifactsByStep(ctx context.Context, stepID string) ([]*Artifact, error) {
	return s.queryArtifacts(ctx,
		`SELECT artifact_id, step_id, name, mime_type, content, size_bytes, created_at
		 FROM artifacts WHERE step_id = ? ORDER BY artifact_id ASC`, stepID)
}

// ListArtifactsByRun returns all artifacts across a run's steps, ordered by
// step ordinal then creation.
func (s *Store) ListArtifactsByRun(ctx context.Context, runID string) ([]*Artifact, error) {
	return s.queryArtifacts(ctx,
		`SELECT a.artifact_id, a.step_id, a.name, a.mime_type, a.content, a.size_bytes, a.created_at
		 FROM artifacts a JOIN steps s ON a.step_id = s.step_id
		 WHERE s.run_id = ? ORDER BY s.ordinal ASC, a.artifact_id ASC`, runID)
}

func (s *Store) queryArtifacts(ctx context.Context, query string, args ...any) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var artifacts []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

func scanArtifact(row rowScanner) (*Artifact, error) {
	var a Artifact
	var createdAt string
	err := row.Scan(&a.ID, &a.StepID, &a.Name, &a.MimeType, &a.Content, &a.SizeBytes, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan artifact row: %w", err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &a, nil
}
