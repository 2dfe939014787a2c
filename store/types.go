// ABOUTME: Record types for tasks, runs, steps, and artifacts persisted in the shared store.
// ABOUTME: Defines the status enums and ownership chain Task -> Run -> Step -> Artifact.
package store

import "time"

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunPending RunStatus = "PENDING"
	RunRunning RunStatus = "RUNNING"
	RunDone    RunStatus = "DONE"
	RunFailed  RunStatus = "FAILED"
)

// StepStatus is the lifecycle state of a Step.
type StepStatus string

const (
	StepPending StepStatus = "PENDING"
	StepRunning StepStatus = "RUNNING"
	StepDone    StepStatus = "DONE"
	StepFailed  StepStatus = "FAILED"
	StepSkipped StepStatus = "SKIPPED"
)

// Task is a unit of user intent. Created by the request layer and read-only
// to the engine; its Status field is advisory only.
type Task struct {
	ID          string
	Title       string
	Description string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Run is one attempt to execute a Task through the pipeline. ClaimedBy is the
// opaque identifier of the instance holding the claim, empty when unclaimed.
type Run struct {
	ID           string
	TaskID       string
	Status       RunStatus
	ClaimedBy    string
	StartedAt    *time.Time
	FinishedAt   *time.Time
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Step is one phase or sub-phase execution within a Run. Version is a
// monotonically incrementing counter; every status/result/error write is
// conditioned on the version observed at read time.
type Step struct {
	ID           string
	RunID        string
	Name         string
	Description  string
	Ordinal      int
	Status       StepStatus
	Result       string
	ErrorMessage string
	Version      int64
	StartedAt    *time.Time
	FinishedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Artifact is immutable named content produced by a Step. Artifacts are
// append-only: once created they are never mutated, only superseded.
type Artifact struct {
	ID        string
	StepID    string
	Name      string
	MimeType  string
	Content   []byte
	SizeBytes int
	CreatedAt time.Time
}

// Statistics is a point-in-time summary of run counts by status.
type Statistics struct {
	PendingCount int
	RunningCount int
	DoneCount    int
	FailedCount  int
}
