// ABOUTME: Lifecycle event types emitted by the engine during claim, execution, and recovery.
// ABOUTME: Events are observability-only; no engine behavior depends on a handler being set.
package engine

import "time"

// EventType identifies the kind of engine lifecycle event.
type EventType string

const (
	EventRunClaimed    EventType = "run.claimed"
	EventRunCompleted  EventType = "run.completed"
	EventRunFailed     EventType = "run.failed"
	EventRunRecovered  EventType = "run.recovered"
	EventRunTimedOut   EventType = "run.timed_out"
	EventStepStarted   EventType = "step.started"
	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"
	EventStepRetrying  EventType = "step.retrying"
)

// Event is a lifecycle event emitted by the engine.
type Event struct {
	Type      EventType
	RunID     string
	StepID    string
	Data      map[string]any
	Timestamp time.Time
}
