// ABOUTME: Retry scheduler executing one logical phase as a single step across bounded attempts.
// ABOUTME: Enforces the per-attempt timeout and linear backoff, reusing the same step record throughout.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/2389-research/drover/store"
)

// StepBody is the work of one phase attempt. It receives the step record
// being executed as an explicit argument and returns the result text or fails.
type StepBody func(ctx context.Context, step *store.Step) (string, error)

// Scheduler drives step bodies through the retry policy: up to MaxAttempts
// attempts, each bounded by StepTimeout, with linear backoff between attempts.
type Scheduler struct {
	steps       *Steps
	stepTimeout time.Duration
	maxAttempts int
	backoffBase time.Duration
	emit        func(Event)
}

// NewScheduler creates a scheduler with the given limits. emit may be nil.
func NewScheduler(steps *Steps, stepTimeout time.Duration, maxAttempts int, backoffBase time.Duration, emit func(Event)) *Scheduler {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Scheduler{
		steps:       steps,
		stepTimeout: stepTimeout,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		emit:        emit,
	}
}

// ExecuteWithRetry creates one step for the phase and drives body through the
// retry policy. The step record is created once and reused across attempts,
// so its history reflects one phase regardless of how many attempts it took.
// After the final failed attempt the step is left FAILED and the aggregate
// error, including the last underlying failure, is returned.
func (sc *Scheduler) ExecuteWithRetry(ctx context.Context, runID, name, description string, ordinal int, body StepBody) (*store.Step, error) {
	step, err := sc.steps.Create(ctx, runID, name, description, ordinal)
	if err != nil {
		return nil, fmt.Errorf("create step %q: %w", name, err)
	}

	var lastErr error
	for attempt := 1; attempt <= sc.maxAttempts; attempt++ {
		if attempt > 1 {
			if _, err := sc.steps.ResetToPending(ctx, step.ID); err != nil {
				return step, fmt.Errorf("reset step %q for retry: %w", name, err)
			}
			delay := time.Duration(attempt-1) * sc.backoffBase
			sc.emitEvent(Event{Type: EventStepRetrying, RunID: runID, StepID: step.ID,
				Data: map[string]any{"attempt": attempt, "delay": delay.String()}})
			if !sleepWithContext(ctx, delay) {
				return step, ctx.Err()
			}
		}

		step, err = sc.steps.Start(ctx, step.ID)
		if err != nil {
			return step, fmt.Errorf("start step %q: %w", name, err)
		}
		sc.emitEvent(Event{Type: EventStepStarted, RunID: runID, StepID: step.ID,
			Data: map[string]any{"name": name, "attempt": attempt}})

		result, attemptErr := sc.runAttempt(ctx, step, body)
		if attemptErr == nil {
			done, err := sc.steps.Complete(ctx, step.ID, result)
			if err != nil {
				return step, fmt.Errorf("complete step %q: %w", name, err)
			}
			sc.emitEvent(Event{Type: EventStepCompleted, RunID: runID, StepID: done.ID})
			return done, nil
		}

		lastErr = attemptErr
		failed, err := sc.steps.Fail(ctx, step.ID, attemptErr.Error())
		if err != nil {
			return step, fmt.Errorf("fail step %q: %w", name, err)
		}
		step = failed
		sc.emitEvent(Event{Type: EventStepFailed, RunID: runID, StepID: step.ID,
			Data: map[string]any{"attempt": attempt, "error": attemptErr.Error()}})
		log.Printf("step attempt failed run=%s step=%s name=%q attempt=%d/%d error=%v",
			runID, step.ID, name, attempt, sc.maxAttempts, attemptErr)

		if ctx.Err() != nil {
			return step, ctx.Err()
		}
	}

	return step, fmt.Errorf("step %q failed after %d attempt(s): %w", name, sc.maxAttempts, lastErr)
}

// runAttempt executes one attempt of body under the per-step timeout. A body
// that exceeds the timeout is cancelled and counted as a failed attempt; the
// overrunning goroutine is abandoned behind the cancelled context rather than
// waited for.
func (sc *Scheduler) runAttempt(ctx context.Context, step *store.Step, body StepBody) (string, error) {
	attemptCtx := ctx
	cancel := func() {}
	if sc.stepTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, sc.stepTimeout)
	}
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := body(attemptCtx, step)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("step timed out after %s", sc.stepTimeout)
	}
}

func (sc *Scheduler) emitEvent(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if sc.emit != nil {
		sc.emit(evt)
	}
}
