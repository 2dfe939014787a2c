// ABOUTME: Conflict-safe step state machine over the store's version-stamped writes.
// ABOUTME: Retries version conflicts with short exponential backoff and serializes local writers per step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/2389-research/drover/store"
)

const (
	// conflictMaxAttempts bounds version-conflict retries before the
	// conflict is treated as a genuine failure.
	conflictMaxAttempts = 4
	// conflictBaseDelay is the initial backoff between conflict retries.
	conflictBaseDelay = 25 * time.Millisecond
)

// Steps drives step lifecycle transitions. Cross-process races are resolved
// entirely by the store's version check; the sharded mutexes only serialize
// goroutines within this process so local writers do not burn conflict
// retries against each other. A fixed shard array keeps the lock footprint
// constant no matter how many steps a long-lived instance processes.
type Steps struct {
	store *store.Store
	locks [64]sync.Mutex
}

// NewSteps creates a Steps state machine over the given store.
func NewSteps(st *store.Store) *Steps {
	return &Steps{store: st}
}

// Create inserts a new PENDING step for the run.
func (s *Steps) Create(ctx context.Context, runID, name, description string, ordinal int) (*store.Step, error) {
	return s.store.CreateStep(ctx, runID, name, description, ordinal)
}

// Get returns the step by identifier.
func (s *Steps) Get(ctx context.Context, id string) (*store.Step, error) {
	return s.store.GetStep(ctx, id)
}

// Start transitions a step PENDING -> RUNNING. If the step is not currently
// PENDING the call is an idempotent no-op returning the step unchanged.
func (s *Steps) Start(ctx context.Context, id string) (*store.Step, error) {
	return s.transition(ctx, id, func(st *store.Step) (bool, error) {
		if st.Status != store.StepPending {
			return false, nil
		}
		return true, s.store.StartStep(ctx, st.ID, st.Version)
	})
}

// Complete transitions a step RUNNING -> DONE with its result text. If the
// step is not currently RUNNING the call is an idempotent no-op.
func (s *Steps) Complete(ctx context.Context, id, result string) (*store.Step, error) {
	return s.transition(ctx, id, func(st *store.Step) (bool, error) {
		if st.Status != store.StepRunning {
			return false, nil
		}
		return true, s.store.CompleteStep(ctx, st.ID, st.Version, result)
	})
}

// Fail transitions a step to FAILED from any state. Failure is always
// permitted: a version conflict only means the step moved underneath us, so
// the transition re-reads and applies against the fresh version.
func (s *Steps) Fail(ctx context.Context, id, errorMessage string) (*store.Step, error) {
	return s.transition(ctx, id, func(st *store.Step) (bool, error) {
		return true, s.store.FailStep(ctx, st.ID, st.Version, errorMessage)
	})
}

// ResetToPending clears result, error, and timestamps and returns the step to
// PENDING. Used for controlled retry between attempts and by crash recovery.
func (s *Steps) ResetToPending(ctx context.Context, id string) (*store.Step, error) {
	return s.transition(ctx, id, func(st *store.Step) (bool, error) {
		if st.Status == store.StepPending {
			return false, nil
		}
		return true, s.store.ResetStep(ctx, st.ID, st.Version)
	})
}

// transition runs one conflict-safe write: read the step, decide whether the
// transition applies, write conditioned on the observed version, and on
// ErrVersionConflict retry against freshly read state with backoff. The
// mutate callback returns false to signal an idempotent no-op.
func (s *Steps) transition(ctx context.Context, id string, mutate func(*store.Step) (bool, error)) (*store.Step, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < conflictMaxAttempts; attempt++ {
		st, err := s.store.GetStep(ctx, id)
		if err != nil {
			return nil, err
		}

		applied, err := mutate(st)
		if err == nil {
			if !applied {
				return st, nil
			}
			return s.store.GetStep(ctx, id)
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}

		lastErr = err
		if !sleepWithContext(ctx, conflictBaseDelay<<attempt) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("step %s transition: retries exhausted: %w", id, lastErr)
}

// lockFor maps a step id onto its shard's mutex.
func (s *Steps) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.locks[h.Sum32()%uint32(len(s.locks))]
}

// sleepWithContext sleeps for d, returning false early if the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
