// ABOUTME: End-to-end engine tests: claim loop through pipeline to terminal run status.
// ABOUTME: Uses a scripted client and fast tick intervals so full runs complete in milliseconds.
package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/2389-research/drover/llm"
	"github.com/2389-research/drover/store"
)

// fastConfig returns a config tuned so the background loops tick immediately.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.InstanceID = "test-instance"
	cfg.PoolSize = 2
	cfg.StepTimeout = time.Second
	cfg.MaxAttempts = 1
	cfg.RetryBackoff = time.Millisecond
	cfg.ClaimInterval = 5 * time.Millisecond
	cfg.RecoveryInterval = time.Hour
	cfg.RecoveryThreshold = time.Hour
	cfg.StaleInterval = time.Hour
	cfg.StaleThreshold = 2 * time.Hour
	return cfg
}

func newPendingRun(t *testing.T, st *store.Store) *store.Run {
	t.Helper()
	task, err := st.CreateTask(context.Background(), "Sum numbers", "Add 2 and 2")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	run, err := st.CreateRun(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

// waitForStatus polls until the run reaches want or the deadline passes.
func waitForStatus(t *testing.T, st *store.Store, runID string, want store.RunStatus) *store.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := st.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if run.Status == want {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	run, _ := st.GetRun(context.Background(), runID)
	t.Fatalf("run %s never reached %s, last status %s (%s)", runID, want, run.Status, run.ErrorMessage)
	return nil
}

func TestEngineRunsPendingRunToCompletion(t *testing.T) {
	st := openTestStore(t)

	client := llm.NewScriptedClient()
	client.QueueResponse("1. Add the numbers")
	client.QueueResponse("4")
	client.QueueResponse(`{"success": true, "evaluation": "correct"}`)

	var mu sync.Mutex
	var events []EventType
	cfg := fastConfig()
	cfg.EventHandler = func(evt Event) {
		mu.Lock()
		events = append(events, evt.Type)
		mu.Unlock()
	}

	eng, err := New(cfg, st, client)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	run := newPendingRun(t, st)
	eng.Start(context.Background())
	defer eng.Stop()

	final := waitForStatus(t, st, run.ID, store.RunDone)
	if final.ClaimedBy != "test-instance" {
		t.Errorf("expected claimed_by=test-instance, got %q", final.ClaimedBy)
	}

	steps, err := st.ListStepsByRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 3 {
		t.Errorf("expected 3 steps for a 1-step plan, got %d", len(steps))
	}

	mu.Lock()
	defer mu.Unlock()
	var sawClaimed, sawCompleted bool
	for _, e := range events {
		switch e {
		case EventRunClaimed:
			sawClaimed = true
		case EventRunCompleted:
			sawCompleted = true
		}
	}
	if !sawClaimed || !sawCompleted {
		t.Errorf("expected claimed and completed events, got %v", events)
	}
}

func TestEngineRecordsPhaseFailureOnRun(t *testing.T) {
	st := openTestStore(t)

	// The plan call fails and there are no retries, so the planning phase
	// fails and the run must be marked FAILED with the step error.
	client := llm.NewScriptedClient()
	client.QueueError(&llm.CapabilityError{Message: "model rejected the request"})

	eng, err := New(fastConfig(), st, client)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	run := newPendingRun(t, st)
	eng.Start(context.Background())
	defer eng.Stop()

	final := waitForStatus(t, st, run.ID, store.RunFailed)
	if final.ErrorMessage == "" {
		t.Error("expected failure reason on run")
	}
}

func TestEngineValidatesThresholds(t *testing.T) {
	cfg := fastConfig()
	cfg.RecoveryThreshold = time.Hour
	cfg.StaleThreshold = time.Hour
	if _, err := New(cfg, openTestStore(t), llm.NewScriptedClient()); err == nil {
		t.Error("expected error when stale threshold does not exceed recovery threshold")
	}
}

func TestProcessRunClaimsAndExecutes(t *testing.T) {
	st := openTestStore(t)

	client := llm.NewScriptedClient()
	client.QueueResponse("1. Add the numbers")
	client.QueueResponse("4")
	client.QueueResponse(`{"success": true, "evaluation": "correct"}`)

	eng, err := New(fastConfig(), st, client)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	run := newPendingRun(t, st)

	// Engine not started: ProcessRun works without the background loops.
	if err := eng.ProcessRun(context.Background(), run.ID); err != nil {
		t.Fatalf("process run: %v", err)
	}
	final := waitForStatus(t, st, run.ID, store.RunDone)
	if final.ClaimedBy != "test-instance" {
		t.Errorf("expected claim by this instance, got %q", final.ClaimedBy)
	}

	// Re-processing a terminal run is a safe no-op.
	if err := eng.ProcessRun(context.Background(), run.ID); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	again, _ := st.GetRun(context.Background(), run.ID)
	if again.Status != store.RunDone {
		t.Errorf("reprocess must not disturb terminal run, got %s", again.Status)
	}
}

func TestProcessRunSaturatedPoolLeavesRunPending(t *testing.T) {
	st := openTestStore(t)
	cfg := fastConfig()
	cfg.PoolSize = 1
	eng, err := New(cfg, st, llm.NewScriptedClient())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	run := newPendingRun(t, st)

	// Occupy the only slot so force-process has nowhere to run.
	if !eng.pool.Reserve() {
		t.Fatal("reserve failed")
	}
	if err := eng.ProcessRun(context.Background(), run.ID); !errors.Is(err, ErrPoolSaturated) {
		t.Fatalf("expected ErrPoolSaturated, got %v", err)
	}

	// The run was never claimed, let alone executed inline.
	got, err := st.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != store.RunPending {
		t.Errorf("saturated force-process must leave the run PENDING, got %s", got.Status)
	}
	if got.ClaimedBy != "" {
		t.Errorf("expected no claim, got %q", got.ClaimedBy)
	}

	// Active worker count never exceeded the pool size.
	if eng.pool.Active() != 0 {
		t.Errorf("expected 0 active workers, got %d", eng.pool.Active())
	}

	eng.pool.Release()
	client := llm.NewScriptedClient()
	client.QueueResponse("1. do the thing")
	client.QueueResponse("done")
	client.QueueResponse(`{"success": true, "evaluation": "fine"}`)
	eng2, err := New(cfg, st, client)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := eng2.ProcessRun(context.Background(), run.ID); err != nil {
		t.Fatalf("process with free slot: %v", err)
	}
	waitForStatus(t, st, run.ID, store.RunDone)
}

func TestEngineStatistics(t *testing.T) {
	st := openTestStore(t)
	eng, err := New(fastConfig(), st, llm.NewScriptedClient())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	newPendingRun(t, st)

	stats, err := eng.Statistics(context.Background())
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.PendingCount != 1 {
		t.Errorf("expected 1 pending, got %d", stats.PendingCount)
	}
	if stats.PoolSize != 2 || stats.ActiveWorkers != 0 {
		t.Errorf("unexpected pool stats: %+v", stats)
	}
}
