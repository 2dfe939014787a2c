// ABOUTME: Run orchestration engine: claim polling, worker dispatch, stale cleanup, and crash recovery.
// ABOUTME: Multiple engine instances share one store; mutual exclusion comes entirely from the store's conditional writes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389-research/drover/llm"
	"github.com/2389-research/drover/store"
)

// ErrPoolSaturated is returned by ProcessRun when every worker slot is busy.
// The run is left PENDING; the claim loop picks it up when a slot frees.
var ErrPoolSaturated = errors.New("worker pool is saturated")

// Config holds the engine's tuning knobs. The zero value is not usable; start
// from DefaultConfig.
type Config struct {
	InstanceID        string        // opaque identifier recorded on claimed runs
	PoolSize          int           // worker pool concurrency limit W
	StepTimeout       time.Duration // per-attempt timeout for one step body
	MaxAttempts       int           // attempts per step R
	RetryBackoff      time.Duration // linear backoff base between attempts
	ClaimInterval     time.Duration // claim poll tick
	RecoveryInterval  time.Duration // crash-recovery sweep tick
	RecoveryThreshold time.Duration // silence before a RUNNING run is reset to PENDING
	StaleInterval     time.Duration // stale-cleanup tick
	StaleThreshold    time.Duration // silence before a RUNNING run is failed outright
	EventHandler      func(Event)   // optional observability callback
}

// DefaultConfig returns the engine defaults. The instance identifier embeds
// hostname and pid so operators can trace a claim back to a process.
func DefaultConfig() Config {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return Config{
		InstanceID:        fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		PoolSize:          4,
		StepTimeout:       5 * time.Minute,
		MaxAttempts:       3,
		RetryBackoff:      5 * time.Second,
		ClaimInterval:     10 * time.Second,
		RecoveryInterval:  2 * time.Minute,
		RecoveryThreshold: 10 * time.Minute,
		StaleInterval:     10 * time.Minute,
		StaleThreshold:    time.Hour,
	}
}

// Stats is the engine's operational snapshot exposed to the transport layer.
type Stats struct {
	PendingCount  int `json:"pending_count"`
	RunningCount  int `json:"running_count"`
	DoneCount     int `json:"done_count"`
	FailedCount   int `json:"failed_count"`
	ActiveWorkers int `json:"active_workers"`
	PoolSize      int `json:"pool_size"`
}

// Engine owns the background loops and the worker pool. One Engine per
// process; any number of processes may point at the same store.
type Engine struct {
	cfg      Config
	store    *store.Store
	pool     *Pool
	pipeline *Pipeline

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine over the given store and LLM capability. The stale
// threshold must exceed the recovery threshold: recovery gives a crashed
// run another chance before cleanup gives up on it entirely.
func New(cfg Config, st *store.Store, client llm.Client) (*Engine, error) {
	if cfg.StaleThreshold <= cfg.RecoveryThreshold {
		return nil, fmt.Errorf("stale threshold (%s) must exceed recovery threshold (%s)",
			cfg.StaleThreshold, cfg.RecoveryThreshold)
	}

	e := &Engine{
		cfg:   cfg,
		store: st,
		pool:  NewPool(cfg.PoolSize),
	}
	steps := NewSteps(st)
	scheduler := NewScheduler(steps, cfg.StepTimeout, cfg.MaxAttempts, cfg.RetryBackoff, e.emit)
	e.pipeline = NewPipeline(st, client, scheduler)
	return e, nil
}

// Start launches the claim, recovery, and cleanup loops. They stop when ctx
// is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(3)
	go e.loop(ctx, e.cfg.ClaimInterval, e.claimTick)
	go e.loop(ctx, e.cfg.RecoveryInterval, e.recoveryTick)
	go e.loop(ctx, e.cfg.StaleInterval, e.cleanupTick)

	log.Printf("engine started instance=%s pool=%d claim_interval=%s",
		e.cfg.InstanceID, e.cfg.PoolSize, e.cfg.ClaimInterval)
}

// Stop cancels the background loops and waits for in-flight workers to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.pool.Wait()
	log.Printf("engine stopped instance=%s", e.cfg.InstanceID)
}

// loop runs tick on the given interval until the context is cancelled. Any
// panic inside a tick is contained so one bad run can never kill the loops.
func (e *Engine) loop(ctx context.Context, interval time.Duration, tick func(ctx context.Context)) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.safeTick(ctx, tick)
		}
	}
}

func (e *Engine) safeTick(ctx context.Context, tick func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("engine tick panic instance=%s panic=%v\n%s", e.cfg.InstanceID, r, debug.Stack())
		}
	}()
	tick(ctx)
}

// claimTick attempts one claim. The pool slot is reserved before claiming so
// a full pool skips the tick and leaves the backlog claimable by other
// instances; contention (another instance winning the candidate) is expected
// and silent.
func (e *Engine) claimTick(ctx context.Context) {
	if !e.pool.Reserve() {
		return
	}

	run, err := e.store.ClaimNextPendingRun(ctx, e.cfg.InstanceID)
	if err != nil {
		e.pool.Release()
		log.Printf("claim attempt failed instance=%s error=%v", e.cfg.InstanceID, err)
		return
	}
	if run == nil {
		e.pool.Release()
		return
	}

	log.Printf("run claimed run=%s task=%s instance=%s", run.ID, run.TaskID, e.cfg.InstanceID)
	e.emit(Event{Type: EventRunClaimed, RunID: run.ID, Data: map[string]any{"instance": e.cfg.InstanceID}})
	e.pool.Submit(ctx, func(ctx context.Context) {
		e.runOne(ctx, run)
	})
}

// runOne executes one claimed run to a terminal state. Every failure path is
// recorded on the run; nothing escapes to the claim loop.
func (e *Engine) runOne(ctx context.Context, run *store.Run) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("run panic run=%s instance=%s panic=%v\n%s", run.ID, e.cfg.InstanceID, r, debug.Stack())
			e.finishFailed(ctx, run.ID, fmt.Sprintf("internal panic: %v", r))
		}
	}()

	if err := e.pipeline.Execute(ctx, run); err != nil {
		log.Printf("run failed run=%s instance=%s error=%v", run.ID, e.cfg.InstanceID, err)
		e.finishFailed(ctx, run.ID, err.Error())
		return
	}

	final, err := e.store.GetRun(ctx, run.ID)
	if err != nil {
		log.Printf("run finished but unreadable run=%s error=%v", run.ID, err)
		return
	}
	log.Printf("run finished run=%s status=%s instance=%s", final.ID, final.Status, e.cfg.InstanceID)
	if final.Status == store.RunDone {
		e.emit(Event{Type: EventRunCompleted, RunID: final.ID})
	} else {
		e.emit(Event{Type: EventRunFailed, RunID: final.ID, Data: map[string]any{"error": final.ErrorMessage}})
	}
}

// finishFailed records a failure outcome, tolerating the run having been
// reclaimed by recovery in the meantime.
func (e *Engine) finishFailed(ctx context.Context, runID, message string) {
	if err := e.store.FinishRun(ctx, runID, store.RunFailed, message); err != nil {
		log.Printf("record run failure run=%s error=%v", runID, err)
		return
	}
	e.emit(Event{Type: EventRunFailed, RunID: runID, Data: map[string]any{"error": message}})
}

// recoveryTick resets runs (and their RUNNING steps) abandoned by a crashed
// worker back to a claimable state.
func (e *Engine) recoveryTick(ctx context.Context) {
	ids, err := e.store.ResetStaleRuns(ctx, e.cfg.RecoveryThreshold)
	if err != nil {
		log.Printf("crash recovery sweep failed instance=%s error=%v", e.cfg.InstanceID, err)
	}
	for _, id := range ids {
		log.Printf("run recovered run=%s instance=%s threshold=%s", id, e.cfg.InstanceID, e.cfg.RecoveryThreshold)
		e.emit(Event{Type: EventRunRecovered, RunID: id})
	}
}

// cleanupTick fails runs silent for so long that retrying them automatically
// is no longer sensible.
func (e *Engine) cleanupTick(ctx context.Context) {
	ids, err := e.store.FailStaleRuns(ctx, e.cfg.StaleThreshold)
	if err != nil {
		log.Printf("stale cleanup failed instance=%s error=%v", e.cfg.InstanceID, err)
	}
	for _, id := range ids {
		log.Printf("run timed out run=%s instance=%s threshold=%s", id, e.cfg.InstanceID, e.cfg.StaleThreshold)
		e.emit(Event{Type: EventRunTimedOut, RunID: id})
	}
}

// ProcessRun force-processes one run outside the timer cycle, subject to the
// same claim-before-execute and pool disciplines as the claim loop. The slot
// is reserved before claiming: a saturated pool returns ErrPoolSaturated and
// leaves the run PENDING for the next poll tick. Re-invoking it on a run that
// is not claimable is a safe no-op.
func (e *Engine) ProcessRun(ctx context.Context, runID string) error {
	if !e.pool.Reserve() {
		return ErrPoolSaturated
	}

	run, err := e.store.ClaimRun(ctx, runID, e.cfg.InstanceID)
	if err != nil {
		e.pool.Release()
		return err
	}
	if run == nil {
		e.pool.Release()
		return nil
	}

	log.Printf("run claimed run=%s task=%s instance=%s trigger=manual", run.ID, run.TaskID, e.cfg.InstanceID)
	e.emit(Event{Type: EventRunClaimed, RunID: run.ID, Data: map[string]any{"instance": e.cfg.InstanceID, "trigger": "manual"}})
	e.pool.Submit(ctx, func(ctx context.Context) {
		e.runOne(ctx, run)
	})
	return nil
}

// Statistics returns the engine's operational snapshot.
func (e *Engine) Statistics(ctx context.Context) (*Stats, error) {
	counts, err := e.store.RunStatistics(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		PendingCount:  counts.PendingCount,
		RunningCount:  counts.RunningCount,
		DoneCount:     counts.DoneCount,
		FailedCount:   counts.FailedCount,
		ActiveWorkers: e.pool.Active(),
		PoolSize:      e.pool.Size(),
	}, nil
}

// InstanceID returns the opaque identifier this engine records on claims.
func (e *Engine) InstanceID() string {
	return e.cfg.InstanceID
}

func (e *Engine) emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if e.cfg.EventHandler != nil {
		e.cfg.EventHandler(evt)
	}
}
