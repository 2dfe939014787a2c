// ABOUTME: Three-phase pipeline orchestrator: plan, sequential execute with context, critique.
// ABOUTME: Produces one step per phase, one artifact per step, and resolves the run's terminal status.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/2389-research/drover/llm"
	"github.com/2389-research/drover/store"
)

// Pipeline executes one claimed run through the plan, execute, and critique
// phases. Phases are strictly ordered and execute steps run sequentially so
// each step's context contains exactly the results of its predecessors.
type Pipeline struct {
	store     *store.Store
	client    llm.Client
	scheduler *Scheduler
	llmRetry  llm.RetryPolicy
}

// NewPipeline creates a pipeline over the given store, capability, and scheduler.
func NewPipeline(st *store.Store, client llm.Client, scheduler *Scheduler) *Pipeline {
	return &Pipeline{
		store:     st,
		client:    client,
		scheduler: scheduler,
		llmRetry:  llm.DefaultRetryPolicy(),
	}
}

// Verdict is the critique phase's structured judgment of a run, stored as the
// critique step's artifact.
type Verdict struct {
	Success    bool   `json:"success"`
	Evaluation string `json:"evaluation"`
	Source     string `json:"source"` // "llm" or "heuristic"
}

// Execute runs all three phases for a claimed run and records the terminal
// outcome. A nil return means the run reached a terminal status (DONE, or
// FAILED by critique verdict); a non-nil error means a phase failed and the
// caller must mark the run FAILED.
func (p *Pipeline) Execute(ctx context.Context, run *store.Run) error {
	task, err := p.store.GetTask(ctx, run.TaskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", run.TaskID, err)
	}

	// Phase 1: Plan.
	planStep, err := p.scheduler.ExecuteWithRetry(ctx, run.ID, "Planning",
		"Break the task into ordered executable steps", 0,
		func(ctx context.Context, step *store.Step) (string, error) {
			text, err := p.generate(ctx, planPrompt(task))
			if err != nil {
				return "", err
			}
			if _, err := p.store.SaveArtifact(ctx, step.ID, "plan", "text/markdown", []byte(text)); err != nil {
				return "", fmt.Errorf("store plan artifact: %w", err)
			}
			return text, nil
		})
	if err != nil {
		return err
	}

	planSteps := parsePlan(planStep.Result)
	if len(planSteps) == 0 {
		return errors.New("plan produced no executable steps")
	}
	p.touch(ctx, run.ID)

	// Phase 2: Execute, sequentially, each step seeing only its predecessors'
	// results as context.
	results := make([]string, 0, len(planSteps))
	for i, desc := range planSteps {
		ordinal := i + 1
		name := fmt.Sprintf("Execute: %s", truncate(desc, 60))
		prior := results
		artifactName := fmt.Sprintf("execute-%02d", ordinal)

		execStep, err := p.scheduler.ExecuteWithRetry(ctx, run.ID, name, desc, ordinal,
			func(ctx context.Context, step *store.Step) (string, error) {
				text, err := p.generate(ctx, executePrompt(task, desc, prior))
				if err != nil {
					return "", err
				}
				if _, err := p.store.SaveArtifact(ctx, step.ID, artifactName, "text/markdown", []byte(text)); err != nil {
					return "", fmt.Errorf("store execute artifact: %w", err)
				}
				return text, nil
			})
		if err != nil {
			return err
		}
		results = append(results, execStep.Result)
		p.touch(ctx, run.ID)
	}

	// Phase 3: Critique. The capability failing does not fail the step: the
	// deterministic heuristic produces the verdict instead.
	var verdict Verdict
	_, err = p.scheduler.ExecuteWithRetry(ctx, run.ID, "Critique",
		"Evaluate whether the executed steps accomplished the task", len(planSteps)+1,
		func(ctx context.Context, step *store.Step) (string, error) {
			verdict = p.critique(ctx, task, results)
			payload, err := json.Marshal(verdict)
			if err != nil {
				return "", fmt.Errorf("encode critique verdict: %w", err)
			}
			if _, err := p.store.SaveArtifact(ctx, step.ID, "critique", "application/json", payload); err != nil {
				return "", fmt.Errorf("store critique artifact: %w", err)
			}
			return verdict.Evaluation, nil
		})
	if err != nil {
		return err
	}

	// Outcome resolution.
	status := store.RunDone
	errorMessage := ""
	if !verdict.Success {
		status = store.RunFailed
		errorMessage = verdict.Evaluation
	}
	if err := p.store.FinishRun(ctx, run.ID, status, errorMessage); err != nil {
		if errors.Is(err, store.ErrNotClaimed) {
			// The recovery sweep or stale cleanup took the run back while we
			// were finishing; the outcome belongs to whoever owns it now.
			log.Printf("run outcome discarded run=%s status=%s reason=no-longer-claimed", run.ID, status)
			return nil
		}
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	return nil
}

// generate invokes the capability with transport-level retries for rate
// limits and transient provider failures. Genuine failures surface to the
// scheduler's attempt-level retry policy.
func (p *Pipeline) generate(ctx context.Context, prompt string) (string, error) {
	var text string
	err := llm.Retry(ctx, p.llmRetry, func() error {
		var err error
		text, err = p.client.Generate(ctx, prompt)
		return err
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// critique asks the capability for a structured verdict over the execute
// results. When the capability call itself fails, the deterministic
// keyword-and-ratio heuristic decides instead.
func (p *Pipeline) critique(ctx context.Context, task *store.Task, results []string) Verdict {
	text, err := p.generate(ctx, critiquePrompt(task, results))
	if err != nil {
		return heuristicVerdict(results, err)
	}
	return parseVerdict(text)
}

// parseVerdict extracts the verdict from the critique response: first as the
// requested JSON object, then by scanning for an explicit textual verdict.
func parseVerdict(text string) Verdict {
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			var v Verdict
			if err := json.Unmarshal([]byte(text[start:end+1]), &v); err == nil && v.Evaluation != "" {
				v.Source = "llm"
				return v
			}
		}
	}

	upper := strings.ToUpper(text)
	success := strings.Contains(upper, "SUCCESS") && !strings.Contains(upper, "FAILURE")
	return Verdict{Success: success, Evaluation: strings.TrimSpace(text), Source: "llm"}
}

// heuristicVerdict is the documented fallback for a failed critique call:
// approximate by design, not a hard contract. The run is judged successful
// when no execute result contains a failure keyword and at least half of the
// execute steps produced non-empty results.
func heuristicVerdict(results []string, cause error) Verdict {
	failureKeywords := []string{"error", "failed", "cannot", "unable", "exception"}

	nonEmpty := 0
	keywordHit := false
	for _, r := range results {
		trimmed := strings.TrimSpace(r)
		if trimmed != "" {
			nonEmpty++
		}
		lower := strings.ToLower(trimmed)
		for _, kw := range failureKeywords {
			if strings.Contains(lower, kw) {
				keywordHit = true
				break
			}
		}
	}

	success := !keywordHit && len(results) > 0 && nonEmpty*2 >= len(results)
	evaluation := fmt.Sprintf(
		"critique capability unavailable (%v); heuristic verdict: %d/%d steps produced output, failure keywords present: %t",
		cause, nonEmpty, len(results), keywordHit)
	return Verdict{Success: success, Evaluation: evaluation, Source: "heuristic"}
}

// parsePlan splits the plan text into an ordered list of non-empty step
// descriptions, stripping list markers and numbering.
func parsePlan(text string) []string {
	var steps []string
	for _, line := range strings.Split(text, "\n") {
		desc := strings.TrimSpace(line)
		desc = strings.TrimLeft(desc, "-*• \t")
		desc = strings.TrimLeft(desc, "0123456789")
		desc = strings.TrimLeft(desc, ".) \t")
		desc = strings.TrimSpace(desc)
		if desc == "" || strings.HasPrefix(desc, "#") {
			continue
		}
		steps = append(steps, desc)
	}
	return steps
}

// touch advances the run heartbeat; failures are logged, not fatal, since the
// next phase write will advance updated_at anyway.
func (p *Pipeline) touch(ctx context.Context, runID string) {
	if err := p.store.TouchRun(ctx, runID); err != nil {
		log.Printf("run heartbeat failed run=%s error=%v", runID, err)
	}
}

// truncate shortens s to at most max bytes, cutting on a rune boundary so a
// multi-byte character in a plan line is never split mid-sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func planPrompt(task *store.Task) string {
	var b strings.Builder
	b.WriteString("You are planning how to accomplish a task.\n\n")
	b.WriteString("Task: " + task.Title + "\n")
	b.WriteString("Description: " + task.Description + "\n\n")
	b.WriteString("Produce a short ordered plan, one step per line. ")
	b.WriteString("Each line must be a single concrete action. No commentary.")
	return b.String()
}

func executePrompt(task *store.Task, stepDescription string, prior []string) string {
	var b strings.Builder
	b.WriteString("You are executing one step of a plan for the task: " + task.Title + "\n\n")
	if len(prior) > 0 {
		b.WriteString("Results of the previously completed steps, in order:\n\n")
		for i, r := range prior {
			fmt.Fprintf(&b, "--- step %d result ---\n%s\n\n", i+1, r)
		}
	}
	b.WriteString("Current step: " + stepDescription + "\n\n")
	b.WriteString("Carry out this step and return only its result.")
	return b.String()
}

func critiquePrompt(task *store.Task, results []string) string {
	var b strings.Builder
	b.WriteString("Evaluate whether the following executed steps accomplished the task.\n\n")
	b.WriteString("Task: " + task.Title + "\n")
	b.WriteString("Description: " + task.Description + "\n\n")
	for i, r := range results {
		fmt.Fprintf(&b, "--- step %d result ---\n%s\n\n", i+1, r)
	}
	b.WriteString(`Respond with a JSON object: {"success": <bool>, "evaluation": "<one paragraph>"}`)
	return b.String()
}
