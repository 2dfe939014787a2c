// ABOUTME: HTTP API tests exercising the router end to end against a real store and engine.
// ABOUTME: Uses httptest with the scripted LLM client; no network listeners are opened.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/2389-research/drover/engine"
	"github.com/2389-research/drover/llm"
	"github.com/2389-research/drover/store"
)

type fixture struct {
	store  *store.Store
	client *llm.ScriptedClient
	server *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	client := llm.NewScriptedClient()
	cfg := engine.DefaultConfig()
	cfg.InstanceID = "web-test"
	cfg.MaxAttempts = 1
	eng, err := engine.New(cfg, st, client)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	return &fixture{
		store:  st,
		client: client,
		server: NewServer("127.0.0.1:0", st, eng, client),
	}
}

func (f *fixture) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestCreateTaskCreatesPendingRun(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/tasks", `{"title": "Sum numbers", "description": "Add 2 and 2"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Task struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"task"`
		Run struct {
			ID     string `json:"id"`
			TaskID string `json:"task_id"`
			Status string `json:"status"`
		} `json:"run"`
	}
	decodeJSON(t, rec, &resp)
	if resp.Task.ID == "" || resp.Task.Title != "Sum numbers" {
		t.Errorf("unexpected task: %+v", resp.Task)
	}
	if resp.Run.TaskID != resp.Task.ID {
		t.Errorf("run not linked to task: %+v", resp.Run)
	}
	if resp.Run.Status != "PENDING" {
		t.Errorf("expected PENDING run, got %q", resp.Run.Status)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/tasks", `{"description": "no title"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing title: expected 400, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/tasks", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad json: expected 400, got %d", rec.Code)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/tasks/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestListRunsByStatus(t *testing.T) {
	f := newFixture(t)
	task, err := f.store.CreateTask(context.Background(), "t", "d")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	run, err := f.store.CreateRun(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := f.store.ClaimRun(context.Background(), run.ID, "web-test"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.store.CreateRun(context.Background(), task.ID); err != nil {
		t.Fatalf("create second run: %v", err)
	}

	var runs []struct {
		Status string `json:"status"`
	}
	rec := f.do(t, http.MethodGet, "/api/runs?status=RUNNING", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	decodeJSON(t, rec, &runs)
	if len(runs) != 1 || runs[0].Status != "RUNNING" {
		t.Errorf("expected one RUNNING run, got %v", runs)
	}

	rec = f.do(t, http.MethodGet, "/api/runs", "")
	decodeJSON(t, rec, &runs)
	if len(runs) != 2 {
		t.Errorf("expected 2 runs total, got %d", len(runs))
	}
}

func TestRunStepsAndArtifactEndpoints(t *testing.T) {
	f := newFixture(t)
	task, _ := f.store.CreateTask(context.Background(), "t", "d")
	run, _ := f.store.CreateRun(context.Background(), task.ID)
	step, err := f.store.CreateStep(context.Background(), run.ID, "Planning", "plan it", 0)
	if err != nil {
		t.Fatalf("create step: %v", err)
	}
	artifact, err := f.store.SaveArtifact(context.Background(), step.ID, "plan", "text/markdown", []byte("1. add"))
	if err != nil {
		t.Fatalf("save artifact: %v", err)
	}

	var steps []struct {
		Name    string `json:"name"`
		Ordinal int    `json:"ordinal"`
	}
	rec := f.do(t, http.MethodGet, "/api/runs/"+run.ID+"/steps", "")
	decodeJSON(t, rec, &steps)
	if len(steps) != 1 || steps[0].Name != "Planning" {
		t.Errorf("unexpected steps: %v", steps)
	}

	var artifacts []struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		SizeBytes int    `json:"size_bytes"`
	}
	rec = f.do(t, http.MethodGet, "/api/steps/"+step.ID+"/artifacts", "")
	decodeJSON(t, rec, &artifacts)
	if len(artifacts) != 1 || artifacts[0].Name != "plan" {
		t.Fatalf("unexpected artifacts: %v", artifacts)
	}

	// Raw artifact content with its declared MIME type.
	rec = f.do(t, http.MethodGet, "/api/artifacts/"+artifact.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/markdown" {
		t.Errorf("content type: got %q", got)
	}
	if rec.Body.String() != "1. add" {
		t.Errorf("body: got %q", rec.Body.String())
	}
}

func TestProcessRunAcceptedAndExecutes(t *testing.T) {
	f := newFixture(t)
	f.client.QueueResponse("1. do the thing")
	f.client.QueueResponse("done")
	f.client.QueueResponse(`{"success": true, "evaluation": "fine"}`)

	task, _ := f.store.CreateTask(context.Background(), "t", "d")
	run, _ := f.store.CreateRun(context.Background(), task.ID)

	rec := f.do(t, http.MethodPost, "/api/runs/"+run.ID+"/process", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := f.store.GetRun(context.Background(), run.ID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if got.Status == store.RunDone {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("run never completed after force-process")
}

// blockingClient parks every Generate call until released, to hold worker
// pool slots open during a test.
type blockingClient struct {
	entered chan struct{}
	release chan struct{}
}

func (c *blockingClient) Generate(ctx context.Context, prompt string) (string, error) {
	select {
	case c.entered <- struct{}{}:
	default:
	}
	select {
	case <-c.release:
		return "1. done", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *blockingClient) Healthy(ctx context.Context) bool { return true }

func TestProcessRunSaturatedPoolReturns503(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	client := &blockingClient{entered: make(chan struct{}, 1), release: make(chan struct{})}
	cfg := engine.DefaultConfig()
	cfg.InstanceID = "web-test"
	cfg.PoolSize = 1
	cfg.MaxAttempts = 1
	eng, err := engine.New(cfg, st, client)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	srv := NewServer("127.0.0.1:0", st, eng, client)

	task, _ := st.CreateTask(context.Background(), "t", "d")
	first, _ := st.CreateRun(context.Background(), task.ID)
	second, _ := st.CreateRun(context.Background(), task.ID)

	do := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(nil))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec := do("/api/runs/" + first.ID + "/process")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first process: expected 202, got %d", rec.Code)
	}
	<-client.entered // the single worker is now parked inside the pipeline

	rec = do("/api/runs/" + second.ID + "/process")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("saturated process: expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
	got, err := st.GetRun(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != store.RunPending {
		t.Errorf("rejected run must stay PENDING, got %s", got.Status)
	}

	close(client.release)
}

func TestProcessRunNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/runs/nope/process", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t)
	task, _ := f.store.CreateTask(context.Background(), "t", "d")
	_, _ = f.store.CreateRun(context.Background(), task.ID)

	rec := f.do(t, http.MethodGet, "/api/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats struct {
		PendingCount int `json:"pending_count"`
		PoolSize     int `json:"pool_size"`
	}
	decodeJSON(t, rec, &stats)
	if stats.PendingCount != 1 {
		t.Errorf("expected 1 pending, got %d", stats.PendingCount)
	}
	if stats.PoolSize < 1 {
		t.Errorf("expected positive pool size, got %d", stats.PoolSize)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	f.client.SetHealthy(false)

	rec := f.do(t, http.MethodGet, "/api/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay 200 with degraded llm, got %d", rec.Code)
	}
	var body struct {
		Status     string `json:"status"`
		Instance   string `json:"instance"`
		LLMHealthy bool   `json:"llm_healthy"`
	}
	decodeJSON(t, rec, &body)
	if body.Status != "ok" || body.Instance != "web-test" {
		t.Errorf("unexpected health body: %+v", body)
	}
	if body.LLMHealthy {
		t.Error("expected llm_healthy=false")
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/nothing-here", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
