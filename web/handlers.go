// ABOUTME: HTTP handlers shaping store records into JSON responses and validating requests.
// ABOUTME: Artifacts are served raw with their declared MIME type; everything else is JSON.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389-research/drover/engine"
	"github.com/2389-research/drover/store"
)

type taskResponse struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type runResponse struct {
	ID           string  `json:"id"`
	TaskID       string  `json:"task_id"`
	Status       string  `json:"status"`
	ClaimedBy    string  `json:"claimed_by,omitempty"`
	StartedAt    *string `json:"started_at,omitempty"`
	FinishedAt   *string `json:"finished_at,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

type stepResponse struct {
	ID           string  `json:"id"`
	RunID        string  `json:"run_id"`
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	Ordinal      int     `json:"ordinal"`
	Status       string  `json:"status"`
	Result       string  `json:"result,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	Version      int64   `json:"version"`
	StartedAt    *string `json:"started_at,omitempty"`
	FinishedAt   *string `json:"finished_at,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

type artifactResponse struct {
	ID        string `json:"id"`
	StepID    string `json:"step_id"`
	Name      string `json:"name"`
	MimeType  string `json:"mime_type"`
	SizeBytes int    `json:"size_bytes"`
	CreatedAt string `json:"created_at"`
}

type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Title == "" {
		respondError(w, http.StatusBadRequest, "title is required")
		return
	}

	task, err := s.store.CreateTask(r.Context(), req.Title, req.Description)
	if err != nil {
		respondInternalError(w, err)
		return
	}
	run, err := s.store.CreateRun(r.Context(), task.ID)
	if err != nil {
		respondInternalError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"task": toTaskResponse(task),
		"run":  toRunResponse(run),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context())
	if err != nil {
		respondInternalError(w, err)
		return
	}
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResponse(t))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toTaskResponse(task))
}

func (s *Server) handleListTaskRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRunsByTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		respondInternalError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toRunResponses(runs))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	var (
		runs []*store.Run
		err  error
	)
	if status == "" {
		// All runs, grouped by lifecycle order.
		for _, st := range []store.RunStatus{store.RunPending, store.RunRunning, store.RunDone, store.RunFailed} {
			batch, listErr := s.store.ListRunsByStatus(r.Context(), st)
			if listErr != nil {
				respondInternalError(w, listErr)
				return
			}
			runs = append(runs, batch...)
		}
	} else {
		runs, err = s.store.ListRunsByStatus(r.Context(), store.RunStatus(status))
		if err != nil {
			respondInternalError(w, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, toRunResponses(runs))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toRunResponse(run))
}

func (s *Server) handleListRunSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.store.ListStepsByRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		respondInternalError(w, err)
		return
	}
	out := make([]stepResponse, 0, len(steps))
	for _, st := range steps {
		out = append(out, toStepResponse(st))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleListRunArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.store.ListArtifactsByRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		respondInternalError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toArtifactResponses(artifacts))
}

func (s *Server) handleProcessRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		respondStoreError(w, err)
		return
	}
	// The claim discipline makes this a safe no-op for non-claimable runs.
	// Execution is submitted to the worker pool under a detached context so
	// the run is not cancelled when the client disconnects.
	if err := s.engine.ProcessRun(context.Background(), runID); err != nil {
		if errors.Is(err, engine.ErrPoolSaturated) {
			respondError(w, http.StatusServiceUnavailable, "worker pool is saturated, retry later")
			return
		}
		respondInternalError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "accepted"})
}

func (s *Server) handleListStepArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.store.ListArtifactsByStep(r.Context(), chi.URLParam(r, "stepID"))
	if err != nil {
		respondInternalError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toArtifactResponses(artifacts))
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.store.GetArtifact(r.Context(), chi.URLParam(r, "artifactID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", artifact.MimeType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact.Content)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Statistics(r.Context())
	if err != nil {
		respondInternalError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	// The LLM health probe is advisory: a degraded capability never takes
	// the API down.
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"instance":    s.engine.InstanceID(),
		"llm_healthy": s.client.Healthy(r.Context()),
	})
}

func toTaskResponse(t *store.Task) taskResponse {
	return taskResponse{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   t.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toRunResponse(r *store.Run) runResponse {
	return runResponse{
		ID:           r.ID,
		TaskID:       r.TaskID,
		Status:       string(r.Status),
		ClaimedBy:    r.ClaimedBy,
		StartedAt:    formatOptionalTime(r.StartedAt),
		FinishedAt:   formatOptionalTime(r.FinishedAt),
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    r.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toRunResponses(runs []*store.Run) []runResponse {
	out := make([]runResponse, 0, len(runs))
	for _, r := range runs {
		out = append(out, toRunResponse(r))
	}
	return out
}

func toStepResponse(st *store.Step) stepResponse {
	return stepResponse{
		ID:           st.ID,
		RunID:        st.RunID,
		Name:         st.Name,
		Description:  st.Description,
		Ordinal:      st.Ordinal,
		Status:       string(st.Status),
		Result:       st.Result,
		ErrorMessage: st.ErrorMessage,
		Version:      st.Version,
		StartedAt:    formatOptionalTime(st.StartedAt),
		FinishedAt:   formatOptionalTime(st.FinishedAt),
		CreatedAt:    st.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toArtifactResponses(artifacts []*store.Artifact) []artifactResponse {
	out := make([]artifactResponse, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, artifactResponse{
			ID:        a.ID,
			StepID:    a.StepID,
			Name:      a.Name,
			MimeType:  a.MimeType,
			SizeBytes: a.SizeBytes,
			CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response failed error=%v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondInternalError(w http.ResponseWriter, err error) {
	log.Printf("internal error error=%v", err)
	respondError(w, http.StatusInternalServerError, "internal error")
}

func respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	respondInternalError(w, err)
}
