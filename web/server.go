// ABOUTME: HTTP API server exposing task/run/step/artifact reads, run creation, and engine controls.
// ABOUTME: Thin transport glue over the store and engine behind a single chi router.
package web

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389-research/drover/engine"
	"github.com/2389-research/drover/llm"
	"github.com/2389-research/drover/store"
)

// Server is the drover HTTP API server. It is a passive consumer of the
// store's read accessors plus two engine controls (force-process and stats);
// all orchestration behavior lives in the engine.
type Server struct {
	store  *store.Store
	engine *engine.Engine
	client llm.Client
	router chi.Router
	addr   string
}

// NewServer creates a Server listening on addr.
func NewServer(addr string, st *store.Store, eng *engine.Engine, client llm.Client) *Server {
	s := &Server{
		store:  st,
		engine: eng,
		client: client,
		addr:   addr,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{taskID}", s.handleGetTask)
		r.Get("/tasks/{taskID}/runs", s.handleListTaskRuns)

		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Get("/runs/{runID}/steps", s.handleListRunSteps)
		r.Get("/runs/{runID}/artifacts", s.handleListRunArtifacts)
		r.Post("/runs/{runID}/process", s.handleProcessRun)

		r.Get("/steps/{stepID}/artifacts", s.handleListStepArtifacts)
		r.Get("/artifacts/{artifactID}", s.handleGetArtifact)

		r.Get("/stats", s.handleStats)
		r.Get("/healthz", s.handleHealthz)
	})

	return r
}

// Handler returns the server's root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("http server listening addr=%s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
