// Package web serves the pipeline API: operator actions, worker callbacks,
// an event stream and Prometheus metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ternarybob/arbor"

	"github.com/lucasnoah/renderfactory/internal/metrics"
	"github.com/lucasnoah/renderfactory/internal/monitor"
	"github.com/lucasnoah/renderfactory/internal/orchestrator"
	"github.com/lucasnoah/renderfactory/internal/pipeline"
)

// Server is the HTTP front end of an Orchestrator.
type Server struct {
	orch   *orchestrator.Orchestrator
	mon    *monitor.Monitor // nil disables the stale-check endpoint
	logger arbor.ILogger

	// pollInterval is how often the event stream looks for new events.
	pollInterval time.Duration
}

// NewServer creates a Server. mon may be nil.
func NewServer(orch *orchestrator.Orchestrator, mon *monitor.Monitor, logger arbor.ILogger) *Server {
	return &Server{orch: orch, mon: mon, logger: logger, pollInterval: 2 * time.Second}
}

// Router returns the API routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/pipelines", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/pipelines", s.handleCreate).Methods(http.MethodPost)

	p := api.PathPrefix("/pipelines/{id}").Subrouter()
	p.HandleFunc("", s.handleStatus).Methods(http.MethodGet)
	p.HandleFunc("", s.handleDelete).Methods(http.MethodDelete)
	p.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	p.HandleFunc("/events/stream", s.handleEventStream).Methods(http.MethodGet)
	p.HandleFunc("/advance", s.handleAdvance).Methods(http.MethodPost)
	p.HandleFunc("/pause", s.handlePause).Methods(http.MethodPost)
	p.HandleFunc("/resume", s.handleResume).Methods(http.MethodPost)
	p.HandleFunc("/settings", s.handleSettings).Methods(http.MethodPatch)
	p.HandleFunc("/rollback", s.handleRollback).Methods(http.MethodPost)

	st := p.PathPrefix("/stages/{key:[0-9]+}").Subrouter()
	st.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	st.HandleFunc("/approve", s.handleApprove).Methods(http.MethodPost)
	st.HandleFunc("/reject", s.handleReject).Methods(http.MethodPost)
	st.HandleFunc("/skip", s.handleSkip).Methods(http.MethodPost)
	st.HandleFunc("/restart", s.handleRestart).Methods(http.MethodPost)
	st.HandleFunc("/recover", s.handleRecover).Methods(http.MethodPost)
	st.HandleFunc("/stale-check", s.handleStaleCheck).Methods(http.MethodPost)

	p.HandleFunc("/spaces", s.handleRegisterSpaces).Methods(http.MethodPost)
	p.HandleFunc("/spaces/{space}/exclude", s.handleExclude).Methods(http.MethodPost)
	p.HandleFunc("/spaces/{space}/restore", s.handleRestore).Methods(http.MethodPost)
	p.HandleFunc("/spaces/{space}/{sub}/start", s.handleStartSubStage).Methods(http.MethodPost)
	p.HandleFunc("/spaces/{space}/{sub}/{variant}/approve", s.handleApproveAsset).Methods(http.MethodPost)
	p.HandleFunc("/spaces/{space}/{sub}/{variant}/reject", s.handleRejectAsset).Methods(http.MethodPost)
	p.HandleFunc("/sub-stages/{sub}/run-all", s.handleRunAll).Methods(http.MethodPost)
	p.HandleFunc("/gates/{sub}", s.handleGate).Methods(http.MethodGet)

	api.HandleFunc("/callbacks/completion", s.handleCompletion).Methods(http.MethodPost)
	api.HandleFunc("/callbacks/progress", s.handleProgress).Methods(http.MethodPost)
	return r
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info().Str("addr", addr).Msg("API listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps the event stream working behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Int("ms", int(time.Since(started).Milliseconds())).
			Msg("Request")
	})
}

// statusFor maps an operation error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrGateLocked):
		return http.StatusLocked
	case errors.Is(err, pipeline.ErrInvalidTransition), errors.Is(err, pipeline.ErrRetryBudgetExhausted):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrDispatchFailure):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: metrics.Result(err)})
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf(format, args...), Kind: "bad_request"})
}

// decode reads an optional JSON body into v. An empty body is not an error.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
