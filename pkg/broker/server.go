// Package broker exposes the scheduling core over HTTP: job and
// workflow submission, the worker protocol (register, heartbeat, claim,
// accept, progress, result) and the live SSE event stream.
package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/quarrylabs/quarry/internal/core/domain"
	"github.com/quarrylabs/quarry/internal/core/ports"
	"github.com/quarrylabs/quarry/internal/core/services"
)

type Server struct {
	logger   *slog.Logger
	jobs     *services.JobService
	engine   *services.MatchingEngine
	orch     *services.WorkflowOrchestrator
	registry *services.WorkerRegistry
	bus      *services.EventBus
	repo     ports.EventRepository
}

func NewServer(
	logger *slog.Logger,
	jobs *services.JobService,
	engine *services.MatchingEngine,
	orch *services.WorkflowOrchestrator,
	registry *services.WorkerRegistry,
	bus *services.EventBus,
	repo ports.EventRepository,
) *Server {
	return &Server{
		logger:   logger,
		jobs:     jobs,
		engine:   engine,
		orch:     orch,
		registry: registry,
		bus:      bus,
		repo:     repo,
	}
}

// Handler mounts every route on a ServeMux. CORS wrapping happens in
// main so tests can hit the bare handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("POST /v1/jobs/{id}/accept", s.handleAcceptJob)
	mux.HandleFunc("POST /v1/jobs/{id}/progress", s.handleJobProgress)
	mux.HandleFunc("POST /v1/jobs/{id}/result", s.handleJobResult)

	mux.HandleFunc("POST /v1/workflows", s.handleSubmitWorkflow)
	mux.HandleFunc("GET /v1/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("POST /v1/workflows/{id}/cancel", s.handleCancelWorkflow)

	mux.HandleFunc("POST /v1/workers", s.handleRegisterWorker)
	mux.HandleFunc("GET /v1/workers", s.handleListWorkers)
	mux.HandleFunc("POST /v1/workers/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("DELETE /v1/workers/{id}", s.handleDeregisterWorker)
	mux.HandleFunc("POST /v1/workers/{id}/claim", s.handleClaim)

	mux.HandleFunc("GET /v1/events", s.handleEventsSSE)
	mux.HandleFunc("GET /v1/deadletters", s.handleListDeadLetters)
	mux.HandleFunc("POST /v1/deadletters/{id}/retry", s.handleRetryDeadLetter)

	return mux
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req services.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	job, err := s.jobs.SubmitJob(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), domain.JobID(r.PathValue("id")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	// Body is optional for cancellation.
	_ = json.NewDecoder(r.Body).Decode(&req)

	job, err := s.jobs.CancelJob(r.Context(), domain.JobID(r.PathValue("id")), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleAcceptJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.AcceptJob(r.Context(), domain.JobID(r.PathValue("id")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobProgress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Progress int    `json:"progress"`
		Message  string `json:"message,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.jobs.ReportProgress(r.Context(), domain.JobID(r.PathValue("id")), req.Progress, req.Message); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status domain.JobStatus `json:"status"`
		Result json.RawMessage  `json:"result,omitempty"`
		Error  string           `json:"error,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	job, err := s.jobs.ReportTerminal(r.Context(), domain.JobID(r.PathValue("id")), req.Status, req.Result, req.Error)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	var req services.SubmitWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	wf, err := s.orch.SubmitWorkflow(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orch.GetWorkflowStatus(r.Context(), domain.WorkflowID(r.PathValue("id")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	wf, err := s.orch.CancelWorkflow(r.Context(), domain.WorkflowID(r.PathValue("id")), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req services.RegisterWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	worker, err := s.registry.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, worker)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.registry.ListWorkers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"workers": workers, "count": len(workers)})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Heartbeat(r.Context(), domain.WorkerID(r.PathValue("id"))); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeregisterWorker(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Deregister(r.Context(), domain.WorkerID(r.PathValue("id"))); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClaim asks the matching engine for the best pending job the
// worker can serve. 204 means nothing matched; the worker backs off.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Capabilities domain.Capabilities `json:"capabilities,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	job, err := s.engine.ClaimJob(r.Context(), domain.WorkerID(r.PathValue("id")), req.Capabilities)
	if err != nil {
		if errors.Is(err, domain.ErrNoMatch) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// handleEventsSSE streams bus events. Without a key query parameter the
// stream is global; with one it is scoped to a job or workflow ID.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var ch <-chan services.BusEvent
	var unsub func()
	if key := r.URL.Query().Get("key"); key != "" {
		ch, unsub = s.bus.Subscribe(key)
	} else {
		ch, unsub = s.bus.SubscribeGlobal()
	}
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.Data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	letters, err := s.repo.ListDeadLetters(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters, "count": len(letters)})
}

func (s *Server) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.RequeueDeadLetter(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidSubmission):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrWorkerNotFound),
		errors.Is(err, domain.ErrWorkflowNotFound),
		errors.Is(err, domain.ErrDeadLetterNotFound),
		errors.Is(err, domain.ErrOutboxEntryNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotCancellable):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
