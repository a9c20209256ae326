package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quarrylabs/quarry/internal/core/domain"
	"github.com/quarrylabs/quarry/internal/core/ports"
)

// LifecycleConfig carries submission defaults.
type LifecycleConfig struct {
	DefaultTimeoutSec int
	DefaultMaxRetries int
}

// SubmitJobRequest is the external submission shape.
type SubmitJobRequest struct {
	ServiceRequired string              `json:"service_required"`
	Payload         json.RawMessage     `json:"payload,omitempty"`
	Priority        int                 `json:"priority"`
	Requirements    domain.Requirements `json:"requirements"`
	TimeoutSec      int                 `json:"timeout_sec,omitempty"`
	// MaxRetries nil means "use the broker default"; an explicit 0 submits
	// a job with no retry budget.
	MaxRetries *int `json:"max_retries,omitempty"`
}

// JobService owns job CRUD, status transitions and retry/timeout
// bookkeeping. Workers report through it; the orchestrator consumes the
// terminal signals it raises.
type JobService struct {
	logger *slog.Logger
	store  ports.Store
	events *EventLog
	cfg    LifecycleConfig

	// signals receives every terminal workflow-step job; the workflow
	// orchestrator is the sole consumer.
	signals chan<- domain.Job
}

func NewJobService(logger *slog.Logger, store ports.Store, events *EventLog, signals chan<- domain.Job, cfg LifecycleConfig) *JobService {
	if cfg.DefaultTimeoutSec <= 0 {
		cfg.DefaultTimeoutSec = 600
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 0
	}
	return &JobService{
		logger:  logger,
		store:   store,
		events:  events,
		signals: signals,
		cfg:     cfg,
	}
}

// SubmitJob validates the request, builds the job record and enqueues it
// into the pending index. Validation failures never enter the index.
func (s *JobService) SubmitJob(ctx context.Context, req SubmitJobRequest) (*domain.Job, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	now := time.Now()
	job := &domain.Job{
		ID:              domain.JobID(uuid.New().String()),
		ServiceRequired: strings.TrimSpace(req.ServiceRequired),
		Payload:         req.Payload,
		Requirements:    req.Requirements,
		Priority:        req.Priority,
		CreatedAt:       now,
		UpdatedAt:       now,
		Status:          domain.JobStatusPending,
		TimeoutSec:      req.TimeoutSec,
		MaxRetries:      s.cfg.DefaultMaxRetries,
	}
	if job.TimeoutSec <= 0 {
		job.TimeoutSec = s.cfg.DefaultTimeoutSec
	}
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	}

	if err := s.store.EnqueueJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Info("job submitted", "job_id", job.ID, "service", job.ServiceRequired, "priority", job.Priority)
	s.events.JobSubmitted(ctx, job)
	return job, nil
}

// SubmitStep persists a workflow step job built by the orchestrator. A
// ready step enters the pending index; one with unmet dependencies is
// stored waiting.
func (s *JobService) SubmitStep(ctx context.Context, job *domain.Job, ready bool) error {
	if ready {
		job.Status = domain.JobStatusPending
		if err := s.store.EnqueueJob(ctx, job); err != nil {
			return fmt.Errorf("failed to enqueue step %d: %w", job.StepNumber, err)
		}
	} else {
		job.Status = domain.JobStatusWaiting
		if err := s.store.CreateJob(ctx, job); err != nil {
			return fmt.Errorf("failed to store waiting step %d: %w", job.StepNumber, err)
		}
	}
	s.events.JobSubmitted(ctx, job)
	return nil
}

// ReportProgress records observational progress. No status change, no
// ordering guarantee beyond last-write-wins.
func (s *JobService) ReportProgress(ctx context.Context, id domain.JobID, pct int, message string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	job.Progress = pct
	job.ProgressMessage = message
	job.UpdatedAt = time.Now()
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to record progress for %s: %w", id, err)
	}
	s.events.JobProgress(ctx, job)
	return nil
}

// ReportTerminal finishes a job on behalf of its worker. A failed job
// with retry budget left is re-queued instead of going terminal; the
// owning worker is released either way.
func (s *JobService) ReportTerminal(ctx context.Context, id domain.JobID, status domain.JobStatus, result json.RawMessage, errMsg string) (*domain.Job, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("%w: %q is not a terminal status", domain.ErrInvalidSubmission, status)
	}

	current, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	active := []domain.JobStatus{domain.JobStatusAssigned, domain.JobStatusAccepted, domain.JobStatusInProgress}

	retriable := status == domain.JobStatusFailed || status == domain.JobStatusTimeout
	if retriable && current.RetryCount < current.MaxRetries && !current.CancelRequested {
		return s.requeue(ctx, id, active, errMsg, current.WorkerID)
	}

	now := time.Now()
	job, err := s.store.TransitionJob(ctx, id, active, func(j *domain.Job) {
		j.Status = status
		j.CompletedAt = &now
		j.UpdatedAt = now
		if status == domain.JobStatusCompleted {
			j.Result = result
			j.Error = nil
			j.Progress = 100
		} else if errMsg != "" {
			msg := errMsg
			j.Error = &msg
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to finish job %s: %w", id, err)
	}

	s.release(ctx, job)
	s.logger.Info("job finished", "job_id", id, "status", status)
	s.events.JobTerminal(ctx, job)
	s.signalWorkflow(job)
	return job, nil
}

// ForceTimeout is the watchdog's entry point for jobs that blew their
// deadline without a terminal report.
func (s *JobService) ForceTimeout(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	return s.ReportTerminal(ctx, id, domain.JobStatusTimeout, nil, "execution deadline exceeded")
}

// CancelJob cancels a job that has not started. Cancelling an active job
// is a cooperative signal to the connector, not a guaranteed abort.
func (s *JobService) CancelJob(ctx context.Context, id domain.JobID, reason string) (*domain.Job, error) {
	now := time.Now()
	job, err := s.store.DequeueJob(ctx, id,
		[]domain.JobStatus{domain.JobStatusPending, domain.JobStatusWaiting, domain.JobStatusUnworkable},
		func(j *domain.Job) {
			j.Status = domain.JobStatusCancelled
			j.CompletedAt = &now
			j.UpdatedAt = now
			if reason != "" {
				r := reason
				j.Error = &r
			}
		})
	if err == nil {
		s.logger.Info("job cancelled", "job_id", id, "reason", reason)
		s.events.JobTerminal(ctx, job)
		s.signalWorkflow(job)
		return job, nil
	}

	// Not idle: flag an in-flight job for cooperative cancellation.
	job, flagErr := s.store.TransitionJob(ctx, id,
		[]domain.JobStatus{domain.JobStatusAssigned, domain.JobStatusAccepted, domain.JobStatusInProgress},
		func(j *domain.Job) {
			j.CancelRequested = true
			j.UpdatedAt = now
		})
	if flagErr != nil {
		return nil, domain.ErrNotCancellable
	}
	s.logger.Info("cancellation requested for in-flight job", "job_id", id)
	return job, nil
}

// GetJob returns a point-in-time job snapshot.
func (s *JobService) GetJob(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	return s.store.GetJob(ctx, id)
}

// requeue puts a retriable job back in the pending index. prevWorker is
// the owner before the transition; RequeueJob clears the assignment, so
// the release works from the captured ID.
func (s *JobService) requeue(ctx context.Context, id domain.JobID, from []domain.JobStatus, errMsg string, prevWorker *domain.WorkerID) (*domain.Job, error) {
	now := time.Now()
	job, err := s.store.RequeueJob(ctx, id, from, func(j *domain.Job) {
		j.RetryCount++
		j.Progress = 0
		j.ProgressMessage = ""
		j.StartedAt = nil
		j.AssignedAt = nil
		j.UpdatedAt = now
		if errMsg != "" {
			msg := errMsg
			j.Error = &msg
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to requeue job %s: %w", id, err)
	}
	if prevWorker != nil {
		if err := s.store.ReleaseWorker(ctx, *prevWorker, id); err != nil {
			s.logger.Warn("failed to release worker", "worker_id", *prevWorker, "job_id", id, "error", err)
		}
	}
	s.logger.Info("job requeued for retry", "job_id", id, "retry_count", job.RetryCount, "max_retries", job.MaxRetries)
	s.events.JobRequeued(ctx, job)
	return job, nil
}

// release clears the owning worker, conditional on it still holding the
// job, after the job left an active status.
func (s *JobService) release(ctx context.Context, job *domain.Job) {
	if job.WorkerID == nil {
		return
	}
	if err := s.store.ReleaseWorker(ctx, *job.WorkerID, job.ID); err != nil {
		s.logger.Warn("failed to release worker", "worker_id", *job.WorkerID, "job_id", job.ID, "error", err)
	}
}

func (s *JobService) signalWorkflow(job *domain.Job) {
	if s.signals == nil || job.WorkflowID == nil {
		return
	}
	s.signals <- *job
}

func (s *JobService) validate(req SubmitJobRequest) error {
	if strings.TrimSpace(req.ServiceRequired) == "" {
		return fmt.Errorf("%w: service_required is empty", domain.ErrInvalidSubmission)
	}
	if req.Priority < 0 {
		return fmt.Errorf("%w: negative priority", domain.ErrInvalidSubmission)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", domain.ErrInvalidSubmission)
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return fmt.Errorf("%w: negative max_retries", domain.ErrInvalidSubmission)
	}
	if err := req.Requirements.Validate(); err != nil {
		return err
	}
	return nil
}
