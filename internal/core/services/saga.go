package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/quarrylabs/quarry/internal/core/domain"
	"github.com/quarrylabs/quarry/internal/core/ports"
)

// CompensationBuilder turns a completed step into the submission that
// undoes it. Returning nil skips the step.
type CompensationBuilder func(step domain.StepDetail, job domain.Job) *SubmitJobRequest

// SagaCoordinator walks a failed compensate-policy workflow's completed
// steps in reverse order and submits one compensation job per step.
// Compensation jobs are ordinary jobs: they flow through the same
// matching engine and lifecycle as everything else.
type SagaCoordinator struct {
	logger *slog.Logger
	store  ports.Store
	jobs   *JobService
	events *EventLog

	mu       sync.RWMutex
	builders map[string]CompensationBuilder
}

func NewSagaCoordinator(logger *slog.Logger, store ports.Store, events *EventLog) *SagaCoordinator {
	return &SagaCoordinator{
		logger:   logger,
		store:    store,
		events:   events,
		builders: make(map[string]CompensationBuilder),
	}
}

// SetJobService breaks the construction cycle; call before use.
func (c *SagaCoordinator) SetJobService(jobs *JobService) { c.jobs = jobs }

// RegisterBuilder installs a per-service compensation builder. Services
// without one get the default marker payload.
func (c *SagaCoordinator) RegisterBuilder(service string, b CompensationBuilder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.builders[service] = b
}

// Compensate submits compensation jobs for every completed step of wf,
// last completed first. Steps that never completed have nothing to undo
// and are skipped. Compensation is best-effort: a submission failure is
// logged and the walk continues.
func (c *SagaCoordinator) Compensate(ctx context.Context, wf *domain.Workflow) {
	for i := len(wf.StepJobIDs) - 1; i >= 0; i-- {
		job, err := c.store.GetJob(ctx, wf.StepJobIDs[i])
		if err != nil {
			c.logger.Warn("compensation skipped, step job missing", "workflow_id", wf.ID, "step", i, "error", err)
			continue
		}
		if job.Status != domain.JobStatusCompleted {
			continue
		}

		step := domain.StepDetail{
			StepNumber: i,
			JobID:      job.ID,
			Service:    job.ServiceRequired,
			Status:     job.Status,
			Result:     job.Result,
			Error:      job.Error,
		}
		req := c.builderFor(job.ServiceRequired)(step, *job)
		if req == nil {
			continue
		}

		if _, err := c.jobs.SubmitJob(ctx, *req); err != nil {
			c.logger.Error("failed to submit compensation job", "workflow_id", wf.ID, "step", i, "error", err)
			continue
		}
		c.recordCompensated(ctx, wf.ID, i)
		c.logger.Info("compensation submitted", "workflow_id", wf.ID, "step", i, "service", job.ServiceRequired)
		c.events.StepCompensated(ctx, wf, step)
	}
}

func (c *SagaCoordinator) builderFor(service string) CompensationBuilder {
	c.mu.RLock()
	b, ok := c.builders[service]
	c.mu.RUnlock()
	if ok {
		return b
	}
	return defaultCompensation
}

func (c *SagaCoordinator) recordCompensated(ctx context.Context, wfID domain.WorkflowID, step int) {
	_, err := c.store.TransitionWorkflow(ctx, wfID, func(w *domain.Workflow) bool {
		for _, s := range w.CompensatedSteps {
			if s == step {
				return false
			}
		}
		w.CompensatedSteps = append(w.CompensatedSteps, step)
		w.UpdatedAt = time.Now()
		return true
	})
	if err != nil {
		c.logger.Warn("failed to record compensated step", "workflow_id", wfID, "step", step, "error", err)
	}
}

// defaultCompensation asks the same service to undo its own work: the
// connector sees the compensate marker plus the original result and
// decides what undoing means.
func defaultCompensation(step domain.StepDetail, job domain.Job) *SubmitJobRequest {
	payload, err := json.Marshal(map[string]any{
		"compensate":      true,
		"original_job_id": job.ID,
		"original_result": json.RawMessage(orEmptyObject(job.Result)),
	})
	if err != nil {
		return nil
	}
	return &SubmitJobRequest{
		ServiceRequired: job.ServiceRequired,
		Payload:         payload,
		Priority:        job.EffectivePriority(),
		Requirements:    job.Requirements,
		TimeoutSec:      job.TimeoutSec,
	}
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
