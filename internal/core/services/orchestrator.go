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

// OrchestratorConfig sets workflow-level policy defaults.
type OrchestratorConfig struct {
	// DefaultPolicy applies when a submission names no failure policy.
	DefaultPolicy domain.FailurePolicy
	// SignalBuffer sizes the terminal-job channel between the lifecycle
	// service and the orchestrator loop.
	SignalBuffer int
}

// SubmitWorkflowRequest describes a multi-step submission. Step
// dependencies reference earlier steps by index.
type SubmitWorkflowRequest struct {
	Priority int                   `json:"priority"`
	Policy   domain.FailurePolicy  `json:"policy,omitempty"`
	Steps    []WorkflowStepRequest `json:"steps"`
}

type WorkflowStepRequest struct {
	ServiceRequired string              `json:"service_required"`
	Payload         json.RawMessage     `json:"payload,omitempty"`
	Requirements    domain.Requirements `json:"requirements"`
	DependsOn       []int               `json:"depends_on,omitempty"`
	TimeoutSec      int                 `json:"timeout_sec,omitempty"`
	MaxRetries      int                 `json:"max_retries,omitempty"`
}

// WorkflowSnapshot is the external status shape: the workflow plus its
// canonical per-step details.
type WorkflowSnapshot struct {
	Workflow domain.Workflow     `json:"workflow"`
	Steps    []domain.StepDetail `json:"step_details"`
}

// WorkflowOrchestrator is the single source of truth for multi-step
// workflows: it owns the dependency graph, reacts to terminal job
// signals, regenerates the canonical step_details snapshot from the
// authoritative job records, and emits de-duplicated workflow events.
// One goroutine consumes the signal channel, so per-workflow handling is
// naturally serialized.
type WorkflowOrchestrator struct {
	logger  *slog.Logger
	store   ports.Store
	jobs    *JobService
	events  *EventLog
	saga    *SagaCoordinator
	cfg     OrchestratorConfig
	signals chan domain.Job
}

func NewWorkflowOrchestrator(logger *slog.Logger, store ports.Store, events *EventLog, saga *SagaCoordinator, cfg OrchestratorConfig) *WorkflowOrchestrator {
	if cfg.DefaultPolicy == "" {
		cfg.DefaultPolicy = domain.FailFast
	}
	if cfg.SignalBuffer <= 0 {
		cfg.SignalBuffer = 256
	}
	return &WorkflowOrchestrator{
		logger:  logger,
		store:   store,
		events:  events,
		saga:    saga,
		cfg:     cfg,
		signals: make(chan domain.Job, cfg.SignalBuffer),
	}
}

// SetJobService breaks the construction cycle between the orchestrator
// and the lifecycle service; call before Run.
func (o *WorkflowOrchestrator) SetJobService(jobs *JobService) { o.jobs = jobs }

// Signals is the channel the lifecycle service pushes terminal
// workflow-step jobs into.
func (o *WorkflowOrchestrator) Signals() chan<- domain.Job { return o.signals }

// Run consumes terminal job signals until ctx is cancelled.
func (o *WorkflowOrchestrator) Run(ctx context.Context) error {
	o.logger.Info("workflow orchestrator started")
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("workflow orchestrator stopped")
			return nil
		case job := <-o.signals:
			o.handleTerminalJob(ctx, job)
		}
	}
}

// SubmitWorkflow validates the step graph, creates the workflow record
// and its step jobs. Steps without dependencies enter the pending index
// immediately with the workflow's inherited priority and datetime; the
// rest are stored waiting.
func (o *WorkflowOrchestrator) SubmitWorkflow(ctx context.Context, req SubmitWorkflowRequest) (*domain.Workflow, error) {
	if len(req.Steps) == 0 {
		return nil, fmt.Errorf("%w: workflow has no steps", domain.ErrInvalidSubmission)
	}
	if req.Priority < 0 {
		return nil, fmt.Errorf("%w: negative priority", domain.ErrInvalidSubmission)
	}
	policy := req.Policy
	if policy == "" {
		policy = o.cfg.DefaultPolicy
	}
	switch policy {
	case domain.FailFast, domain.ContinueIndependent, domain.Compensate:
	default:
		return nil, fmt.Errorf("%w: unknown failure policy %q", domain.ErrInvalidSubmission, policy)
	}
	for i, step := range req.Steps {
		if strings.TrimSpace(step.ServiceRequired) == "" {
			return nil, fmt.Errorf("%w: step %d has no service_required", domain.ErrInvalidSubmission, i)
		}
		if err := step.Requirements.Validate(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		for _, dep := range step.DependsOn {
			if dep < 0 || dep >= i {
				return nil, fmt.Errorf("%w: step %d depends on invalid step %d", domain.ErrInvalidSubmission, i, dep)
			}
		}
	}

	now := time.Now()
	wf := &domain.Workflow{
		ID:         domain.WorkflowID(uuid.New().String()),
		Priority:   req.Priority,
		CreatedAt:  now,
		UpdatedAt:  now,
		TotalSteps: len(req.Steps),
		Status:     domain.WorkflowStatusPending,
		Policy:     policy,
		StepJobIDs: make([]domain.JobID, len(req.Steps)),
	}

	stepJobs := make([]*domain.Job, len(req.Steps))
	for i, step := range req.Steps {
		wfID := wf.ID
		priority := wf.Priority
		datetime := wf.CreatedAt
		job := &domain.Job{
			ID:               domain.JobID(uuid.New().String()),
			ServiceRequired:  strings.TrimSpace(step.ServiceRequired),
			Payload:          step.Payload,
			Requirements:     step.Requirements,
			Priority:         wf.Priority,
			CreatedAt:        now,
			UpdatedAt:        now,
			WorkflowID:       &wfID,
			StepNumber:       i,
			WorkflowPriority: &priority,
			WorkflowDatetime: &datetime,
			TimeoutSec:       step.TimeoutSec,
			MaxRetries:       step.MaxRetries,
		}
		if job.TimeoutSec <= 0 {
			job.TimeoutSec = o.jobs.cfg.DefaultTimeoutSec
		}
		for _, dep := range step.DependsOn {
			job.DependsOn = append(job.DependsOn, stepJobs[dep].ID)
		}
		stepJobs[i] = job
		wf.StepJobIDs[i] = job.ID
	}

	if err := o.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}
	for _, job := range stepJobs {
		if err := o.jobs.SubmitStep(ctx, job, len(job.DependsOn) == 0); err != nil {
			return nil, err
		}
	}

	// Every step is stored; the workflow starts running. The CAS tolerates
	// a step finishing before this point.
	wf, err := o.store.TransitionWorkflow(ctx, wf.ID, func(w *domain.Workflow) bool {
		if w.Status != domain.WorkflowStatusPending {
			return false
		}
		w.Status = domain.WorkflowStatusRunning
		w.UpdatedAt = time.Now()
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start workflow: %w", err)
	}

	// Snapshot after submission so the initial statuses are visible.
	wf = o.refreshStepDetails(ctx, wf)

	o.logger.Info("workflow submitted", "workflow_id", wf.ID, "steps", wf.TotalSteps, "priority", wf.Priority, "policy", policy)
	o.events.WorkflowSubmitted(ctx, wf)
	return wf, nil
}

// GetWorkflowStatus returns the workflow with a freshly computed
// canonical step_details snapshot.
func (o *WorkflowOrchestrator) GetWorkflowStatus(ctx context.Context, id domain.WorkflowID) (*WorkflowSnapshot, error) {
	wf, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	details, err := o.stepDetails(ctx, wf)
	if err != nil {
		return nil, err
	}
	return &WorkflowSnapshot{Workflow: *wf, Steps: details}, nil
}

// CancelWorkflow cancels the workflow and every step that has not
// started; in-flight steps get a cooperative cancel request.
func (o *WorkflowOrchestrator) CancelWorkflow(ctx context.Context, id domain.WorkflowID, reason string) (*domain.Workflow, error) {
	now := time.Now()
	wf, err := o.store.TransitionWorkflow(ctx, id, func(w *domain.Workflow) bool {
		if w.Status.Terminal() {
			return false
		}
		w.Status = domain.WorkflowStatusCancelled
		w.CompletedAt = &now
		w.UpdatedAt = now
		if reason != "" {
			r := reason
			w.Error = &r
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if wf.Status != domain.WorkflowStatusCancelled {
		return wf, nil
	}

	for _, jobID := range wf.StepJobIDs {
		if _, err := o.jobs.CancelJob(ctx, jobID, "workflow cancelled"); err != nil {
			// Terminal steps are fine to skip; everything else is logged.
			o.logger.Debug("step not cancellable", "job_id", jobID, "error", err)
		}
	}

	o.refreshStepDetails(ctx, wf)
	o.events.WorkflowCancelled(ctx, wf)
	return wf, nil
}

func (o *WorkflowOrchestrator) handleTerminalJob(ctx context.Context, job domain.Job) {
	if job.WorkflowID == nil {
		return
	}
	switch job.Status {
	case domain.JobStatusCompleted:
		o.handleStepCompleted(ctx, job)
	case domain.JobStatusFailed, domain.JobStatusTimeout:
		o.handleStepFailed(ctx, job)
	case domain.JobStatusCancelled:
		// A step cancelled on its own counts as a failure under the
		// workflow's policy. Workflow-level cancellation marks the
		// workflow terminal first, so those signals no-op here.
		o.handleStepFailed(ctx, job)
	}
}

func (o *WorkflowOrchestrator) handleStepCompleted(ctx context.Context, job domain.Job) {
	wfID := *job.WorkflowID

	wf, err := o.store.TransitionWorkflow(ctx, wfID, func(w *domain.Workflow) bool {
		if w.Status.Terminal() {
			return false
		}
		w.CompletedSteps++
		w.UpdatedAt = time.Now()
		return true
	})
	if err != nil {
		o.logger.Error("failed to record step completion", "workflow_id", wfID, "job_id", job.ID, "error", err)
		return
	}
	if wf.Status.Terminal() {
		return
	}

	o.releaseDependents(ctx, wf, job.ID)
	o.refreshStepDetails(ctx, wf)

	if wf.CompletedSteps >= wf.TotalSteps {
		o.completeWorkflow(ctx, wfID)
	} else if wf.Policy == domain.ContinueIndependent {
		// An earlier failure may leave this completion as the last open
		// step; the workflow then finishes degraded.
		o.maybeFinishDegraded(ctx, wfID)
	}
}

// completeWorkflow transitions running→completed under compare-and-swap;
// the transition succeeding exactly once is what makes the
// workflow_completed emission exactly-once even when completion signals
// race.
func (o *WorkflowOrchestrator) completeWorkflow(ctx context.Context, wfID domain.WorkflowID) {
	now := time.Now()
	transitioned := false
	wf, err := o.store.TransitionWorkflow(ctx, wfID, func(w *domain.Workflow) bool {
		if w.Status.Terminal() || w.CompletedSteps < w.TotalSteps {
			return false
		}
		w.Status = domain.WorkflowStatusCompleted
		w.CompletedAt = &now
		w.UpdatedAt = now
		transitioned = true
		return true
	})
	if err != nil {
		o.logger.Error("failed to complete workflow", "workflow_id", wfID, "error", err)
		return
	}
	if !transitioned {
		return
	}

	wf = o.refreshStepDetails(ctx, wf)
	o.logger.Info("workflow completed", "workflow_id", wfID, "steps", wf.TotalSteps)
	o.events.WorkflowCompleted(ctx, wf)
}

func (o *WorkflowOrchestrator) handleStepFailed(ctx context.Context, job domain.Job) {
	wfID := *job.WorkflowID
	wf, err := o.store.GetWorkflow(ctx, wfID)
	if err != nil {
		o.logger.Error("failed to load workflow for failed step", "workflow_id", wfID, "error", err)
		return
	}
	if wf.Status.Terminal() {
		return
	}

	switch wf.Policy {
	case domain.ContinueIndependent:
		o.failDependents(ctx, wf, job.ID)
		o.refreshStepDetails(ctx, wf)
		o.maybeFinishDegraded(ctx, wfID)
	case domain.Compensate:
		o.failWorkflow(ctx, wfID, job, true)
	default: // FailFast
		o.failWorkflow(ctx, wfID, job, false)
	}
}

func (o *WorkflowOrchestrator) failWorkflow(ctx context.Context, wfID domain.WorkflowID, cause domain.Job, compensate bool) {
	now := time.Now()
	transitioned := false
	wf, err := o.store.TransitionWorkflow(ctx, wfID, func(w *domain.Workflow) bool {
		if w.Status.Terminal() {
			return false
		}
		w.Status = domain.WorkflowStatusFailed
		w.CompletedAt = &now
		w.UpdatedAt = now
		verb := "failed"
		if cause.Status == domain.JobStatusCancelled {
			verb = "cancelled"
		}
		msg := fmt.Sprintf("step %d %s", cause.StepNumber, verb)
		if cause.Error != nil {
			msg = fmt.Sprintf("step %d %s: %s", cause.StepNumber, verb, *cause.Error)
		}
		w.Error = &msg
		transitioned = true
		return true
	})
	if err != nil {
		o.logger.Error("failed to fail workflow", "workflow_id", wfID, "error", err)
		return
	}
	if !transitioned {
		return
	}

	// Remaining unstarted steps never execute under fail-fast.
	for _, jobID := range wf.StepJobIDs {
		if jobID == cause.ID {
			continue
		}
		if _, err := o.jobs.CancelJob(ctx, jobID, "workflow failed"); err != nil {
			o.logger.Debug("step not cancellable after workflow failure", "job_id", jobID, "error", err)
		}
	}

	wf = o.refreshStepDetails(ctx, wf)

	if compensate && o.saga != nil {
		o.saga.Compensate(ctx, wf)
		wf = o.refreshStepDetails(ctx, wf)
	}

	o.logger.Warn("workflow failed", "workflow_id", wfID, "cause_step", cause.StepNumber)
	o.events.WorkflowFailed(ctx, wf)
}

// maybeFinishDegraded ends a continue-policy workflow once every step is
// terminal; it lands failed because at least one step failed.
func (o *WorkflowOrchestrator) maybeFinishDegraded(ctx context.Context, wfID domain.WorkflowID) {
	wf, err := o.store.GetWorkflow(ctx, wfID)
	if err != nil {
		return
	}
	details, err := o.stepDetails(ctx, wf)
	if err != nil {
		return
	}
	anyFailed := false
	for _, d := range details {
		if !d.Status.Terminal() {
			return
		}
		switch d.Status {
		case domain.JobStatusFailed, domain.JobStatusTimeout, domain.JobStatusCancelled:
			anyFailed = true
		}
	}
	if !anyFailed {
		return
	}

	now := time.Now()
	transitioned := false
	wf, err = o.store.TransitionWorkflow(ctx, wfID, func(w *domain.Workflow) bool {
		if w.Status.Terminal() {
			return false
		}
		w.Status = domain.WorkflowStatusFailed
		w.CompletedAt = &now
		w.UpdatedAt = now
		msg := "one or more steps failed"
		w.Error = &msg
		transitioned = true
		return true
	})
	if err != nil || !transitioned {
		return
	}
	wf = o.refreshStepDetails(ctx, wf)
	o.events.WorkflowFailed(ctx, wf)
}

// releaseDependents moves every step whose dependencies are now all
// completed from waiting to pending. The waiting→pending transition is
// compare-and-swap, so a step is released exactly once even under
// concurrent completion signals.
func (o *WorkflowOrchestrator) releaseDependents(ctx context.Context, wf *domain.Workflow, completed domain.JobID) {
	for _, jobID := range wf.StepJobIDs {
		if jobID == completed {
			continue
		}
		step, err := o.store.GetJob(ctx, jobID)
		if err != nil || step.Status != domain.JobStatusWaiting {
			continue
		}
		if !o.dependenciesMet(ctx, step) {
			continue
		}
		now := time.Now()
		released, err := o.store.RequeueJob(ctx, jobID,
			[]domain.JobStatus{domain.JobStatusWaiting},
			func(j *domain.Job) { j.UpdatedAt = now })
		if err != nil {
			// Lost the race to another completion signal; harmless.
			continue
		}
		o.logger.Info("step released", "workflow_id", wf.ID, "job_id", jobID, "step", released.StepNumber)
	}
}

// failDependents cancels waiting steps that can never run because a
// dependency failed (continue policy).
func (o *WorkflowOrchestrator) failDependents(ctx context.Context, wf *domain.Workflow, failed domain.JobID) {
	blocked := map[domain.JobID]bool{failed: true}
	// Step jobs are ordered by step number, so one forward pass settles
	// the transitive closure.
	for _, jobID := range wf.StepJobIDs {
		step, err := o.store.GetJob(ctx, jobID)
		if err != nil {
			continue
		}
		for _, dep := range step.DependsOn {
			if blocked[dep] {
				blocked[step.ID] = true
				break
			}
		}
		if !blocked[step.ID] || step.ID == failed {
			continue
		}
		if step.Status == domain.JobStatusWaiting {
			if _, err := o.jobs.CancelJob(ctx, step.ID, "dependency failed"); err != nil {
				o.logger.Debug("blocked step not cancellable", "job_id", step.ID, "error", err)
			}
		}
	}
}

func (o *WorkflowOrchestrator) dependenciesMet(ctx context.Context, step *domain.Job) bool {
	for _, dep := range step.DependsOn {
		depJob, err := o.store.GetJob(ctx, dep)
		if err != nil || depJob.Status != domain.JobStatusCompleted {
			return false
		}
	}
	return true
}

// stepDetails regenerates the canonical per-step snapshot from the
// authoritative job records. This is the only place step details are
// computed.
func (o *WorkflowOrchestrator) stepDetails(ctx context.Context, wf *domain.Workflow) ([]domain.StepDetail, error) {
	details := make([]domain.StepDetail, 0, len(wf.StepJobIDs))
	for i, jobID := range wf.StepJobIDs {
		job, err := o.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("step %d job %s: %w", i, jobID, err)
		}
		details = append(details, domain.StepDetail{
			StepNumber: i,
			JobID:      job.ID,
			Service:    job.ServiceRequired,
			Status:     job.Status,
			Result:     job.Result,
			Error:      job.Error,
		})
	}
	return details, nil
}

func (o *WorkflowOrchestrator) refreshStepDetails(ctx context.Context, wf *domain.Workflow) *domain.Workflow {
	details, err := o.stepDetails(ctx, wf)
	if err != nil {
		o.logger.Error("failed to compute step details", "workflow_id", wf.ID, "error", err)
		return wf
	}
	updated, err := o.store.TransitionWorkflow(ctx, wf.ID, func(w *domain.Workflow) bool {
		w.StepDetails = details
		return true
	})
	if err != nil {
		o.logger.Error("failed to store step details", "workflow_id", wf.ID, "error", err)
		return wf
	}
	return updated
}
