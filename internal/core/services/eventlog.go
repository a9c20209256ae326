package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quarrylabs/quarry/internal/core/domain"
	"github.com/quarrylabs/quarry/internal/core/ports"
)

// EventLogConfig routes durable events to their downstream destination.
type EventLogConfig struct {
	// Destination is the webhook/notification endpoint outbox entries are
	// delivered to. Empty disables outbox writes (events are still
	// appended and fanned out in-process).
	Destination string
	// MaxRetries bounds outbox delivery attempts before dead-lettering.
	MaxRetries int
	// Source tags appended events, e.g. "broker".
	Source string
}

// EventLog is the single write path for the append-only event log: it
// appends the event and its outbox entry in one repository transaction,
// then fans the event out on the in-process bus. Every state-changing
// transition in the broker goes through here so that publication
// failures can never lose the underlying state change.
type EventLog struct {
	logger *slog.Logger
	repo   ports.EventRepository
	bus    *EventBus
	cfg    EventLogConfig
}

func NewEventLog(logger *slog.Logger, repo ports.EventRepository, bus *EventBus, cfg EventLogConfig) *EventLog {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Source == "" {
		cfg.Source = "broker"
	}
	return &EventLog{logger: logger, repo: repo, bus: bus, cfg: cfg}
}

func (l *EventLog) JobSubmitted(ctx context.Context, job *domain.Job) {
	l.emitJob(ctx, domain.EventJobSubmitted, job, jobEventPayload(job), true)
}

func (l *EventLog) JobAssigned(ctx context.Context, job *domain.Job) {
	l.emitJob(ctx, domain.EventJobAssigned, job, jobEventPayload(job), true)
}

// JobProgress is observational: bus fan-out only, no durable event.
func (l *EventLog) JobProgress(ctx context.Context, job *domain.Job) {
	l.publishBus(domain.EventJobProgress, string(job.ID), map[string]any{
		"job_id":   job.ID,
		"progress": job.Progress,
		"message":  job.ProgressMessage,
	})
}

func (l *EventLog) JobTerminal(ctx context.Context, job *domain.Job) {
	var evType domain.EventType
	switch job.Status {
	case domain.JobStatusCompleted:
		evType = domain.EventJobCompleted
	case domain.JobStatusFailed:
		evType = domain.EventJobFailed
	case domain.JobStatusCancelled:
		evType = domain.EventJobCancelled
	case domain.JobStatusTimeout:
		evType = domain.EventJobTimeout
	default:
		return
	}
	l.emitJob(ctx, evType, job, jobEventPayload(job), true)
}

func (l *EventLog) JobRequeued(ctx context.Context, job *domain.Job) {
	l.emitJob(ctx, domain.EventJobRequeued, job, jobEventPayload(job), false)
}

func (l *EventLog) JobUnworkable(ctx context.Context, job *domain.Job) {
	l.emitJob(ctx, domain.EventJobUnworkable, job, jobEventPayload(job), true)
}

func (l *EventLog) WorkflowSubmitted(ctx context.Context, wf *domain.Workflow) {
	l.emitWorkflow(ctx, domain.EventWorkflowSubmitted, wf, workflowEventPayload(wf), true)
}

func (l *EventLog) WorkflowCompleted(ctx context.Context, wf *domain.Workflow) {
	l.emitWorkflow(ctx, domain.EventWorkflowCompleted, wf, workflowEventPayload(wf), true)
}

func (l *EventLog) WorkflowFailed(ctx context.Context, wf *domain.Workflow) {
	l.emitWorkflow(ctx, domain.EventWorkflowFailed, wf, workflowEventPayload(wf), true)
}

func (l *EventLog) WorkflowCancelled(ctx context.Context, wf *domain.Workflow) {
	l.emitWorkflow(ctx, domain.EventWorkflowCancelled, wf, workflowEventPayload(wf), true)
}

func (l *EventLog) StepCompensated(ctx context.Context, wf *domain.Workflow, step domain.StepDetail) {
	payload := map[string]any{
		"workflow_id": wf.ID,
		"step_number": step.StepNumber,
		"job_id":      step.JobID,
		"service":     step.Service,
	}
	l.emitWorkflow(ctx, domain.EventStepCompensated, wf, payload, true)
}

func (l *EventLog) emitJob(ctx context.Context, evType domain.EventType, job *domain.Job, payload any, notify bool) {
	raw := mustJSON(payload)
	id := job.ID
	ev := &domain.Event{
		ID:         uuid.New().String(),
		WorkflowID: job.WorkflowID,
		JobID:      &id,
		Type:       evType,
		Payload:    raw,
		Source:     l.cfg.Source,
		Status:     domain.EventStatusPending,
		CreatedAt:  time.Now(),
	}
	l.append(ctx, ev, notify)
	l.publishBusRaw(evType, string(job.ID), raw)
	if job.WorkflowID != nil {
		l.publishBusRaw(evType, string(*job.WorkflowID), raw)
	}
}

func (l *EventLog) emitWorkflow(ctx context.Context, evType domain.EventType, wf *domain.Workflow, payload any, notify bool) {
	raw := mustJSON(payload)
	id := wf.ID
	ev := &domain.Event{
		ID:         uuid.New().String(),
		WorkflowID: &id,
		Type:       evType,
		Payload:    raw,
		Source:     l.cfg.Source,
		Status:     domain.EventStatusPending,
		CreatedAt:  time.Now(),
	}
	l.append(ctx, ev, notify)
	l.publishBusRaw(evType, string(wf.ID), raw)
}

func (l *EventLog) append(ctx context.Context, ev *domain.Event, notify bool) {
	if l.repo == nil {
		return
	}
	var out *domain.OutboxEntry
	if notify && l.cfg.Destination != "" {
		now := time.Now()
		aggregate := ev.ID
		if ev.WorkflowID != nil {
			aggregate = string(*ev.WorkflowID)
		} else if ev.JobID != nil {
			aggregate = string(*ev.JobID)
		}
		env := domain.Envelope{
			Type:       ev.Type,
			JobID:      ev.JobID,
			WorkflowID: ev.WorkflowID,
			Timestamp:  now,
			Payload:    ev.Payload,
		}
		out = &domain.OutboxEntry{
			ID:          uuid.New().String(),
			AggregateID: aggregate,
			Type:        ev.Type,
			Payload:     mustJSON(env),
			Destination: l.cfg.Destination,
			MaxRetries:  l.cfg.MaxRetries,
			NextRetryAt: now,
			Status:      domain.OutboxStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	if err := l.repo.AppendEvent(ctx, ev, out); err != nil {
		// The in-memory state change already happened; losing the event
		// append is logged loudly rather than rolled back.
		l.logger.Error("failed to append event", "type", ev.Type, "error", err)
	}
}

func (l *EventLog) publishBus(evType domain.EventType, key string, payload any) {
	l.publishBusRaw(evType, key, mustJSON(payload))
}

func (l *EventLog) publishBusRaw(evType domain.EventType, key string, raw json.RawMessage) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(BusEvent{
		Key:       key,
		Type:      evType,
		Data:      string(raw),
		Timestamp: time.Now().UnixMilli(),
	})
}

func jobEventPayload(job *domain.Job) map[string]any {
	payload := map[string]any{
		"job_id":  job.ID,
		"service": job.ServiceRequired,
		"status":  job.Status,
	}
	if job.WorkflowID != nil {
		payload["workflow_id"] = *job.WorkflowID
		payload["step_number"] = job.StepNumber
	}
	if job.WorkerID != nil {
		payload["worker_id"] = *job.WorkerID
	}
	if job.Error != nil {
		payload["error"] = *job.Error
	}
	if len(job.Result) > 0 {
		payload["result"] = json.RawMessage(job.Result)
	}
	return payload
}

func workflowEventPayload(wf *domain.Workflow) map[string]any {
	payload := map[string]any{
		"workflow_id":     wf.ID,
		"status":          wf.Status,
		"total_steps":     wf.TotalSteps,
		"completed_steps": wf.CompletedSteps,
		"step_details":    wf.StepDetails,
	}
	if wf.Error != nil {
		payload["error"] = *wf.Error
	}
	return payload
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
