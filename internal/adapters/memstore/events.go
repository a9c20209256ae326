package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quarrylabs/quarry/internal/core/domain"
)

// EventRepository implements ports.EventRepository in memory. Used by
// tests and by deployments that run without DuckDB persistence; the
// outbox still works, it just does not survive a restart.
type EventRepository struct {
	mu          sync.Mutex
	events      []domain.Event
	sequences   map[domain.WorkflowID]uint64
	outbox      map[string]*domain.OutboxEntry
	deadLetters map[string]*domain.DeadLetter
	breakers    map[string]domain.BreakerRecord
}

func NewEventRepository() *EventRepository {
	return &EventRepository{
		sequences:   make(map[domain.WorkflowID]uint64),
		outbox:      make(map[string]*domain.OutboxEntry),
		deadLetters: make(map[string]*domain.DeadLetter),
		breakers:    make(map[string]domain.BreakerRecord),
	}
}

func (r *EventRepository) AppendEvent(ctx context.Context, ev *domain.Event, out *domain.OutboxEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.WorkflowID != nil {
		r.sequences[*ev.WorkflowID]++
		ev.Sequence = r.sequences[*ev.WorkflowID]
	}
	r.events = append(r.events, *ev)
	if out != nil {
		stored := *out
		r.outbox[out.ID] = &stored
	}
	return nil
}

func (r *EventRepository) ListEvents(ctx context.Context, workflowID domain.WorkflowID) ([]domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.events {
		if ev.WorkflowID != nil && *ev.WorkflowID == workflowID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (r *EventRepository) DuePublishes(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []domain.OutboxEntry
	for _, e := range r.outbox {
		if e.Status == domain.OutboxStatusPending && !e.NextRetryAt.After(now) {
			due = append(due, *e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *EventRepository) MarkPublished(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.outbox[id]
	if !ok {
		return domain.ErrOutboxEntryNotFound
	}
	if e.Status != domain.OutboxStatusPending {
		return nil
	}
	e.Status = domain.OutboxStatusPublished
	e.UpdatedAt = time.Now()
	return nil
}

func (r *EventRepository) RescheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.outbox[id]
	if !ok {
		return domain.ErrOutboxEntryNotFound
	}
	if e.Status != domain.OutboxStatusPending {
		return nil
	}
	e.RetryCount++
	e.NextRetryAt = nextRetryAt
	e.LastError = lastError
	e.UpdatedAt = time.Now()
	return nil
}

func (r *EventRepository) MoveToDeadLetter(ctx context.Context, entry domain.OutboxEntry, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.outbox[entry.ID]; ok {
		e.Status = domain.OutboxStatusFailed
		e.LastError = reason
		e.UpdatedAt = time.Now()
	}
	r.deadLetters[entry.ID] = &domain.DeadLetter{
		ID:          entry.ID,
		OutboxID:    entry.ID,
		AggregateID: entry.AggregateID,
		Type:        entry.Type,
		Payload:     entry.Payload,
		Destination: entry.Destination,
		Reason:      reason,
		FailedAt:    time.Now(),
	}
	return nil
}

func (r *EventRepository) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DeadLetter
	for _, d := range r.deadLetters {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *EventRepository) RequeueDeadLetter(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deadLetters[id]
	if !ok {
		return domain.ErrDeadLetterNotFound
	}
	now := time.Now()
	e, ok := r.outbox[d.OutboxID]
	if !ok {
		return domain.ErrOutboxEntryNotFound
	}
	e.Status = domain.OutboxStatusPending
	e.RetryCount = 0
	e.NextRetryAt = now
	e.LastError = ""
	e.UpdatedAt = now
	delete(r.deadLetters, id)
	return nil
}

func (r *EventRepository) SaveBreakerState(ctx context.Context, rec domain.BreakerRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[rec.Destination] = rec
	return nil
}

func (r *EventRepository) LoadBreakerStates(ctx context.Context) ([]domain.BreakerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.BreakerRecord, 0, len(r.breakers))
	for _, rec := range r.breakers {
		out = append(out, rec)
	}
	return out, nil
}
