package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quarrylabs/quarry/internal/core/domain"
)

// Store abstracts the shared state reachable by every broker and worker
// instance: job records, the pending priority index, worker records and
// workflow records. Implementations must make ClaimJob a single atomic
// unit and honor the compare-and-swap semantics of the transition
// methods; client-side check-then-act is what the interface exists to
// forbid.
type Store interface {
	// CreateJob persists a new job record without touching the pending
	// index (used for waiting steps whose dependencies are unmet).
	CreateJob(ctx context.Context, job *domain.Job) error

	GetJob(ctx context.Context, id domain.JobID) (*domain.Job, error)

	// UpdateJob overwrites the job record unconditionally. Last-write-wins;
	// reserved for observational fields such as progress.
	UpdateJob(ctx context.Context, job *domain.Job) error

	// EnqueueJob sets the job pending and inserts it into the priority
	// index as one atomic unit. The job must not already be pending.
	EnqueueJob(ctx context.Context, job *domain.Job) error

	// ClaimJob scans the pending index best-score-first, up to limit
	// candidates, and atomically claims the first job for which match
	// returns true: the index entry is removed, the job becomes assigned
	// to the worker, and the worker becomes busy — all in one step.
	// Returns domain.ErrNoMatch when no candidate matches.
	ClaimJob(ctx context.Context, workerID domain.WorkerID, machineID string, limit int, match func(domain.Job) bool) (*domain.Job, error)

	// TransitionJob applies mutate to the job only if its current status
	// is one of from, retrying internally on concurrent modification.
	// Returns domain.ErrConflict when the status no longer qualifies.
	TransitionJob(ctx context.Context, id domain.JobID, from []domain.JobStatus, mutate func(*domain.Job)) (*domain.Job, error)

	// RequeueJob transitions the job back to pending and inserts it into
	// the priority index as one atomic unit, only if its current status
	// is one of from. Used for dependency release (waiting→pending),
	// bounded retry after failure/timeout, and unworkable re-queues.
	RequeueJob(ctx context.Context, id domain.JobID, from []domain.JobStatus, mutate func(*domain.Job)) (*domain.Job, error)

	// DequeueJob removes the job from the pending index (if present) and
	// applies the transition, atomically. Used for cancellation and for
	// marking jobs unworkable.
	DequeueJob(ctx context.Context, id domain.JobID, from []domain.JobStatus, mutate func(*domain.Job)) (*domain.Job, error)

	// ListJobs returns jobs filtered by status; an empty status lists all.
	ListJobs(ctx context.Context, status domain.JobStatus) ([]domain.Job, error)

	// PendingJobs returns up to limit pending jobs in index order.
	PendingJobs(ctx context.Context, limit int) ([]domain.Job, error)

	RegisterWorker(ctx context.Context, w *domain.Worker, ttl time.Duration) error
	HeartbeatWorker(ctx context.Context, id domain.WorkerID, ttl time.Duration) error
	GetWorker(ctx context.Context, id domain.WorkerID) (*domain.Worker, error)
	ListWorkers(ctx context.Context) ([]domain.Worker, error)
	RemoveWorker(ctx context.Context, id domain.WorkerID) error

	// ReleaseWorker clears current_job_id and sets the worker idle, but
	// only while it still owns jobID. Safe to call twice.
	ReleaseWorker(ctx context.Context, id domain.WorkerID, jobID domain.JobID) error

	CreateWorkflow(ctx context.Context, wf *domain.Workflow) error
	GetWorkflow(ctx context.Context, id domain.WorkflowID) (*domain.Workflow, error)

	// TransitionWorkflow applies mutate under compare-and-swap on the
	// whole workflow record, retrying on concurrent modification. mutate
	// returning false aborts without writing (and without error).
	TransitionWorkflow(ctx context.Context, id domain.WorkflowID, mutate func(*domain.Workflow) bool) (*domain.Workflow, error)

	ListWorkflows(ctx context.Context) ([]domain.Workflow, error)
}

// EventRepository is the durable append-only event log plus the outbox,
// dead-letter and breaker-state tables.
type EventRepository interface {
	// AppendEvent writes the event and, when out is non-nil, its outbox
	// entry in one transaction. The event's per-workflow sequence number
	// is assigned inside the same transaction.
	AppendEvent(ctx context.Context, ev *domain.Event, out *domain.OutboxEntry) error

	ListEvents(ctx context.Context, workflowID domain.WorkflowID) ([]domain.Event, error)

	// DuePublishes returns pending outbox entries whose next_retry_at has
	// passed, oldest first, up to limit.
	DuePublishes(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEntry, error)

	// MarkPublished flips the entry to published only if still pending.
	MarkPublished(ctx context.Context, id string) error

	// RescheduleRetry increments retry_count and sets next_retry_at, only
	// if the entry is still pending.
	RescheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, lastError string) error

	// MoveToDeadLetter marks the entry failed and records a dead letter
	// in the same transaction.
	MoveToDeadLetter(ctx context.Context, entry domain.OutboxEntry, reason string) error

	ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)

	// RequeueDeadLetter puts the dead letter back on the outbox with a
	// fresh retry budget and removes it from the dead-letter table.
	RequeueDeadLetter(ctx context.Context, id string) error

	SaveBreakerState(ctx context.Context, rec domain.BreakerRecord) error
	LoadBreakerStates(ctx context.Context) ([]domain.BreakerRecord, error)
}

// Deliverer pushes a canonical envelope to one downstream destination.
type Deliverer interface {
	Deliver(ctx context.Context, destination string, env domain.Envelope) error
}

// Connector executes a claimed job against an external API or local
// engine. The broker core never calls this; only the worker agent does.
type Connector interface {
	// Execute runs the job to completion. progress may be called any
	// number of times; it is observational only.
	Execute(ctx context.Context, job domain.Job, progress func(pct int, message string)) (json.RawMessage, error)
}
