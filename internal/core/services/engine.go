package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quarrylabs/quarry/internal/core/domain"
	"github.com/quarrylabs/quarry/internal/core/ports"
)

// EngineConfig bounds the matching scan.
type EngineConfig struct {
	// ScanLimit caps how many pending candidates one claim call may
	// evaluate, bounding worst-case latency on deep, mostly-incompatible
	// queues.
	ScanLimit int
}

// MatchingEngine claims the best-fit pending job for a requesting
// worker. All mutual exclusion lives in the store's atomic claim; the
// engine itself only supplies the match predicate and bookkeeping.
type MatchingEngine struct {
	logger *slog.Logger
	store  ports.Store
	events *EventLog
	limit  int
}

func NewMatchingEngine(logger *slog.Logger, store ports.Store, events *EventLog, cfg EngineConfig) *MatchingEngine {
	limit := cfg.ScanLimit
	if limit <= 0 {
		limit = 50
	}
	return &MatchingEngine{
		logger: logger,
		store:  store,
		events: events,
		limit:  limit,
	}
}

// ClaimJob atomically assigns the highest-scoring compatible pending job
// to the worker. Returns domain.ErrNoMatch when nothing in the scanned
// window fits; the caller backs off and retries.
func (e *MatchingEngine) ClaimJob(ctx context.Context, workerID domain.WorkerID, caps domain.Capabilities) (*domain.Job, error) {
	worker, err := e.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("claim by unknown worker %s: %w", workerID, err)
	}
	if worker.Status == domain.WorkerStatusBusy {
		return nil, fmt.Errorf("worker %s already holds job: %w", workerID, domain.ErrConflict)
	}
	if caps == nil {
		caps = worker.Capabilities
	}

	job, err := e.store.ClaimJob(ctx, workerID, worker.MachineID, e.limit, func(j domain.Job) bool {
		return HasService(caps, j.ServiceRequired) && Matches(caps, j.Requirements)
	})
	if err != nil {
		if errors.Is(err, domain.ErrNoMatch) {
			return nil, domain.ErrNoMatch
		}
		return nil, fmt.Errorf("claim failed for worker %s: %w", workerID, err)
	}

	e.logger.Info("job claimed",
		"job_id", job.ID,
		"worker_id", workerID,
		"service", job.ServiceRequired,
		"score", job.Score(),
	)

	e.events.JobAssigned(ctx, job)
	return job, nil
}

// AcceptJob is the worker's acknowledgement that it has started
// executing a claimed job; the watchdog deadline anchors here.
func (e *MatchingEngine) AcceptJob(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	now := time.Now()
	job, err := e.store.TransitionJob(ctx, id,
		[]domain.JobStatus{domain.JobStatusAssigned, domain.JobStatusAccepted},
		func(j *domain.Job) {
			j.Status = domain.JobStatusInProgress
			if j.StartedAt == nil {
				j.StartedAt = &now
			}
			j.UpdatedAt = now
		})
	if err != nil {
		return nil, fmt.Errorf("accept job %s: %w", id, err)
	}
	return job, nil
}
