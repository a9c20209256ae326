package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quarrylabs/quarry/internal/core/domain"
	"github.com/quarrylabs/quarry/internal/core/ports"
)

// RegistryConfig tunes worker liveness.
type RegistryConfig struct {
	// TTL is the worker record lifetime; a worker that misses heartbeats
	// for this long is considered gone.
	TTL time.Duration
	// ReapInterval is how often jobs orphaned by vanished workers are
	// recovered. Only used by stores without native expiry.
	ReapInterval time.Duration
}

// RegisterWorkerRequest is the external registration shape.
type RegisterWorkerRequest struct {
	WorkerID     string              `json:"worker_id,omitempty"`
	MachineID    string              `json:"machine_id"`
	Capabilities domain.Capabilities `json:"capabilities"`
}

// WorkerRegistry tracks the live worker fleet: registration, heartbeat
// renewal and recovery of jobs held by workers that vanished.
type WorkerRegistry struct {
	logger  *slog.Logger
	store   ports.Store
	jobs    *JobService
	sweeper *UnworkableSweeper
	cfg     RegistryConfig
}

func NewWorkerRegistry(logger *slog.Logger, store ports.Store, jobs *JobService, sweeper *UnworkableSweeper, cfg RegistryConfig) *WorkerRegistry {
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 15 * time.Second
	}
	return &WorkerRegistry{
		logger:  logger,
		store:   store,
		jobs:    jobs,
		sweeper: sweeper,
		cfg:     cfg,
	}
}

// Register creates or replaces the worker record and re-opens any
// unworkable jobs the new capabilities can serve.
func (r *WorkerRegistry) Register(ctx context.Context, req RegisterWorkerRequest) (*domain.Worker, error) {
	if len(req.Capabilities) == 0 {
		return nil, fmt.Errorf("%w: worker has no capabilities", domain.ErrInvalidSubmission)
	}
	id := strings.TrimSpace(req.WorkerID)
	if id == "" {
		id = uuid.New().String()
	}

	now := time.Now()
	worker := &domain.Worker{
		ID:            domain.WorkerID(id),
		MachineID:     req.MachineID,
		Capabilities:  req.Capabilities,
		Status:        domain.WorkerStatusIdle,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	if err := r.store.RegisterWorker(ctx, worker, r.cfg.TTL); err != nil {
		return nil, fmt.Errorf("failed to register worker %s: %w", id, err)
	}

	r.logger.Info("worker registered", "worker_id", worker.ID, "machine_id", worker.MachineID)
	if r.sweeper != nil {
		r.sweeper.RequeueForWorker(ctx, worker)
	}
	return worker, nil
}

// Heartbeat renews the worker's TTL.
func (r *WorkerRegistry) Heartbeat(ctx context.Context, id domain.WorkerID) error {
	if err := r.store.HeartbeatWorker(ctx, id, r.cfg.TTL); err != nil {
		return fmt.Errorf("heartbeat for %s: %w", id, err)
	}
	return nil
}

// Deregister removes the worker; its in-flight job, if any, goes back
// through the failure path so it can retry elsewhere.
func (r *WorkerRegistry) Deregister(ctx context.Context, id domain.WorkerID) error {
	worker, err := r.store.GetWorker(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.RemoveWorker(ctx, id); err != nil {
		return fmt.Errorf("failed to remove worker %s: %w", id, err)
	}
	r.logger.Info("worker deregistered", "worker_id", id)
	if worker.CurrentJobID != nil {
		r.recoverJob(ctx, *worker.CurrentJobID, id)
	}
	return nil
}

// ListWorkers returns the live fleet.
func (r *WorkerRegistry) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	return r.store.ListWorkers(ctx)
}

// Run periodically reaps workers whose heartbeat lapsed. Stores with
// native lease expiry (etcd) remove the records themselves; the reap
// still recovers the jobs those workers held.
func (r *WorkerRegistry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	r.logger.Info("worker registry reaper started", "ttl", r.cfg.TTL)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("worker registry reaper stopped")
			return nil
		case <-ticker.C:
			r.Reap(ctx)
		}
	}
}

// Reap removes workers whose heartbeat is older than the TTL and
// recovers their jobs. Exposed for tests.
func (r *WorkerRegistry) Reap(ctx context.Context) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		r.logger.Error("reaper worker list failed", "error", err)
		return
	}
	cutoff := time.Now().Add(-r.cfg.TTL)
	for _, w := range workers {
		if w.LastHeartbeat.After(cutoff) {
			continue
		}
		r.logger.Warn("worker expired", "worker_id", w.ID, "last_heartbeat", w.LastHeartbeat)
		if err := r.store.RemoveWorker(ctx, w.ID); err != nil {
			r.logger.Warn("failed to remove expired worker", "worker_id", w.ID, "error", err)
			continue
		}
		if w.CurrentJobID != nil {
			r.recoverJob(ctx, *w.CurrentJobID, w.ID)
		}
	}
}

// recoverJob pushes a vanished worker's job through the terminal path;
// the retry budget decides whether it re-queues or fails.
func (r *WorkerRegistry) recoverJob(ctx context.Context, jobID domain.JobID, workerID domain.WorkerID) {
	_, err := r.jobs.ReportTerminal(ctx, jobID, domain.JobStatusFailed, nil, fmt.Sprintf("worker %s lost", workerID))
	if err != nil {
		r.logger.Debug("orphan recovery skipped", "job_id", jobID, "error", err)
		return
	}
	r.logger.Info("orphaned job recovered", "job_id", jobID, "worker_id", workerID)
}
