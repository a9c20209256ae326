package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/quarrylabs/quarry/internal/core/domain"
	"github.com/quarrylabs/quarry/internal/core/ports"
)

// SweeperConfig tunes the unworkable sweep.
type SweeperConfig struct {
	// Interval is how often pending jobs are checked against the live
	// worker fleet.
	Interval time.Duration
	// MinPendingAge keeps freshly submitted jobs out of the sweep so a
	// job never goes unworkable before workers had a chance to claim it.
	MinPendingAge time.Duration
}

// UnworkableSweeper moves pending jobs no registered worker can ever
// serve out of the pending index, so deep queues of incompatible jobs
// stop slowing down every claim scan. When a worker with new
// capabilities registers, matching unworkable jobs are put back.
type UnworkableSweeper struct {
	logger *slog.Logger
	store  ports.Store
	events *EventLog
	cfg    SweeperConfig
}

func NewUnworkableSweeper(logger *slog.Logger, store ports.Store, events *EventLog, cfg SweeperConfig) *UnworkableSweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MinPendingAge <= 0 {
		cfg.MinPendingAge = 1 * time.Minute
	}
	return &UnworkableSweeper{logger: logger, store: store, events: events, cfg: cfg}
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *UnworkableSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("unworkable sweeper started", "interval", s.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("unworkable sweeper stopped")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep marks pending jobs unworkable when no registered worker can
// serve them. With an empty fleet nothing is judged; absence of workers
// is not evidence about the jobs. Exposed for tests.
func (s *UnworkableSweeper) Sweep(ctx context.Context) {
	workers, err := s.store.ListWorkers(ctx)
	if err != nil {
		s.logger.Error("sweeper worker list failed", "error", err)
		return
	}
	if len(workers) == 0 {
		return
	}

	pending, err := s.store.ListJobs(ctx, domain.JobStatusPending)
	if err != nil {
		s.logger.Error("sweeper pending list failed", "error", err)
		return
	}

	now := time.Now()
	for _, job := range pending {
		if now.Sub(job.UpdatedAt) < s.cfg.MinPendingAge {
			continue
		}
		if s.anyWorkerFits(workers, job) {
			continue
		}
		marked, err := s.store.DequeueJob(ctx, job.ID,
			[]domain.JobStatus{domain.JobStatusPending},
			func(j *domain.Job) {
				j.Status = domain.JobStatusUnworkable
				j.UpdatedAt = now
			})
		if err != nil {
			// Claimed or cancelled between the list and the transition.
			continue
		}
		s.logger.Warn("job marked unworkable", "job_id", job.ID, "service", job.ServiceRequired)
		s.events.JobUnworkable(ctx, marked)
	}
}

// RequeueForWorker puts unworkable jobs the given worker can serve back
// into the pending index. Called on worker registration.
func (s *UnworkableSweeper) RequeueForWorker(ctx context.Context, worker *domain.Worker) {
	unworkable, err := s.store.ListJobs(ctx, domain.JobStatusUnworkable)
	if err != nil {
		s.logger.Error("sweeper unworkable list failed", "error", err)
		return
	}

	now := time.Now()
	for _, job := range unworkable {
		if !workerFits(*worker, job) {
			continue
		}
		requeued, err := s.store.RequeueJob(ctx, job.ID,
			[]domain.JobStatus{domain.JobStatusUnworkable},
			func(j *domain.Job) { j.UpdatedAt = now })
		if err != nil {
			continue
		}
		s.logger.Info("unworkable job requeued", "job_id", job.ID, "worker_id", worker.ID)
		s.events.JobRequeued(ctx, requeued)
	}
}

func (s *UnworkableSweeper) anyWorkerFits(workers []domain.Worker, job domain.Job) bool {
	for _, w := range workers {
		if workerFits(w, job) {
			return true
		}
	}
	return false
}

func workerFits(w domain.Worker, job domain.Job) bool {
	return HasService(w.Capabilities, job.ServiceRequired) && Matches(w.Capabilities, job.Requirements)
}
