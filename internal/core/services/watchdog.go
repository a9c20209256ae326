package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/quarrylabs/quarry/internal/core/domain"
	"github.com/quarrylabs/quarry/internal/core/ports"
)

// WatchdogConfig tunes the timeout sweep.
type WatchdogConfig struct {
	// Interval is how often active jobs are checked against their
	// deadlines.
	Interval time.Duration
}

// TimeoutWatchdog forces jobs past their execution deadline into the
// timeout path: the lifecycle service then either re-queues them
// (retry budget permitting) or finishes them terminal. Covers workers
// that crashed or hung without reporting.
type TimeoutWatchdog struct {
	logger *slog.Logger
	store  ports.Store
	jobs   *JobService
	cfg    WatchdogConfig
}

func NewTimeoutWatchdog(logger *slog.Logger, store ports.Store, jobs *JobService, cfg WatchdogConfig) *TimeoutWatchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &TimeoutWatchdog{logger: logger, store: store, jobs: jobs, cfg: cfg}
}

// Run sweeps on a ticker until ctx is cancelled.
func (w *TimeoutWatchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info("timeout watchdog started", "interval", w.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("timeout watchdog stopped")
			return nil
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep checks every active job once. Exposed for tests.
func (w *TimeoutWatchdog) Sweep(ctx context.Context) {
	now := time.Now()
	for _, status := range []domain.JobStatus{domain.JobStatusAssigned, domain.JobStatusAccepted, domain.JobStatusInProgress} {
		jobs, err := w.store.ListJobs(ctx, status)
		if err != nil {
			w.logger.Error("watchdog list failed", "status", status, "error", err)
			continue
		}
		for _, job := range jobs {
			deadline, ok := job.Deadline()
			if !ok || now.Before(deadline) {
				continue
			}
			w.logger.Warn("job deadline exceeded",
				"job_id", job.ID,
				"status", job.Status,
				"timeout_sec", job.TimeoutSec,
			)
			if _, err := w.jobs.ForceTimeout(ctx, job.ID); err != nil {
				// A racing terminal report is fine; anything else is noted.
				w.logger.Debug("force timeout skipped", "job_id", job.ID, "error", err)
			}
		}
	}
}
