// Package worker runs the agent side of the broker protocol: register,
// heartbeat, claim, execute through a connector, report back.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quarrylabs/quarry/internal/core/domain"
	"github.com/quarrylabs/quarry/internal/core/ports"
	"github.com/quarrylabs/quarry/internal/core/services"
)

// BrokerClient is the slice of the broker API the agent needs.
// *broker.Client implements it.
type BrokerClient interface {
	Register(ctx context.Context, req services.RegisterWorkerRequest) (*domain.Worker, error)
	Heartbeat(ctx context.Context, id domain.WorkerID) error
	Deregister(ctx context.Context, id domain.WorkerID) error
	Claim(ctx context.Context, id domain.WorkerID) (*domain.Job, error)
	Accept(ctx context.Context, id domain.JobID) (*domain.Job, error)
	ReportProgress(ctx context.Context, id domain.JobID, pct int, message string) error
	ReportResult(ctx context.Context, id domain.JobID, status domain.JobStatus, result json.RawMessage, errMsg string) (*domain.Job, error)
	GetJob(ctx context.Context, id domain.JobID) (*domain.Job, error)
}

type Config struct {
	WorkerID     string
	MachineID    string
	Capabilities domain.Capabilities

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// CancelCheckInterval is how often an executing job is re-read to
	// notice cooperative cancellation.
	CancelCheckInterval time.Duration
}

// Agent is one worker process: it owns a single connector and executes
// at most one job at a time.
type Agent struct {
	logger    *slog.Logger
	client    BrokerClient
	connector ports.Connector
	cfg       Config

	id domain.WorkerID
}

func NewAgent(logger *slog.Logger, client BrokerClient, connector ports.Connector, cfg Config) *Agent {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	if cfg.CancelCheckInterval <= 0 {
		cfg.CancelCheckInterval = 2 * time.Second
	}
	return &Agent{
		logger:    logger,
		client:    client,
		connector: connector,
		cfg:       cfg,
	}
}

// Run registers the worker and drives the heartbeat and claim loops
// until ctx is cancelled, then deregisters.
func (a *Agent) Run(ctx context.Context) error {
	worker, err := a.client.Register(ctx, services.RegisterWorkerRequest{
		WorkerID:     a.cfg.WorkerID,
		MachineID:    a.cfg.MachineID,
		Capabilities: a.cfg.Capabilities,
	})
	if err != nil {
		return err
	}
	a.id = worker.ID
	a.logger.Info("worker registered", "worker_id", a.id, "machine_id", a.cfg.MachineID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.heartbeatLoop(gctx) })
	g.Go(func() error { return a.claimLoop(gctx) })
	err = g.Wait()

	// The parent context is gone; deregister on a fresh one.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if derr := a.client.Deregister(shutdownCtx, a.id); derr != nil {
		a.logger.Warn("deregistration failed", "worker_id", a.id, "error", derr)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.client.Heartbeat(ctx, a.id); err != nil {
				a.logger.Warn("heartbeat failed", "worker_id", a.id, "error", err)
			}
		}
	}
}

func (a *Agent) claimLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			job, err := a.client.Claim(ctx, a.id)
			if err != nil {
				a.logger.Warn("claim failed", "worker_id", a.id, "error", err)
				continue
			}
			if job == nil {
				continue
			}
			a.execute(ctx, job)
		}
	}
}

// execute runs one claimed job end to end. Errors are reported to the
// broker, never returned; the claim loop keeps going regardless.
func (a *Agent) execute(ctx context.Context, job *domain.Job) {
	accepted, err := a.client.Accept(ctx, job.ID)
	if err != nil {
		a.logger.Error("accept failed", "job_id", job.ID, "error", err)
		a.report(job.ID, domain.JobStatusFailed, nil, "accept failed: "+err.Error())
		return
	}
	a.logger.Info("job accepted", "job_id", job.ID, "service", accepted.ServiceRequired)

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()
	if accepted.TimeoutSec > 0 {
		var cancelTimeout context.CancelFunc
		execCtx, cancelTimeout = context.WithTimeout(execCtx, time.Duration(accepted.TimeoutSec)*time.Second)
		defer cancelTimeout()
	}

	cancelled := a.watchCancellation(execCtx, job.ID, cancelExec)

	progress := func(pct int, message string) {
		if err := a.client.ReportProgress(ctx, job.ID, pct, message); err != nil {
			a.logger.Debug("progress report failed", "job_id", job.ID, "error", err)
		}
	}

	result, err := a.connector.Execute(execCtx, *accepted, progress)
	switch {
	case err == nil:
		a.report(job.ID, domain.JobStatusCompleted, result, "")
	case cancelled.Load():
		a.report(job.ID, domain.JobStatusCancelled, nil, "cancelled by request")
	case errors.Is(err, context.DeadlineExceeded):
		a.report(job.ID, domain.JobStatusTimeout, nil, "execution deadline exceeded")
	default:
		a.report(job.ID, domain.JobStatusFailed, nil, err.Error())
	}
}

// watchCancellation polls the job record and cancels execution when a
// cooperative cancel request appears. The returned flag distinguishes
// that cancellation from a plain context error.
func (a *Agent) watchCancellation(ctx context.Context, id domain.JobID, cancel context.CancelFunc) *atomic.Bool {
	flag := &atomic.Bool{}
	go func() {
		ticker := time.NewTicker(a.cfg.CancelCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				job, err := a.client.GetJob(ctx, id)
				if err != nil {
					continue
				}
				if job.CancelRequested || job.Status == domain.JobStatusCancelled {
					a.logger.Info("cancellation requested, aborting execution", "job_id", id)
					flag.Store(true)
					cancel()
					return
				}
			}
		}
	}()
	return flag
}

func (a *Agent) report(id domain.JobID, status domain.JobStatus, result json.RawMessage, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := a.client.ReportResult(ctx, id, status, result, errMsg); err != nil {
		a.logger.Error("result report failed", "job_id", id, "status", status, "error", err)
		return
	}
	a.logger.Info("job reported", "job_id", id, "status", status)
}
