package services

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/internal/adapters/memstore"
	"github.com/quarrylabs/quarry/internal/core/domain"
)

// harness wires the full service graph over the in-memory store. The
// orchestrator loop is not started; tests drain the signal channel
// synchronously to keep ordering deterministic.
type harness struct {
	store  *memstore.Store
	repo   *memstore.EventRepository
	bus    *EventBus
	events *EventLog
	jobs   *JobService
	engine *MatchingEngine
	orch   *WorkflowOrchestrator
	saga   *SagaCoordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	repo := memstore.NewEventRepository()
	bus := NewEventBus(logger)
	events := NewEventLog(logger, repo, bus, EventLogConfig{Destination: "http://hooks.test/quarry"})
	saga := NewSagaCoordinator(logger, store, events)
	orch := NewWorkflowOrchestrator(logger, store, events, saga, OrchestratorConfig{})
	jobs := NewJobService(logger, store, events, orch.Signals(), LifecycleConfig{DefaultTimeoutSec: 60})
	orch.SetJobService(jobs)
	saga.SetJobService(jobs)
	engine := NewMatchingEngine(logger, store, events, EngineConfig{})

	return &harness{
		store:  store,
		repo:   repo,
		bus:    bus,
		events: events,
		jobs:   jobs,
		engine: engine,
		orch:   orch,
		saga:   saga,
	}
}

// drain applies every queued terminal signal to the orchestrator.
func (h *harness) drain(ctx context.Context) {
	for {
		select {
		case job := <-h.orch.signals:
			h.orch.handleTerminalJob(ctx, job)
		default:
			return
		}
	}
}

func (h *harness) registerWorker(t *testing.T, id, capsJSON string) *domain.Worker {
	t.Helper()
	caps, err := domain.ParseCapabilities([]byte(capsJSON))
	require.NoError(t, err)
	w := &domain.Worker{
		ID:            domain.WorkerID(id),
		MachineID:     "machine-1",
		Capabilities:  caps,
		Status:        domain.WorkerStatusIdle,
		RegisteredAt:  time.Now(),
		LastHeartbeat: time.Now(),
	}
	require.NoError(t, h.store.RegisterWorker(context.Background(), w, time.Minute))
	return w
}

// runJob claims with the worker, accepts, and reports the terminal
// status, then drains orchestrator signals.
func (h *harness) runJob(t *testing.T, workerID domain.WorkerID, status domain.JobStatus, result, errMsg string) *domain.Job {
	t.Helper()
	ctx := context.Background()
	claimed, err := h.engine.ClaimJob(ctx, workerID, nil)
	require.NoError(t, err)
	_, err = h.engine.AcceptJob(ctx, claimed.ID)
	require.NoError(t, err)
	var raw []byte
	if result != "" {
		raw = []byte(result)
	}
	done, err := h.jobs.ReportTerminal(ctx, claimed.ID, status, raw, errMsg)
	require.NoError(t, err)
	h.drain(ctx)
	return done
}

// retries builds the pointer form of an explicit retry budget.
func retries(n int) *int {
	return &n
}

const gpuWorkerCaps = `{
	"services": ["comfyui", "a1111"],
	"hardware": {"gpu": {"model": "rtx4090", "vram_gb": 24}},
	"region": "us-east",
	"debug": false
}`
