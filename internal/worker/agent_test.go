package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/internal/adapters/simulation"
	"github.com/quarrylabs/quarry/internal/core/domain"
	"github.com/quarrylabs/quarry/internal/core/services"
)

type reportedResult struct {
	jobID  domain.JobID
	status domain.JobStatus
	result json.RawMessage
	errMsg string
}

// fakeBroker hands out queued jobs and records what the agent reports.
type fakeBroker struct {
	mu           sync.Mutex
	queue        []*domain.Job
	claimed      map[domain.JobID]*domain.Job
	reports      []reportedResult
	progress     []int
	heartbeats   int
	deregistered bool
	cancelFlags  map[domain.JobID]bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		claimed:     make(map[domain.JobID]*domain.Job),
		cancelFlags: make(map[domain.JobID]bool),
	}
}

func (f *fakeBroker) enqueue(job *domain.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, job)
}

func (f *fakeBroker) requestCancel(id domain.JobID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelFlags[id] = true
}

func (f *fakeBroker) reported() []reportedResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]reportedResult, len(f.reports))
	copy(out, f.reports)
	return out
}

func (f *fakeBroker) Register(ctx context.Context, req services.RegisterWorkerRequest) (*domain.Worker, error) {
	return &domain.Worker{ID: domain.WorkerID(req.WorkerID), MachineID: req.MachineID, Capabilities: req.Capabilities}, nil
}

func (f *fakeBroker) Heartbeat(ctx context.Context, id domain.WorkerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeBroker) Deregister(ctx context.Context, id domain.WorkerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = true
	return nil
}

func (f *fakeBroker) Claim(ctx context.Context, id domain.WorkerID) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, nil
	}
	job := f.queue[0]
	f.queue = f.queue[1:]
	job.Status = domain.JobStatusAssigned
	f.claimed[job.ID] = job
	return job, nil
}

func (f *fakeBroker) Accept(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.claimed[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	now := time.Now()
	job.Status = domain.JobStatusInProgress
	job.StartedAt = &now
	return job, nil
}

func (f *fakeBroker) ReportProgress(ctx context.Context, id domain.JobID, pct int, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, pct)
	return nil
}

func (f *fakeBroker) ReportResult(ctx context.Context, id domain.JobID, status domain.JobStatus, result json.RawMessage, errMsg string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, reportedResult{jobID: id, status: status, result: result, errMsg: errMsg})
	return &domain.Job{ID: id, Status: status}, nil
}

func (f *fakeBroker) GetJob(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &domain.Job{ID: id, Status: domain.JobStatusInProgress, CancelRequested: f.cancelFlags[id]}, nil
}

func newTestAgent(fake *fakeBroker) *Agent {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAgent(logger, fake, simulation.New(), Config{
		WorkerID:            "w1",
		MachineID:           "m1",
		Capabilities:        domain.Capabilities{"services": domain.ListValue(domain.StringValue("comfyui"))},
		PollInterval:        10 * time.Millisecond,
		HeartbeatInterval:   10 * time.Millisecond,
		CancelCheckInterval: 10 * time.Millisecond,
	})
}

func TestAgentExecutesClaimedJob(t *testing.T) {
	fake := newFakeBroker()
	fake.enqueue(&domain.Job{
		ID:              "j1",
		ServiceRequired: "comfyui",
		Status:          domain.JobStatusPending,
		Payload:         json.RawMessage(`{"duration_ms": 20, "steps": 2, "result": {"image": "out.png"}}`),
	})

	agent := newTestAgent(fake)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(fake.reported()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	reports := fake.reported()
	assert.Equal(t, domain.JobID("j1"), reports[0].jobID)
	assert.Equal(t, domain.JobStatusCompleted, reports[0].status)
	assert.JSONEq(t, `{"image": "out.png"}`, string(reports[0].result))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.NotEmpty(t, fake.progress)
	assert.True(t, fake.deregistered)
	assert.Greater(t, fake.heartbeats, 0)
}

func TestAgentReportsConnectorFailure(t *testing.T) {
	fake := newFakeBroker()
	fake.enqueue(&domain.Job{
		ID:      "j2",
		Status:  domain.JobStatusPending,
		Payload: json.RawMessage(`{"fail": true, "fail_msg": "no vram"}`),
	})

	agent := newTestAgent(fake)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agent.Run(ctx)

	require.Eventually(t, func() bool {
		return len(fake.reported()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	reports := fake.reported()
	assert.Equal(t, domain.JobStatusFailed, reports[0].status)
	assert.Contains(t, reports[0].errMsg, "no vram")
}

func TestAgentHonorsCooperativeCancellation(t *testing.T) {
	fake := newFakeBroker()
	fake.enqueue(&domain.Job{
		ID:      "j3",
		Status:  domain.JobStatusPending,
		Payload: json.RawMessage(`{"duration_ms": 10000, "steps": 100}`),
	})

	agent := newTestAgent(fake)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agent.Run(ctx)

	// Let execution start, then flip the cancel flag.
	time.Sleep(50 * time.Millisecond)
	fake.requestCancel("j3")

	require.Eventually(t, func() bool {
		return len(fake.reported()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	reports := fake.reported()
	assert.Equal(t, domain.JobStatusCancelled, reports[0].status)
	assert.Contains(t, reports[0].errMsg, "cancelled")
}
