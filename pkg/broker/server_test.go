package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/internal/adapters/memstore"
	"github.com/quarrylabs/quarry/internal/core/domain"
	"github.com/quarrylabs/quarry/internal/core/services"
)

const workerCaps = `{
	"services": ["comfyui"],
	"hardware": {"gpu": {"model": "rtx4090", "vram_gb": 24}},
	"region": "us-east"
}`

// testBroker wires the full service graph over the in-memory store and
// serves it through httptest. The orchestrator loop runs for real.
type testBroker struct {
	srv    *httptest.Server
	client *Client
	repo   *memstore.EventRepository
	bus    *services.EventBus
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	repo := memstore.NewEventRepository()
	bus := services.NewEventBus(logger)
	events := services.NewEventLog(logger, repo, bus, services.EventLogConfig{Destination: "http://hooks.test/quarry"})
	saga := services.NewSagaCoordinator(logger, store, events)
	orch := services.NewWorkflowOrchestrator(logger, store, events, saga, services.OrchestratorConfig{})
	jobs := services.NewJobService(logger, store, events, orch.Signals(), services.LifecycleConfig{DefaultTimeoutSec: 60})
	orch.SetJobService(jobs)
	saga.SetJobService(jobs)
	engine := services.NewMatchingEngine(logger, store, events, services.EngineConfig{})
	sweeper := services.NewUnworkableSweeper(logger, store, events, services.SweeperConfig{})
	registry := services.NewWorkerRegistry(logger, store, jobs, sweeper, services.RegistryConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	go orch.Run(ctx)
	t.Cleanup(cancel)

	server := NewServer(logger, jobs, engine, orch, registry, bus, repo)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &testBroker{
		srv:    srv,
		client: NewClient(srv.URL, 5*time.Second),
		repo:   repo,
		bus:    bus,
	}
}

func (b *testBroker) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(b.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func registerTestWorker(t *testing.T, b *testBroker, id string) *domain.Worker {
	t.Helper()
	caps, err := domain.ParseCapabilities([]byte(workerCaps))
	require.NoError(t, err)
	worker, err := b.client.Register(context.Background(), services.RegisterWorkerRequest{
		WorkerID:     id,
		MachineID:    "machine-1",
		Capabilities: caps,
	})
	require.NoError(t, err)
	return worker
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	resp := b.post(t, "/v1/jobs", map[string]any{
		"service_required": "comfyui",
		"priority":         100,
		"payload":          map[string]any{"prompt": "a quarry at dawn"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	job := decode[domain.Job](t, resp)
	assert.Equal(t, domain.JobStatusPending, job.Status)

	registerTestWorker(t, b, "w1")

	claimed, err := b.client.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, domain.JobStatusAssigned, claimed.Status)

	accepted, err := b.client.Accept(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusInProgress, accepted.Status)

	require.NoError(t, b.client.ReportProgress(ctx, claimed.ID, 42, "rendering"))
	snap, err := b.client.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, 42, snap.Progress)

	done, err := b.client.ReportResult(ctx, claimed.ID, domain.JobStatusCompleted, json.RawMessage(`{"image":"out.png"}`), "")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
}

func TestClaimWithNoMatchingJobReturnsNil(t *testing.T) {
	b := newTestBroker(t)
	registerTestWorker(t, b, "w1")

	job, err := b.client.Claim(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestSubmitJobValidationFailsWith400(t *testing.T) {
	b := newTestBroker(t)

	resp := b.post(t, "/v1/jobs", map[string]any{"service_required": "", "priority": 1})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetUnknownJobReturns404(t *testing.T) {
	b := newTestBroker(t)

	resp, err := http.Get(b.srv.URL + "/v1/jobs/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelPendingJobOverHTTP(t *testing.T) {
	b := newTestBroker(t)

	resp := b.post(t, "/v1/jobs", map[string]any{"service_required": "comfyui", "priority": 1})
	job := decode[domain.Job](t, resp)

	resp = b.post(t, "/v1/jobs/"+string(job.ID)+"/cancel", map[string]any{"reason": "user request"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cancelled := decode[domain.Job](t, resp)
	assert.Equal(t, domain.JobStatusCancelled, cancelled.Status)
}

func TestWorkflowPipelineOverHTTP(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	registerTestWorker(t, b, "w1")

	resp := b.post(t, "/v1/workflows", map[string]any{
		"priority": 80,
		"steps": []map[string]any{
			{"service_required": "comfyui"},
			{"service_required": "comfyui", "depends_on": []int{0}},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	wf := decode[domain.Workflow](t, resp)
	assert.Equal(t, domain.WorkflowStatusRunning, wf.Status)
	assert.Equal(t, 2, wf.TotalSteps)

	// Run both steps through the worker protocol; the second becomes
	// claimable once the orchestrator releases it.
	for i := 0; i < 2; i++ {
		var claimed *domain.Job
		require.Eventually(t, func() bool {
			j, err := b.client.Claim(ctx, "w1")
			if err != nil || j == nil {
				return false
			}
			claimed = j
			return true
		}, 5*time.Second, 20*time.Millisecond)

		_, err := b.client.Accept(ctx, claimed.ID)
		require.NoError(t, err)
		_, err = b.client.ReportResult(ctx, claimed.ID, domain.JobStatusCompleted, json.RawMessage(`{"ok":true}`), "")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		resp, err := http.Get(b.srv.URL + "/v1/workflows/" + string(wf.ID))
		if err != nil {
			return false
		}
		snap := decode[services.WorkflowSnapshot](t, resp)
		return snap.Workflow.Status == domain.WorkflowStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCancelWorkflowOverHTTP(t *testing.T) {
	b := newTestBroker(t)

	resp := b.post(t, "/v1/workflows", map[string]any{
		"priority": 10,
		"steps":    []map[string]any{{"service_required": "comfyui"}},
	})
	wf := decode[domain.Workflow](t, resp)

	resp = b.post(t, "/v1/workflows/"+string(wf.ID)+"/cancel", map[string]any{"reason": "mind changed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cancelled := decode[domain.Workflow](t, resp)
	assert.Equal(t, domain.WorkflowStatusCancelled, cancelled.Status)
}

func TestWorkerRegistrationAndListing(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	worker := registerTestWorker(t, b, "")
	assert.NotEmpty(t, worker.ID)

	require.NoError(t, b.client.Heartbeat(ctx, worker.ID))

	resp, err := http.Get(b.srv.URL + "/v1/workers")
	require.NoError(t, err)
	listing := decode[struct {
		Workers []domain.Worker `json:"workers"`
		Count   int             `json:"count"`
	}](t, resp)
	assert.Equal(t, 1, listing.Count)

	require.NoError(t, b.client.Deregister(ctx, worker.ID))
	err = b.client.Heartbeat(ctx, worker.ID)
	assert.Error(t, err)
}

func TestRegisterWorkerWithoutCapabilitiesFails(t *testing.T) {
	b := newTestBroker(t)

	resp := b.post(t, "/v1/workers", map[string]any{"machine_id": "m1"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsSSEStreamsJobEvents(t *testing.T) {
	b := newTestBroker(t)

	req, err := http.NewRequest(http.MethodGet, b.srv.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	submitted := b.post(t, "/v1/jobs", map[string]any{"service_required": "comfyui", "priority": 5})
	job := decode[domain.Job](t, submitted)

	reader := make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := resp.Body.Read(buf)
		reader <- string(buf[:n])
	}()

	select {
	case chunk := <-reader:
		assert.Contains(t, chunk, "event: job_submitted")
		assert.Contains(t, chunk, string(job.ID))
	case <-time.After(5 * time.Second):
		t.Fatal("no SSE event received")
	}
}

func TestDeadLetterEndpoints(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	now := time.Now()
	entry := domain.OutboxEntry{
		ID:          "out-1",
		AggregateID: "agg-1",
		Type:        domain.EventJobFailed,
		Payload:     json.RawMessage(`{}`),
		Destination: "http://hooks.test/quarry",
		MaxRetries:  3,
		Status:      domain.OutboxStatusPending,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ev := &domain.Event{ID: "ev-1", Type: domain.EventJobFailed, Status: domain.EventStatusPending, CreatedAt: now}
	require.NoError(t, b.repo.AppendEvent(ctx, ev, &entry))
	require.NoError(t, b.repo.MoveToDeadLetter(ctx, entry, "exhausted retries"))

	resp, err := http.Get(b.srv.URL + "/v1/deadletters")
	require.NoError(t, err)
	listing := decode[struct {
		DeadLetters []domain.DeadLetter `json:"dead_letters"`
		Count       int                 `json:"count"`
	}](t, resp)
	require.Equal(t, 1, listing.Count)

	resp = b.post(t, "/v1/deadletters/"+listing.DeadLetters[0].ID+"/retry", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	due, err := b.repo.DuePublishes(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}
