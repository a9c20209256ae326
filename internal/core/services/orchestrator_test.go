package services

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/internal/core/domain"
	"github.com/quarrylabs/quarry/internal/core/ports"
)

func TestSubmitWorkflowValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  SubmitWorkflowRequest
	}{
		{"no steps", SubmitWorkflowRequest{Priority: 10}},
		{"empty service", SubmitWorkflowRequest{Steps: []WorkflowStepRequest{{ServiceRequired: " "}}}},
		{"forward dependency", SubmitWorkflowRequest{Steps: []WorkflowStepRequest{
			{ServiceRequired: "a", DependsOn: []int{1}},
			{ServiceRequired: "b"},
		}}},
		{"self dependency", SubmitWorkflowRequest{Steps: []WorkflowStepRequest{
			{ServiceRequired: "a"},
			{ServiceRequired: "b", DependsOn: []int{1}},
		}}},
		{"unknown policy", SubmitWorkflowRequest{
			Policy: "explode",
			Steps:  []WorkflowStepRequest{{ServiceRequired: "a"}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.orch.SubmitWorkflow(ctx, tc.req)
			assert.ErrorIs(t, err, domain.ErrInvalidSubmission)
		})
	}
}

func TestWorkflowTwoStepPipeline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerWorker(t, "w1", gpuWorkerCaps)

	wf, err := h.orch.SubmitWorkflow(ctx, SubmitWorkflowRequest{
		Priority: 80,
		Steps: []WorkflowStepRequest{
			{ServiceRequired: "comfyui", Payload: json.RawMessage(`{"prompt":"a cat"}`)},
			{ServiceRequired: "a1111", DependsOn: []int{0}},
		},
	})
	require.NoError(t, err)
	require.Len(t, wf.StepJobIDs, 2)

	// Step 1 gates on step 0: only step 0 is claimable.
	step1, err := h.jobs.GetJob(ctx, wf.StepJobIDs[1])
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusWaiting, step1.Status)

	done := h.runJob(t, "w1", domain.JobStatusCompleted, `{"image":"cat.png"}`, "")
	assert.Equal(t, wf.StepJobIDs[0], done.ID)

	// Completion released the dependent into the pending index with the
	// workflow's inherited priority.
	step1, err = h.jobs.GetJob(ctx, wf.StepJobIDs[1])
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, step1.Status)
	require.NotNil(t, step1.WorkflowPriority)
	assert.Equal(t, 80, *step1.WorkflowPriority)
	assert.Equal(t, step1.EffectiveDatetime(), wf.CreatedAt)

	done = h.runJob(t, "w1", domain.JobStatusCompleted, `{"image":"cat_hr.png"}`, "")
	assert.Equal(t, wf.StepJobIDs[1], done.ID)

	final, err := h.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusCompleted, final.Status)
	assert.Equal(t, 2, final.CompletedSteps)
	require.NotNil(t, final.CompletedAt)

	require.Len(t, final.StepDetails, 2)
	assert.Equal(t, domain.JobStatusCompleted, final.StepDetails[0].Status)
	assert.JSONEq(t, `{"image":"cat.png"}`, string(final.StepDetails[0].Result))
	assert.Equal(t, domain.JobStatusCompleted, final.StepDetails[1].Status)

	// Exactly one workflow_completed in the durable log, sequenced after
	// the step events.
	events, err := h.repo.ListEvents(ctx, wf.ID)
	require.NoError(t, err)
	completed := 0
	for _, ev := range events {
		if ev.Type == domain.EventWorkflowCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

func TestWorkflowCompletedEmittedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerWorker(t, "w1", gpuWorkerCaps)

	wf, err := h.orch.SubmitWorkflow(ctx, SubmitWorkflowRequest{
		Priority: 10,
		Steps:    []WorkflowStepRequest{{ServiceRequired: "comfyui"}},
	})
	require.NoError(t, err)

	done := h.runJob(t, "w1", domain.JobStatusCompleted, `{}`, "")

	// A duplicate terminal signal must not produce a second emission.
	h.orch.handleTerminalJob(ctx, *done)

	events, err := h.repo.ListEvents(ctx, wf.ID)
	require.NoError(t, err)
	completed := 0
	for _, ev := range events {
		if ev.Type == domain.EventWorkflowCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

func TestWorkflowFailFast(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerWorker(t, "w1", gpuWorkerCaps)

	wf, err := h.orch.SubmitWorkflow(ctx, SubmitWorkflowRequest{
		Priority: 10,
		Policy:   domain.FailFast,
		Steps: []WorkflowStepRequest{
			{ServiceRequired: "comfyui"},
			{ServiceRequired: "a1111", DependsOn: []int{0}},
		},
	})
	require.NoError(t, err)

	h.runJob(t, "w1", domain.JobStatusFailed, "", "model not found")

	final, err := h.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "step 0")

	// The gated step never runs.
	step1, err := h.jobs.GetJob(ctx, wf.StepJobIDs[1])
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, step1.Status)
}

func TestWorkflowContinuePolicyRunsIndependentSteps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerWorker(t, "w1", gpuWorkerCaps)

	wf, err := h.orch.SubmitWorkflow(ctx, SubmitWorkflowRequest{
		Priority: 10,
		Policy:   domain.ContinueIndependent,
		Steps: []WorkflowStepRequest{
			{ServiceRequired: "comfyui"},
			{ServiceRequired: "a1111", DependsOn: []int{0}},
			{ServiceRequired: "a1111"},
		},
	})
	require.NoError(t, err)

	// Step 0 fails; its dependent is cancelled but step 2 keeps going.
	h.runJob(t, "w1", domain.JobStatusFailed, "", "boom")

	step1, err := h.jobs.GetJob(ctx, wf.StepJobIDs[1])
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, step1.Status)

	mid, err := h.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusRunning, mid.Status)

	done := h.runJob(t, "w1", domain.JobStatusCompleted, `{}`, "")
	assert.Equal(t, wf.StepJobIDs[2], done.ID)

	final, err := h.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusFailed, final.Status)
	assert.Equal(t, domain.JobStatusCompleted, final.StepDetails[2].Status)
}

func TestWorkflowCompensatePolicy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerWorker(t, "w1", gpuWorkerCaps)

	wf, err := h.orch.SubmitWorkflow(ctx, SubmitWorkflowRequest{
		Priority: 10,
		Policy:   domain.Compensate,
		Steps: []WorkflowStepRequest{
			{ServiceRequired: "comfyui"},
			{ServiceRequired: "a1111", DependsOn: []int{0}},
		},
	})
	require.NoError(t, err)

	h.runJob(t, "w1", domain.JobStatusCompleted, `{"upload_id":"u-1"}`, "")
	h.runJob(t, "w1", domain.JobStatusFailed, "", "quota exceeded")

	final, err := h.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusFailed, final.Status)
	assert.Equal(t, []int{0}, final.CompensatedSteps)

	// The completed step got a compensation job carrying its result.
	pending, err := h.store.PendingJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	comp := pending[0]
	assert.Equal(t, "comfyui", comp.ServiceRequired)

	var payload struct {
		Compensate     bool            `json:"compensate"`
		OriginalJobID  string          `json:"original_job_id"`
		OriginalResult json.RawMessage `json:"original_result"`
	}
	require.NoError(t, json.Unmarshal(comp.Payload, &payload))
	assert.True(t, payload.Compensate)
	assert.Equal(t, string(wf.StepJobIDs[0]), payload.OriginalJobID)
	assert.JSONEq(t, `{"upload_id":"u-1"}`, string(payload.OriginalResult))

	events, err := h.repo.ListEvents(ctx, wf.ID)
	require.NoError(t, err)
	compensated := 0
	for _, ev := range events {
		if ev.Type == domain.EventStepCompensated {
			compensated++
		}
	}
	assert.Equal(t, 1, compensated)
}

func TestCancelledStepFailsWorkflow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	wf, err := h.orch.SubmitWorkflow(ctx, SubmitWorkflowRequest{
		Priority: 10,
		Policy:   domain.FailFast,
		Steps: []WorkflowStepRequest{
			{ServiceRequired: "comfyui"},
			{ServiceRequired: "a1111", DependsOn: []int{0}},
		},
	})
	require.NoError(t, err)

	// One step is cancelled directly, not through the workflow.
	_, err = h.jobs.CancelJob(ctx, wf.StepJobIDs[0], "operator abort")
	require.NoError(t, err)
	h.drain(ctx)

	final, err := h.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "step 0 cancelled")

	step1, err := h.jobs.GetJob(ctx, wf.StepJobIDs[1])
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, step1.Status)
}

func TestCancelledStepFinishesContinueWorkflowDegraded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerWorker(t, "w1", gpuWorkerCaps)

	wf, err := h.orch.SubmitWorkflow(ctx, SubmitWorkflowRequest{
		Priority: 10,
		Policy:   domain.ContinueIndependent,
		Steps: []WorkflowStepRequest{
			{ServiceRequired: "comfyui"},
			{ServiceRequired: "a1111"},
		},
	})
	require.NoError(t, err)

	_, err = h.jobs.CancelJob(ctx, wf.StepJobIDs[1], "operator abort")
	require.NoError(t, err)
	h.drain(ctx)

	// The independent step keeps running.
	mid, err := h.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusRunning, mid.Status)

	done := h.runJob(t, "w1", domain.JobStatusCompleted, `{}`, "")
	assert.Equal(t, wf.StepJobIDs[0], done.ID)

	final, err := h.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "one or more steps failed")
}

// workflowCreateRecorder captures the status a workflow is first
// persisted with.
type workflowCreateRecorder struct {
	ports.Store
	createdStatus domain.WorkflowStatus
}

func (s *workflowCreateRecorder) CreateWorkflow(ctx context.Context, wf *domain.Workflow) error {
	s.createdStatus = wf.Status
	return s.Store.CreateWorkflow(ctx, wf)
}

func TestSubmitWorkflowCreatesPendingThenRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := &workflowCreateRecorder{Store: h.store}
	orch := NewWorkflowOrchestrator(logger, rec, h.events, nil, OrchestratorConfig{})
	orch.SetJobService(h.jobs)

	wf, err := orch.SubmitWorkflow(ctx, SubmitWorkflowRequest{
		Priority: 10,
		Steps:    []WorkflowStepRequest{{ServiceRequired: "comfyui"}},
	})
	require.NoError(t, err)

	// Persisted pending first, running once every step is stored.
	assert.Equal(t, domain.WorkflowStatusPending, rec.createdStatus)
	assert.Equal(t, domain.WorkflowStatusRunning, wf.Status)

	stored, err := h.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusRunning, stored.Status)
}

func TestCancelWorkflowCancelsIdleSteps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	wf, err := h.orch.SubmitWorkflow(ctx, SubmitWorkflowRequest{
		Priority: 10,
		Steps: []WorkflowStepRequest{
			{ServiceRequired: "comfyui"},
			{ServiceRequired: "a1111", DependsOn: []int{0}},
		},
	})
	require.NoError(t, err)

	cancelled, err := h.orch.CancelWorkflow(ctx, wf.ID, "user request")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusCancelled, cancelled.Status)

	for _, id := range wf.StepJobIDs {
		job, err := h.jobs.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCancelled, job.Status)
	}

	// Cancelling again is a no-op, not an error.
	again, err := h.orch.CancelWorkflow(ctx, wf.ID, "twice")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusCancelled, again.Status)
}

func TestGetWorkflowStatusSnapshotsSteps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerWorker(t, "w1", gpuWorkerCaps)

	wf, err := h.orch.SubmitWorkflow(ctx, SubmitWorkflowRequest{
		Priority: 10,
		Steps: []WorkflowStepRequest{
			{ServiceRequired: "comfyui"},
			{ServiceRequired: "a1111", DependsOn: []int{0}},
		},
	})
	require.NoError(t, err)

	snap, err := h.orch.GetWorkflowStatus(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, snap.Steps, 2)
	assert.Equal(t, domain.JobStatusPending, snap.Steps[0].Status)
	assert.Equal(t, domain.JobStatusWaiting, snap.Steps[1].Status)

	claimed, err := h.engine.ClaimJob(ctx, "w1", nil)
	require.NoError(t, err)

	snap, err = h.orch.GetWorkflowStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusAssigned, snap.Steps[0].Status)
	assert.Equal(t, claimed.ID, snap.Steps[0].JobID)
}
