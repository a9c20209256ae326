package domain

import (
	"encoding/json"
	"time"
)

type WorkflowID string

type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// FailurePolicy decides what a failed step does to the rest of the
// workflow. FailFast is the conservative default.
type FailurePolicy string

const (
	// FailFast fails the whole workflow and cancels unstarted steps.
	FailFast FailurePolicy = "fail_fast"
	// ContinueIndependent keeps executing steps that do not depend on the
	// failed one; the workflow ends failed once nothing is left to run.
	ContinueIndependent FailurePolicy = "continue"
	// Compensate walks completed steps in reverse invoking their
	// registered compensating actions, then fails the workflow.
	Compensate FailurePolicy = "compensate"
)

// Workflow tracks a multi-step job set with inter-step dependencies as a
// single unit. StepDetails is the canonical per-step snapshot used for
// external notification; it is recomputed from the authoritative job
// records in exactly one place (the orchestrator) and never maintained
// as a second copy.
type Workflow struct {
	ID             WorkflowID     `json:"id"`
	Priority       int            `json:"priority"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	TotalSteps     int            `json:"total_steps"`
	CompletedSteps int            `json:"completed_steps"`
	Status         WorkflowStatus `json:"status"`
	Policy         FailurePolicy  `json:"policy"`
	StepJobIDs     []JobID        `json:"step_job_ids"`
	StepDetails    []StepDetail   `json:"step_details,omitempty"`
	Error          *string        `json:"error,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`

	// Saga bookkeeping, populated only under the Compensate policy.
	CompensatedSteps []int `json:"compensated_steps,omitempty"`
}

// StepDetail is one entry of the canonical per-step snapshot.
type StepDetail struct {
	StepNumber int             `json:"step_number"`
	JobID      JobID           `json:"job_id"`
	Service    string          `json:"service"`
	Status     JobStatus       `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *string         `json:"error,omitempty"`
}

func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	}
	return false
}
