package domain

import (
	"encoding/json"
	"errors"
	"time"
)

type JobID string

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusWaiting    JobStatus = "waiting"
	JobStatusAssigned   JobStatus = "assigned"
	JobStatusAccepted   JobStatus = "accepted"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusTimeout    JobStatus = "timeout"
	JobStatusUnworkable JobStatus = "unworkable"
)

// Terminal reports whether the status is final: no further transitions
// are accepted once a job reaches it.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimeout:
		return true
	}
	return false
}

// Active reports whether the job is held by a worker.
func (s JobStatus) Active() bool {
	switch s {
	case JobStatusAssigned, JobStatusAccepted, JobStatusInProgress:
		return true
	}
	return false
}

// Job is a single unit of compute work brokered to a capable worker.
type Job struct {
	ID              JobID           `json:"id"`
	ServiceRequired string          `json:"service_required"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Requirements    Requirements    `json:"requirements"`
	Priority        int             `json:"priority"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`

	// Workflow linkage. Steps inherit the workflow's priority and
	// submission time so the whole workflow schedules as one unit.
	WorkflowID       *WorkflowID `json:"workflow_id,omitempty"`
	StepNumber       int         `json:"step_number,omitempty"`
	DependsOn        []JobID     `json:"depends_on,omitempty"`
	WorkflowPriority *int        `json:"workflow_priority,omitempty"`
	WorkflowDatetime *time.Time  `json:"workflow_datetime,omitempty"`

	Status          JobStatus       `json:"status"`
	WorkerID        *WorkerID       `json:"worker_id,omitempty"`
	MachineID       string          `json:"machine_id,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *string         `json:"error,omitempty"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	TimeoutSec      int             `json:"timeout_sec"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`

	Progress        int    `json:"progress"`
	ProgressMessage string `json:"progress_message,omitempty"`

	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// MaxSafeScoreInt bounds the datetime component of the scheduling score
// (2^53-1, so scores survive JSON round-trips through float64 consumers).
const MaxSafeScoreInt = int64(1)<<53 - 1

const priorityScoreWeight = int64(1_000_000)

// EffectivePriority is the workflow priority when the job belongs to a
// workflow, otherwise the job's own priority.
func (j *Job) EffectivePriority() int {
	if j.WorkflowPriority != nil {
		return *j.WorkflowPriority
	}
	return j.Priority
}

// EffectiveDatetime is the workflow submission time when present,
// otherwise the job's own creation time.
func (j *Job) EffectiveDatetime() time.Time {
	if j.WorkflowDatetime != nil {
		return *j.WorkflowDatetime
	}
	return j.CreatedAt
}

// Score orders the pending index: priority dominates, and within equal
// priority an earlier effective submission time wins (FIFO).
func (j *Job) Score() int64 {
	return int64(j.EffectivePriority())*priorityScoreWeight +
		(MaxSafeScoreInt - j.EffectiveDatetime().UnixMilli())
}

// Deadline is the point at which the watchdog forces a timeout. Zero
// TimeoutSec means the job never times out.
func (j *Job) Deadline() (time.Time, bool) {
	if j.TimeoutSec <= 0 {
		return time.Time{}, false
	}
	anchor := j.AssignedAt
	if j.StartedAt != nil {
		anchor = j.StartedAt
	}
	if anchor == nil {
		return time.Time{}, false
	}
	return anchor.Add(time.Duration(j.TimeoutSec) * time.Second), true
}

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrWorkerNotFound      = errors.New("worker not found")
	ErrWorkflowNotFound    = errors.New("workflow not found")
	ErrNoMatch             = errors.New("no matching job")
	ErrConflict            = errors.New("conflicting concurrent update")
	ErrInvalidSubmission   = errors.New("invalid job submission")
	ErrNotCancellable      = errors.New("job is not cancellable in its current status")
	ErrBreakerOpen         = errors.New("circuit breaker is open")
	ErrDeadLetterNotFound  = errors.New("dead letter not found")
	ErrOutboxEntryNotFound = errors.New("outbox entry not found")
)
