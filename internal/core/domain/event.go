package domain

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventJobSubmitted      EventType = "job_submitted"
	EventJobAssigned       EventType = "job_assigned"
	EventJobProgress       EventType = "job_progress"
	EventJobCompleted      EventType = "job_completed"
	EventJobFailed         EventType = "job_failed"
	EventJobCancelled      EventType = "job_cancelled"
	EventJobTimeout        EventType = "job_timeout"
	EventJobRequeued       EventType = "job_requeued"
	EventJobUnworkable     EventType = "job_unworkable"
	EventWorkflowSubmitted EventType = "workflow_submitted"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowCancelled EventType = "workflow_cancelled"
	EventStepCompensated   EventType = "step_compensated"
)

type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusCompleted  EventStatus = "completed"
	EventStatusFailed     EventStatus = "failed"
)

// Event is one entry of the append-only event log. Sequence is monotonic
// per workflow; consumers replay a workflow's history by ordering on it.
type Event struct {
	ID         string          `json:"id"`
	WorkflowID *WorkflowID     `json:"workflow_id,omitempty"`
	JobID      *JobID          `json:"job_id,omitempty"`
	Type       EventType       `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Sequence   uint64          `json:"sequence"`
	Source     string          `json:"source"`
	Status     EventStatus     `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}

type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// OutboxEntry is the durable "to-be-published" half of the transactional
// outbox: written in the same transaction as its Event, delivered later
// by the publisher loop with bounded retries.
type OutboxEntry struct {
	ID          string          `json:"id"`
	AggregateID string          `json:"aggregate_id"`
	Type        EventType       `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Destination string          `json:"destination"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	NextRetryAt time.Time       `json:"next_retry_at"`
	Status      OutboxStatus    `json:"status"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// DeadLetter holds an outbox entry that exhausted its retries. Dead
// letters are never dropped; they wait for manual review or requeue.
type DeadLetter struct {
	ID          string          `json:"id"`
	OutboxID    string          `json:"outbox_id"`
	AggregateID string          `json:"aggregate_id"`
	Type        EventType       `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Destination string          `json:"destination"`
	Reason      string          `json:"reason"`
	FailedAt    time.Time       `json:"failed_at"`
}

// Envelope is the canonical wire shape delivered to notification and
// webhook consumers.
type Envelope struct {
	Type       EventType       `json:"type"`
	JobID      *JobID          `json:"job_id,omitempty"`
	WorkflowID *WorkflowID     `json:"workflow_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// CircuitState is the per-destination breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// BreakerRecord is the persisted breaker snapshot so fail-fast behavior
// survives a broker restart.
type BreakerRecord struct {
	Destination     string       `json:"destination"`
	State           CircuitState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	LastFailureTime time.Time    `json:"last_failure_time"`
	UpdatedAt       time.Time    `json:"updated_at"`
}
