package domain

import "time"

type WorkerID string

type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusOffline WorkerStatus = "offline"
)

// Worker is a registered execution process advertising a capability
// descriptor. Records carry a TTL refreshed by heartbeats; a lapsed TTL
// marks the worker offline and removes it from matching.
type Worker struct {
	ID            WorkerID     `json:"id"`
	MachineID     string       `json:"machine_id"`
	Capabilities  Capabilities `json:"capabilities"`
	Status        WorkerStatus `json:"status"`
	CurrentJobID  *JobID       `json:"current_job_id,omitempty"`
	RegisteredAt  time.Time    `json:"registered_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}
