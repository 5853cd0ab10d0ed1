package models

import "time"

// BatchProgressEvent is published whenever a batch execution state changes
type BatchProgressEvent struct {
	BatchID string         `json:"batch_id"`
	State   ExecutionState `json:"state"`
}

// JobStatusEvent is published on job status transitions
type JobStatusEvent struct {
	JobID     string    `json:"job_id"`
	BatchID   string    `json:"batch_id,omitempty"`
	Type      JobType   `json:"type"`
	Status    JobStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EngineFailoverEvent is published when a session swaps engine
type EngineFailoverEvent struct {
	SessionID string     `json:"session_id"`
	Swap      EngineSwap `json:"swap"`
}

// PlatformStatusEvent is published when a platform availability flips
type PlatformStatusEvent struct {
	Status PlatformStatus `json:"status"`
}
