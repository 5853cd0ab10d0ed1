package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID. Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewBatchID generates a unique batch ID. Format: batch_<uuid>
func NewBatchID() string {
	return "batch_" + uuid.New().String()
}

// NewPromptID generates a unique prompt ID. Format: prompt_<uuid>
func NewPromptID() string {
	return "prompt_" + uuid.New().String()
}

// NewSessionID generates a unique browser session ID. Format: sess_<uuid>
func NewSessionID() string {
	return "sess_" + uuid.New().String()
}

// NewMetricID generates a unique execution metric ID
func NewMetricID() string {
	return "metric_" + uuid.New().String()
}

// NewRunID generates the ID of one batch execution run
func NewRunID() string {
	return "run_" + uuid.New().String()
}
