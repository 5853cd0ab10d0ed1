package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/promptrelay/internal/models"
)

// JobFilter narrows which jobs are eligible for a claim
type JobFilter struct {
	BatchID   string // only jobs of this batch
	Unbatched bool   // only jobs that belong to no batch
}

// JobListOptions filters job listings
type JobListOptions struct {
	BatchID string
	Status  models.JobStatus
	Type    models.JobType
	Limit   int
}

// JobStorage persists queue jobs
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// UpdateJob applies mutate to the stored job inside a single transaction
	UpdateJob(ctx context.Context, id string, mutate func(job *models.Job) error) (*models.Job, error)
	// ClaimNextJob atomically moves the best eligible pending job to running.
	// Returns nil when no job is eligible.
	ClaimNextJob(ctx context.Context, filter JobFilter, workerID string, now time.Time) (*models.Job, error)
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
	// CancelJobs marks every pending or running job of the batch cancelled
	CancelJobs(ctx context.Context, batchID string, now time.Time) (int, error)
	DeleteJob(ctx context.Context, id string) error
}

// BatchStorage persists batches and their prompts
type BatchStorage interface {
	SaveBatch(ctx context.Context, batch *models.Batch) error
	GetBatch(ctx context.Context, id string) (*models.Batch, error)
	UpdateBatch(ctx context.Context, id string, mutate func(batch *models.Batch) error) (*models.Batch, error)
	ListBatches(ctx context.Context) ([]*models.Batch, error)
	SavePrompt(ctx context.Context, prompt *models.Prompt) error
	GetPrompt(ctx context.Context, id string) (*models.Prompt, error)
	// ListPrompts returns the batch prompts ordered by execution order
	ListPrompts(ctx context.Context, batchID string) ([]*models.Prompt, error)
}

// ExecutionStateStorage persists per-batch execution progress
type ExecutionStateStorage interface {
	SaveExecutionState(ctx context.Context, state *models.ExecutionState) error
	GetExecutionState(ctx context.Context, batchID string) (*models.ExecutionState, error)
	UpdateExecutionState(ctx context.Context, batchID string, mutate func(state *models.ExecutionState) error) (*models.ExecutionState, error)
}

// MetricsStorage persists execution metrics
type MetricsStorage interface {
	InsertMetric(ctx context.Context, metric *models.ExecutionMetric) error
	ListMetrics(ctx context.Context, batchID string) ([]*models.ExecutionMetric, error)
}

// StorageManager is the composite storage interface
type StorageManager interface {
	JobStorage() JobStorage
	BatchStorage() BatchStorage
	ExecutionStateStorage() ExecutionStateStorage
	MetricsStorage() MetricsStorage
	Close() error
}

// ErrNotFound is returned (wrapped) when a record does not exist
var ErrNotFound = errors.New("record not found")
