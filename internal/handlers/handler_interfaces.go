package handlers

import (
	"context"

	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
	"github.com/ternarybob/promptrelay/internal/queue"
	"github.com/ternarybob/promptrelay/internal/recovery"
)

// BatchService creates batches and drives their execution.
type BatchService interface {
	CreateBatch(ctx context.Context, req models.CreateBatchRequest) (*models.Batch, []*models.Prompt, error)
	GetBatch(ctx context.Context, batchID string) (*models.Batch, error)
	ListBatches(ctx context.Context) ([]*models.Batch, error)
	ListPrompts(ctx context.Context, batchID string) ([]*models.Prompt, error)
	Handle(ctx context.Context, req models.BatchExecutionRequest) (*models.ExecutionState, error)
	GetExecutionState(ctx context.Context, batchID string) (*models.ExecutionState, error)
	Subscribe(batchID string, callback func(models.ExecutionState)) (func(), error)
}

// JobQueue is the subset of the job queue exposed over HTTP.
type JobQueue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error)
	CancelJob(ctx context.Context, id string) (*models.Job, error)
	Stats(ctx context.Context, batchID string) (models.JobStats, error)
}

// PlatformCatalog lists platforms, their telemetry and selection.
type PlatformCatalog interface {
	Platforms() []models.PlatformConfig
	Statuses() []models.PlatformStatus
	GetOptimalPlatform(req models.PlatformRequirements) (string, error)
}

// SessionLister lists live browser sessions.
type SessionLister interface {
	ListActiveSessions() []models.Session
}

// BreakerSource exposes circuit breaker state.
type BreakerSource interface {
	Breakers() []recovery.CircuitBreaker
	ResetBreaker(service string)
}
