// Package queue is the durable, priority-ordered, lease-based job queue and
// the worker pool that drains it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promptrelay/internal/common"
	"github.com/ternarybob/promptrelay/internal/faults"
	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
)

// EnqueueRequest describes a new job
type EnqueueRequest struct {
	Type        models.JobType
	Payload     models.JobPayload
	Priority    int
	MaxRetries  *int // nil uses the configured default
	ScheduledAt *time.Time
	BatchID     string
}

// Retries is a convenience for EnqueueRequest.MaxRetries
func Retries(n int) *int { return &n }

// Queue implements enqueue, lease and the job status transitions on top of
// JobStorage.
type Queue struct {
	storage interfaces.JobStorage
	events  interfaces.EventService
	logger  arbor.ILogger
	config  Config
	now     func() time.Time
}

// NewQueue creates a queue. events may be nil.
func NewQueue(storage interfaces.JobStorage, events interfaces.EventService, logger arbor.ILogger, config Config) *Queue {
	return &Queue{
		storage: storage,
		events:  events,
		logger:  logger,
		config:  config,
		now:     time.Now,
	}
}

// SetClock replaces the time source
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Config returns the queue configuration
func (q *Queue) Config() Config {
	return q.config
}

// Enqueue persists a new pending job
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*models.Job, error) {
	if req.Type == "" {
		req.Type = req.Payload.Kind
	}
	if req.Payload.Kind != req.Type {
		return nil, faults.New(faults.KindPrecondition, faults.CategoryAPI,
			"payload kind %q does not match job type %q", req.Payload.Kind, req.Type)
	}
	if err := req.Payload.Validate(); err != nil {
		return nil, faults.Wrap(err, faults.KindPrecondition, faults.CategoryAPI, "invalid %s payload", req.Type)
	}

	maxRetries := q.config.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	now := q.now()
	job := &models.Job{
		ID:          common.NewJobID(),
		Type:        req.Type,
		Payload:     req.Payload,
		BatchID:     req.BatchID,
		Priority:    req.Priority,
		MaxRetries:  maxRetries,
		ScheduledAt: req.ScheduledAt,
		Status:      models.JobStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.storage.SaveJob(ctx, job); err != nil {
		return nil, err
	}

	q.logger.Debug().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Str("batch_id", job.BatchID).
		Int("priority", job.Priority).
		Msg("Job enqueued")
	q.publish(ctx, job)
	return job, nil
}

// Lease claims the best eligible pending job matching filter. Returns nil
// when none is eligible.
func (q *Queue) Lease(ctx context.Context, filter interfaces.JobFilter, workerID string) (*models.Job, error) {
	job, err := q.storage.ClaimNextJob(ctx, filter, workerID, q.now())
	if err != nil {
		return nil, err
	}
	if job != nil {
		q.publish(ctx, job)
	}
	return job, nil
}

// Complete marks a running job completed
func (q *Queue) Complete(ctx context.Context, id string) (*models.Job, error) {
	now := q.now()
	job, err := q.storage.UpdateJob(ctx, id, func(job *models.Job) error {
		if job.Status != models.JobStatusRunning {
			return faults.New(faults.KindPrecondition, faults.CategorySystem, "job %s is %s, not running", id, job.Status)
		}
		job.Status = models.JobStatusCompleted
		job.CompletedAt = &now
		job.LastError = ""
		job.LeasedBy = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.publish(ctx, job)
	return job, nil
}

// Fail records a failed attempt of a running job. The job goes back to
// pending with a backed-off ScheduledAt while retries remain; otherwise it
// becomes terminally failed. Exhausting the budget returns an error of kind
// MaxRetriesExhausted alongside the job. Fatal errors fail the job at once.
func (q *Queue) Fail(ctx context.Context, id string, cause error) (*models.Job, error) {
	if cause == nil {
		cause = errors.New("job failed")
	}
	now := q.now()
	fatal := faults.IsFatal(cause)
	exhausted := false

	job, err := q.storage.UpdateJob(ctx, id, func(job *models.Job) error {
		if job.Status != models.JobStatusRunning {
			return faults.New(faults.KindPrecondition, faults.CategorySystem, "job %s is %s, not running", id, job.Status)
		}
		job.LastError = cause.Error()
		job.LeasedBy = ""

		if fatal || job.CurrentRetries >= job.MaxRetries {
			exhausted = !fatal
			job.Status = models.JobStatusFailed
			job.CompletedAt = &now
			return nil
		}

		job.CurrentRetries++
		next := now.Add(q.Backoff(job.CurrentRetries))
		job.ScheduledAt = &next
		job.Status = models.JobStatusPending
		job.StartedAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	logEvent := q.logger.Warn()
	if job.Status == models.JobStatusFailed {
		logEvent = q.logger.Error()
	}
	logEvent.
		Err(cause).
		Str("job_id", job.ID).
		Str("status", string(job.Status)).
		Int("retries", job.CurrentRetries).
		Int("max_retries", job.MaxRetries).
		Msg("Job attempt failed")
	q.publish(ctx, job)

	if exhausted {
		return job, faults.Wrap(cause, faults.KindMaxRetriesExhausted, faults.Categorize(cause),
			"job %s failed after %d attempts", job.ID, job.CurrentRetries+1)
	}
	return job, nil
}

// Requeue returns a running job to pending without consuming a retry. Used
// when a worker is interrupted before the job reached an outcome.
func (q *Queue) Requeue(ctx context.Context, id string) (*models.Job, error) {
	job, err := q.storage.UpdateJob(ctx, id, func(job *models.Job) error {
		if job.Status != models.JobStatusRunning {
			return faults.New(faults.KindPrecondition, faults.CategorySystem, "job %s is %s, not running", id, job.Status)
		}
		job.Status = models.JobStatusPending
		job.LeasedBy = ""
		job.StartedAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.publish(ctx, job)
	return job, nil
}

// RecoverRunning requeues every job left running by a previous process
func (q *Queue) RecoverRunning(ctx context.Context) (int, error) {
	jobs, err := q.storage.ListJobs(ctx, &interfaces.JobListOptions{Status: models.JobStatusRunning})
	if err != nil {
		return 0, fmt.Errorf("failed to list running jobs: %w", err)
	}
	recovered := 0
	for _, job := range jobs {
		if _, err := q.Requeue(ctx, job.ID); err != nil {
			q.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to requeue orphaned job")
			continue
		}
		recovered++
	}
	if recovered > 0 {
		q.logger.Info().Int("count", recovered).Msg("Requeued orphaned running jobs")
	}
	return recovered, nil
}

// Backoff is the delay before retry number retries (1-based):
// base*2^(retries-1), capped at the configured maximum.
func (q *Queue) Backoff(retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	delay := q.config.RetryBaseDelay
	for i := 1; i < retries; i++ {
		delay *= 2
		if q.config.RetryMaxDelay > 0 && delay >= q.config.RetryMaxDelay {
			return q.config.RetryMaxDelay
		}
	}
	if q.config.RetryMaxDelay > 0 && delay > q.config.RetryMaxDelay {
		return q.config.RetryMaxDelay
	}
	return delay
}

// Cancel marks every pending or running job of the batch cancelled
func (q *Queue) Cancel(ctx context.Context, batchID string) (int, error) {
	return q.storage.CancelJobs(ctx, batchID, q.now())
}

// CancelJob cancels a single pending or running job
func (q *Queue) CancelJob(ctx context.Context, id string) (*models.Job, error) {
	now := q.now()
	job, err := q.storage.UpdateJob(ctx, id, func(job *models.Job) error {
		if job.Status.IsTerminal() {
			return faults.New(faults.KindPrecondition, faults.CategorySystem, "job %s is already %s", id, job.Status)
		}
		job.Status = models.JobStatusCancelled
		job.CompletedAt = &now
		job.LeasedBy = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.publish(ctx, job)
	return job, nil
}

// Get returns a job by ID
func (q *Queue) Get(ctx context.Context, id string) (*models.Job, error) {
	return q.storage.GetJob(ctx, id)
}

// Delete removes a job record
func (q *Queue) Delete(ctx context.Context, id string) error {
	return q.storage.DeleteJob(ctx, id)
}

// List returns jobs matching opts, oldest first
func (q *Queue) List(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	return q.storage.ListJobs(ctx, opts)
}

// FindActive returns a pending or running job of jobType aimed at platform,
// or nil when there is none
func (q *Queue) FindActive(ctx context.Context, jobType models.JobType, platform string) (*models.Job, error) {
	for _, status := range []models.JobStatus{models.JobStatusPending, models.JobStatusRunning} {
		jobs, err := q.storage.ListJobs(ctx, &interfaces.JobListOptions{Status: status, Type: jobType})
		if err != nil {
			return nil, fmt.Errorf("failed to list %s jobs: %w", status, err)
		}
		for _, job := range jobs {
			if job.Payload.Platform() == platform {
				return job, nil
			}
		}
	}
	return nil, nil
}

// Stats counts jobs by status, for one batch or all jobs when batchID is ""
func (q *Queue) Stats(ctx context.Context, batchID string) (models.JobStats, error) {
	var stats models.JobStats
	jobs, err := q.storage.ListJobs(ctx, &interfaces.JobListOptions{BatchID: batchID})
	if err != nil {
		return stats, fmt.Errorf("failed to compute job stats: %w", err)
	}
	for _, job := range jobs {
		stats.Add(job.Status)
	}
	return stats, nil
}

func (q *Queue) publish(ctx context.Context, job *models.Job) {
	if q.events == nil {
		return
	}
	event := models.JobStatusEvent{
		JobID:     job.ID,
		BatchID:   job.BatchID,
		Type:      job.Type,
		Status:    job.Status,
		Error:     job.LastError,
		Timestamp: job.UpdatedAt,
	}
	if err := q.events.Publish(ctx, interfaces.Event{Type: interfaces.EventJobStatus, Payload: event}); err != nil {
		q.logger.Debug().Err(err).Str("job_id", job.ID).Msg("Failed to publish job status")
	}
}
