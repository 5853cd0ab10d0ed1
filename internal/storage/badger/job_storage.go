package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// JobStorage implements interfaces.JobStorage for Badger.
// Claims run inside a read-write transaction; a concurrent claim of the
// same job fails to commit with badger.ErrConflict and is retried.
type JobStorage struct {
	db      *BadgerDB
	logger  arbor.ILogger
	claimMu sync.Mutex
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	job.UpdatedAt = time.Now()

	// Store by value: badgerhold prefixes keys with the type name
	if err := s.db.Store().Upsert(job.ID, *job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("BadgerDB: Failed to upsert job")
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("job %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) UpdateJob(ctx context.Context, id string, mutate func(job *models.Job) error) (*models.Job, error) {
	var updated models.Job
	err := s.db.Update(func(tx *badger.Txn) error {
		var job models.Job
		if err := s.db.Store().TxGet(tx, id, &job); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("job %s: %w", id, interfaces.ErrNotFound)
			}
			return err
		}
		if err := mutate(&job); err != nil {
			return err
		}
		job.UpdatedAt = time.Now()
		if err := s.db.Store().TxUpdate(tx, id, job); err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *JobStorage) ClaimNextJob(ctx context.Context, filter interfaces.JobFilter, workerID string, now time.Time) (*models.Job, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	var claimed *models.Job
	err := s.db.Update(func(tx *badger.Txn) error {
		claimed = nil

		var jobs []models.Job
		if err := s.db.Store().TxFind(tx, &jobs, nil); err != nil {
			return fmt.Errorf("failed to scan jobs: %w", err)
		}

		candidates := make([]models.Job, 0, len(jobs))
		for i := range jobs {
			if !jobs[i].IsEligible(now) {
				continue
			}
			if filter.BatchID != "" && jobs[i].BatchID != filter.BatchID {
				continue
			}
			if filter.Unbatched && jobs[i].BatchID != "" {
				continue
			}
			candidates = append(candidates, jobs[i])
		}
		if len(candidates) == 0 {
			return nil
		}

		sortByLeaseOrder(candidates)

		job := candidates[0]
		job.Status = models.JobStatusRunning
		job.LeasedBy = workerID
		job.StartedAt = &now
		job.UpdatedAt = now
		if err := s.db.Store().TxUpdate(tx, job.ID, job); err != nil {
			return fmt.Errorf("failed to claim job: %w", err)
		}
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}

	if claimed != nil {
		s.logger.Trace().
			Str("job_id", claimed.ID).
			Str("worker_id", workerID).
			Int("priority", claimed.Priority).
			Msg("BadgerDB: Job claimed")
	}
	return claimed, nil
}

// sortByLeaseOrder orders by priority descending, then age ascending
func sortByLeaseOrder(jobs []models.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}

func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	// Fetch all jobs and filter in memory
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, nil); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.Job, 0, len(jobs))
	for i := range jobs {
		if opts != nil {
			if opts.BatchID != "" && jobs[i].BatchID != opts.BatchID {
				continue
			}
			if opts.Status != "" && jobs[i].Status != opts.Status {
				continue
			}
			if opts.Type != "" && jobs[i].Type != opts.Type {
				continue
			}
		}
		result = append(result, &jobs[i])
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if opts != nil && opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

func (s *JobStorage) CancelJobs(ctx context.Context, batchID string, now time.Time) (int, error) {
	if batchID == "" {
		return 0, fmt.Errorf("batch ID is required")
	}

	cancelled := 0
	err := s.db.Update(func(tx *badger.Txn) error {
		cancelled = 0

		var jobs []models.Job
		if err := s.db.Store().TxFind(tx, &jobs, nil); err != nil {
			return err
		}
		for i := range jobs {
			job := jobs[i]
			if job.BatchID != batchID {
				continue
			}
			if job.Status != models.JobStatusPending && job.Status != models.JobStatusRunning {
				continue
			}
			job.Status = models.JobStatusCancelled
			job.CompletedAt = &now
			job.UpdatedAt = now
			if err := s.db.Store().TxUpdate(tx, job.ID, job); err != nil {
				return err
			}
			cancelled++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to cancel jobs: %w", err)
	}

	s.logger.Debug().Str("batch_id", batchID).Int("cancelled", cancelled).Msg("BadgerDB: Batch jobs cancelled")
	return cancelled, nil
}

func (s *JobStorage) DeleteJob(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, models.Job{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("job %s: %w", id, interfaces.ErrNotFound)
		}
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}
