package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promptrelay/internal/common"
	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
)

func newTestManager(t *testing.T) interfaces.StorageManager {
	t.Helper()
	cfg := &common.BadgerConfig{Path: t.TempDir()}
	manager, err := NewManager(arbor.NewLogger(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func pendingJob(id string, priority int, created time.Time, batchID string) *models.Job {
	return &models.Job{
		ID:         id,
		Type:       models.JobTypeHealthCheck,
		Payload:    models.NewHealthCheckPayload(models.HealthCheckPayload{Platform: "bolt"}),
		BatchID:    batchID,
		Priority:   priority,
		MaxRetries: 3,
		Status:     models.JobStatusPending,
		CreatedAt:  created,
	}
}

func TestClaimNextJobOrdersByPriorityThenAge(t *testing.T) {
	storage := newTestManager(t).JobStorage()
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	require.NoError(t, storage.SaveJob(ctx, pendingJob("low-old", 1, base, "")))
	require.NoError(t, storage.SaveJob(ctx, pendingJob("high-new", 5, base.Add(2*time.Second), "")))
	require.NoError(t, storage.SaveJob(ctx, pendingJob("high-old", 5, base.Add(time.Second), "")))

	var order []string
	for i := 0; i < 3; i++ {
		job, err := storage.ClaimNextJob(ctx, interfaces.JobFilter{}, "w1", time.Now())
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, models.JobStatusRunning, job.Status)
		assert.Equal(t, "w1", job.LeasedBy)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"high-old", "high-new", "low-old"}, order)

	job, err := storage.ClaimNextJob(ctx, interfaces.JobFilter{}, "w1", time.Now())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimNextJobSkipsFutureScheduledJobs(t *testing.T) {
	storage := newTestManager(t).JobStorage()
	ctx := context.Background()

	later := time.Now().Add(time.Hour)
	job := pendingJob("scheduled", 10, time.Now(), "")
	job.ScheduledAt = &later
	require.NoError(t, storage.SaveJob(ctx, job))

	claimed, err := storage.ClaimNextJob(ctx, interfaces.JobFilter{}, "w1", time.Now())
	require.NoError(t, err)
	assert.Nil(t, claimed)

	claimed, err = storage.ClaimNextJob(ctx, interfaces.JobFilter{}, "w1", later.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "scheduled", claimed.ID)
}

func TestClaimNextJobFilters(t *testing.T) {
	storage := newTestManager(t).JobStorage()
	ctx := context.Background()

	require.NoError(t, storage.SaveJob(ctx, pendingJob("batch-a", 100, time.Now(), "a")))
	require.NoError(t, storage.SaveJob(ctx, pendingJob("batch-b", 100, time.Now(), "b")))
	require.NoError(t, storage.SaveJob(ctx, pendingJob("direct", 0, time.Now(), "")))

	job, err := storage.ClaimNextJob(ctx, interfaces.JobFilter{BatchID: "b"}, "w", time.Now())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "batch-b", job.ID)

	job, err = storage.ClaimNextJob(ctx, interfaces.JobFilter{Unbatched: true}, "w", time.Now())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "direct", job.ID)
}

func TestClaimNextJobIsExactlyOnceUnderConcurrency(t *testing.T) {
	storage := newTestManager(t).JobStorage()
	ctx := context.Background()

	const jobs = 30
	const workers = 8
	for i := 0; i < jobs; i++ {
		require.NoError(t, storage.SaveJob(ctx, pendingJob(fmt.Sprintf("job-%02d", i), i%3, time.Now(), "")))
	}

	var mu sync.Mutex
	seen := make(map[string]string)
	duplicates := 0

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				job, err := storage.ClaimNextJob(ctx, interfaces.JobFilter{}, worker, time.Now())
				if err != nil {
					t.Errorf("claim failed: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if _, ok := seen[job.ID]; ok {
					duplicates++
				}
				seen[job.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	assert.Equal(t, 0, duplicates)
	assert.Len(t, seen, jobs)
}

func TestUpdateJobRejectsWhenMutateFails(t *testing.T) {
	storage := newTestManager(t).JobStorage()
	ctx := context.Background()
	require.NoError(t, storage.SaveJob(ctx, pendingJob("j1", 0, time.Now(), "")))

	_, err := storage.UpdateJob(ctx, "j1", func(job *models.Job) error {
		job.Status = models.JobStatusFailed
		return errors.New("not allowed")
	})
	require.Error(t, err)

	job, err := storage.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)

	_, err = storage.UpdateJob(ctx, "missing", func(job *models.Job) error { return nil })
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestCancelJobsOnlyTouchesActiveJobsOfBatch(t *testing.T) {
	storage := newTestManager(t).JobStorage()
	ctx := context.Background()

	require.NoError(t, storage.SaveJob(ctx, pendingJob("p", 0, time.Now(), "b1")))
	running := pendingJob("r", 0, time.Now(), "b1")
	running.Status = models.JobStatusRunning
	require.NoError(t, storage.SaveJob(ctx, running))
	done := pendingJob("c", 0, time.Now(), "b1")
	done.Status = models.JobStatusCompleted
	require.NoError(t, storage.SaveJob(ctx, done))
	require.NoError(t, storage.SaveJob(ctx, pendingJob("other", 0, time.Now(), "b2")))

	n, err := storage.CancelJobs(ctx, "b1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	jobs, err := storage.ListJobs(ctx, &interfaces.JobListOptions{BatchID: "b1", Status: models.JobStatusCancelled})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	other, err := storage.GetJob(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, other.Status)
}

func TestPromptsListedInExecutionOrder(t *testing.T) {
	storage := newTestManager(t).BatchStorage()
	ctx := context.Background()

	require.NoError(t, storage.SaveBatch(ctx, &models.Batch{ID: "b1", Name: "demo", Status: models.BatchStatusPending, CreatedAt: time.Now()}))
	for _, order := range []int{3, 1, 2} {
		require.NoError(t, storage.SavePrompt(ctx, &models.Prompt{
			ID:             fmt.Sprintf("p%d", order),
			BatchID:        "b1",
			Text:           "build a todo app",
			ExecutionOrder: order,
			Status:         models.PromptStatusPending,
		}))
	}
	require.NoError(t, storage.SavePrompt(ctx, &models.Prompt{ID: "x", BatchID: "b2", ExecutionOrder: 0}))

	prompts, err := storage.ListPrompts(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, prompts, 3)
	assert.Equal(t, "p1", prompts[0].ID)
	assert.Equal(t, "p2", prompts[1].ID)
	assert.Equal(t, "p3", prompts[2].ID)

	batch, err := storage.UpdateBatch(ctx, "b1", func(b *models.Batch) error {
		b.Status = models.BatchStatusRunning
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusRunning, batch.Status)
}

func TestExecutionStateUpdate(t *testing.T) {
	storage := newTestManager(t).ExecutionStateStorage()
	ctx := context.Background()

	_, err := storage.GetExecutionState(ctx, "b1")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	require.NoError(t, storage.SaveExecutionState(ctx, &models.ExecutionState{
		BatchID:  "b1",
		Status:   models.BatchStatusRunning,
		Progress: models.NewExecutionProgress(0, 4),
	}))

	state, err := storage.UpdateExecutionState(ctx, "b1", func(s *models.ExecutionState) error {
		s.Progress = models.NewExecutionProgress(s.Progress.CurrentStep+1, s.Progress.TotalSteps)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, state.Progress.CurrentStep)
	assert.Equal(t, 25.0, state.Progress.Percentage)
}

func TestMetricsByBatch(t *testing.T) {
	storage := newTestManager(t).MetricsStorage()
	ctx := context.Background()

	require.NoError(t, storage.InsertMetric(ctx, &models.ExecutionMetric{ID: "m1", BatchID: "b1", ElapsedMs: 10, Success: true}))
	require.NoError(t, storage.InsertMetric(ctx, &models.ExecutionMetric{ID: "m2", BatchID: "b2", ElapsedMs: 20}))

	metrics, err := storage.ListMetrics(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, "m1", metrics[0].ID)

	all, err := storage.ListMetrics(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
