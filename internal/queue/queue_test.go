package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promptrelay/internal/common"
	"github.com/ternarybob/promptrelay/internal/faults"
	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
	"github.com/ternarybob/promptrelay/internal/storage/badger"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	cfg := NewDefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ErrorBackoff = 20 * time.Millisecond
	cfg.Concurrency = 3
	cfg.RetryBaseDelay = time.Second
	cfg.RetryMaxDelay = 30 * time.Second
	cfg.JobTimeout = 2 * time.Second
	return cfg
}

func newTestQueue(t *testing.T, cfg Config) (*Queue, interfaces.JobStorage) {
	t.Helper()
	manager, err := badger.NewManager(arbor.NewLogger(), &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return NewQueue(manager.JobStorage(), nil, arbor.NewLogger(), cfg), manager.JobStorage()
}

func healthCheck(platform string) EnqueueRequest {
	return EnqueueRequest{
		Type:    models.JobTypeHealthCheck,
		Payload: models.NewHealthCheckPayload(models.HealthCheckPayload{Platform: platform}),
	}
}

func TestEnqueueDefaults(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	job, err := q.Enqueue(ctx, healthCheck("bolt"))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, 3, job.MaxRetries)
	assert.Equal(t, 0, job.CurrentRetries)

	req := healthCheck("bolt")
	req.MaxRetries = Retries(0)
	job, err = q.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 0, job.MaxRetries)

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "bolt", stored.Payload.Platform())
}

func TestFindActiveMatchesLiveJobsOnly(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	found, err := q.FindActive(ctx, models.JobTypeHealthCheck, "bolt")
	require.NoError(t, err)
	assert.Nil(t, found)

	job, err := q.Enqueue(ctx, healthCheck("bolt"))
	require.NoError(t, err)
	found, err = q.FindActive(ctx, models.JobTypeHealthCheck, "bolt")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, job.ID, found.ID)

	found, err = q.FindActive(ctx, models.JobTypeHealthCheck, "v0")
	require.NoError(t, err)
	assert.Nil(t, found)

	leased, err := q.Lease(ctx, interfaces.JobFilter{}, "w1")
	require.NoError(t, err)
	require.NotNil(t, leased)
	found, err = q.FindActive(ctx, models.JobTypeHealthCheck, "bolt")
	require.NoError(t, err)
	require.NotNil(t, found, "running jobs count as active")

	_, err = q.Complete(ctx, leased.ID)
	require.NoError(t, err)
	found, err = q.FindActive(ctx, models.JobTypeHealthCheck, "bolt")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestEnqueueRejectsMismatchedPayload(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())

	_, err := q.Enqueue(context.Background(), EnqueueRequest{
		Type:    models.JobTypePromptSubmission,
		Payload: models.NewHealthCheckPayload(models.HealthCheckPayload{Platform: "bolt"}),
	})
	require.Error(t, err)
	assert.Equal(t, faults.KindPrecondition, faults.KindOf(err))
}

func TestLeaseIsExactlyOnce(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	const total = 25
	for i := 0; i < total; i++ {
		_, err := q.Enqueue(ctx, healthCheck("bolt"))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				job, err := q.Lease(ctx, interfaces.JobFilter{}, "w")
				if !assert.NoError(t, err) || job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
				_, err = q.Complete(ctx, job.ID)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
	stats, err := q.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, total, stats.Completed)
}

func TestBackoffIsMonotonicAndCapped(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30}
	prev := time.Duration(0)
	for i, w := range want {
		got := q.Backoff(i + 1)
		assert.Equal(t, w*time.Second, got, "retry %d", i+1)
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
	assert.Equal(t, 30*time.Second, q.Backoff(500))
}

func TestFailRetriesThenExhausts(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	c := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	q.SetClock(c.Now)
	ctx := context.Background()

	req := healthCheck("bolt")
	req.MaxRetries = Retries(2)
	enqueued, err := q.Enqueue(ctx, req)
	require.NoError(t, err)

	cause := errors.New("navigation failed")
	var lastScheduled time.Time
	for attempt := 1; attempt <= 2; attempt++ {
		job, err := q.Lease(ctx, interfaces.JobFilter{}, "w")
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)

		failed, err := q.Fail(ctx, job.ID, cause)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPending, failed.Status)
		assert.Equal(t, attempt, failed.CurrentRetries)
		require.NotNil(t, failed.ScheduledAt)
		assert.True(t, c.Now().Add(q.Backoff(attempt)).Equal(*failed.ScheduledAt))
		assert.True(t, failed.ScheduledAt.After(lastScheduled))
		lastScheduled = *failed.ScheduledAt

		// Not eligible until the backoff elapses
		none, err := q.Lease(ctx, interfaces.JobFilter{}, "w")
		require.NoError(t, err)
		assert.Nil(t, none)
		c.Advance(q.Backoff(attempt))
	}

	job, err := q.Lease(ctx, interfaces.JobFilter{}, "w")
	require.NoError(t, err)
	require.NotNil(t, job)
	failed, err := q.Fail(ctx, job.ID, cause)
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrMaxRetriesExhausted))
	assert.Equal(t, models.JobStatusFailed, failed.Status)
	assert.Equal(t, 2, failed.CurrentRetries)
	assert.LessOrEqual(t, failed.CurrentRetries, failed.MaxRetries)
	assert.Equal(t, "navigation failed", failed.LastError)
	assert.Equal(t, enqueued.ID, failed.ID)
}

func TestFailFatalIsTerminal(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, healthCheck("bolt"))
	require.NoError(t, err)
	job, err := q.Lease(ctx, interfaces.JobFilter{}, "w")
	require.NoError(t, err)

	failed, err := q.Fail(ctx, job.ID, faults.New(faults.KindPlatformIncompatible, faults.CategorySystem, "no such platform"))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, failed.Status)
	assert.Equal(t, 0, failed.CurrentRetries)
}

func TestCompleteRejectsCancelledJob(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	req := healthCheck("bolt")
	req.BatchID = "batch-1"
	_, err := q.Enqueue(ctx, req)
	require.NoError(t, err)
	job, err := q.Lease(ctx, interfaces.JobFilter{BatchID: "batch-1"}, "w")
	require.NoError(t, err)
	require.NotNil(t, job)

	n, err := q.Cancel(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = q.Complete(ctx, job.ID)
	require.Error(t, err)
	assert.Equal(t, faults.KindPrecondition, faults.KindOf(err))

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, stored.Status)
}

// ---- Processor ----

type stubExecutor struct {
	jobType models.JobType
	calls   atomic.Int32
	run     func(ctx context.Context, job *models.Job) (models.Result, error)
}

func (s *stubExecutor) Execute(ctx context.Context, job *models.Job) (models.Result, error) {
	s.calls.Add(1)
	return s.run(ctx, job)
}

func (s *stubExecutor) GetJobType() models.JobType { return s.jobType }

func (s *stubExecutor) Validate(job *models.Job) error {
	if job.Payload.HealthCheck == nil {
		return errors.New("health check payload required")
	}
	return nil
}

func TestProcessorUnknownJobTypeFailsTerminally(t *testing.T) {
	q, storage := newTestQueue(t, testConfig())
	ctx := context.Background()

	job := &models.Job{
		ID:         "job-mystery",
		Type:       models.JobType("mystery"),
		Payload:    models.JobPayload{Kind: "mystery"},
		MaxRetries: 3,
		Status:     models.JobStatusPending,
		CreatedAt:  time.Now().Add(-time.Second),
	}
	require.NoError(t, storage.SaveJob(ctx, job))

	p := NewProcessor(q, arbor.NewLogger())
	worked, err := p.ProcessNext(ctx, "w")
	require.NoError(t, err)
	assert.True(t, worked)

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, 0, stored.CurrentRetries)
	assert.Contains(t, stored.LastError, "mystery")
}

func TestProcessorOutcomes(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	exec := &stubExecutor{jobType: models.JobTypeHealthCheck}
	p := NewProcessor(q, arbor.NewLogger())
	p.RegisterExecutor(exec)

	run := func(fn func(ctx context.Context, job *models.Job) (models.Result, error)) *models.Job {
		exec.run = fn
		job, err := q.Enqueue(ctx, healthCheck("bolt"))
		require.NoError(t, err)
		worked, err := p.ProcessNext(ctx, "w")
		require.NoError(t, err)
		require.True(t, worked)
		stored, err := q.Get(ctx, job.ID)
		require.NoError(t, err)
		return stored
	}

	done := run(func(ctx context.Context, job *models.Job) (models.Result, error) {
		return models.Succeeded(map[string]any{"reachable": true}), nil
	})
	assert.Equal(t, models.JobStatusCompleted, done.Status)

	// A failed result is a retryable failure
	retried := run(func(ctx context.Context, job *models.Job) (models.Result, error) {
		return models.Failed(faults.New(faults.KindWorkflowStepFailed, faults.CategoryBrowser, "click failed")), nil
	})
	assert.Equal(t, models.JobStatusPending, retried.Status)
	assert.Equal(t, 1, retried.CurrentRetries)
	assert.Contains(t, retried.LastError, "click failed")

	panicked := run(func(ctx context.Context, job *models.Job) (models.Result, error) {
		panic("boom")
	})
	assert.Equal(t, models.JobStatusPending, panicked.Status)
	assert.Contains(t, panicked.LastError, "boom")
}

func TestProcessorJobTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.JobTimeout = 50 * time.Millisecond
	q, _ := newTestQueue(t, cfg)
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)
	exec := &stubExecutor{jobType: models.JobTypeHealthCheck, run: func(ctx context.Context, job *models.Job) (models.Result, error) {
		<-release
		return models.Succeeded(nil), nil
	}}
	p := NewProcessor(q, arbor.NewLogger())
	p.RegisterExecutor(exec)

	job, err := q.Enqueue(ctx, healthCheck("bolt"))
	require.NoError(t, err)
	_, err = p.ProcessNext(ctx, "w")
	require.NoError(t, err)

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, stored.Status)
	assert.Contains(t, stored.LastError, "exceeded")
}

func TestProcessorSkipsBatchJobs(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	req := healthCheck("bolt")
	req.BatchID = "batch-1"
	_, err := q.Enqueue(ctx, req)
	require.NoError(t, err)

	p := NewProcessor(q, arbor.NewLogger())
	worked, err := p.ProcessNext(ctx, "w")
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestProcessorStartStop(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	exec := &stubExecutor{jobType: models.JobTypeHealthCheck, run: func(ctx context.Context, job *models.Job) (models.Result, error) {
		return models.Succeeded(nil), nil
	}}
	p := NewProcessor(q, arbor.NewLogger())
	p.RegisterExecutor(exec)

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, healthCheck("bolt"))
		require.NoError(t, err)
	}

	p.Start()
	p.Start()
	require.Eventually(t, func() bool {
		stats, err := q.Stats(ctx, "")
		return err == nil && stats.Completed == 5
	}, 5*time.Second, 20*time.Millisecond)
	p.Stop()
	p.Stop()

	assert.Equal(t, int32(5), exec.calls.Load())
}

func TestRecoverRunningRequeuesWithoutRetry(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	job, err := q.Enqueue(ctx, healthCheck("bolt"))
	require.NoError(t, err)
	leased, err := q.Lease(ctx, interfaces.JobFilter{}, "w1")
	require.NoError(t, err)
	require.Equal(t, job.ID, leased.ID)

	n, err := q.RecoverRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, 0, got.CurrentRetries)
	assert.Empty(t, got.LeasedBy)

	_, err = q.Requeue(ctx, job.ID)
	assert.Equal(t, faults.KindPrecondition, faults.KindOf(err))
}
