package batch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promptrelay/internal/common"
	"github.com/ternarybob/promptrelay/internal/faults"
	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
	"github.com/ternarybob/promptrelay/internal/queue"
	"github.com/ternarybob/promptrelay/internal/services/events"
	"github.com/ternarybob/promptrelay/internal/storage/badger"
)

// promptExecutor fails prompts containing "fail" and blocks prompts that
// have a gate until the gate is closed.
type promptExecutor struct {
	mu      sync.Mutex
	order   []string
	gates   map[string]chan struct{}
	started chan string
}

func newPromptExecutor() *promptExecutor {
	return &promptExecutor{gates: make(map[string]chan struct{}), started: make(chan string, 64)}
}

func (e *promptExecutor) gate(text string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan struct{})
	e.gates[text] = ch
	return ch
}

func (e *promptExecutor) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

func (e *promptExecutor) Execute(ctx context.Context, job *models.Job) (models.Result, error) {
	text := job.Payload.PromptSubmission.Prompt
	e.mu.Lock()
	e.order = append(e.order, text)
	gate := e.gates[text]
	e.mu.Unlock()
	e.started <- text

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.Failed(ctx.Err()), ctx.Err()
		}
	}

	if strings.Contains(text, "fail") {
		err := faults.New(faults.KindWorkflowStepFailed, faults.CategoryBrowser, "submitPrompt step 2 failed")
		return models.Failed(err), err
	}
	return models.Succeeded(map[string]any{"response": "done: " + text, "tokens": 3}), nil
}

func (e *promptExecutor) GetJobType() models.JobType { return models.JobTypePromptSubmission }

func (e *promptExecutor) Validate(job *models.Job) error { return job.Payload.Validate() }

type staticSelector struct{ name string }

func (s staticSelector) Platform(name string) (models.PlatformConfig, bool) {
	return models.PlatformConfig{Name: name}, name == s.name
}

func (s staticSelector) GetOptimalPlatform(models.PlatformRequirements) (string, error) {
	return s.name, nil
}

type harness struct {
	storage  interfaces.StorageManager
	queue    *queue.Queue
	exec     *promptExecutor
	events   *events.Service
	orch     *Orchestrator
	platform PlatformSelector
}

func testConfig() Config {
	return Config{
		JobTimeout:            2 * time.Second,
		PollInterval:          5 * time.Millisecond,
		DefaultMaxConcurrency: 3,
		MaxConcurrencyCap:     10,
		DefaultMaxRetries:     2,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := arbor.NewLogger()
	storage, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	h := &harness{storage: storage, exec: newPromptExecutor(), events: events.NewService(logger), platform: staticSelector{name: "bolt"}}
	h.queue = h.newQueue()
	h.orch = h.newOrchestrator(t, h.exec)
	return h
}

func (h *harness) newQueue() *queue.Queue {
	cfg := queue.NewDefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 4 * time.Millisecond
	cfg.JobTimeout = 2 * time.Second
	return queue.NewQueue(h.storage.JobStorage(), h.events, arbor.NewLogger(), cfg)
}

func (h *harness) newOrchestrator(t *testing.T, exec interfaces.JobExecutor) *Orchestrator {
	t.Helper()
	processor := queue.NewProcessor(h.queue, arbor.NewLogger())
	processor.RegisterExecutor(exec)
	orch := NewOrchestrator(h.storage, h.queue, processor, h.platform, h.events, arbor.NewLogger(), testConfig())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Stop(ctx)
	})
	return orch
}

func (h *harness) create(t *testing.T, mode models.ExecutionMode, retries int, prompts ...string) *models.Batch {
	t.Helper()
	batch, created, err := h.orch.CreateBatch(context.Background(), models.CreateBatchRequest{
		Name:          "test batch",
		Platform:      "bolt",
		ExecutionMode: mode,
		MaxRetries:    &retries,
		Prompts:       prompts,
	})
	require.NoError(t, err)
	require.Len(t, created, len(prompts))
	return batch
}

func (h *harness) waitStatus(t *testing.T, batchID string, status models.BatchStatus) *models.Batch {
	t.Helper()
	var batch *models.Batch
	require.Eventually(t, func() bool {
		b, err := h.orch.GetBatch(context.Background(), batchID)
		if err != nil {
			return false
		}
		batch = b
		return b.Status == status
	}, 10*time.Second, 5*time.Millisecond, "batch never reached %s", status)
	return batch
}

func (h *harness) prompts(t *testing.T, batchID string) []*models.Prompt {
	t.Helper()
	prompts, err := h.orch.ListPrompts(context.Background(), batchID)
	require.NoError(t, err)
	return prompts
}

func TestSequentialBatchContinuesPastFailedPrompt(t *testing.T) {
	h := newHarness(t)
	batch := h.create(t, models.ExecutionModeSequential, 2, "first", "second fail", "third")

	state, err := h.orch.Execute(context.Background(), batch.ID, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, state.Progress.TotalSteps)

	final := h.waitStatus(t, batch.ID, models.BatchStatusCompleted)
	assert.Equal(t, 1, final.Failed)
	assert.Equal(t, 2, final.Succeeded)

	// maxRetries 2 means three attempts, all before the third prompt runs
	assert.Equal(t, []string{"first", "second fail", "second fail", "second fail", "third"}, h.exec.executed())

	prompts := h.prompts(t, batch.ID)
	require.Len(t, prompts, 3)
	assert.Equal(t, models.PromptStatusCompleted, prompts[0].Status)
	assert.Equal(t, "done: first", prompts[0].Result)
	assert.Equal(t, "3", prompts[0].ResultData["tokens"])
	assert.Equal(t, models.PromptStatusFailed, prompts[1].Status)
	assert.Equal(t, 3, prompts[1].Attempts)
	assert.Contains(t, prompts[1].Error, "submitPrompt")
	assert.Equal(t, models.PromptStatusCompleted, prompts[2].Status)

	job, err := h.queue.Get(context.Background(), prompts[1].JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, 2, job.CurrentRetries)

	st, err := h.orch.GetExecutionState(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, st.Status)
	assert.Equal(t, models.NewExecutionProgress(3, 3), st.Progress)
	assert.Equal(t, 1, st.Failed)
	assert.NotNil(t, st.EndTime)
}

func TestSequentialPrioritiesFollowExecutionOrder(t *testing.T) {
	h := newHarness(t)
	gate := h.exec.gate("a")
	batch := h.create(t, models.ExecutionModeSequential, 0, "a", "b", "c")

	_, err := h.orch.Execute(context.Background(), batch.ID, ExecuteOptions{})
	require.NoError(t, err)
	<-h.exec.started

	jobs, err := h.queue.List(context.Background(), &interfaces.JobListOptions{BatchID: batch.ID})
	require.NoError(t, err)
	priorities := map[string]int{}
	for _, job := range jobs {
		priorities[job.Payload.PromptSubmission.Prompt] = job.Priority
		assert.Equal(t, 0, job.MaxRetries)
		assert.Equal(t, "bolt", job.Payload.PromptSubmission.Platform)
	}
	assert.Equal(t, map[string]int{"a": 3, "b": 2, "c": 1}, priorities)

	close(gate)
	h.waitStatus(t, batch.ID, models.BatchStatusCompleted)
}

func TestParallelProgressIsMonotonic(t *testing.T) {
	h := newHarness(t)
	batch := h.create(t, models.ExecutionModeParallel, 1, "p1", "p2 fail", "p3", "p4", "p5", "p6")

	var mu sync.Mutex
	var steps []int
	var statuses []models.BatchStatus
	unsubscribe, err := h.orch.Subscribe(batch.ID, func(state models.ExecutionState) {
		mu.Lock()
		defer mu.Unlock()
		steps = append(steps, state.Progress.CurrentStep)
		statuses = append(statuses, state.Status)
	})
	require.NoError(t, err)
	defer unsubscribe()

	_, err = h.orch.Execute(context.Background(), batch.ID, ExecuteOptions{Mode: models.ExecutionModeParallel, MaxConcurrency: 3})
	require.NoError(t, err)
	final := h.waitStatus(t, batch.ID, models.BatchStatusCompleted)
	assert.Equal(t, 3, final.MaxConcurrency)
	assert.Equal(t, 5, final.Succeeded)
	assert.Equal(t, 1, final.Failed)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, steps)
	for i := 1; i < len(steps); i++ {
		assert.GreaterOrEqual(t, steps[i], steps[i-1], "progress went backwards at event %d: %v", i, steps)
	}
	assert.Equal(t, 6, steps[len(steps)-1])
	assert.Equal(t, models.BatchStatusCompleted, statuses[len(statuses)-1])

	jobs, err := h.queue.List(context.Background(), &interfaces.JobListOptions{BatchID: batch.ID})
	require.NoError(t, err)
	for _, job := range jobs {
		assert.Equal(t, 100, job.Priority)
	}
}

func TestAllPromptsFailingFailsBatch(t *testing.T) {
	h := newHarness(t)
	batch := h.create(t, models.ExecutionModeSequential, 0, "fail one", "fail two")

	_, err := h.orch.Execute(context.Background(), batch.ID, ExecuteOptions{})
	require.NoError(t, err)

	final := h.waitStatus(t, batch.ID, models.BatchStatusFailed)
	assert.Equal(t, 2, final.Failed)
	assert.Equal(t, 0, final.Succeeded)

	st, err := h.orch.GetExecutionState(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Progress.CurrentStep)
	assert.Equal(t, 2, st.Progress.TotalSteps)
}

func TestEmptyBatchCompletesImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, h.storage.BatchStorage().SaveBatch(ctx, &models.Batch{
		ID: "batch-empty", Name: "empty", Status: models.BatchStatusPending, CreatedAt: now, UpdatedAt: now,
	}))

	state, err := h.orch.Execute(ctx, "batch-empty", ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, state.Status)
	assert.Equal(t, float64(100), state.Progress.Percentage)
}

func TestPauseStopsNewLeasesAndResumeContinues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	gate := h.exec.gate("one")
	batch := h.create(t, models.ExecutionModeSequential, 0, "one", "two", "three")

	_, err := h.orch.Execute(ctx, batch.ID, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "one", <-h.exec.started)

	state, err := h.orch.Pause(ctx, batch.ID)
	require.NoError(t, err)
	assert.True(t, state.IsPaused())
	assert.Equal(t, models.BatchStatusPaused, state.Status)

	// The in-flight job still finishes
	close(gate)
	require.Eventually(t, func() bool {
		return h.prompts(t, batch.ID)[0].Status == models.PromptStatusCompleted
	}, 5*time.Second, 5*time.Millisecond)

	time.Sleep(20 * testConfig().PollInterval)
	assert.Equal(t, []string{"one"}, h.exec.executed())
	assert.Equal(t, models.PromptStatusPending, h.prompts(t, batch.ID)[1].Status)

	_, err = h.orch.Pause(ctx, batch.ID)
	assert.Equal(t, faults.KindPrecondition, faults.KindOf(err))

	state, err = h.orch.Resume(ctx, batch.ID)
	require.NoError(t, err)
	assert.False(t, state.IsPaused())

	h.waitStatus(t, batch.ID, models.BatchStatusCompleted)
	assert.Equal(t, []string{"one", "two", "three"}, h.exec.executed())
}

func TestCancelMarksJobsAndRejectsLateCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	gate := h.exec.gate("one")
	batch := h.create(t, models.ExecutionModeSequential, 0, "one", "two")

	_, err := h.orch.Execute(ctx, batch.ID, ExecuteOptions{})
	require.NoError(t, err)
	<-h.exec.started

	state, err := h.orch.Cancel(ctx, batch.ID)
	require.NoError(t, err)
	assert.True(t, state.IsCancelled())
	assert.Equal(t, models.BatchStatusCancelled, state.Status)

	close(gate)
	require.Eventually(t, func() bool {
		return !h.orch.active(batch.ID)
	}, 5*time.Second, 5*time.Millisecond)

	b, err := h.orch.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCancelled, b.Status)

	for _, prompt := range h.prompts(t, batch.ID) {
		assert.Equal(t, models.PromptStatusCancelled, prompt.Status, prompt.Text)
		job, err := h.queue.Get(ctx, prompt.JobID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, job.Status)
	}
	assert.Equal(t, []string{"one"}, h.exec.executed())

	_, err = h.orch.Cancel(ctx, batch.ID)
	assert.Equal(t, faults.KindPrecondition, faults.KindOf(err))
}

func TestExecuteRejectsActiveBatchAndRestarts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	gate := h.exec.gate("only")
	batch := h.create(t, models.ExecutionModeSequential, 0, "only")

	_, err := h.orch.Execute(ctx, batch.ID, ExecuteOptions{})
	require.NoError(t, err)
	<-h.exec.started

	_, err = h.orch.Execute(ctx, batch.ID, ExecuteOptions{})
	assert.Equal(t, faults.KindPrecondition, faults.KindOf(err))

	close(gate)
	h.waitStatus(t, batch.ID, models.BatchStatusCompleted)
	require.Eventually(t, func() bool { return !h.orch.active(batch.ID) }, 5*time.Second, 5*time.Millisecond)

	// A finished batch runs again from scratch
	h.exec.mu.Lock()
	delete(h.exec.gates, "only")
	h.exec.mu.Unlock()
	_, err = h.orch.Execute(ctx, batch.ID, ExecuteOptions{})
	require.NoError(t, err)
	h.waitStatus(t, batch.ID, models.BatchStatusCompleted)

	jobs, err := h.queue.List(ctx, &interfaces.JobListOptions{BatchID: batch.ID})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
	assert.Equal(t, []string{"only", "only"}, h.exec.executed())
}

func TestHandleValidatesRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	batch := h.create(t, models.ExecutionModeSequential, 0, "x")

	_, err := h.orch.Handle(ctx, models.BatchExecutionRequest{BatchID: batch.ID, Action: "explode"})
	assert.Equal(t, faults.KindPrecondition, faults.KindOf(err))

	_, err = h.orch.Handle(ctx, models.BatchExecutionRequest{BatchID: batch.ID, Action: models.BatchActionSchedule})
	assert.Equal(t, faults.KindPrecondition, faults.KindOf(err))

	_, err = h.orch.Handle(ctx, models.BatchExecutionRequest{BatchID: batch.ID, Action: models.BatchActionResume})
	assert.Error(t, err)

	state, err := h.orch.Handle(ctx, models.BatchExecutionRequest{BatchID: batch.ID, Action: models.BatchActionExecute})
	require.NoError(t, err)
	assert.Equal(t, batch.ID, state.BatchID)
	h.waitStatus(t, batch.ID, models.BatchStatusCompleted)
}

func TestCreateBatchValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _, err := h.orch.CreateBatch(ctx, models.CreateBatchRequest{Name: "empty"})
	assert.Equal(t, faults.KindPrecondition, faults.KindOf(err))

	_, _, err = h.orch.CreateBatch(ctx, models.CreateBatchRequest{Name: "bad", Platform: "nowhere", Prompts: []string{"x"}})
	assert.Equal(t, faults.KindPlatformIncompatible, faults.KindOf(err))

	batch, prompts, err := h.orch.CreateBatch(ctx, models.CreateBatchRequest{Name: "ok", Prompts: []string{"x", "y"}})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionModeSequential, batch.ExecutionMode)
	assert.Equal(t, 2, batch.MaxRetries)
	assert.Equal(t, 1, prompts[0].ExecutionOrder)
	assert.Equal(t, 2, prompts[1].ExecutionOrder)
}

func TestPlatformlessBatchUsesOptimalPlatform(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	batch, _, err := h.orch.CreateBatch(ctx, models.CreateBatchRequest{Name: "auto", Prompts: []string{"x"}})
	require.NoError(t, err)

	_, err = h.orch.Execute(ctx, batch.ID, ExecuteOptions{})
	require.NoError(t, err)
	h.waitStatus(t, batch.ID, models.BatchStatusCompleted)

	jobs, err := h.queue.List(ctx, &interfaces.JobListOptions{BatchID: batch.ID})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "bolt", jobs[0].Payload.PromptSubmission.Platform)
}

func TestScheduleFiresOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.orch.Start(ctx))
	batch := h.create(t, models.ExecutionModeSequential, 0, "scheduled")

	err := h.orch.Schedule(ctx, batch.ID, time.Now().Add(-time.Minute).Format(time.RFC3339))
	assert.Equal(t, faults.KindPrecondition, faults.KindOf(err))
	err = h.orch.Schedule(ctx, batch.ID, "tomorrow")
	assert.Equal(t, faults.KindPrecondition, faults.KindOf(err))

	at := time.Now().Add(300 * time.Millisecond)
	require.NoError(t, h.orch.Schedule(ctx, batch.ID, at.Format(time.RFC3339Nano)))
	b, err := h.orch.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusScheduled, b.Status)
	require.NotNil(t, b.ScheduledAt)

	h.waitStatus(t, batch.ID, models.BatchStatusCompleted)
	assert.Equal(t, []string{"scheduled"}, h.exec.executed())
}

func TestCancelScheduledBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.orch.Start(ctx))
	batch := h.create(t, models.ExecutionModeSequential, 0, "never")

	require.NoError(t, h.orch.Schedule(ctx, batch.ID, time.Now().Add(200*time.Millisecond).Format(time.RFC3339Nano)))
	state, err := h.orch.Cancel(ctx, batch.ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, models.BatchStatusCancelled, state.Status)
	assert.NotNil(t, state.CancelledAt)

	persisted, err := h.orch.GetExecutionState(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCancelled, persisted.Status)

	time.Sleep(400 * time.Millisecond)
	b, err := h.orch.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCancelled, b.Status)
	assert.Empty(t, h.exec.executed())
}

func TestCancelDuringRetryBackoffReleasesRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := queue.NewDefaultConfig()
	cfg.RetryBaseDelay = 30 * time.Second
	cfg.RetryMaxDelay = 30 * time.Second
	h.queue = queue.NewQueue(h.storage.JobStorage(), h.events, arbor.NewLogger(), cfg)
	h.orch = h.newOrchestrator(t, h.exec)

	batch := h.create(t, models.ExecutionModeSequential, 2, "first fail", "second")
	_, err := h.orch.Execute(ctx, batch.ID, ExecuteOptions{})
	require.NoError(t, err)

	// The first attempt fails and the run waits out its retry
	require.Eventually(t, func() bool {
		prompts := h.prompts(t, batch.ID)
		return prompts[0].Status == models.PromptStatusPending && prompts[0].Error != ""
	}, 5*time.Second, 5*time.Millisecond)

	_, err = h.orch.Cancel(ctx, batch.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !h.orch.active(batch.ID) }, time.Second, 5*time.Millisecond,
		"run still registered after cancel")

	_, err = h.orch.Execute(ctx, batch.ID, ExecuteOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.exec.executed()) >= 2 }, 5*time.Second, 5*time.Millisecond,
		"restarted run never leased the first prompt")
	assert.Equal(t, []string{"first fail", "first fail"}, h.exec.executed()[:2])
}

func TestStartResumesInterruptedRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exec.gate("slow")
	batch := h.create(t, models.ExecutionModeSequential, 0, "slow", "next")

	_, err := h.orch.Execute(ctx, batch.ID, ExecuteOptions{})
	require.NoError(t, err)
	<-h.exec.started

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Stop(stopCtx))

	b, err := h.orch.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusRunning, b.Status)
	first := h.prompts(t, batch.ID)[0]
	job, err := h.queue.Get(ctx, first.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, 0, job.CurrentRetries)

	// A fresh process picks the run up from the persisted state
	exec := newPromptExecutor()
	restarted := h.newOrchestrator(t, exec)
	require.NoError(t, restarted.Start(ctx))
	h.orch = restarted

	h.waitStatus(t, batch.ID, models.BatchStatusCompleted)
	assert.Equal(t, []string{"slow", "next"}, exec.executed())
}

func TestOnceSchedule(t *testing.T) {
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := once{at: at}
	assert.Equal(t, at, s.Next(at.Add(-time.Hour)))
	assert.True(t, s.Next(at).IsZero())
	assert.True(t, s.Next(at.Add(time.Second)).IsZero())
}

func TestConcurrencyBounds(t *testing.T) {
	o := &Orchestrator{config: testConfig()}
	assert.Equal(t, 1, o.concurrency(models.ExecutionModeSequential, 8, 8, 10))
	assert.Equal(t, 3, o.concurrency(models.ExecutionModeParallel, 0, 0, 10))
	assert.Equal(t, 5, o.concurrency(models.ExecutionModeParallel, 0, 5, 10))
	assert.Equal(t, 10, o.concurrency(models.ExecutionModeParallel, 50, 0, 20))
	assert.Equal(t, 2, o.concurrency(models.ExecutionModeParallel, 8, 0, 2))
}
