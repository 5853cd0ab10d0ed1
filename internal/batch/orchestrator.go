// -----------------------------------------------------------------------
// Batch Orchestrator - Expands batches into jobs and drives their runs
// -----------------------------------------------------------------------

// Package batch owns the batch-level state machine. It expands a batch of
// prompts into queue jobs, runs batch-scoped workers in sequential or
// parallel mode and keeps the resumable ExecutionState current.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promptrelay/internal/common"
	"github.com/ternarybob/promptrelay/internal/faults"
	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
	"github.com/ternarybob/promptrelay/internal/queue"
)

// JobRunner executes one leased job. *queue.Processor satisfies it.
type JobRunner interface {
	Execute(ctx context.Context, job *models.Job) (models.Result, error)
}

// PlatformSelector resolves the target platform of prompts that name none.
// *platform.Manager satisfies it.
type PlatformSelector interface {
	Platform(name string) (models.PlatformConfig, bool)
	GetOptimalPlatform(req models.PlatformRequirements) (string, error)
}

// ExecuteOptions override the batch's stored execution settings
type ExecuteOptions struct {
	Mode           models.ExecutionMode
	MaxConcurrency int
}

// Orchestrator implements execute, pause, resume, cancel and schedule for
// batches.
type Orchestrator struct {
	batches   interfaces.BatchStorage
	states    interfaces.ExecutionStateStorage
	queue     *queue.Queue
	runner    JobRunner
	platforms PlatformSelector
	events    interfaces.EventService
	logger    arbor.ILogger
	config    Config
	validate  *validator.Validate
	now       func() time.Time

	// execMu serializes Execute so two calls cannot both start a run
	execMu sync.Mutex
	// stateMu orders execution state writes with their progress events
	stateMu sync.Mutex

	mu   sync.Mutex
	runs map[string]*run

	cron      *cron.Cron
	schedMu   sync.Mutex
	scheduled map[string]cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates a batch orchestrator. platforms and events may be
// nil; without platforms every prompt must name its platform.
func NewOrchestrator(
	storage interfaces.StorageManager,
	q *queue.Queue,
	runner JobRunner,
	platforms PlatformSelector,
	events interfaces.EventService,
	logger arbor.ILogger,
	config Config,
) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		batches:   storage.BatchStorage(),
		states:    storage.ExecutionStateStorage(),
		queue:     q,
		runner:    runner,
		platforms: platforms,
		events:    events,
		logger:    logger,
		config:    config,
		validate:  validator.New(),
		now:       time.Now,
		runs:      make(map[string]*run),
		cron:      cron.New(),
		scheduled: make(map[string]cron.EntryID),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetClock replaces the time source used for timestamps
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// Start re-arms persisted schedules and resumes runs interrupted by a
// restart. Jobs left running by the previous process must already have been
// requeued.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.cron.Start()

	batches, err := o.batches.ListBatches(ctx)
	if err != nil {
		return fmt.Errorf("failed to list batches: %w", err)
	}

	for _, b := range batches {
		switch b.Status {
		case models.BatchStatusScheduled:
			if b.ScheduledAt == nil {
				continue
			}
			if !b.ScheduledAt.After(o.now()) {
				o.logger.Info().Str("batch_id", b.ID).Msg("Schedule elapsed while stopped, executing now")
				id := b.ID
				common.SafeGo(o.logger, "batch-schedule", func() { o.fire(id) })
				continue
			}
			o.arm(b.ID, *b.ScheduledAt)
		case models.BatchStatusRunning, models.BatchStatusPaused:
			state, err := o.states.GetExecutionState(ctx, b.ID)
			if err != nil {
				o.logger.Warn().Err(err).Str("batch_id", b.ID).Msg("Cannot resume batch without execution state")
				continue
			}
			o.logger.Info().
				Str("batch_id", b.ID).
				Str("status", string(b.Status)).
				Int("step", state.Progress.CurrentStep).
				Int("total", state.Progress.TotalSteps).
				Msg("Resuming batch run")
			o.launch(b, state)
		}
	}
	return nil
}

// Stop halts schedules and workers. Jobs in flight are requeued so the next
// Start picks the runs up where they stopped.
func (o *Orchestrator) Stop(ctx context.Context) error {
	cronCtx := o.cron.Stop()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		<-cronCtx.Done()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info().Msg("Batch orchestrator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("batch orchestrator stop: %w", ctx.Err())
	}
}

// ====== INTERFACE METHODS ======

// CreateBatch persists a new pending batch with one prompt per text, in order
func (o *Orchestrator) CreateBatch(ctx context.Context, req models.CreateBatchRequest) (*models.Batch, []*models.Prompt, error) {
	if err := o.validate.Struct(req); err != nil {
		return nil, nil, faults.Wrap(err, faults.KindPrecondition, faults.CategoryAPI, "invalid batch")
	}
	if req.Platform != "" && o.platforms != nil {
		if _, ok := o.platforms.Platform(req.Platform); !ok {
			return nil, nil, faults.New(faults.KindPlatformIncompatible, faults.CategoryAPI, "unknown platform %q", req.Platform)
		}
	}

	mode := req.ExecutionMode
	if mode == "" {
		mode = models.ExecutionModeSequential
	}
	maxRetries := o.config.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	now := o.now()
	batch := &models.Batch{
		ID:             common.NewBatchID(),
		Name:           req.Name,
		Platform:       req.Platform,
		Status:         models.BatchStatusPending,
		ExecutionMode:  mode,
		MaxConcurrency: req.MaxConcurrency,
		MaxRetries:     maxRetries,
		TotalPrompts:   len(req.Prompts),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.batches.SaveBatch(ctx, batch); err != nil {
		return nil, nil, err
	}

	prompts := make([]*models.Prompt, 0, len(req.Prompts))
	for i, text := range req.Prompts {
		prompt := &models.Prompt{
			ID:             common.NewPromptID(),
			BatchID:        batch.ID,
			Text:           text,
			ExecutionOrder: i + 1,
			Status:         models.PromptStatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := o.batches.SavePrompt(ctx, prompt); err != nil {
			return nil, nil, err
		}
		prompts = append(prompts, prompt)
	}

	o.logger.Info().
		Str("batch_id", batch.ID).
		Str("name", batch.Name).
		Int("prompts", len(prompts)).
		Msg("Batch created")
	return batch, prompts, nil
}

// GetBatch returns a batch by ID
func (o *Orchestrator) GetBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	return o.batches.GetBatch(ctx, batchID)
}

// ListBatches returns every batch
func (o *Orchestrator) ListBatches(ctx context.Context) ([]*models.Batch, error) {
	return o.batches.ListBatches(ctx)
}

// ListPrompts returns the prompts of a batch ordered by execution order
func (o *Orchestrator) ListPrompts(ctx context.Context, batchID string) ([]*models.Prompt, error) {
	return o.batches.ListPrompts(ctx, batchID)
}

// Execute expands the batch into one job per prompt and starts its workers.
// A batch that already ran is restarted from scratch; its previous jobs are
// removed.
func (o *Orchestrator) Execute(ctx context.Context, batchID string, opts ExecuteOptions) (*models.ExecutionState, error) {
	o.execMu.Lock()
	defer o.execMu.Unlock()

	batch, err := o.batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status == models.BatchStatusRunning || batch.Status == models.BatchStatusPaused {
		return nil, faults.New(faults.KindPrecondition, faults.CategorySystem, "batch %s is already %s", batchID, batch.Status)
	}
	if o.active(batchID) {
		return nil, faults.New(faults.KindPrecondition, faults.CategorySystem, "batch %s is still winding down its previous run", batchID)
	}

	prompts, err := o.batches.ListPrompts(ctx, batchID)
	if err != nil {
		return nil, err
	}

	mode := opts.Mode
	if mode == "" {
		mode = batch.ExecutionMode
	}
	if mode == "" {
		mode = models.ExecutionModeSequential
	}
	workers := o.concurrency(mode, opts.MaxConcurrency, batch.MaxConcurrency, len(prompts))

	if err := o.clearJobs(ctx, batchID); err != nil {
		return nil, err
	}

	logger := o.logger.WithCorrelationId(batchID)
	now := o.now()
	runID := common.NewRunID()

	for i, prompt := range prompts {
		platformName, err := o.resolvePlatform(prompt, batch)
		if err != nil {
			o.abortEnqueue(ctx, batchID)
			return nil, err
		}

		priority := 100
		if mode == models.ExecutionModeSequential {
			priority = len(prompts) - i
		}

		job, err := o.queue.Enqueue(ctx, queue.EnqueueRequest{
			Type: models.JobTypePromptSubmission,
			Payload: models.NewPromptSubmissionPayload(models.PromptSubmissionPayload{
				BatchID:  batchID,
				PromptID: prompt.ID,
				Platform: platformName,
				Prompt:   prompt.Text,
			}),
			Priority:   priority,
			MaxRetries: queue.Retries(batch.MaxRetries),
			BatchID:    batchID,
		})
		if err != nil {
			o.abortEnqueue(ctx, batchID)
			return nil, fmt.Errorf("failed to enqueue prompt %s: %w", prompt.ID, err)
		}

		prompt.JobID = job.ID
		prompt.Status = models.PromptStatusPending
		prompt.Attempts = 0
		prompt.Result = ""
		prompt.ResultData = nil
		prompt.Error = ""
		prompt.UpdatedAt = now
		if err := o.batches.SavePrompt(ctx, prompt); err != nil {
			o.abortEnqueue(ctx, batchID)
			return nil, err
		}
	}

	o.unschedule(batchID)

	o.stateMu.Lock()
	state := &models.ExecutionState{
		BatchID:   batchID,
		RunID:     runID,
		Status:    models.BatchStatusRunning,
		Progress:  models.NewExecutionProgress(0, len(prompts)),
		Pending:   len(prompts),
		StartTime: &now,
		UpdatedAt: now,
	}
	if err := o.states.SaveExecutionState(ctx, state); err != nil {
		o.stateMu.Unlock()
		o.abortEnqueue(ctx, batchID)
		return nil, err
	}
	batch, err = o.batches.UpdateBatch(ctx, batchID, func(b *models.Batch) error {
		b.Status = models.BatchStatusRunning
		b.ExecutionMode = mode
		b.MaxConcurrency = workers
		b.TotalPrompts = len(prompts)
		b.Succeeded = 0
		b.Failed = 0
		b.ScheduledAt = nil
		b.StartedAt = &now
		b.CompletedAt = nil
		return nil
	})
	if err != nil {
		o.stateMu.Unlock()
		o.abortEnqueue(ctx, batchID)
		return nil, err
	}
	o.publish(ctx, state)
	o.stateMu.Unlock()

	logger.Info().
		Str("batch_id", batchID).
		Str("run_id", runID).
		Str("mode", string(mode)).
		Int("workers", workers).
		Int("prompts", len(prompts)).
		Msg("Batch execution started")

	if len(prompts) == 0 {
		o.finalize(ctx, &run{id: runID, batchID: batchID, mode: mode, total: 0})
	} else {
		o.launch(batch, state)
	}

	return o.states.GetExecutionState(ctx, batchID)
}

// Pause stops new leases for the batch. Jobs in flight finish.
func (o *Orchestrator) Pause(ctx context.Context, batchID string) (*models.ExecutionState, error) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()

	now := o.now()
	state, err := o.states.UpdateExecutionState(ctx, batchID, func(s *models.ExecutionState) error {
		if s.Status != models.BatchStatusRunning {
			return faults.New(faults.KindPrecondition, faults.CategorySystem, "cannot pause batch %s while %s", batchID, s.Status)
		}
		s.PausedAt = &now
		s.Status = models.BatchStatusPaused
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := o.setBatchStatus(ctx, batchID, models.BatchStatusPaused); err != nil {
		return nil, err
	}
	o.publish(ctx, state)
	o.wakeRun(batchID)

	o.logger.Info().Str("batch_id", batchID).Msg("Batch paused")
	return state, nil
}

// Resume clears the pause marker; workers continue with the remaining
// pending jobs.
func (o *Orchestrator) Resume(ctx context.Context, batchID string) (*models.ExecutionState, error) {
	o.stateMu.Lock()
	state, err := o.states.UpdateExecutionState(ctx, batchID, func(s *models.ExecutionState) error {
		if s.Status != models.BatchStatusPaused {
			return faults.New(faults.KindPrecondition, faults.CategorySystem, "cannot resume batch %s while %s", batchID, s.Status)
		}
		s.PausedAt = nil
		s.Status = models.BatchStatusRunning
		return nil
	})
	if err != nil {
		o.stateMu.Unlock()
		return nil, err
	}
	if err := o.setBatchStatus(ctx, batchID, models.BatchStatusRunning); err != nil {
		o.stateMu.Unlock()
		return nil, err
	}
	o.publish(ctx, state)
	o.stateMu.Unlock()

	if !o.active(batchID) {
		batch, err := o.batches.GetBatch(ctx, batchID)
		if err != nil {
			return nil, err
		}
		o.launch(batch, state)
	}

	o.logger.Info().Str("batch_id", batchID).Msg("Batch resumed")
	return state, nil
}

// Cancel marks the batch and its unfinished jobs cancelled. A scheduled
// batch loses its schedule.
func (o *Orchestrator) Cancel(ctx context.Context, batchID string) (*models.ExecutionState, error) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()

	batch, err := o.batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	switch batch.Status {
	case models.BatchStatusRunning, models.BatchStatusPaused, models.BatchStatusScheduled:
	default:
		return nil, faults.New(faults.KindPrecondition, faults.CategorySystem, "cannot cancel batch %s while %s", batchID, batch.Status)
	}

	o.unschedule(batchID)
	now := o.now()

	state, err := o.states.UpdateExecutionState(ctx, batchID, func(s *models.ExecutionState) error {
		s.CancelledAt = &now
		s.Status = models.BatchStatusCancelled
		s.EndTime = &now
		s.EstimatedCompletion = nil
		return nil
	})
	if errors.Is(err, interfaces.ErrNotFound) {
		// Scheduled batches that never ran have no state yet
		state = &models.ExecutionState{
			BatchID:     batchID,
			Status:      models.BatchStatusCancelled,
			Progress:    models.NewExecutionProgress(0, batch.TotalPrompts),
			CancelledAt: &now,
			EndTime:     &now,
			UpdatedAt:   now,
		}
		err = o.states.SaveExecutionState(ctx, state)
	}
	if err != nil {
		return nil, err
	}
	o.wakeRun(batchID)

	cancelled, err := o.queue.Cancel(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel batch jobs: %w", err)
	}
	o.cancelPrompts(ctx, batchID)

	if _, err := o.batches.UpdateBatch(ctx, batchID, func(b *models.Batch) error {
		b.Status = models.BatchStatusCancelled
		b.ScheduledAt = nil
		b.CompletedAt = &now
		return nil
	}); err != nil {
		return nil, err
	}
	o.publish(ctx, state)

	o.logger.Info().Str("batch_id", batchID).Int("jobs_cancelled", cancelled).Msg("Batch cancelled")
	return state, nil
}

// GetExecutionState returns the persisted progress record of a batch
func (o *Orchestrator) GetExecutionState(ctx context.Context, batchID string) (*models.ExecutionState, error) {
	return o.states.GetExecutionState(ctx, batchID)
}

// Subscribe calls callback with every progress update of the batch, in
// order. The returned function removes the subscription.
func (o *Orchestrator) Subscribe(batchID string, callback func(models.ExecutionState)) (func(), error) {
	if o.events == nil {
		return nil, errors.New("progress events are not enabled")
	}
	return o.events.Subscribe(interfaces.EventBatchProgress, func(ctx context.Context, event interfaces.Event) error {
		progress, ok := event.Payload.(models.BatchProgressEvent)
		if !ok || progress.BatchID != batchID {
			return nil
		}
		callback(progress.State)
		return nil
	})
}

// Handle validates a batch execution request and dispatches its action
func (o *Orchestrator) Handle(ctx context.Context, req models.BatchExecutionRequest) (*models.ExecutionState, error) {
	if err := o.validate.Struct(req); err != nil {
		return nil, faults.Wrap(err, faults.KindPrecondition, faults.CategoryAPI, "invalid batch execution request")
	}

	switch req.Action {
	case models.BatchActionExecute:
		return o.Execute(ctx, req.BatchID, ExecuteOptions{Mode: req.ExecutionMode, MaxConcurrency: req.MaxConcurrency})
	case models.BatchActionPause:
		return o.Pause(ctx, req.BatchID)
	case models.BatchActionResume:
		return o.Resume(ctx, req.BatchID)
	case models.BatchActionCancel:
		return o.Cancel(ctx, req.BatchID)
	case models.BatchActionSchedule:
		if err := o.Schedule(ctx, req.BatchID, req.ScheduledTime); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return nil, faults.New(faults.KindPrecondition, faults.CategoryAPI, "unknown batch action %q", req.Action)
}

// -----------------------------------------------------------------------

func (o *Orchestrator) concurrency(mode models.ExecutionMode, requested, stored, prompts int) int {
	if mode != models.ExecutionModeParallel {
		return 1
	}
	workers := requested
	if workers <= 0 {
		workers = stored
	}
	if workers <= 0 {
		workers = o.config.DefaultMaxConcurrency
	}
	if o.config.MaxConcurrencyCap > 0 && workers > o.config.MaxConcurrencyCap {
		workers = o.config.MaxConcurrencyCap
	}
	if prompts > 0 && workers > prompts {
		workers = prompts
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

func (o *Orchestrator) resolvePlatform(prompt *models.Prompt, batch *models.Batch) (string, error) {
	if prompt.Platform != "" {
		return prompt.Platform, nil
	}
	if batch.Platform != "" {
		return batch.Platform, nil
	}
	if o.platforms == nil {
		return "", faults.New(faults.KindPrecondition, faults.CategorySystem, "prompt %s names no platform", prompt.ID)
	}
	name, err := o.platforms.GetOptimalPlatform(models.PlatformRequirements{PrioritizeReliability: true})
	if err != nil {
		return "", err
	}
	// Pin the choice so every prompt of the run targets the same platform
	batch.Platform = name
	return name, nil
}

// clearJobs removes the jobs of a previous run so queue stats describe the
// new run only.
func (o *Orchestrator) clearJobs(ctx context.Context, batchID string) error {
	jobs, err := o.queue.List(ctx, &interfaces.JobListOptions{BatchID: batchID})
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if !job.Status.IsTerminal() {
			return faults.New(faults.KindPrecondition, faults.CategorySystem,
				"batch %s still has %s job %s", batchID, job.Status, job.ID)
		}
	}
	for _, job := range jobs {
		if err := o.queue.Delete(ctx, job.ID); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) abortEnqueue(ctx context.Context, batchID string) {
	if _, err := o.queue.Cancel(context.WithoutCancel(ctx), batchID); err != nil {
		o.logger.Warn().Err(err).Str("batch_id", batchID).Msg("Failed to roll back enqueued jobs")
	}
}

func (o *Orchestrator) cancelPrompts(ctx context.Context, batchID string) {
	prompts, err := o.batches.ListPrompts(ctx, batchID)
	if err != nil {
		o.logger.Warn().Err(err).Str("batch_id", batchID).Msg("Failed to list prompts for cancel")
		return
	}
	for _, prompt := range prompts {
		if prompt.Status != models.PromptStatusPending && prompt.Status != models.PromptStatusRunning {
			continue
		}
		prompt.Status = models.PromptStatusCancelled
		prompt.UpdatedAt = o.now()
		if err := o.batches.SavePrompt(ctx, prompt); err != nil {
			o.logger.Warn().Err(err).Str("prompt_id", prompt.ID).Msg("Failed to cancel prompt")
		}
	}
}

func (o *Orchestrator) setBatchStatus(ctx context.Context, batchID string, status models.BatchStatus) error {
	_, err := o.batches.UpdateBatch(ctx, batchID, func(b *models.Batch) error {
		b.Status = status
		return nil
	})
	return err
}

func (o *Orchestrator) active(batchID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[batchID]
	return ok
}

// publish must be called with stateMu held
func (o *Orchestrator) publish(ctx context.Context, state *models.ExecutionState) {
	if o.events == nil || state == nil {
		return
	}
	event := interfaces.Event{
		Type:    interfaces.EventBatchProgress,
		Payload: models.BatchProgressEvent{BatchID: state.BatchID, State: *state},
	}
	if err := o.events.PublishSync(context.WithoutCancel(ctx), event); err != nil {
		o.logger.Debug().Err(err).Str("batch_id", state.BatchID).Msg("Progress subscriber failed")
	}
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "batch_")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
