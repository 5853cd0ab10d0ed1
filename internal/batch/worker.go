package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
)

var errStaleRun = errors.New("execution state belongs to another run")

// run is one execute call of a batch
type run struct {
	id      string
	batchID string
	mode    models.ExecutionMode
	workers int
	total   int
	done    chan struct{}
	wake    chan struct{}
}

// launch starts the batch-scoped workers of a run and finalizes the batch
// once they drain its jobs.
func (o *Orchestrator) launch(batch *models.Batch, state *models.ExecutionState) {
	workers := batch.MaxConcurrency
	if batch.ExecutionMode != models.ExecutionModeParallel || workers < 1 {
		workers = 1
	}
	r := &run{
		id:      state.RunID,
		batchID: batch.ID,
		mode:    batch.ExecutionMode,
		workers: workers,
		total:   state.Progress.TotalSteps,
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}

	o.mu.Lock()
	if _, exists := o.runs[batch.ID]; exists {
		o.mu.Unlock()
		return
	}
	o.runs[batch.ID] = r
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(r.done)

		g, ctx := errgroup.WithContext(o.ctx)
		for i := 0; i < r.workers; i++ {
			workerID := fmt.Sprintf("batch-%s-%d", shortID(r.batchID), i)
			g.Go(func() error {
				return o.worker(ctx, r, workerID)
			})
		}
		err := g.Wait()

		o.mu.Lock()
		if o.runs[r.batchID] == r {
			delete(o.runs, r.batchID)
		}
		o.mu.Unlock()

		if o.ctx.Err() != nil {
			o.logger.Info().Str("batch_id", r.batchID).Msg("Batch run interrupted by shutdown")
			return
		}
		if err != nil {
			o.logger.Error().Err(err).Str("batch_id", r.batchID).Msg("Batch workers stopped with error")
		}
		o.finalize(context.Background(), r)
	}()
}

// worker leases only the run's batch jobs. It checks the pause and cancel
// markers before every lease and returns once no job is pending or running.
func (o *Orchestrator) worker(ctx context.Context, r *run, workerID string) error {
	logger := o.logger.WithCorrelationId(r.batchID)
	logger.Debug().Str("worker_id", workerID).Msg("Batch worker started")
	defer logger.Debug().Str("worker_id", workerID).Msg("Batch worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		state, err := o.states.GetExecutionState(ctx, r.batchID)
		if err != nil {
			logger.Warn().Err(err).Str("worker_id", workerID).Msg("Failed to read execution state")
			if !o.sleep(ctx, o.config.PollInterval) {
				return nil
			}
			continue
		}
		if state.RunID != r.id || state.IsCancelled() || state.Status.IsTerminal() {
			return nil
		}
		if state.IsPaused() {
			if !o.sleep(ctx, o.config.PollInterval) {
				return nil
			}
			continue
		}

		job, err := o.queue.Lease(ctx, interfaces.JobFilter{BatchID: r.batchID}, workerID)
		if err != nil {
			logger.Warn().Err(err).Str("worker_id", workerID).Msg("Lease failed")
			if !o.sleep(ctx, o.config.PollInterval) {
				return nil
			}
			continue
		}
		if job == nil {
			stats, err := o.queue.Stats(ctx, r.batchID)
			if err == nil && stats.Pending == 0 && stats.Running == 0 {
				return nil
			}
			if !o.sleep(ctx, o.config.PollInterval) {
				return nil
			}
			continue
		}

		retryAt := o.runJob(ctx, r, job, workerID)

		// Sequential runs wait for the retry instead of moving on to the next
		// prompt, which keeps leases in execution order.
		if retryAt != nil && r.mode != models.ExecutionModeParallel {
			if !o.waitForRetry(ctx, r, *retryAt) {
				return nil
			}
		}
	}
}

// runJob executes one leased job and books the outcome on the queue, the
// prompt and the execution state. It returns the retry time when the job
// went back to pending.
func (o *Orchestrator) runJob(ctx context.Context, r *run, job *models.Job, workerID string) *time.Time {
	logger := o.logger.WithCorrelationId(job.ID)
	promptID := ""
	if job.Payload.PromptSubmission != nil {
		promptID = job.Payload.PromptSubmission.PromptID
	}

	o.updatePrompt(ctx, promptID, func(p *models.Prompt) {
		p.Status = models.PromptStatusRunning
		p.JobID = job.ID
		p.Attempts++
	})

	jobCtx, cancel := ctx, context.CancelFunc(func() {})
	if o.config.JobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, o.config.JobTimeout)
	}
	start := time.Now()
	result, execErr := o.runner.Execute(jobCtx, job)
	cancel()
	elapsed := time.Since(start)

	bookCtx := context.WithoutCancel(ctx)

	if ctx.Err() != nil {
		if _, err := o.queue.Requeue(bookCtx, job.ID); err != nil {
			logger.Warn().Err(err).Msg("Failed to requeue interrupted job")
		}
		o.updatePrompt(bookCtx, promptID, func(p *models.Prompt) {
			p.Status = models.PromptStatusPending
		})
		return nil
	}

	if execErr == nil {
		if _, err := o.queue.Complete(bookCtx, job.ID); err != nil {
			logger.Warn().Err(err).Str("batch_id", r.batchID).Msg("Job finished after the batch was cancelled")
			o.updatePrompt(bookCtx, promptID, func(p *models.Prompt) {
				p.Status = models.PromptStatusCancelled
			})
			return nil
		}
		o.updatePrompt(bookCtx, promptID, func(p *models.Prompt) {
			p.Status = models.PromptStatusCompleted
			p.Result = result.String("response")
			p.ResultData = stringData(result.Data)
			p.Error = ""
		})
		logger.Info().
			Str("batch_id", r.batchID).
			Str("prompt_id", promptID).
			Str("worker_id", workerID).
			Dur("duration", elapsed).
			Msg("Prompt completed")
		o.recordProgress(bookCtx, r)
		return nil
	}

	failed, err := o.queue.Fail(bookCtx, job.ID, execErr)
	if failed == nil {
		logger.Warn().Err(err).Str("batch_id", r.batchID).Msg("Job failed after the batch was cancelled")
		o.updatePrompt(bookCtx, promptID, func(p *models.Prompt) {
			p.Status = models.PromptStatusCancelled
			p.Error = execErr.Error()
		})
		return nil
	}

	if failed.Status == models.JobStatusFailed {
		o.updatePrompt(bookCtx, promptID, func(p *models.Prompt) {
			p.Status = models.PromptStatusFailed
			p.Error = execErr.Error()
		})
		logger.Warn().
			Err(execErr).
			Str("batch_id", r.batchID).
			Str("prompt_id", promptID).
			Int("attempts", failed.CurrentRetries+1).
			Msg("Prompt failed")
		o.recordProgress(bookCtx, r)
		return nil
	}

	o.updatePrompt(bookCtx, promptID, func(p *models.Prompt) {
		p.Status = models.PromptStatusPending
		p.Error = execErr.Error()
	})
	o.recordProgress(bookCtx, r)
	return failed.ScheduledAt
}

// recordProgress recomputes counts from the queue and publishes the state.
// The step count never decreases within a run.
func (o *Orchestrator) recordProgress(ctx context.Context, r *run) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()

	stats, err := o.queue.Stats(ctx, r.batchID)
	if err != nil {
		o.logger.Warn().Err(err).Str("batch_id", r.batchID).Msg("Failed to compute batch progress")
		return
	}

	now := o.now()
	state, err := o.states.UpdateExecutionState(ctx, r.batchID, func(s *models.ExecutionState) error {
		if s.RunID != r.id || s.Status.IsTerminal() {
			return errStaleRun
		}
		done := stats.Completed + stats.Failed
		if done < s.Progress.CurrentStep {
			done = s.Progress.CurrentStep
		}
		s.Progress = models.NewExecutionProgress(done, s.Progress.TotalSteps)
		s.Succeeded = stats.Completed
		s.Failed = stats.Failed
		s.Pending = stats.Pending + stats.Running
		s.EstimatedCompletion = nil
		if done > 0 && done < s.Progress.TotalSteps && s.StartTime != nil {
			perStep := now.Sub(*s.StartTime) / time.Duration(done)
			eta := now.Add(perStep * time.Duration(s.Progress.TotalSteps-done))
			s.EstimatedCompletion = &eta
		}
		return nil
	})
	if errors.Is(err, errStaleRun) {
		return
	}
	if err != nil {
		o.logger.Warn().Err(err).Str("batch_id", r.batchID).Msg("Failed to update execution state")
		return
	}

	if _, err := o.batches.UpdateBatch(ctx, r.batchID, func(b *models.Batch) error {
		b.Succeeded = stats.Completed
		b.Failed = stats.Failed
		return nil
	}); err != nil {
		o.logger.Warn().Err(err).Str("batch_id", r.batchID).Msg("Failed to update batch counts")
	}
	o.publish(ctx, state)
}

// finalize moves a drained run to completed, or to failed when every job
// failed. Cancelled and superseded runs are left alone.
func (o *Orchestrator) finalize(ctx context.Context, r *run) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()

	stats, err := o.queue.Stats(ctx, r.batchID)
	if err != nil {
		o.logger.Error().Err(err).Str("batch_id", r.batchID).Msg("Failed to compute final batch counts")
		return
	}

	status := models.BatchStatusCompleted
	if r.total > 0 && stats.Completed == 0 {
		status = models.BatchStatusFailed
	}

	now := o.now()
	state, err := o.states.UpdateExecutionState(ctx, r.batchID, func(s *models.ExecutionState) error {
		if s.RunID != r.id || s.Status.IsTerminal() {
			return errStaleRun
		}
		s.Status = status
		s.Progress = models.NewExecutionProgress(s.Progress.TotalSteps, s.Progress.TotalSteps)
		s.Succeeded = stats.Completed
		s.Failed = stats.Failed
		s.Pending = 0
		s.EstimatedCompletion = nil
		s.EndTime = &now
		return nil
	})
	if errors.Is(err, errStaleRun) {
		return
	}
	if err != nil {
		o.logger.Error().Err(err).Str("batch_id", r.batchID).Msg("Failed to finalize execution state")
		return
	}

	if _, err := o.batches.UpdateBatch(ctx, r.batchID, func(b *models.Batch) error {
		b.Status = status
		b.Succeeded = stats.Completed
		b.Failed = stats.Failed
		b.CompletedAt = &now
		return nil
	}); err != nil {
		o.logger.Error().Err(err).Str("batch_id", r.batchID).Msg("Failed to finalize batch")
	}
	o.publish(ctx, state)

	o.logger.Info().
		Str("batch_id", r.batchID).
		Str("status", string(status)).
		Int("succeeded", stats.Completed).
		Int("failed", stats.Failed).
		Msg("Batch execution finished")
}

func (o *Orchestrator) updatePrompt(ctx context.Context, promptID string, mutate func(p *models.Prompt)) {
	if promptID == "" {
		return
	}
	prompt, err := o.batches.GetPrompt(ctx, promptID)
	if err != nil {
		o.logger.Warn().Err(err).Str("prompt_id", promptID).Msg("Failed to load prompt")
		return
	}
	mutate(prompt)
	prompt.UpdatedAt = o.now()
	if err := o.batches.SavePrompt(ctx, prompt); err != nil {
		o.logger.Warn().Err(err).Str("prompt_id", promptID).Msg("Failed to save prompt")
	}
}

// waitForRetry holds a sequential run until retryAt, re-reading the
// execution state every poll interval and whenever Pause or Cancel wakes
// the run. It returns early on pause; false means the run is over.
func (o *Orchestrator) waitForRetry(ctx context.Context, r *run, retryAt time.Time) bool {
	deadline := time.Now().Add(retryAt.Sub(o.now()))
	for {
		d := time.Until(deadline)
		if d <= 0 {
			return ctx.Err() == nil
		}
		if o.config.PollInterval > 0 && d > o.config.PollInterval {
			d = o.config.PollInterval
		}

		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-r.wake:
			t.Stop()
		case <-t.C:
		}

		state, err := o.states.GetExecutionState(ctx, r.batchID)
		if err != nil {
			continue
		}
		if state.RunID != r.id || state.IsCancelled() || state.Status.IsTerminal() {
			return false
		}
		if state.IsPaused() {
			return true
		}
	}
}

// wakeRun interrupts a run waiting out a retry backoff
func (o *Orchestrator) wakeRun(batchID string) {
	o.mu.Lock()
	r := o.runs[batchID]
	o.mu.Unlock()
	if r == nil {
		return
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// sleep waits d or until ctx ends; false means ctx ended
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func stringData(data map[string]any) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case string:
			if val != "" {
				out[k] = val
			}
		case fmt.Stringer:
			out[k] = val.String()
		case int, int64, float64, bool:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
