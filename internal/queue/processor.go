package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promptrelay/internal/common"
	"github.com/ternarybob/promptrelay/internal/faults"
	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
)

// Processor is a pool of workers that lease jobs and dispatch them to the
// executor registered for their type.
type Processor struct {
	queue     *Queue
	logger    arbor.ILogger
	config    Config
	filter    interfaces.JobFilter
	mu        sync.RWMutex
	executors map[models.JobType]interfaces.JobExecutor

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewProcessor creates a processor over the queue. It only leases jobs that
// belong to no batch; batch jobs are drained by the batch orchestrator.
func NewProcessor(queue *Queue, logger arbor.ILogger) *Processor {
	return &Processor{
		queue:     queue,
		logger:    logger,
		config:    queue.Config(),
		filter:    interfaces.JobFilter{Unbatched: true},
		executors: make(map[models.JobType]interfaces.JobExecutor),
	}
}

// RegisterExecutor registers the executor for its job type
func (p *Processor) RegisterExecutor(executor interfaces.JobExecutor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executors[executor.GetJobType()] = executor
	p.logger.Debug().Str("job_type", string(executor.GetJobType())).Msg("Job executor registered")
}

// Executor returns the executor for a job type
func (p *Processor) Executor(jobType models.JobType) (interfaces.JobExecutor, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.executors[jobType]
	return e, ok
}

// Start launches the worker goroutines
func (p *Processor) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.running = true
	p.mu.Unlock()

	p.logger.Info().Int("concurrency", p.config.Concurrency).Msg("Starting job processor")

	for i := 0; i < p.config.Concurrency; i++ {
		workerID := fmt.Sprintf("processor-%d", i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker(p.ctx, workerID)
		}()
	}
}

// Stop cancels the workers and waits for in-flight jobs to return
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	p.logger.Info().Msg("Stopping job processor")
	cancel()
	p.wg.Wait()
}

func (p *Processor) worker(ctx context.Context, workerID string) {
	p.logger.Debug().Str("worker_id", workerID).Msg("Worker started")
	for {
		if ctx.Err() != nil {
			p.logger.Debug().Str("worker_id", workerID).Msg("Worker stopped")
			return
		}

		wait := p.config.PollInterval
		worked, err := p.ProcessNext(ctx, workerID)
		switch {
		case err != nil:
			p.logger.Warn().Err(err).Str("worker_id", workerID).Msg("Queue error, backing off")
			wait = p.config.ErrorBackoff
		case worked:
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
}

// ProcessNext leases and handles one job. worked is false when no job was
// eligible.
func (p *Processor) ProcessNext(ctx context.Context, workerID string) (worked bool, err error) {
	job, err := p.queue.Lease(ctx, p.filter, workerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	p.Handle(ctx, job, workerID)
	return true, nil
}

// Handle executes a leased job and records the outcome on the queue
func (p *Processor) Handle(ctx context.Context, job *models.Job, workerID string) {
	start := time.Now()
	result, execErr := p.Execute(ctx, job)
	duration := time.Since(start)

	// Bookkeeping must land even when the processor is stopping
	bookCtx := context.WithoutCancel(ctx)

	if execErr == nil {
		if _, err := p.queue.Complete(bookCtx, job.ID); err != nil {
			p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to complete job")
			return
		}
		p.logger.Info().
			Str("job_id", job.ID).
			Str("job_type", string(job.Type)).
			Str("worker_id", workerID).
			Bool("recovered", result.Recovered).
			Dur("duration", duration).
			Msg("Job completed successfully")
		return
	}

	if ctx.Err() != nil {
		if _, err := p.queue.Requeue(bookCtx, job.ID); err != nil {
			p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to requeue interrupted job")
		}
		return
	}

	if _, err := p.queue.Fail(bookCtx, job.ID, execErr); err != nil && !errors.Is(err, faults.ErrMaxRetriesExhausted) {
		p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record job failure")
	}
}

// Execute runs the job's executor under the job timeout with panic recovery.
// A failed result is returned as an error.
func (p *Processor) Execute(ctx context.Context, job *models.Job) (models.Result, error) {
	executor, ok := p.Executor(job.Type)
	if !ok {
		err := faults.New(faults.KindJobTypeUnknown, faults.CategorySystem, "no executor registered for job type %q", job.Type)
		p.logger.Error().Str("job_id", job.ID).Str("job_type", string(job.Type)).Msg("No executor registered for job type")
		return models.Failed(err), err
	}
	if err := executor.Validate(job); err != nil {
		err = faults.Wrap(err, faults.KindPrecondition, faults.CategorySystem, "invalid job %s", job.ID)
		return models.Failed(err), err
	}

	timeout := p.config.JobTimeout
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		result models.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := faults.New(faults.KindUnknown, faults.CategorySystem, "executor panic: %v", r)
				p.logger.Error().
					Str("job_id", job.ID).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", common.StackTrace()).
					Msg("Recovered from executor panic")
				done <- outcome{result: models.Failed(err), err: err}
			}
		}()
		result, err := executor.Execute(execCtx, job)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil && !out.result.Success {
			out.err = out.result.Err()
		}
		return out.result, out.err
	case <-execCtx.Done():
		err := faults.Wrap(execCtx.Err(), faults.KindOperationTimeout, faults.CategorySystem,
			"job %s exceeded %s", job.ID, timeout)
		if ctx.Err() != nil {
			err = faults.Wrap(ctx.Err(), faults.KindUnknown, faults.CategorySystem, "job %s interrupted", job.ID)
		}
		return models.Failed(err), err
	}
}
