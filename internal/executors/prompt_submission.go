// -----------------------------------------------------------------------
// Prompt Submission Executor - submits one prompt to a platform and extracts the result
// -----------------------------------------------------------------------

package executors

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promptrelay/internal/common"
	"github.com/ternarybob/promptrelay/internal/faults"
	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
	"github.com/ternarybob/promptrelay/internal/platform"
	"github.com/ternarybob/promptrelay/internal/recovery"
)

// PromptSubmissionExecutor drives submit, wait and extract on a leased
// platform adapter and records an execution metric for every attempt.
type PromptSubmissionExecutor struct {
	platforms         *platform.Manager
	metrics           interfaces.MetricsStorage
	completionTimeout time.Duration
	recovery          *recovery.Service
	retry             recovery.RetryConfig
	logger            arbor.ILogger
}

// Compile-time assertion: PromptSubmissionExecutor implements JobExecutor
var _ interfaces.JobExecutor = (*PromptSubmissionExecutor)(nil)

// NewPromptSubmissionExecutor creates the executor. metrics may be nil.
func NewPromptSubmissionExecutor(platforms *platform.Manager, metrics interfaces.MetricsStorage, completionTimeout time.Duration, logger arbor.ILogger) *PromptSubmissionExecutor {
	if completionTimeout <= 0 {
		completionTimeout = 3 * time.Minute
	}
	return &PromptSubmissionExecutor{
		platforms:         platforms,
		metrics:           metrics,
		completionTimeout: completionTimeout,
		logger:            logger,
	}
}

// WithRecovery guards every attempt with the platform's circuit breaker.
// Attempts are never retried here; the queue owns the retry budget.
func (e *PromptSubmissionExecutor) WithRecovery(service *recovery.Service, retry recovery.RetryConfig) *PromptSubmissionExecutor {
	retry.MaxAttempts = 1
	e.recovery = service
	e.retry = retry
	return e
}

// ============================================================================
// INTERFACE METHODS
// ============================================================================

func (e *PromptSubmissionExecutor) GetJobType() models.JobType {
	return models.JobTypePromptSubmission
}

func (e *PromptSubmissionExecutor) Validate(job *models.Job) error {
	if job.Type != models.JobTypePromptSubmission {
		return fmt.Errorf("invalid job type: expected %s, got %s", models.JobTypePromptSubmission, job.Type)
	}
	if err := job.Payload.Validate(); err != nil {
		return err
	}
	if _, ok := e.platforms.Platform(job.Payload.PromptSubmission.Platform); !ok {
		return fmt.Errorf("unknown platform %q", job.Payload.PromptSubmission.Platform)
	}
	_, err := scopeFrom(job.Payload.PromptSubmission.Params)
	return err
}

func (e *PromptSubmissionExecutor) Execute(ctx context.Context, job *models.Job) (models.Result, error) {
	payload := job.Payload.PromptSubmission
	correlation := job.BatchID
	if correlation == "" {
		correlation = job.ID
	}
	jobLogger := e.logger.WithCorrelationId(correlation)

	if e.recovery == nil {
		return e.attempt(ctx, job, jobLogger)
	}
	var last models.Result
	_, err := recovery.ExecuteWithRetry(ctx, e.recovery, func(ctx context.Context) (models.Result, error) {
		var err error
		last, err = e.attempt(ctx, job, jobLogger)
		return last, err
	}, e.retry, recovery.OpContext{Service: BreakerKey(payload.Platform), Operation: models.WorkflowSubmitPrompt, JobID: job.ID})
	if err != nil && faults.KindOf(err) == faults.KindCircuitOpen {
		return models.Failed(err), err
	}
	return last, err
}

// BreakerKey names the circuit breaker guarding submissions to a platform
func BreakerKey(platformName string) string {
	return "platform:" + platformName
}

func (e *PromptSubmissionExecutor) attempt(ctx context.Context, job *models.Job, jobLogger arbor.ILogger) (models.Result, error) {
	payload := job.Payload.PromptSubmission

	scope, err := scopeFrom(payload.Params)
	if err != nil {
		return models.Failed(err), err
	}

	start := time.Now()
	adapter, err := e.platforms.GetAdapter(ctx, payload.Platform)
	if err != nil {
		e.record(ctx, job, "", time.Since(start), models.Failed(err))
		return models.Failed(err), err
	}

	text := common.Interpolate(payload.Prompt, scope, jobLogger)
	result := e.run(ctx, adapter, text)
	elapsed := time.Since(start)
	engine := e.platforms.SessionEngine(adapter.SessionID())

	if result.Success {
		e.platforms.ReleaseAdapter(adapter)
	} else {
		// Start the next attempt from a fresh session
		if err := adapter.Cleanup(context.WithoutCancel(ctx)); err != nil {
			jobLogger.Warn().Err(err).Str("platform", payload.Platform).Msg("Failed to clean up adapter")
		}
		e.platforms.ReleaseAdapter(adapter)
	}

	e.platforms.RecordExecution(payload.Platform, elapsed, result.Success)
	e.record(ctx, job, engine, elapsed, result)

	if result.Data == nil {
		result.Data = make(map[string]any)
	}
	result.Data["jobId"] = job.ID
	result.Data["elapsedMs"] = elapsed.Milliseconds()
	result.Data["engine"] = string(engine)

	if !result.Success {
		jobLogger.Warn().
			Str("job_id", job.ID).
			Str("platform", payload.Platform).
			Str("error", result.Error).
			Msg("Prompt submission failed")
		return result, result.Err()
	}

	jobLogger.Info().
		Str("job_id", job.ID).
		Str("platform", payload.Platform).
		Str("engine", string(engine)).
		Dur("elapsed", elapsed).
		Msg("Prompt submitted and result extracted")
	return result, nil
}

func (e *PromptSubmissionExecutor) run(ctx context.Context, adapter *platform.Adapter, text string) models.Result {
	steps := []func() (models.Result, error){
		func() (models.Result, error) { return adapter.SubmitPrompt(ctx, text) },
		func() (models.Result, error) { return adapter.WaitForCompletion(ctx, e.completionTimeout) },
		func() (models.Result, error) { return adapter.ExtractResult(ctx) },
	}

	var last models.Result
	for _, step := range steps {
		res, err := step()
		if err != nil {
			return models.Failed(err)
		}
		if !res.Success {
			return res
		}
		last = res
	}
	return last
}

func (e *PromptSubmissionExecutor) record(ctx context.Context, job *models.Job, engine models.EngineKind, elapsed time.Duration, result models.Result) {
	if e.metrics == nil {
		return
	}
	payload := job.Payload.PromptSubmission
	tokens, _ := result.Data["tokens"].(int)
	metric := &models.ExecutionMetric{
		ID:         common.NewMetricID(),
		BatchID:    payload.BatchID,
		PromptID:   payload.PromptID,
		JobID:      job.ID,
		Platform:   payload.Platform,
		Engine:     string(engine),
		ElapsedMs:  elapsed.Milliseconds(),
		Tokens:     tokens,
		Success:    result.Success,
		Error:      result.Error,
		RecordedAt: time.Now(),
	}
	if err := e.metrics.InsertMetric(context.WithoutCancel(ctx), metric); err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record execution metric")
	}
}
