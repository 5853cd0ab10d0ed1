// -----------------------------------------------------------------------
// Fork Project Executor - forks an existing project on a platform that supports it
// -----------------------------------------------------------------------

package executors

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promptrelay/internal/faults"
	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
	"github.com/ternarybob/promptrelay/internal/platform"
	"github.com/ternarybob/promptrelay/internal/recovery"
)

// ForkProjectExecutor runs the platform's forkProject workflow
type ForkProjectExecutor struct {
	platforms *platform.Manager
	recovery  *recovery.Service
	retry     recovery.RetryConfig
	logger    arbor.ILogger
}

// Compile-time assertion: ForkProjectExecutor implements JobExecutor
var _ interfaces.JobExecutor = (*ForkProjectExecutor)(nil)

// NewForkProjectExecutor creates the executor
func NewForkProjectExecutor(platforms *platform.Manager, logger arbor.ILogger) *ForkProjectExecutor {
	return &ForkProjectExecutor{platforms: platforms, logger: logger}
}

// WithRecovery retries the fork workflow and, once retries are spent, makes
// one last attempt on a fresh browser session.
func (e *ForkProjectExecutor) WithRecovery(service *recovery.Service, retry recovery.RetryConfig) *ForkProjectExecutor {
	e.recovery = service
	e.retry = retry
	return e
}

func (e *ForkProjectExecutor) GetJobType() models.JobType {
	return models.JobTypeForkProject
}

func (e *ForkProjectExecutor) Validate(job *models.Job) error {
	if job.Type != models.JobTypeForkProject {
		return fmt.Errorf("invalid job type: expected %s, got %s", models.JobTypeForkProject, job.Type)
	}
	if err := job.Payload.Validate(); err != nil {
		return err
	}
	_, err := scopeFrom(job.Payload.ForkProject.Params)
	return err
}

func (e *ForkProjectExecutor) Execute(ctx context.Context, job *models.Job) (models.Result, error) {
	payload := job.Payload.ForkProject

	config, ok := e.platforms.Platform(payload.Platform)
	if !ok || !config.Capabilities.Forking {
		err := faults.New(faults.KindPlatformIncompatible, faults.CategorySystem,
			"platform %q does not support forking", payload.Platform)
		return models.Failed(err), err
	}

	if e.recovery == nil {
		return e.fork(ctx, job)
	}

	attempt := func(ctx context.Context) (models.Result, error) { return e.fork(ctx, job) }
	result, outcome, err := recovery.ExecuteWithFallback(ctx, e.recovery, attempt, attempt, e.retry,
		recovery.OpContext{Service: BreakerKey(payload.Platform), Operation: models.WorkflowForkProject, JobID: job.ID})
	if err != nil {
		return models.Failed(err), err
	}
	if outcome.UsedFallback {
		result.Recovered = true
		result.Data["primaryError"] = outcome.PrimaryError
	}
	return result, nil
}

// fork runs the workflow once on a pooled adapter. A failed run discards the
// adapter so the next call starts a fresh session.
func (e *ForkProjectExecutor) fork(ctx context.Context, job *models.Job) (models.Result, error) {
	payload := job.Payload.ForkProject

	scope, err := scopeFrom(payload.Params)
	if err != nil {
		return models.Failed(err), err
	}

	start := time.Now()
	adapter, err := e.platforms.GetAdapter(ctx, payload.Platform)
	if err != nil {
		return models.Failed(err), err
	}
	defer e.platforms.ReleaseAdapter(adapter)

	scope["project"] = mergeProject(scope["project"], payload.ProjectURL)

	result, err := adapter.RunWorkflow(ctx, models.WorkflowForkProject, scope)
	elapsed := time.Since(start)
	e.platforms.RecordExecution(payload.Platform, elapsed, err == nil && result.Success)
	if err == nil && !result.Success {
		err = result.Err()
	}
	if err != nil {
		if cleanupErr := adapter.Cleanup(context.WithoutCancel(ctx)); cleanupErr != nil {
			e.logger.Warn().Err(cleanupErr).Str("platform", payload.Platform).Msg("Failed to clean up adapter")
		}
		return models.Failed(err), err
	}

	forked := adapter.CurrentURL(ctx)
	result.Data["sourceUrl"] = payload.ProjectURL
	result.Data["forkedUrl"] = forked
	result.Data["elapsedMs"] = elapsed.Milliseconds()

	e.logger.Info().
		Str("job_id", job.ID).
		Str("platform", payload.Platform).
		Str("source_url", payload.ProjectURL).
		Str("forked_url", forked).
		Msg("Project forked")
	return result, nil
}

func mergeProject(existing interface{}, url string) map[string]interface{} {
	project, ok := existing.(map[string]interface{})
	if !ok {
		project = make(map[string]interface{})
	}
	project["url"] = url
	return project
}
