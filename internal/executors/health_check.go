// -----------------------------------------------------------------------
// Platform Health Check Executor - probes a platform's base URL on a fresh session
// -----------------------------------------------------------------------

package executors

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
	"github.com/ternarybob/promptrelay/internal/platform"
	"github.com/ternarybob/promptrelay/internal/recovery"
)

// HealthCheckExecutor reports platform reachability into platform telemetry
type HealthCheckExecutor struct {
	platforms *platform.Manager
	recovery  *recovery.Service
	retry     recovery.RetryConfig
	logger    arbor.ILogger
}

// Compile-time assertion: HealthCheckExecutor implements JobExecutor
var _ interfaces.JobExecutor = (*HealthCheckExecutor)(nil)

// NewHealthCheckExecutor creates the executor
func NewHealthCheckExecutor(platforms *platform.Manager, logger arbor.ILogger) *HealthCheckExecutor {
	return &HealthCheckExecutor{platforms: platforms, logger: logger}
}

// WithRecovery retries probes that fail with retryable errors
func (e *HealthCheckExecutor) WithRecovery(service *recovery.Service, retry recovery.RetryConfig) *HealthCheckExecutor {
	e.recovery = service
	e.retry = retry
	return e
}

func (e *HealthCheckExecutor) GetJobType() models.JobType {
	return models.JobTypeHealthCheck
}

func (e *HealthCheckExecutor) Validate(job *models.Job) error {
	if job.Type != models.JobTypeHealthCheck {
		return fmt.Errorf("invalid job type: expected %s, got %s", models.JobTypeHealthCheck, job.Type)
	}
	return job.Payload.Validate()
}

func (e *HealthCheckExecutor) Execute(ctx context.Context, job *models.Job) (models.Result, error) {
	name := job.Payload.HealthCheck.Platform
	probe := func(ctx context.Context) (models.Result, error) {
		result, err := e.platforms.CheckHealth(ctx, name)
		if err == nil && !result.Success {
			err = result.Err()
		}
		return result, err
	}

	var result models.Result
	var err error
	if e.recovery != nil {
		result, err = recovery.ExecuteWithRetry(ctx, e.recovery, probe, e.retry,
			recovery.OpContext{Service: "health:" + name, Operation: "checkHealth", JobID: job.ID})
	} else {
		result, err = probe(ctx)
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Str("platform", name).Msg("Platform unreachable")
		return models.Failed(err), err
	}
	return result, nil
}
