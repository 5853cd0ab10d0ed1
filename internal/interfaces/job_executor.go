// -----------------------------------------------------------------------
// Job Executor Interface - Common interface for all job executors
// -----------------------------------------------------------------------

package interfaces

import (
	"context"

	"github.com/ternarybob/promptrelay/internal/models"
)

// JobExecutor defines the interface that all job executors must implement.
// The processor and batch workers dispatch to it by job type.
type JobExecutor interface {
	// Execute runs the job. A non-nil error marks the attempt failed;
	// the result carries extracted data on success.
	Execute(ctx context.Context, job *models.Job) (models.Result, error)

	// GetJobType returns the job type this executor handles
	GetJobType() models.JobType

	// Validate validates that the job payload is compatible with this executor
	Validate(job *models.Job) error
}
