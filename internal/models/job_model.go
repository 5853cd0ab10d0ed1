// -----------------------------------------------------------------------
// Job - Durable unit of work leased by exactly one worker at a time
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobType selects the executor and the payload shape
type JobType string

const (
	JobTypePromptSubmission JobType = "prompt_submission"
	JobTypeForkProject      JobType = "fork_project"
	JobTypeHealthCheck      JobType = "platform_health_check"
)

// PromptSubmissionPayload drives submit -> wait -> extract on one platform
type PromptSubmissionPayload struct {
	BatchID  string            `json:"batch_id,omitempty"`
	PromptID string            `json:"prompt_id,omitempty"`
	Platform string            `json:"platform"`
	Prompt   string            `json:"prompt"`
	Params   map[string]string `json:"params,omitempty"`
}

// ForkProjectPayload runs a platform's forkProject workflow
type ForkProjectPayload struct {
	Platform   string            `json:"platform"`
	ProjectURL string            `json:"project_url"`
	Params     map[string]string `json:"params,omitempty"`
}

// HealthCheckPayload probes a single platform
type HealthCheckPayload struct {
	Platform string `json:"platform"`
}

// JobPayload is a tagged union keyed by Kind. Exactly one member matching
// Kind must be set.
type JobPayload struct {
	Kind             JobType                  `json:"kind"`
	PromptSubmission *PromptSubmissionPayload `json:"prompt_submission,omitempty"`
	ForkProject      *ForkProjectPayload      `json:"fork_project,omitempty"`
	HealthCheck      *HealthCheckPayload      `json:"health_check,omitempty"`
}

// NewPromptSubmissionPayload wraps p in a JobPayload
func NewPromptSubmissionPayload(p PromptSubmissionPayload) JobPayload {
	return JobPayload{Kind: JobTypePromptSubmission, PromptSubmission: &p}
}

// NewForkProjectPayload wraps p in a JobPayload
func NewForkProjectPayload(p ForkProjectPayload) JobPayload {
	return JobPayload{Kind: JobTypeForkProject, ForkProject: &p}
}

// NewHealthCheckPayload wraps p in a JobPayload
func NewHealthCheckPayload(p HealthCheckPayload) JobPayload {
	return JobPayload{Kind: JobTypeHealthCheck, HealthCheck: &p}
}

// Validate checks that the payload member matches its Kind
func (p JobPayload) Validate() error {
	set := 0
	if p.PromptSubmission != nil {
		set++
	}
	if p.ForkProject != nil {
		set++
	}
	if p.HealthCheck != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("payload must carry exactly one member, got %d", set)
	}

	switch p.Kind {
	case JobTypePromptSubmission:
		if p.PromptSubmission == nil {
			return fmt.Errorf("payload kind %s without prompt_submission", p.Kind)
		}
		if p.PromptSubmission.Prompt == "" {
			return fmt.Errorf("prompt is required")
		}
	case JobTypeForkProject:
		if p.ForkProject == nil {
			return fmt.Errorf("payload kind %s without fork_project", p.Kind)
		}
		if p.ForkProject.ProjectURL == "" {
			return fmt.Errorf("project_url is required")
		}
	case JobTypeHealthCheck:
		if p.HealthCheck == nil {
			return fmt.Errorf("payload kind %s without health_check", p.Kind)
		}
		if p.HealthCheck.Platform == "" {
			return fmt.Errorf("platform is required")
		}
	default:
		return fmt.Errorf("unknown payload kind: %s", p.Kind)
	}
	return nil
}

// Platform returns the target platform named by the payload, if any
func (p JobPayload) Platform() string {
	switch p.Kind {
	case JobTypePromptSubmission:
		if p.PromptSubmission != nil {
			return p.PromptSubmission.Platform
		}
	case JobTypeForkProject:
		if p.ForkProject != nil {
			return p.ForkProject.Platform
		}
	case JobTypeHealthCheck:
		if p.HealthCheck != nil {
			return p.HealthCheck.Platform
		}
	}
	return ""
}

// Job is the persisted queue record. It is mutated only by the worker
// holding its lease and is terminal once completed, failed or cancelled.
type Job struct {
	ID             string     `json:"id" badgerhold:"key"`
	Type           JobType    `json:"type"`
	Payload        JobPayload `json:"payload"`
	BatchID        string     `json:"batch_id,omitempty" badgerhold:"index"`
	Priority       int        `json:"priority"`
	MaxRetries     int        `json:"max_retries"`
	CurrentRetries int        `json:"current_retries"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
	Status         JobStatus  `json:"status"`
	LastError      string     `json:"last_error,omitempty"`
	LeasedBy       string     `json:"leased_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// IsEligible reports whether the job can be leased at now
func (j *Job) IsEligible(now time.Time) bool {
	if j.Status != JobStatusPending {
		return false
	}
	return j.ScheduledAt == nil || !j.ScheduledAt.After(now)
}

// JobStats aggregates job counts by status
type JobStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Add counts one job of the given status
func (s *JobStats) Add(status JobStatus) {
	s.Total++
	switch status {
	case JobStatusPending:
		s.Pending++
	case JobStatusRunning:
		s.Running++
	case JobStatusCompleted:
		s.Completed++
	case JobStatusFailed:
		s.Failed++
	case JobStatusCancelled:
		s.Cancelled++
	}
}

// Terminal returns the number of jobs that will not change again
func (s JobStats) Terminal() int {
	return s.Completed + s.Failed + s.Cancelled
}
