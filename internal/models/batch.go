package models

import (
	"math"
	"time"
)

// BatchStatus is the batch-level state machine
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusScheduled BatchStatus = "scheduled"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusPaused    BatchStatus = "paused"
	BatchStatusCancelled BatchStatus = "cancelled"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
)

// IsTerminal reports whether the batch run has ended
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed || s == BatchStatusCancelled
}

// ExecutionMode selects in-order or concurrent execution
type ExecutionMode string

const (
	ExecutionModeSequential ExecutionMode = "sequential"
	ExecutionModeParallel   ExecutionMode = "parallel"
)

// Batch groups prompts run together against a platform
type Batch struct {
	ID             string        `json:"id" badgerhold:"key"`
	Name           string        `json:"name"`
	Platform       string        `json:"platform,omitempty"`
	Status         BatchStatus   `json:"status"`
	ExecutionMode  ExecutionMode `json:"execution_mode"`
	MaxConcurrency int           `json:"max_concurrency"`
	MaxRetries     int           `json:"max_retries"`
	ScheduledAt    *time.Time    `json:"scheduled_at,omitempty"`
	TotalPrompts   int           `json:"total_prompts"`
	Succeeded      int           `json:"succeeded"`
	Failed         int           `json:"failed"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// PromptStatus is the per-prompt outcome
type PromptStatus string

const (
	PromptStatusPending   PromptStatus = "pending"
	PromptStatusRunning   PromptStatus = "running"
	PromptStatusCompleted PromptStatus = "completed"
	PromptStatusFailed    PromptStatus = "failed"
	PromptStatusCancelled PromptStatus = "cancelled"
)

// Prompt is one unit of text submitted as part of a batch
type Prompt struct {
	ID             string            `json:"id" badgerhold:"key"`
	BatchID        string            `json:"batch_id" badgerhold:"index"`
	Text           string            `json:"text"`
	ExecutionOrder int               `json:"execution_order"`
	Platform       string            `json:"platform,omitempty"`
	Status         PromptStatus      `json:"status"`
	JobID          string            `json:"job_id,omitempty"`
	Attempts       int               `json:"attempts"`
	Result         string            `json:"result,omitempty"`
	ResultData     map[string]string `json:"result_data,omitempty"`
	Error          string            `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// ExecutionProgress reports how far a batch run has advanced
type ExecutionProgress struct {
	CurrentStep int     `json:"current_step"`
	TotalSteps  int     `json:"total_steps"`
	Percentage  float64 `json:"percentage"`
}

// NewExecutionProgress derives the percentage from the step counts
func NewExecutionProgress(current, total int) ExecutionProgress {
	p := ExecutionProgress{CurrentStep: current, TotalSteps: total}
	if total > 0 {
		p.Percentage = math.Round(float64(current)/float64(total)*10000) / 100
	} else {
		p.Percentage = 100
	}
	return p
}

// ExecutionState is the resumable progress record of one batch run
type ExecutionState struct {
	BatchID             string            `json:"batch_id" badgerhold:"key"`
	RunID               string            `json:"run_id"`
	Status              BatchStatus       `json:"status"`
	Progress            ExecutionProgress `json:"progress"`
	Succeeded           int               `json:"succeeded"`
	Failed              int               `json:"failed"`
	Pending             int               `json:"pending"`
	EstimatedCompletion *time.Time        `json:"estimated_completion,omitempty"`
	StartTime           *time.Time        `json:"start_time,omitempty"`
	EndTime             *time.Time        `json:"end_time,omitempty"`
	PausedAt            *time.Time        `json:"paused_at,omitempty"`
	CancelledAt         *time.Time        `json:"cancelled_at,omitempty"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// IsPaused reports whether workers must stop leasing
func (s *ExecutionState) IsPaused() bool {
	return s.PausedAt != nil
}

// IsCancelled reports whether the run was cancelled
func (s *ExecutionState) IsCancelled() bool {
	return s.CancelledAt != nil
}

// ExecutionMetric records one job execution attempt
type ExecutionMetric struct {
	ID         string    `json:"id" badgerhold:"key"`
	BatchID    string    `json:"batch_id" badgerhold:"index"`
	PromptID   string    `json:"prompt_id"`
	JobID      string    `json:"job_id"`
	Platform   string    `json:"platform"`
	Engine     string    `json:"engine,omitempty"`
	ElapsedMs  int64     `json:"elapsed_ms"`
	Tokens     int       `json:"tokens"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// BatchAction is an action of a batch execution request
type BatchAction string

const (
	BatchActionExecute  BatchAction = "execute"
	BatchActionPause    BatchAction = "pause"
	BatchActionResume   BatchAction = "resume"
	BatchActionCancel   BatchAction = "cancel"
	BatchActionSchedule BatchAction = "schedule"
)

// BatchExecutionRequest is produced by the CRUD layer and consumed by the orchestrator
type BatchExecutionRequest struct {
	BatchID        string        `json:"batchId" validate:"required"`
	Action         BatchAction   `json:"action" validate:"required,oneof=execute pause resume cancel schedule"`
	ExecutionMode  ExecutionMode `json:"executionMode,omitempty" validate:"omitempty,oneof=sequential parallel"`
	MaxConcurrency int           `json:"maxConcurrency,omitempty" validate:"omitempty,min=1,max=50"`
	ScheduledTime  string        `json:"scheduledTime,omitempty" validate:"required_if=Action schedule"`
}

// CreateBatchRequest creates a batch with its prompts
type CreateBatchRequest struct {
	Name           string        `json:"name" validate:"required"`
	Platform       string        `json:"platform,omitempty"`
	ExecutionMode  ExecutionMode `json:"executionMode,omitempty" validate:"omitempty,oneof=sequential parallel"`
	MaxConcurrency int           `json:"maxConcurrency,omitempty" validate:"omitempty,min=1,max=50"`
	MaxRetries     *int          `json:"maxRetries,omitempty" validate:"omitempty,min=0,max=10"`
	Prompts        []string      `json:"prompts" validate:"required,min=1,dive,required"`
}
