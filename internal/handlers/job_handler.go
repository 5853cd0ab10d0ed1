package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promptrelay/internal/faults"
	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
	"github.com/ternarybob/promptrelay/internal/queue"
)

// EnqueueJobRequest is the body of POST /api/jobs
type EnqueueJobRequest struct {
	Type        models.JobType    `json:"type" validate:"required,oneof=prompt_submission fork_project platform_health_check"`
	Payload     models.JobPayload `json:"payload"`
	Priority    int               `json:"priority" validate:"min=0,max=1000"`
	MaxRetries  *int              `json:"maxRetries,omitempty" validate:"omitempty,min=0,max=10"`
	ScheduledAt *time.Time        `json:"scheduledAt,omitempty"`
}

// JobHandler handles direct job queue requests
type JobHandler struct {
	queue    JobQueue
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(queue JobQueue, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		queue:    queue,
		validate: validator.New(),
		logger:   logger,
	}
}

// CreateJobHandler enqueues a standalone job
// POST /api/jobs
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req EnqueueJobRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteFault(w, h.logger, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		WriteFault(w, h.logger, faults.Wrap(err, faults.KindPrecondition, faults.CategoryAPI, "invalid job"))
		return
	}

	job, err := h.queue.Enqueue(r.Context(), queue.EnqueueRequest{
		Type:        req.Type,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxRetries:  req.MaxRetries,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		WriteFault(w, h.logger, err)
		return
	}

	h.logger.Info().Str("job_id", job.ID).Str("job_type", string(job.Type)).Msg("Job enqueued via API")
	WriteJSON(w, http.StatusCreated, job)
}

// ListJobsHandler returns jobs, oldest first
// GET /api/jobs?batch_id=&status=&type=&limit=
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	query := r.URL.Query()
	opts := &interfaces.JobListOptions{
		BatchID: query.Get("batch_id"),
		Status:  models.JobStatus(query.Get("status")),
		Type:    models.JobType(query.Get("type")),
	}
	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			opts.Limit = limit
		}
	}

	jobs, err := h.queue.List(r.Context(), opts)
	if err != nil {
		WriteFault(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// JobStatsHandler counts jobs by status
// GET /api/jobs/stats?batch_id=
func (h *JobHandler) JobStatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	stats, err := h.queue.Stats(r.Context(), r.URL.Query().Get("batch_id"))
	if err != nil {
		WriteFault(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// GetJobHandler returns a single job by ID
// GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := firstPart(r, "/api/jobs/")
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}
	job, err := h.queue.Get(r.Context(), jobID)
	if err != nil {
		WriteFault(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// CancelJobHandler cancels a pending or running job
// DELETE /api/jobs/{id}
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := firstPart(r, "/api/jobs/")
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}
	job, err := h.queue.CancelJob(r.Context(), jobID)
	if err != nil {
		WriteFault(w, h.logger, err)
		return
	}
	h.logger.Info().Str("job_id", jobID).Msg("Job cancelled via API")
	WriteJSON(w, http.StatusOK, job)
}
