package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
)

// BatchHandler serves batch CRUD and execution control
type BatchHandler struct {
	batches BatchService
	metrics interfaces.MetricsStorage
	logger  arbor.ILogger
}

// NewBatchHandler creates a new batch handler. metrics may be nil.
func NewBatchHandler(batches BatchService, metrics interfaces.MetricsStorage, logger arbor.ILogger) *BatchHandler {
	return &BatchHandler{
		batches: batches,
		metrics: metrics,
		logger:  logger,
	}
}

// BatchDetail is a batch with its prompts
type BatchDetail struct {
	Batch   *models.Batch    `json:"batch"`
	Prompts []*models.Prompt `json:"prompts"`
}

// MetricsSummary aggregates the execution metrics of a batch
type MetricsSummary struct {
	Executions   int     `json:"executions"`
	Succeeded    int     `json:"succeeded"`
	Failed       int     `json:"failed"`
	SuccessRate  float64 `json:"success_rate"`
	AvgElapsedMs int64   `json:"avg_elapsed_ms"`
	TotalTokens  int     `json:"total_tokens"`
}

// CreateBatchHandler creates a batch with its prompts
// POST /api/batches
func (h *BatchHandler) CreateBatchHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateBatchRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteFault(w, h.logger, err)
		return
	}

	batch, prompts, err := h.batches.CreateBatch(r.Context(), req)
	if err != nil {
		WriteFault(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, BatchDetail{Batch: batch, Prompts: prompts})
}

// ListBatchesHandler returns a page of batches
// GET /api/batches?page=0&pageSize=50
func (h *BatchHandler) ListBatchesHandler(w http.ResponseWriter, r *http.Request) {
	batches, err := h.batches.ListBatches(r.Context())
	if err != nil {
		WriteFault(w, h.logger, err)
		return
	}

	page, pageSize := GetPaginationParams(r)
	items, pagination := Paginate(batches, page, pageSize)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"batches":    items,
		"pagination": pagination,
	})
}

// GetBatchHandler returns a batch and its prompts
// GET /api/batches/{id}
func (h *BatchHandler) GetBatchHandler(w http.ResponseWriter, r *http.Request) {
	batchID := firstPart(r, "/api/batches/")
	batch, err := h.batches.GetBatch(r.Context(), batchID)
	if err != nil {
		WriteFault(w, h.logger, err)
		return
	}
	prompts, err := h.batches.ListPrompts(r.Context(), batchID)
	if err != nil {
		WriteFault(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, BatchDetail{Batch: batch, Prompts: prompts})
}

// ActionHandler runs an execute, pause, resume, cancel or schedule action.
// The batch ID in the path wins over one in the body.
// POST /api/batches/{id}/actions
func (h *BatchHandler) ActionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req models.BatchExecutionRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteFault(w, h.logger, err)
		return
	}
	req.BatchID = firstPart(r, "/api/batches/")

	state, err := h.batches.Handle(r.Context(), req)
	if err != nil {
		WriteFault(w, h.logger, err)
		return
	}

	h.logger.Info().
		Str("batch_id", req.BatchID).
		Str("action", string(req.Action)).
		Msg("Batch action accepted")

	if req.Action == models.BatchActionSchedule {
		WriteJSON(w, http.StatusAccepted, map[string]string{
			"status":        string(models.BatchStatusScheduled),
			"batchId":       req.BatchID,
			"scheduledTime": req.ScheduledTime,
		})
		return
	}
	if state == nil {
		WriteError(w, http.StatusInternalServerError, "Batch action returned no execution state")
		return
	}
	WriteJSON(w, http.StatusOK, state)
}

// StateHandler returns the persisted execution state of a batch
// GET /api/batches/{id}/state
func (h *BatchHandler) StateHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	state, err := h.batches.GetExecutionState(r.Context(), firstPart(r, "/api/batches/"))
	if err != nil {
		WriteFault(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, state)
}

// MetricsHandler returns the execution metrics of a batch with a summary
// GET /api/batches/{id}/metrics
func (h *BatchHandler) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if h.metrics == nil {
		WriteError(w, http.StatusNotFound, "Metrics are not recorded")
		return
	}

	batchID := firstPart(r, "/api/batches/")
	if _, err := h.batches.GetBatch(r.Context(), batchID); err != nil {
		WriteFault(w, h.logger, err)
		return
	}
	metrics, err := h.metrics.ListMetrics(r.Context(), batchID)
	if err != nil {
		WriteFault(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": metrics,
		"summary": Summarize(metrics),
	})
}

// Summarize aggregates metrics
func Summarize(metrics []*models.ExecutionMetric) MetricsSummary {
	var summary MetricsSummary
	var elapsed int64
	for _, m := range metrics {
		summary.Executions++
		if m.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
		elapsed += m.ElapsedMs
		summary.TotalTokens += m.Tokens
	}
	if summary.Executions > 0 {
		summary.SuccessRate = float64(summary.Succeeded) / float64(summary.Executions)
		summary.AvgElapsedMs = elapsed / int64(summary.Executions)
	}
	return summary
}
