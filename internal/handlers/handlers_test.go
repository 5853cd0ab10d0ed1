package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promptrelay/internal/common"
	"github.com/ternarybob/promptrelay/internal/faults"
	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
	"github.com/ternarybob/promptrelay/internal/queue"
	"github.com/ternarybob/promptrelay/internal/recovery"
	"github.com/ternarybob/promptrelay/internal/services/events"
	"github.com/ternarybob/promptrelay/internal/storage/badger"
)

// fakeBatches is an in-memory BatchService
type fakeBatches struct {
	mu          sync.Mutex
	batches     map[string]*models.Batch
	prompts     map[string][]*models.Prompt
	states      map[string]*models.ExecutionState
	requests    []models.BatchExecutionRequest
	subscribers map[string][]func(models.ExecutionState)
	validate    *validator.Validate
}

func newFakeBatches() *fakeBatches {
	return &fakeBatches{
		batches:     make(map[string]*models.Batch),
		prompts:     make(map[string][]*models.Prompt),
		states:      make(map[string]*models.ExecutionState),
		subscribers: make(map[string][]func(models.ExecutionState)),
		validate:    validator.New(),
	}
}

func (f *fakeBatches) CreateBatch(ctx context.Context, req models.CreateBatchRequest) (*models.Batch, []*models.Prompt, error) {
	if err := f.validate.Struct(req); err != nil {
		return nil, nil, faults.Wrap(err, faults.KindPrecondition, faults.CategoryAPI, "invalid batch")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := &models.Batch{ID: fmt.Sprintf("batch_%d", len(f.batches)+1), Name: req.Name, Status: models.BatchStatusPending, TotalPrompts: len(req.Prompts)}
	f.batches[batch.ID] = batch
	for i, text := range req.Prompts {
		f.prompts[batch.ID] = append(f.prompts[batch.ID], &models.Prompt{ID: fmt.Sprintf("p%d", i+1), BatchID: batch.ID, Text: text, ExecutionOrder: i + 1})
	}
	return batch, f.prompts[batch.ID], nil
}

func (f *fakeBatches) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.batches[id]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("batch %s: %w", id, interfaces.ErrNotFound)
}

func (f *fakeBatches) ListBatches(ctx context.Context) ([]*models.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Batch
	for i := 1; i <= len(f.batches); i++ {
		out = append(out, f.batches[fmt.Sprintf("batch_%d", i)])
	}
	return out, nil
}

func (f *fakeBatches) ListPrompts(ctx context.Context, id string) ([]*models.Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[id], nil
}

func (f *fakeBatches) Handle(ctx context.Context, req models.BatchExecutionRequest) (*models.ExecutionState, error) {
	if err := f.validate.Struct(req); err != nil {
		return nil, faults.Wrap(err, faults.KindPrecondition, faults.CategoryAPI, "invalid batch execution request")
	}
	if _, err := f.GetBatch(ctx, req.BatchID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	switch req.Action {
	case models.BatchActionSchedule:
		return nil, nil
	case models.BatchActionPause:
		return nil, faults.New(faults.KindPrecondition, faults.CategorySystem, "cannot pause batch %s while pending", req.BatchID)
	}
	status := models.BatchStatusRunning
	if req.Action == models.BatchActionCancel {
		status = models.BatchStatusCancelled
	}
	state := &models.ExecutionState{BatchID: req.BatchID, Status: status}
	f.states[req.BatchID] = state
	return state, nil
}

func (f *fakeBatches) GetExecutionState(ctx context.Context, id string) (*models.ExecutionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.states[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("execution state %s: %w", id, interfaces.ErrNotFound)
}

func (f *fakeBatches) Subscribe(batchID string, callback func(models.ExecutionState)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers[batchID] = append(f.subscribers[batchID], callback)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.subscribers[batchID] = nil
	}, nil
}

func (f *fakeBatches) subscriberCount(batchID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers[batchID])
}

func (f *fakeBatches) push(state models.ExecutionState) {
	f.mu.Lock()
	callbacks := append([]func(models.ExecutionState){}, f.subscribers[state.BatchID]...)
	f.mu.Unlock()
	for _, cb := range callbacks {
		cb(state)
	}
}

func do(t *testing.T, handler http.HandlerFunc, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if s, ok := body.(string); ok {
		reader = bytes.NewReader([]byte(s))
	} else {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestStatusForMapsErrors(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, StatusFor(fmt.Errorf("job x: %w", interfaces.ErrNotFound)))
	assert.Equal(t, http.StatusBadRequest, StatusFor(faults.New(faults.KindPrecondition, faults.CategoryAPI, "bad input")))
	assert.Equal(t, http.StatusConflict, StatusFor(faults.New(faults.KindPrecondition, faults.CategorySystem, "already running")))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusFor(faults.New(faults.KindPlatformIncompatible, faults.CategorySystem, "no forking")))
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(faults.New(faults.KindCircuitOpen, faults.CategorySystem, "open")))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(assert.AnError))
}

func TestBatchLifecycleOverHTTP(t *testing.T) {
	batches := newFakeBatches()
	h := NewBatchHandler(batches, nil, arbor.NewLogger())

	rec := do(t, h.CreateBatchHandler, http.MethodPost, "/api/batches", models.CreateBatchRequest{
		Name:    "landing pages",
		Prompts: []string{"Build a landing page", "Add a pricing table"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created BatchDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "batch_1", created.Batch.ID)
	assert.Len(t, created.Prompts, 2)

	rec = do(t, h.GetBatchHandler, http.MethodGet, "/api/batches/batch_1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h.StateHandler, http.MethodGet, "/api/batches/batch_1/state", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h.ActionHandler, http.MethodPost, "/api/batches/batch_1/actions", map[string]interface{}{
		"action":         "execute",
		"executionMode":  "parallel",
		"maxConcurrency": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, batches.requests, 1)
	assert.Equal(t, "batch_1", batches.requests[0].BatchID)
	assert.Equal(t, models.ExecutionModeParallel, batches.requests[0].ExecutionMode)

	rec = do(t, h.StateHandler, http.MethodGet, "/api/batches/batch_1/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var state models.ExecutionState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, models.BatchStatusRunning, state.Status)
}

func TestBatchActionErrors(t *testing.T) {
	batches := newFakeBatches()
	h := NewBatchHandler(batches, nil, arbor.NewLogger())
	_, _, err := batches.CreateBatch(context.Background(), models.CreateBatchRequest{Name: "b", Prompts: []string{"p"}})
	require.NoError(t, err)

	tests := []struct {
		name string
		path string
		body interface{}
		want int
	}{
		{"unknown batch", "/api/batches/missing/actions", map[string]string{"action": "execute"}, http.StatusNotFound},
		{"unknown action", "/api/batches/batch_1/actions", map[string]string{"action": "explode"}, http.StatusBadRequest},
		{"schedule without time", "/api/batches/batch_1/actions", map[string]string{"action": "schedule"}, http.StatusBadRequest},
		{"state conflict", "/api/batches/batch_1/actions", map[string]string{"action": "pause"}, http.StatusConflict},
		{"malformed body", "/api/batches/batch_1/actions", "{not json", http.StatusBadRequest},
		{"unknown field", "/api/batches/batch_1/actions", map[string]string{"action": "execute", "bogus": "x"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h.ActionHandler, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	rec := do(t, h.ActionHandler, http.MethodPost, "/api/batches/batch_1/actions", map[string]string{
		"action":        "schedule",
		"scheduledTime": "2030-01-01T00:00:00Z",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"scheduled"`)
}

func TestCancelScheduledBatchOverHTTP(t *testing.T) {
	batches := newFakeBatches()
	h := NewBatchHandler(batches, nil, arbor.NewLogger())
	_, _, err := batches.CreateBatch(context.Background(), models.CreateBatchRequest{Name: "b", Prompts: []string{"p"}})
	require.NoError(t, err)

	rec := do(t, h.ActionHandler, http.MethodPost, "/api/batches/batch_1/actions", map[string]string{
		"action":        "schedule",
		"scheduledTime": "2030-01-01T00:00:00Z",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, h.ActionHandler, http.MethodPost, "/api/batches/batch_1/actions", map[string]string{"action": "cancel"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var state models.ExecutionState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, models.BatchStatusCancelled, state.Status)
	assert.NotContains(t, rec.Body.String(), `"scheduled"`)
}

func TestCreateBatchRejectsEmptyPrompts(t *testing.T) {
	h := NewBatchHandler(newFakeBatches(), nil, arbor.NewLogger())
	rec := do(t, h.CreateBatchHandler, http.MethodPost, "/api/batches", models.CreateBatchRequest{Name: "empty"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(faults.KindPrecondition))
}

type listMetrics []*models.ExecutionMetric

func (l listMetrics) InsertMetric(ctx context.Context, m *models.ExecutionMetric) error { return nil }
func (l listMetrics) ListMetrics(ctx context.Context, batchID string) ([]*models.ExecutionMetric, error) {
	return l, nil
}

func TestBatchMetricsSummary(t *testing.T) {
	batches := newFakeBatches()
	_, _, err := batches.CreateBatch(context.Background(), models.CreateBatchRequest{Name: "b", Prompts: []string{"p"}})
	require.NoError(t, err)
	metrics := listMetrics{
		{BatchID: "batch_1", ElapsedMs: 100, Tokens: 10, Success: true},
		{BatchID: "batch_1", ElapsedMs: 300, Tokens: 30, Success: false},
	}
	h := NewBatchHandler(batches, metrics, arbor.NewLogger())

	rec := do(t, h.MetricsHandler, http.MethodGet, "/api/batches/batch_1/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Summary MetricsSummary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, MetricsSummary{Executions: 2, Succeeded: 1, Failed: 1, SuccessRate: 0.5, AvgElapsedMs: 200, TotalTokens: 40}, body.Summary)
}

func TestListBatchesPaginates(t *testing.T) {
	batches := newFakeBatches()
	for i := 0; i < 3; i++ {
		_, _, err := batches.CreateBatch(context.Background(), models.CreateBatchRequest{Name: "b", Prompts: []string{"p"}})
		require.NoError(t, err)
	}
	h := NewBatchHandler(batches, nil, arbor.NewLogger())

	rec := do(t, h.ListBatchesHandler, http.MethodGet, "/api/batches?page=1&pageSize=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Batches    []*models.Batch    `json:"batches"`
		Pagination PaginationResponse `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Batches, 1)
	assert.Equal(t, "batch_3", body.Batches[0].ID)
	assert.Equal(t, PaginationResponse{Page: 1, PageSize: 2, TotalItems: 3, TotalPages: 2}, body.Pagination)
}

func newJobQueue(t *testing.T) *queue.Queue {
	t.Helper()
	storage, err := badger.NewManager(arbor.NewLogger(), &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })
	return queue.NewQueue(storage.JobStorage(), nil, arbor.NewLogger(), queue.NewDefaultConfig())
}

func TestJobEndpoints(t *testing.T) {
	q := newJobQueue(t)
	h := NewJobHandler(q, arbor.NewLogger())

	rec := do(t, h.CreateJobHandler, http.MethodPost, "/api/jobs", map[string]interface{}{
		"type":     "platform_health_check",
		"payload":  models.NewHealthCheckPayload(models.HealthCheckPayload{Platform: "bolt"}),
		"priority": 5,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var job models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, 5, job.Priority)

	rec = do(t, h.GetJobHandler, http.MethodGet, "/api/jobs/"+job.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h.JobStatsHandler, http.MethodGet, "/api/jobs/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.JobStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Pending)

	rec = do(t, h.CancelJobHandler, http.MethodDelete, "/api/jobs/"+job.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Cancelling twice is a state conflict
	rec = do(t, h.CancelJobHandler, http.MethodDelete, "/api/jobs/"+job.ID, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h.ListJobsHandler, http.MethodGet, "/api/jobs?status=cancelled", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = do(t, h.GetJobHandler, http.MethodGet, "/api/jobs/job_missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateJobRejectsMismatchedPayload(t *testing.T) {
	h := NewJobHandler(newJobQueue(t), arbor.NewLogger())

	rec := do(t, h.CreateJobHandler, http.MethodPost, "/api/jobs", map[string]interface{}{
		"type":    "fork_project",
		"payload": models.NewHealthCheckPayload(models.HealthCheckPayload{Platform: "bolt"}),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h.CreateJobHandler, http.MethodPost, "/api/jobs", map[string]interface{}{
		"type":    "scrape_everything",
		"payload": models.NewHealthCheckPayload(models.HealthCheckPayload{Platform: "bolt"}),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakeCatalog struct{}

func (fakeCatalog) Platforms() []models.PlatformConfig {
	return []models.PlatformConfig{
		{Name: "bolt", BaseURL: "https://bolt.new", Capabilities: models.PlatformCapabilities{Forking: true},
			Workflows: map[string]models.PlatformWorkflow{models.WorkflowSubmitPrompt: {}, models.WorkflowForkProject: {}}},
		{Name: "v0", BaseURL: "https://v0.dev",
			Workflows: map[string]models.PlatformWorkflow{models.WorkflowSubmitPrompt: {}}},
	}
}

func (fakeCatalog) Statuses() []models.PlatformStatus {
	return []models.PlatformStatus{{Name: "bolt", IsAvailable: true}, {Name: "v0", IsAvailable: false}}
}

func (fakeCatalog) GetOptimalPlatform(req models.PlatformRequirements) (string, error) {
	if req.NeedsFullProject {
		return "", faults.New(faults.KindPlatformIncompatible, faults.CategorySystem, "no platform satisfies requirements")
	}
	if req.NeedsForking {
		return "bolt", nil
	}
	return "v0", nil
}

func TestPlatformEndpoints(t *testing.T) {
	h := NewPlatformHandler(fakeCatalog{}, arbor.NewLogger())

	rec := do(t, h.ListPlatformsHandler, http.MethodGet, "/api/platforms", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Platforms []PlatformView `json:"platforms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Platforms, 2)
	assert.Equal(t, "bolt", body.Platforms[0].Name)
	assert.Equal(t, []string{models.WorkflowSubmitPrompt, models.WorkflowForkProject}, body.Platforms[0].Workflows)
	assert.True(t, body.Platforms[0].Status.IsAvailable)

	rec = do(t, h.OptimalPlatformHandler, http.MethodPost, "/api/platforms/optimal", models.PlatformRequirements{NeedsForking: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"platform":"bolt"}`, rec.Body.String())

	rec = do(t, h.OptimalPlatformHandler, http.MethodPost, "/api/platforms/optimal", models.PlatformRequirements{NeedsFullProject: true})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

type fakeSessions []models.Session

func (f fakeSessions) ListActiveSessions() []models.Session { return f }

func TestStatusEndpoints(t *testing.T) {
	rec := recovery.NewService(arbor.NewLogger(), recovery.Options{BreakerThreshold: 1})
	_, err := recovery.ExecuteWithRetry(context.Background(), rec, func(ctx context.Context) (int, error) {
		return 0, assert.AnError
	}, recovery.RetryConfig{MaxAttempts: 1}, recovery.OpContext{Service: "platform:bolt"})
	require.Error(t, err)

	sessions := fakeSessions{{ID: "sess_1", Engine: models.EngineChromedp, IsActive: true}}
	h := NewStatusHandler(sessions, rec, arbor.NewLogger())

	resp := do(t, h.SessionsHandler, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"count":1`)

	resp = do(t, h.BreakersHandler, http.MethodGet, "/api/recovery/breakers", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"isOpen":true`)

	resp = do(t, h.ResetBreakerHandler, http.MethodPost, "/api/recovery/breakers/platform:bolt/reset", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.False(t, rec.BreakerState("platform:bolt").IsOpen)
}

func dialBatch(t *testing.T, server *httptest.Server, batchID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	if batchID != "" {
		url += "?batch_id=" + batchID
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func progressOf(t *testing.T, msg WSMessage) models.ExecutionState {
	t.Helper()
	require.Equal(t, string(interfaces.EventBatchProgress), msg.Type)
	data, err := json.Marshal(msg.Payload)
	require.NoError(t, err)
	var event models.BatchProgressEvent
	require.NoError(t, json.Unmarshal(data, &event))
	return event.State
}

func TestWebSocketStreamsThrottledProgress(t *testing.T) {
	batches := newFakeBatches()
	_, _, err := batches.CreateBatch(context.Background(), models.CreateBatchRequest{Name: "b", Prompts: []string{"p"}})
	require.NoError(t, err)

	h := NewWebSocketHandler(batches, nil, arbor.NewLogger(), &common.WebSocketConfig{ProgressThrottle: "1h"})
	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer server.Close()
	defer h.Close()

	conn := dialBatch(t, server, "batch_1")
	assert.Equal(t, "hello", readMessage(t, conn).Type)
	require.Eventually(t, func() bool { return batches.subscriberCount("batch_1") == 1 }, 5*time.Second, 5*time.Millisecond)

	running := func(step int) models.ExecutionState {
		return models.ExecutionState{BatchID: "batch_1", Status: models.BatchStatusRunning, Progress: models.NewExecutionProgress(step, 4)}
	}
	batches.push(running(1)) // status change, always sent
	batches.push(running(2)) // throttled
	batches.push(running(3)) // throttled
	batches.push(models.ExecutionState{BatchID: "batch_1", Status: models.BatchStatusCompleted, Progress: models.NewExecutionProgress(4, 4)})

	first := progressOf(t, readMessage(t, conn))
	assert.Equal(t, 1, first.Progress.CurrentStep)
	last := progressOf(t, readMessage(t, conn))
	assert.Equal(t, models.BatchStatusCompleted, last.Status)
	assert.Equal(t, 4, last.Progress.CurrentStep)
}

func TestWebSocketRejectsUnknownBatch(t *testing.T) {
	h := NewWebSocketHandler(newFakeBatches(), nil, arbor.NewLogger(), nil)
	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?batch_id=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketBroadcastsPlatformEvents(t *testing.T) {
	bus := events.NewService(arbor.NewLogger())
	h := NewWebSocketHandler(newFakeBatches(), bus, arbor.NewLogger(), nil)
	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer server.Close()
	defer h.Close()

	conn := dialBatch(t, server, "")
	assert.Equal(t, "hello", readMessage(t, conn).Type)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	// Job events of a batch only reach that batch's clients
	require.NoError(t, bus.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventJobStatus,
		Payload: models.JobStatusEvent{JobID: "job_1", BatchID: "batch_9", Status: models.JobStatusRunning},
	}))
	require.NoError(t, bus.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventPlatformStatus,
		Payload: models.PlatformStatusEvent{Status: models.PlatformStatus{Name: "bolt", IsAvailable: false}},
	}))

	msg := readMessage(t, conn)
	assert.Equal(t, string(interfaces.EventPlatformStatus), msg.Type)
}
