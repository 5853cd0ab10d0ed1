package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promptrelay/internal/app"
	"github.com/ternarybob/promptrelay/internal/common"
	"github.com/ternarybob/promptrelay/internal/handlers"
	"github.com/ternarybob/promptrelay/internal/models"
	"github.com/ternarybob/promptrelay/internal/queue"
	"github.com/ternarybob/promptrelay/internal/storage/badger"
)

// newTestServer wires the routes over a real job queue. Batch, platform and
// status services are left nil; tests only reach their routing edges.
func newTestServer(t *testing.T) (*Server, *queue.Queue) {
	t.Helper()
	logger := arbor.NewLogger()

	storage, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })
	q := queue.NewQueue(storage.JobStorage(), nil, logger, queue.NewDefaultConfig())

	application := &app.App{
		Config:          common.NewDefaultConfig(),
		Logger:          logger,
		APIHandler:      handlers.NewAPIHandler(logger),
		WSHandler:       handlers.NewWebSocketHandler(nil, nil, logger, nil),
		BatchHandler:    handlers.NewBatchHandler(nil, nil, logger),
		JobHandler:      handlers.NewJobHandler(q, logger),
		PlatformHandler: handlers.NewPlatformHandler(nil, logger),
		StatusHandler:   handlers.NewStatusHandler(nil, nil, logger),
	}
	return New(application), q
}

func serve(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndVersion(t *testing.T) {
	s, _ := newTestServer(t)

	rec := serve(s, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = serve(s, http.MethodGet, "/api/version", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version"`)
}

func TestUnknownRoutesReturnJSON404(t *testing.T) {
	s, _ := newTestServer(t)

	for _, path := range []string{"/api/nope", "/api/batches/b1/unknown", "/api/batches/b1/state/extra", "/api/jobs/j1/extra"} {
		rec := serve(s, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"), path)
	}
}

func TestMethodNotAllowedListsAllowedMethods(t *testing.T) {
	s, _ := newTestServer(t)

	rec := serve(s, http.MethodPut, "/api/batches", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, POST", rec.Header().Get("Allow"))

	rec = serve(s, http.MethodPost, "/api/jobs/j1", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "DELETE, GET", rec.Header().Get("Allow"))
}

func TestJobRoutesReachQueue(t *testing.T) {
	s, q := newTestServer(t)

	body := `{"type":"platform_health_check","payload":{"kind":"platform_health_check","health_check":{"platform":"bolt"}}}`
	rec := serve(s, http.MethodPost, "/api/jobs", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	jobs, err := q.List(t.Context(), nil)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobTypeHealthCheck, jobs[0].Type)

	rec = serve(s, http.MethodGet, "/api/jobs/"+jobs[0].ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(s, http.MethodGet, "/api/jobs/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pending":1`)

	rec = serve(s, http.MethodDelete, "/api/jobs/"+jobs[0].ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set(requestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get(requestIDHeader))

	rec = serve(s, http.MethodGet, "/api/health", "")
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestPreflightShortCircuits(t *testing.T) {
	s, _ := newTestServer(t)

	rec := serve(s, http.MethodOptions, "/api/batches", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestShutdownEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := serve(s, http.MethodPost, "/api/shutdown", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	ch := make(chan struct{})
	s.SetShutdownChannel(ch)

	rec = serve(s, http.MethodGet, "/api/shutdown", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = serve(s, http.MethodPost, "/api/shutdown", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	// A second request must not close the channel twice
	rec = serve(s, http.MethodPost, "/api/shutdown", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-ch:
	default:
		t.Fatal("shutdown channel not closed")
	}
}
