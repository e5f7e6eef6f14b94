package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vetpulse/vetsync/internal/app"
	"github.com/vetpulse/vetsync/internal/config"
	"github.com/vetpulse/vetsync/internal/fakeapi"
	"github.com/vetpulse/vetsync/internal/models"
	"github.com/vetpulse/vetsync/internal/sync/scheduler"
)

const (
	defaultWait = 2 * time.Second
	tick        = 10 * time.Millisecond
)

type testServer struct {
	e   *echo.Echo
	api *fakeapi.Server
	app *app.App
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	api := fakeapi.New(fakeapi.Options{Token: "secret"})
	remoteSrv := httptest.NewServer(api.Handler())
	t.Cleanup(remoteSrv.Close)

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.API.BaseURL = remoteSrv.URL + "/api"
	cfg.API.Token = "secret"
	cfg.API.MaxAttempts = 1
	cfg.API.RateLimit = 0

	a, err := app.New(cfg, app.Options{Online: true})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	sched := scheduler.NewScheduler(a.Engine, a.Queue, a.Session, nil)
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler
	New(a, sched).Register(e)
	return &testServer{e: e, api: api, app: a}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) signIn(t *testing.T) {
	t.Helper()
	rec := s.do(t, http.MethodPut, "/api/session", map[string]string{"tenant_id": "clinic-a", "practice_id": "main"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"vetsyncd"`)
}

func TestSessionRequired(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/entities/rooms", nil)
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)
	assert.Equal(t, "TENANT_CONTEXT_REQUIRED", decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodPut, "/api/session", map[string]string{"tenant_id": ""})
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)

	s.signIn(t)
	rec = s.do(t, http.MethodGet, "/api/session", nil)
	resp := decode[map[string]interface{}](t, rec)
	assert.Equal(t, true, resp["active"])

	rec = s.do(t, http.MethodDelete, "/api/session", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/sync/operations", nil)
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)
}

func TestEntityCRUDAndSync(t *testing.T) {
	s := newTestServer(t)
	s.signIn(t)

	rec := s.do(t, http.MethodPost, "/api/entities/clients?priority=high", `{"first_name":"Ada","last_name":"Byron"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	client := decode[models.EntityRecord](t, rec)

	rec = s.do(t, http.MethodPost, "/api/entities/pets", map[string]string{
		"client_id": client.ID, "name": "Rex", "species": "canine",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/sync/operations?status=pending", nil)
	assert.Len(t, decode[[]models.SyncOperation](t, rec), 2)

	rec = s.do(t, http.MethodPost, "/api/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "success", result["status"])
	assert.Equal(t, float64(2), result["synced"])

	assert.Len(t, s.api.IDs("clinic-a", models.EntityClients), 1)
	assert.Len(t, s.api.IDs("clinic-a", models.EntityPets), 1)

	rec = s.do(t, http.MethodGet, "/api/sync/mappings", nil)
	assert.Len(t, decode[[]models.IDMapping](t, rec), 2)

	rec = s.do(t, http.MethodGet, "/api/entities/pets", nil)
	pets := decode[[]models.EntityRecord](t, rec)
	require.Len(t, pets, 1)
	assert.Equal(t, models.SyncStatusSynced, pets[0].SyncStatus)

	rec = s.do(t, http.MethodPatch, "/api/entities/pets/"+pets[0].ID, `{"breed":"Lab"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do(t, http.MethodDelete, "/api/entities/pets/"+pets[0].ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, s.api.IDs("clinic-a", models.EntityPets))

	rec = s.do(t, http.MethodPost, "/api/sync/clear-completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Greater(t, decode[map[string]interface{}](t, rec)["cleared"], float64(2))
}

func TestEntityErrors(t *testing.T) {
	s := newTestServer(t)
	s.signIn(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"unknown type", http.MethodGet, "/api/entities/invoices", nil, http.StatusBadRequest, "UNKNOWN_ENTITY_TYPE"},
		{"invalid payload", http.MethodPost, "/api/entities/pets", `{"name":"Rex"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"not json", http.MethodPost, "/api/entities/rooms", `{`, http.StatusBadRequest, "bad_request"},
		{"bad priority", http.MethodPost, "/api/entities/rooms?priority=urgent", `{"name":"A"}`, http.StatusBadRequest, "bad_request"},
		{"missing", http.MethodGet, "/api/entities/rooms/nope", nil, http.StatusNotFound, "NOT_FOUND"},
		{"missing conflict", http.MethodGet, "/api/conflicts/nope", nil, http.StatusNotFound, "CONFLICT_NOT_FOUND"},
		{"bad resolution", http.MethodPost, "/api/conflicts/nope/resolve", map[string]string{"resolution": "coin-flip"}, http.StatusBadRequest, "INVALID_RESOLUTION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestConflictRoundTrip(t *testing.T) {
	s := newTestServer(t)
	s.signIn(t)

	_, err := s.api.Seed("clinic-a", models.EntityRooms, "r1", json.RawMessage(`{"name":"Exam"}`))
	require.NoError(t, err)
	rec := s.do(t, http.MethodPost, "/api/sync/refresh?type=rooms", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPatch, "/api/entities/rooms/r1", `{"name":"Exam A"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	_, err = s.api.Seed("clinic-a", models.EntityRooms, "r1", json.RawMessage(`{"name":"Exam B"}`))
	require.NoError(t, err)

	rec = s.do(t, http.MethodPost, "/api/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "partial-success", decode[map[string]interface{}](t, rec)["status"])

	rec = s.do(t, http.MethodGet, "/api/conflicts", nil)
	conflicts := decode[[]models.Conflict](t, rec)
	require.Len(t, conflicts, 1)

	// Further edits are refused until the conflict is resolved.
	rec = s.do(t, http.MethodPatch, "/api/entities/rooms/r1", `{"kind":"exam"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/conflicts/"+conflicts[0].ID+"/resolve", map[string]string{"resolution": "keep-local"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/conflicts/"+conflicts[0].ID+"/resolve", map[string]string{"resolution": "keep-local"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONFLICT_ALREADY_RESOLVED", decode[ErrorResponse](t, rec).Error)

	// The resolution may already have been drained by the background trigger.
	rec = s.do(t, http.MethodPost, "/api/sync", nil)
	require.Contains(t, []int{http.StatusOK, http.StatusConflict}, rec.Code)

	require.Eventually(t, func() bool {
		server, _, _ := s.api.Record("clinic-a", models.EntityRooms, "r1")
		var obj map[string]interface{}
		_ = json.Unmarshal(server, &obj)
		return obj["name"] == "Exam A"
	}, defaultWait, tick)
}

func TestNetworkAndCancel(t *testing.T) {
	s := newTestServer(t)
	s.signIn(t)

	rec := s.do(t, http.MethodPut, "/api/network", map[string]bool{"online": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode[map[string]interface{}](t, rec)["online"])

	rec = s.do(t, http.MethodPost, "/api/sync", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "TRANSPORT_ERROR", decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodPut, "/api/network", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/sync", nil)
	assert.Equal(t, false, decode[map[string]interface{}](t, rec)["cancelled"])

	rec = s.do(t, http.MethodGet, "/api/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[map[string]interface{}](t, rec)
	assert.Contains(t, status, "scheduler")
	assert.Equal(t, float64(0), status["unresolved_conflicts"])
}

func TestRetryFailed(t *testing.T) {
	s := newTestServer(t)
	s.signIn(t)

	rec := s.do(t, http.MethodPost, "/api/entities/rooms", `{"name":"A"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	s.api.FailNext(http.MethodPost, "/api/rooms", 1)

	rec = s.do(t, http.MethodPost, "/api/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode[map[string]interface{}](t, rec)["failed"])

	rec = s.do(t, http.MethodPost, "/api/sync/retry-failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode[map[string]interface{}](t, rec)["requeued"])

	require.Eventually(t, func() bool {
		return len(s.api.IDs("clinic-a", models.EntityRooms)) == 1
	}, defaultWait, tick)
}
