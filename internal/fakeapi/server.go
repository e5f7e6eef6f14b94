// Package fakeapi is an in-memory, versioned, multi-tenant stand-in for the
// host application's REST API. It backs cmd/fakeapi for local development
// and the engine's end-to-end tests.
package fakeapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/vetpulse/vetsync/internal/logging"
	"github.com/vetpulse/vetsync/internal/models"
	"github.com/vetpulse/vetsync/internal/sync/remote"
)

// Options configures a Server.
type Options struct {
	// Token, when set, must be presented as a bearer token.
	Token string
	// RequestLog enables echo's request logger.
	RequestLog bool
}

type record struct {
	fields    map[string]json.RawMessage
	version   int64
	updatedAt time.Time
}

func (r *record) marshal(id string) json.RawMessage {
	obj := make(map[string]json.RawMessage, len(r.fields)+3)
	for k, v := range r.fields {
		obj[k] = v
	}
	obj["id"], _ = json.Marshal(id)
	obj["version"], _ = json.Marshal(r.version)
	obj["updated_at"], _ = json.Marshal(r.updatedAt.UTC().Format(time.RFC3339Nano))
	out, _ := json.Marshal(obj)
	return out
}

type collection map[string]*record

// Server is the fake host API.
type Server struct {
	opts Options
	e    *echo.Echo

	mu       sync.Mutex
	data     map[string]map[models.EntityType]collection
	failures map[string]int
	requests []string
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Current json.RawMessage `json:"current,omitempty"`
}

// New creates a Server with routes for every entity type.
func New(opts Options) *Server {
	s := &Server{
		opts:     opts,
		data:     make(map[string]map[models.EntityType]collection),
		failures: make(map[string]int),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	if opts.RequestLog {
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogMethod: true,
			LogURI:    true,
			LogStatus: true,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				logging.Info("fakeapi request", map[string]interface{}{
					"method": v.Method,
					"uri":    v.URI,
					"status": v.Status,
				})
				return nil
			},
		}))
	}

	e.GET("/api/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "vetsync-fakeapi"})
	})

	api := e.Group("/api", s.tenantMiddleware)
	for _, et := range models.EntityTypes() {
		h := &handlers{s: s, et: et}
		path := "/" + models.EndpointPath(et)
		api.GET(path, h.list)
		api.POST(path, h.create)
		api.GET(path+"/:id", h.get)
		api.PATCH(path+"/:id", h.update)
		api.PUT(path+"/:id", h.update)
		api.DELETE(path+"/:id", h.delete)
	}

	s.e = e
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	return s.e.Start(addr)
}

// Echo exposes the underlying echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.e
}

func (s *Server) tenantMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		if s.opts.Token != "" && req.Header.Get(echo.HeaderAuthorization) != "Bearer "+s.opts.Token {
			return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Message: "invalid token"})
		}
		if req.Header.Get(remote.HeaderTenant) == "" {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "tenant_required", Message: "missing " + remote.HeaderTenant})
		}

		s.mu.Lock()
		s.requests = append(s.requests, req.Method+" "+req.URL.Path)
		key := failureKey(req.Method, req.URL.Path)
		fail := s.failures[key] > 0
		if fail {
			s.failures[key]--
		}
		s.mu.Unlock()

		if fail {
			return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "unavailable", Message: "injected failure"})
		}
		return next(c)
	}
}

func failureKey(method, path string) string {
	return method + " " + path
}

func (s *Server) collection(tenantID string, et models.EntityType) collection {
	byType, ok := s.data[tenantID]
	if !ok {
		byType = make(map[models.EntityType]collection)
		s.data[tenantID] = byType
	}
	col, ok := byType[et]
	if !ok {
		col = make(collection)
		byType[et] = col
	}
	return col
}

type handlers struct {
	s  *Server
	et models.EntityType
}

func decodeFields(c echo.Context) (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.NewDecoder(c.Request().Body).Decode(&fields); err != nil {
		return nil, err
	}
	for _, k := range []string{"id", "version", "updated_at"} {
		delete(fields, k)
	}
	return fields, nil
}

func notFound(c echo.Context, id string) error {
	return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: fmt.Sprintf("record %s not found", id)})
}

func (h *handlers) list(c echo.Context) error {
	tenantID := c.Request().Header.Get(remote.HeaderTenant)

	h.s.mu.Lock()
	col := h.s.collection(tenantID, h.et)
	keys := make([]string, 0, len(col))
	for id := range col {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	items := make([]json.RawMessage, 0, len(keys))
	for _, id := range keys {
		items = append(items, col[id].marshal(id))
	}
	h.s.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]interface{}{"items": items})
}

func (h *handlers) get(c echo.Context) error {
	tenantID := c.Request().Header.Get(remote.HeaderTenant)
	id := c.Param("id")

	h.s.mu.Lock()
	rec, ok := h.s.collection(tenantID, h.et)[id]
	var body json.RawMessage
	if ok {
		body = rec.marshal(id)
	}
	h.s.mu.Unlock()

	if !ok {
		return notFound(c, id)
	}
	return c.JSONBlob(http.StatusOK, body)
}

func (h *handlers) create(c echo.Context) error {
	tenantID := c.Request().Header.Get(remote.HeaderTenant)

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(c.Request().Body).Decode(&raw); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
	}
	id := uuid.NewString()
	if v, ok := raw["id"]; ok {
		var clientID string
		if json.Unmarshal(v, &clientID) == nil && clientID != "" {
			id = clientID
		}
	}
	for _, k := range []string{"id", "version", "updated_at"} {
		delete(raw, k)
	}

	h.s.mu.Lock()
	col := h.s.collection(tenantID, h.et)
	if _, exists := col[id]; exists {
		h.s.mu.Unlock()
		return c.JSON(http.StatusConflict, ErrorResponse{Error: "duplicate", Message: fmt.Sprintf("record %s exists", id)})
	}
	rec := &record{fields: raw, version: 1, updatedAt: time.Now()}
	col[id] = rec
	body := rec.marshal(id)
	h.s.mu.Unlock()

	return c.JSONBlob(http.StatusCreated, body)
}

func (h *handlers) update(c echo.Context) error {
	tenantID := c.Request().Header.Get(remote.HeaderTenant)
	id := c.Param("id")

	fields, err := decodeFields(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
	}

	var expected int64 = -1
	if m := strings.Trim(c.Request().Header.Get("If-Match"), `"`); m != "" {
		if expected, err = strconv.ParseInt(m, 10, 64); err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "If-Match must be a version number"})
		}
	}

	h.s.mu.Lock()
	defer h.s.mu.Unlock()

	rec, ok := h.s.collection(tenantID, h.et)[id]
	if !ok {
		return notFound(c, id)
	}
	if expected >= 0 && expected != rec.version {
		return c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "version_conflict",
			Message: fmt.Sprintf("record is at version %d, not %d", rec.version, expected),
			Current: rec.marshal(id),
		})
	}

	if c.Request().Method == http.MethodPut {
		rec.fields = fields
	} else {
		for k, v := range fields {
			rec.fields[k] = v
		}
	}
	rec.version++
	rec.updatedAt = time.Now()
	return c.JSONBlob(http.StatusOK, rec.marshal(id))
}

func (h *handlers) delete(c echo.Context) error {
	tenantID := c.Request().Header.Get(remote.HeaderTenant)
	id := c.Param("id")

	h.s.mu.Lock()
	col := h.s.collection(tenantID, h.et)
	_, ok := col[id]
	delete(col, id)
	h.s.mu.Unlock()

	if !ok {
		return notFound(c, id)
	}
	return c.NoContent(http.StatusNoContent)
}

// Seed stores a record directly and returns its version.
func (s *Server) Seed(tenantID string, et models.EntityType, id string, data json.RawMessage) (int64, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &fields); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	col := s.collection(tenantID, et)
	rec, ok := col[id]
	if !ok {
		rec = &record{fields: map[string]json.RawMessage{}}
		col[id] = rec
	}
	for k, v := range fields {
		rec.fields[k] = v
	}
	rec.version++
	rec.updatedAt = time.Now()
	return rec.version, nil
}

// Record returns the stored record as the API would answer it.
func (s *Server) Record(tenantID string, et models.EntityType, id string) (json.RawMessage, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.collection(tenantID, et)[id]
	if !ok {
		return nil, 0, false
	}
	return rec.marshal(id), rec.version, true
}

// IDs returns the record ids of et for a tenant, sorted.
func (s *Server) IDs(tenantID string, et models.EntityType) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	col := s.collection(tenantID, et)
	out := make([]string, 0, len(col))
	for id := range col {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// FailNext makes the next n requests with method to path answer 503.
// path is the full request path, e.g. "/api/pets".
func (s *Server) FailNext(method, path string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[failureKey(method, path)] += n
}

// Requests returns "METHOD path" for every tenant-scoped request so far.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}
