// Package handlers provides the daemon's REST API over the local store,
// sync queue and engine.
package handlers

import (
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/vetpulse/vetsync/internal/app"
	"github.com/vetpulse/vetsync/internal/errors"
	"github.com/vetpulse/vetsync/internal/logging"
	"github.com/vetpulse/vetsync/internal/models"
	"github.com/vetpulse/vetsync/internal/sync/scheduler"
)

// Handlers serves the daemon API.
type Handlers struct {
	app       *app.App
	scheduler *scheduler.Scheduler
}

// New creates Handlers.
func New(a *app.App, s *scheduler.Scheduler) *Handlers {
	return &Handlers{app: a, scheduler: s}
}

// Register mounts every route under /api.
func (h *Handlers) Register(e *echo.Echo) {
	e.GET("/api/health", h.Health)

	api := e.Group("/api")

	api.GET("/session", h.GetSession)
	api.PUT("/session", h.SetSession)
	api.DELETE("/session", h.ClearSession)
	api.PUT("/network", h.SetNetwork)

	api.GET("/sync", h.GetSyncStatus)
	api.POST("/sync", h.RunSync)
	api.DELETE("/sync", h.CancelSync)
	api.POST("/sync/retry-failed", h.RetryFailed)
	api.POST("/sync/clear-completed", h.ClearCompleted)
	api.POST("/sync/refresh", h.Refresh)
	api.GET("/sync/operations", h.ListOperations)
	api.GET("/sync/mappings", h.ListMappings)

	api.GET("/conflicts", h.ListConflicts)
	api.POST("/conflicts", h.BulkResolve)
	api.GET("/conflicts/:id", h.GetConflict)
	api.POST("/conflicts/:id/resolve", h.ResolveConflict)

	api.GET("/entities/:type", h.ListEntities)
	api.POST("/entities/:type", h.CreateEntity)
	api.GET("/entities/:type/:id", h.GetEntity)
	api.PATCH("/entities/:type/:id", h.UpdateEntity)
	api.DELETE("/entities/:type/:id", h.DeleteEntity)
}

// Health handles GET /api/health.
func (h *Handlers) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "vetsyncd",
		"online":  h.app.Session.IsOnline(),
	})
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps error codes onto HTTP statuses.
func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrNotFound, errors.ErrConflictNotFound:
		return http.StatusNotFound
	case errors.ErrInvalid, errors.ErrValidation, errors.ErrInvalidResolution, errors.ErrUnknownEntityType:
		return http.StatusBadRequest
	case errors.ErrTenantContext:
		return http.StatusPreconditionRequired
	case errors.ErrEntityConflicted, errors.ErrConflictResolved, errors.ErrSyncInProgress:
		return http.StatusConflict
	case errors.ErrTransport:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler renders errors as ErrorResponse.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	body := ErrorResponse{Error: string(errors.ErrInternal), Message: "internal error"}

	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		body.Error = strings.ToLower(strings.ReplaceAll(http.StatusText(he.Code), " ", "_"))
		if msg, ok := he.Message.(string); ok {
			body.Message = msg
		}
	} else {
		var ae *errors.AppError
		if stderrors.As(err, &ae) {
			status = statusFor(ae.Code)
			body.Error = string(ae.Code)
			body.Message = ae.Message
		}
	}

	if status >= http.StatusInternalServerError {
		logging.Error("API request failed", err, map[string]interface{}{
			"method": c.Request().Method,
			"path":   c.Path(),
		})
	}
	_ = c.JSON(status, body)
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}

func entityType(c echo.Context) (models.EntityType, error) {
	et, err := models.ParseEntityType(c.Param("type"))
	if err != nil {
		return "", errors.Wrap(errors.ErrUnknownEntityType, err.Error(), err)
	}
	return et, nil
}

func priority(c echo.Context) (models.Priority, error) {
	p, err := models.ParsePriority(c.QueryParam("priority"))
	if err != nil {
		return "", badRequest(err.Error())
	}
	return p, nil
}
