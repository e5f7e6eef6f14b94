package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vetpulse/vetsync/internal/models"
	syncpkg "github.com/vetpulse/vetsync/internal/sync"
)

// =====================================================
// Sync Status and Trigger Endpoints
// =====================================================

// GetSyncStatus handles GET /api/sync.
// Returns scheduler and engine state, queue statistics and the last sync time.
func (h *Handlers) GetSyncStatus(c echo.Context) error {
	ctx := c.Request().Context()
	status := h.scheduler.Status(ctx)

	response := map[string]interface{}{
		"scheduler": status,
	}
	if scope, err := h.app.Session.Scope(); err == nil {
		if at, err := h.app.Engine.LastSyncAt(ctx, scope); err == nil && at != nil {
			response["last_sync_at"] = at
		}
		if n, err := h.app.Conflicts.CountUnresolved(ctx, scope); err == nil {
			response["unresolved_conflicts"] = n
		}
	}
	return c.JSON(http.StatusOK, response)
}

// RunSync handles POST /api/sync and waits for the drain to finish.
func (h *Handlers) RunSync(c echo.Context) error {
	result, err := h.scheduler.SyncNow(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// CancelSync handles DELETE /api/sync.
func (h *Handlers) CancelSync(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"cancelled": h.app.Engine.CancelSync(),
	})
}

// RetryFailed handles POST /api/sync/retry-failed.
func (h *Handlers) RetryFailed(c echo.Context) error {
	ctx := c.Request().Context()
	scope, err := h.app.Session.Scope()
	if err != nil {
		return err
	}
	n, err := h.app.Queue.RetryFailed(ctx, scope)
	if err != nil {
		return err
	}
	if n > 0 {
		h.scheduler.TriggerSync(ctx)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"requeued": n})
}

// ClearCompleted handles POST /api/sync/clear-completed.
func (h *Handlers) ClearCompleted(c echo.Context) error {
	scope, err := h.app.Session.Scope()
	if err != nil {
		return err
	}
	n, err := h.app.Queue.ClearCompleted(c.Request().Context(), scope)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"cleared": n})
}

// Refresh handles POST /api/sync/refresh[?type=pets].
func (h *Handlers) Refresh(c echo.Context) error {
	ctx := c.Request().Context()
	if t := c.QueryParam("type"); t != "" {
		et, err := models.ParseEntityType(t)
		if err != nil {
			return badRequest(err.Error())
		}
		n, err := h.app.Engine.RefreshEntityType(ctx, et)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[models.EntityType]int{et: n})
	}

	counts, err := h.app.Engine.RefreshAll(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, counts)
}

// ListOperations handles GET /api/sync/operations[?status=failed].
func (h *Handlers) ListOperations(c echo.Context) error {
	scope, err := h.app.Session.Scope()
	if err != nil {
		return err
	}
	var statuses []models.OperationStatus
	if s := c.QueryParam("status"); s != "" {
		statuses = append(statuses, models.OperationStatus(s))
	}
	ops, err := h.app.Queue.List(c.Request().Context(), scope, statuses...)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ops)
}

// ListMappings handles GET /api/sync/mappings.
func (h *Handlers) ListMappings(c echo.Context) error {
	scope, err := h.app.Session.Scope()
	if err != nil {
		return err
	}
	mappings, err := syncpkg.ListMappings(c.Request().Context(), h.app.DB, scope)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, mappings)
}
