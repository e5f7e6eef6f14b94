package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vetpulse/vetsync/internal/errors"
	"github.com/vetpulse/vetsync/internal/models"
)

// ListConflicts handles GET /api/conflicts[?all=true].
func (h *Handlers) ListConflicts(c echo.Context) error {
	ctx := c.Request().Context()
	scope, err := h.app.Session.Scope()
	if err != nil {
		return err
	}

	var conflicts []models.Conflict
	if c.QueryParam("all") == "true" {
		conflicts, err = h.app.Conflicts.GetAllConflicts(ctx, scope)
	} else {
		conflicts, err = h.app.Conflicts.GetUnresolvedConflicts(ctx, scope)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conflicts)
}

// GetConflict handles GET /api/conflicts/:id.
func (h *Handlers) GetConflict(c echo.Context) error {
	scope, err := h.app.Session.Scope()
	if err != nil {
		return err
	}
	conflict, err := h.app.Conflicts.Get(c.Request().Context(), scope, c.Param("id"))
	if err != nil {
		return err
	}
	if conflict == nil {
		return errors.Newf(errors.ErrConflictNotFound, "conflict %s not found", c.Param("id"))
	}
	return c.JSON(http.StatusOK, conflict)
}

func parseResolution(s string) (models.Resolution, error) {
	r, err := models.ParseResolution(s)
	if err != nil {
		return "", errors.Wrap(errors.ErrInvalidResolution, err.Error(), err)
	}
	return r, nil
}

// ResolveConflict handles POST /api/conflicts/:id/resolve.
// Body: {"resolution": "keep-local|keep-remote|merge", "merged": {...}}.
func (h *Handlers) ResolveConflict(c echo.Context) error {
	var req struct {
		Resolution string          `json:"resolution"`
		Merged     json.RawMessage `json:"merged"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	resolution, err := parseResolution(req.Resolution)
	if err != nil {
		return err
	}
	scope, err := h.app.Session.Scope()
	if err != nil {
		return err
	}

	result, err := h.app.Resolver.ResolveConflict(c.Request().Context(), scope, c.Param("id"), resolution, req.Merged)
	if err != nil {
		return err
	}
	if result.Requeued != nil {
		h.scheduler.TriggerSync(c.Request().Context())
	}
	return c.JSON(http.StatusOK, result)
}

// BulkResolve handles POST /api/conflicts.
// Body: {"ids": [...], "resolution": "keep-local|keep-remote|merge"}. An empty
// id list resolves every unresolved conflict.
func (h *Handlers) BulkResolve(c echo.Context) error {
	var req struct {
		IDs        []string `json:"ids"`
		Resolution string   `json:"resolution"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	resolution, err := parseResolution(req.Resolution)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	scope, err := h.app.Session.Scope()
	if err != nil {
		return err
	}

	ids := req.IDs
	if len(ids) == 0 {
		open, err := h.app.Conflicts.GetUnresolvedConflicts(ctx, scope)
		if err != nil {
			return err
		}
		for _, cf := range open {
			ids = append(ids, cf.ID)
		}
	}

	result, err := h.app.Resolver.BulkResolveConflicts(ctx, scope, ids, resolution)
	if err != nil {
		return err
	}
	failed := make(map[string]string, len(result.Failed))
	for id, ferr := range result.Failed {
		failed[id] = ferr.Error()
	}
	if len(result.Resolved) > 0 {
		h.scheduler.TriggerSync(ctx)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resolved": result.Resolved,
		"failed":   failed,
	})
}
