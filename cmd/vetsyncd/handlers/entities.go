package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

func readJSON(c echo.Context) (json.RawMessage, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil || !json.Valid(body) {
		return nil, badRequest("request body must be JSON")
	}
	return body, nil
}

// ListEntities handles GET /api/entities/:type.
func (h *Handlers) ListEntities(c echo.Context) error {
	et, err := entityType(c)
	if err != nil {
		return err
	}
	recs, err := h.app.Entities.List(c.Request().Context(), et)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, recs)
}

// GetEntity handles GET /api/entities/:type/:id.
func (h *Handlers) GetEntity(c echo.Context) error {
	et, err := entityType(c)
	if err != nil {
		return err
	}
	rec, err := h.app.Entities.Get(c.Request().Context(), et, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// CreateEntity handles POST /api/entities/:type[?priority=high].
func (h *Handlers) CreateEntity(c echo.Context) error {
	et, err := entityType(c)
	if err != nil {
		return err
	}
	p, err := priority(c)
	if err != nil {
		return err
	}
	data, err := readJSON(c)
	if err != nil {
		return err
	}
	rec, err := h.app.Entities.Create(c.Request().Context(), et, data, p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rec)
}

// UpdateEntity handles PATCH /api/entities/:type/:id.
func (h *Handlers) UpdateEntity(c echo.Context) error {
	et, err := entityType(c)
	if err != nil {
		return err
	}
	p, err := priority(c)
	if err != nil {
		return err
	}
	patch, err := readJSON(c)
	if err != nil {
		return err
	}
	rec, err := h.app.Entities.Update(c.Request().Context(), et, c.Param("id"), patch, p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// DeleteEntity handles DELETE /api/entities/:type/:id.
func (h *Handlers) DeleteEntity(c echo.Context) error {
	et, err := entityType(c)
	if err != nil {
		return err
	}
	p, err := priority(c)
	if err != nil {
		return err
	}
	if err := h.app.Entities.Delete(c.Request().Context(), et, c.Param("id"), p); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
