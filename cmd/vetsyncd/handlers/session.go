package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vetpulse/vetsync/internal/tenant"
)

type sessionResponse struct {
	Active bool          `json:"active"`
	Scope  *tenant.Scope `json:"scope,omitempty"`
	Online bool          `json:"online"`
}

func (h *Handlers) session() sessionResponse {
	resp := sessionResponse{Online: h.app.Session.IsOnline()}
	if scope, err := h.app.Session.Scope(); err == nil {
		resp.Active = true
		resp.Scope = &scope
	}
	return resp
}

// GetSession handles GET /api/session.
func (h *Handlers) GetSession(c echo.Context) error {
	return c.JSON(http.StatusOK, h.session())
}

// SetSession handles PUT /api/session and switches the active tenant.
func (h *Handlers) SetSession(c echo.Context) error {
	var scope tenant.Scope
	if err := c.Bind(&scope); err != nil {
		return badRequest("invalid request body")
	}
	if err := h.app.Session.SetScope(scope); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.session())
}

// ClearSession handles DELETE /api/session (logout). A running drain is cancelled.
func (h *Handlers) ClearSession(c echo.Context) error {
	h.app.Engine.CancelSync()
	h.app.Session.Clear()
	return c.NoContent(http.StatusNoContent)
}

// SetNetwork handles PUT /api/network. Going online triggers a drain.
func (h *Handlers) SetNetwork(c echo.Context) error {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := c.Bind(&req); err != nil || req.Online == nil {
		return badRequest("online is required")
	}
	h.app.Session.SetOnline(*req.Online)
	return c.JSON(http.StatusOK, h.session())
}
