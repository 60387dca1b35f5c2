package update

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handlers provides HTTP handlers for the release checker.
type Handlers struct {
	service *Service
}

// NewHandlers creates a new update handlers instance.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers update routes on an Echo group.
func (h *Handlers) RegisterRoutes(g *echo.Group) {
	g.GET("", h.Status)
	g.POST("/check", h.Check)
}

// Status returns the last known check result.
// GET /api/v1/update
func (h *Handlers) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.Status())
}

// Check forces a release check.
// POST /api/v1/update/check
func (h *Handlers) Check(c echo.Context) error {
	status, err := h.service.Check(c.Request().Context(), true)
	if err != nil {
		return c.JSON(http.StatusOK, status)
	}
	return c.JSON(http.StatusOK, status)
}
