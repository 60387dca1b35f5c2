package watchlist

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// TaskSubmitter queues background watchlist tasks.
type TaskSubmitter func(key string, args map[string]any) (bool, error)

// Handlers provides HTTP handlers for watchlist operations.
type Handlers struct {
	service *Service
	submit  TaskSubmitter
}

// NewHandlers creates a new watchlist handlers instance.
func NewHandlers(service *Service, submit TaskSubmitter) *Handlers {
	return &Handlers{service: service, submit: submit}
}

// RegisterRoutes registers watchlist routes on an Echo group.
func (h *Handlers) RegisterRoutes(g *echo.Group) {
	g.GET("", h.List)
	g.POST("", h.Add)
	g.POST("/scan", h.ScanAllSeries)
	g.PUT("/:id/status", h.UpdateStatus)
	g.PUT("/:id/pause", h.Pause)
	g.DELETE("/:id", h.Remove)
}

// List returns all watchlist entries.
// GET /api/v1/watchlist
func (h *Handlers) List(c echo.Context) error {
	entries, err := h.service.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if entries == nil {
		entries = []Entry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// Add inserts one entry by hand.
// POST /api/v1/watchlist
func (h *Handlers) Add(c echo.Context) error {
	var req struct {
		ItemID string `json:"itemId"`
		TMDBID string `json:"tmdbId"`
		Name   string `json:"name"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	added, err := h.service.Add(c.Request().Context(), req.ItemID, req.TMDBID, req.Name)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]bool{"added": added})
}

// ScanAllSeries queues the bulk add-all-series task.
// POST /api/v1/watchlist/scan
func (h *Handlers) ScanAllSeries(c echo.Context) error {
	accepted, err := h.submit("add-all-series", nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !accepted {
		return echo.NewHTTPError(http.StatusConflict, "另一个任务正在运行")
	}
	return c.NoContent(http.StatusAccepted)
}

// UpdateStatus changes one entry's status.
// PUT /api/v1/watchlist/:id/status
func (h *Handlers) UpdateStatus(c echo.Context) error {
	var req struct {
		Status string `json:"status"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	err := h.service.UpdateStatus(c.Request().Context(), c.Param("id"), req.Status)
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "entry not found")
	case err != nil:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// Pause suppresses refreshes for an entry until a date.
// PUT /api/v1/watchlist/:id/pause
func (h *Handlers) Pause(c echo.Context) error {
	var req struct {
		Until string `json:"until"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	until, err := time.Parse("2006-01-02", req.Until)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "until must be YYYY-MM-DD")
	}
	if err := h.service.Pause(c.Request().Context(), c.Param("id"), until); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "entry not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// Remove deletes one entry.
// DELETE /api/v1/watchlist/:id
func (h *Handlers) Remove(c echo.Context) error {
	if err := h.service.Remove(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "entry not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
