package subscriptions

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// TaskSubmitter queues background subscription scans.
type TaskSubmitter func(key string, args map[string]any) (bool, error)

// Handlers provides HTTP handlers for actor subscriptions.
type Handlers struct {
	service *Service
	submit  TaskSubmitter
}

// NewHandlers creates a new subscriptions handlers instance.
func NewHandlers(service *Service, submit TaskSubmitter) *Handlers {
	return &Handlers{service: service, submit: submit}
}

// RegisterRoutes registers subscription routes on an Echo group.
func (h *Handlers) RegisterRoutes(g *echo.Group) {
	g.GET("", h.List)
	g.POST("", h.Subscribe)
	g.GET("/:id", h.Get)
	g.PUT("/:id/status", h.SetStatus)
	g.DELETE("/:id", h.Unsubscribe)
	g.POST("/:id/scan", h.Scan)
}

// List returns all subscriptions.
// GET /api/v1/subscriptions
func (h *Handlers) List(c echo.Context) error {
	subs, err := h.service.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if subs == nil {
		subs = []Subscription{}
	}
	return c.JSON(http.StatusOK, subs)
}

// Subscribe follows a new actor.
// POST /api/v1/subscriptions
func (h *Handlers) Subscribe(c echo.Context) error {
	var req Subscription
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := h.service.Subscribe(c.Request().Context(), req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sub, err := h.service.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, sub)
}

// Get returns one subscription with its tracked works.
// GET /api/v1/subscriptions/:id
func (h *Handlers) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sub, err := h.service.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "subscription not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	tracked, err := h.service.TrackedFor(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if tracked == nil {
		tracked = []TrackedMedia{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"subscription": sub,
		"tracked":      tracked,
	})
}

// SetStatus activates or pauses a subscription.
// PUT /api/v1/subscriptions/:id/status
func (h *Handlers) SetStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	err = h.service.SetStatus(c.Request().Context(), id, req.Status)
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "subscription not found")
	case err != nil:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// Unsubscribe removes a subscription and its tracked works.
// DELETE /api/v1/subscriptions/:id
func (h *Handlers) Unsubscribe(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.service.Unsubscribe(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "subscription not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// Scan queues a tracking scan for one subscription.
// POST /api/v1/subscriptions/:id/scan
func (h *Handlers) Scan(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if _, err := h.service.Get(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "subscription not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	accepted, err := h.submit("actor-tracking", map[string]any{"subscription_id": id})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !accepted {
		return echo.NewHTTPError(http.StatusConflict, "另一个任务正在运行")
	}
	return c.NoContent(http.StatusAccepted)
}

func parseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid subscription id")
	}
	return id, nil
}
