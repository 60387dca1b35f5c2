package collections

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// TaskSubmitter lets the handlers kick off a single-collection
// refresh without importing the task manager.
type TaskSubmitter func(key string, args map[string]any) (bool, error)

// Handlers provides HTTP handlers for collection operations.
type Handlers struct {
	store   *Store
	service *Service
	submit  TaskSubmitter
}

// NewHandlers creates a new collections handlers instance.
func NewHandlers(store *Store, service *Service, submit TaskSubmitter) *Handlers {
	return &Handlers{store: store, service: service, submit: submit}
}

// RegisterRoutes registers collection routes on an Echo group.
func (h *Handlers) RegisterRoutes(g *echo.Group) {
	g.GET("/info", h.ListInfo)
	g.GET("/custom", h.ListCustom)
	g.POST("/custom", h.CreateCustom)
	g.GET("/custom/:id", h.GetCustom)
	g.PUT("/custom/:id", h.UpdateCustom)
	g.DELETE("/custom/:id", h.DeleteCustom)
	g.POST("/custom/:id/refresh", h.RefreshCustom)
}

// ListInfo returns the native-collection snapshots.
// GET /api/v1/collections/info
func (h *Handlers) ListInfo(c echo.Context) error {
	infos, err := h.store.ListInfo(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if infos == nil {
		infos = []Info{}
	}
	return c.JSON(http.StatusOK, infos)
}

// ListCustom returns all custom collections.
// GET /api/v1/collections/custom
func (h *Handlers) ListCustom(c echo.Context) error {
	customs, err := h.store.ListCustom(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if customs == nil {
		customs = []Custom{}
	}
	return c.JSON(http.StatusOK, customs)
}

type customRequest struct {
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	ItemType   string          `json:"itemType"`
	Definition json.RawMessage `json:"definition"`
}

func (r *customRequest) validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	switch r.Type {
	case "list":
		_, err := ParseListDefinition(r.Definition)
		return err
	case "filter":
		_, err := ParseFilterDefinition(r.Definition)
		return err
	default:
		return errors.New("type must be list or filter")
	}
}

// CreateCustom adds a custom collection.
// POST /api/v1/collections/custom
func (h *Handlers) CreateCustom(c echo.Context) error {
	var req customRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	id, err := h.store.CreateCustom(c.Request().Context(), Custom{
		Name:       req.Name,
		Type:       req.Type,
		ItemType:   req.ItemType,
		Definition: req.Definition,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	created, err := h.store.GetCustom(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, created)
}

// GetCustom returns one custom collection.
// GET /api/v1/collections/custom/:id
func (h *Handlers) GetCustom(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	custom, err := h.store.GetCustom(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "collection not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, custom)
}

// UpdateCustom rewrites a custom collection's name and definition.
// PUT /api/v1/collections/custom/:id
func (h *Handlers) UpdateCustom(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req customRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := h.store.UpdateCustomDefinition(c.Request().Context(), id, req.Name, req.Definition, req.ItemType); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "collection not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	updated, err := h.store.GetCustom(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, updated)
}

// DeleteCustom removes a custom collection.
// DELETE /api/v1/collections/custom/:id
func (h *Handlers) DeleteCustom(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.store.DeleteCustom(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "collection not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// RefreshCustom queues a background refresh of one collection.
// POST /api/v1/collections/custom/:id/refresh
func (h *Handlers) RefreshCustom(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if _, err := h.store.GetCustom(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "collection not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	accepted, err := h.submit("custom-collections", map[string]any{"collection_id": id})
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
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid collection id")
	}
	return id, nil
}
