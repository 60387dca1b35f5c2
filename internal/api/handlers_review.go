package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/castflow/castflow/internal/processor"
)

// listReview pages the failed log.
// GET /api/v1/review?page=1&page_size=20
func (s *Server) listReview(c echo.Context) error {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	entries, total, err := s.deps.Logs.ListFailed(c.Request().Context(), (page-1)*pageSize, pageSize)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"items":    entries,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

// reprocessReviewItem re-runs the cast pipeline for one failed item via
// the task slot, so it shows up in progress and cannot race a scan.
// POST /api/v1/review/:id/reprocess
func (s *Server) reprocessReviewItem(c echo.Context) error {
	itemID := c.Param("id")
	accepted, err := s.deps.Tasks.SubmitArgs("reprocess-review", map[string]any{"item_id": itemID})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !accepted {
		return echo.NewHTTPError(http.StatusConflict, "另一个任务正在运行")
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted", "itemId": itemID})
}

// openEditor starts (or refreshes) a manual-edit session for an item.
// GET /api/v1/review/:id/editor
func (s *Server) openEditor(c echo.Context) error {
	view, err := s.deps.Editor.Open(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, view)
}

// translateEditor runs the translator over the open session's entries.
// POST /api/v1/review/:id/editor/translate
func (s *Server) translateEditor(c echo.Context) error {
	view, err := s.deps.Editor.Translate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, view)
}

// saveEditor applies the edited cast and closes the session.
// POST /api/v1/review/:id/editor
func (s *Server) saveEditor(c echo.Context) error {
	var req struct {
		Entries []processor.EditEntry `json:"entries"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid editor body")
	}

	result, err := s.deps.Editor.Save(c.Request().Context(), c.Param("id"), req.Entries)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

// abandonEditor drops the session without writing anything.
// DELETE /api/v1/review/:id/editor
func (s *Server) abandonEditor(c echo.Context) error {
	s.deps.Editor.Abandon(c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}
