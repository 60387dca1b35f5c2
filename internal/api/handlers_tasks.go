package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// listTasks returns every registered task definition.
// GET /api/v1/tasks
func (s *Server) listTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Tasks.Definitions())
}

// taskStatus snapshots the execution slot and recent log lines.
// GET /api/v1/tasks/status
func (s *Server) taskStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Tasks.Status())
}

// triggerTask starts a task. The body, when present, is passed to the
// task as arguments ({"force": true}, {"collection_id": 3}, ...).
// POST /api/v1/tasks/trigger/:key
func (s *Server) triggerTask(c echo.Context) error {
	key := c.Param("key")

	var args map[string]any
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&args); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid task arguments")
		}
	}

	accepted, err := s.deps.Tasks.SubmitArgs(key, args)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if !accepted {
		return echo.NewHTTPError(http.StatusConflict, "另一个任务正在运行")
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted", "key": key})
}

// stopTask cancels the running task.
// POST /api/v1/tasks/stop
func (s *Server) stopTask(c echo.Context) error {
	if !s.deps.Tasks.Stop() {
		return echo.NewHTTPError(http.StatusConflict, "没有正在运行的任务")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "stopping"})
}
