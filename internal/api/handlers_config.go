package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/castflow/castflow/internal/config"
)

// getConfig returns the live configuration.
// GET /api/v1/config
func (s *Server) getConfig(c echo.Context) error {
	cfg := s.deps.Config.Current()
	return c.JSON(http.StatusOK, cfg)
}

// updateConfig validates, persists and hot-swaps the configuration.
// Services pick the new values up on their next run.
// POST /api/v1/config
func (s *Server) updateConfig(c echo.Context) error {
	var cfg config.Config
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid config body")
	}
	if err := s.deps.Config.Update(cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.logger.Info().Msg("configuration updated")
	return c.JSON(http.StatusOK, s.deps.Config.Current())
}
