// Package api assembles the HTTP surface: public auth and webhook
// routes, the token-protected admin API, and the websocket upgrade.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	apimw "github.com/castflow/castflow/internal/api/middleware"
	"github.com/castflow/castflow/internal/auth"
	"github.com/castflow/castflow/internal/collections"
	"github.com/castflow/castflow/internal/config"
	"github.com/castflow/castflow/internal/database"
	"github.com/castflow/castflow/internal/logstore"
	"github.com/castflow/castflow/internal/processor"
	"github.com/castflow/castflow/internal/subscriptions"
	"github.com/castflow/castflow/internal/tasks"
	"github.com/castflow/castflow/internal/update"
	"github.com/castflow/castflow/internal/watchlist"
	"github.com/castflow/castflow/internal/webhook"
	"github.com/castflow/castflow/internal/websocket"
)

// Deps carries the wired services the server exposes. Construction
// happens in main; the server only routes.
type Deps struct {
	Config   *config.Manager
	Auth     *auth.Handlers
	Hub      *websocket.Hub
	Tasks    *tasks.Manager
	Logs     *logstore.Store
	Editor   *processor.Editor
	Transfer *database.Transfer
	Version  string

	Collections   *collections.Handlers
	Watchlist     *watchlist.Handlers
	Subscriptions *subscriptions.Handlers
	Update        *update.Handlers
	Webhook       *webhook.Handlers
}

// Server handles HTTP requests for the CastFlow API.
type Server struct {
	echo      *echo.Echo
	deps      Deps
	startedAt time.Time
	logger    zerolog.Logger
}

// NewServer creates the API server and registers all routes.
func NewServer(deps Deps, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		deps:      deps,
		startedAt: time.Now(),
		logger:    logger.With().Str("component", "api").Logger(),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(echomw.Recover())
	s.echo.Use(echomw.RequestID())
	s.echo.Use(apimw.SecurityHeaders())

	s.echo.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	s.echo.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Err(v.Error).
					Msg("request error")
			} else {
				s.logger.Debug().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Msg("request")
			}
			return nil
		},
	}))

	s.echo.Use(echomw.GzipWithConfig(echomw.GzipConfig{
		Level: 5,
		Skipper: func(c echo.Context) bool {
			return c.Request().Header.Get("Upgrade") == "websocket"
		},
	}))
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)

	api := s.echo.Group("/api/v1")

	// Public routes: login itself, and the webhook — the media server
	// cannot attach bearer tokens to its notifications.
	s.deps.Auth.RegisterRoutes(api.Group("/auth"))
	if s.deps.Webhook != nil {
		s.deps.Webhook.RegisterRoutes(api.Group("/webhook"))
	}

	// The websocket upgrade stays public too; browsers cannot set the
	// Authorization header on a websocket handshake.
	api.GET("/ws", s.deps.Hub.HandleWebSocket)

	protected := api.Group("", s.deps.Auth.Middleware())

	protected.GET("/status", s.getStatus)

	protected.GET("/config", s.getConfig)
	protected.POST("/config", s.updateConfig)

	protected.GET("/tasks", s.listTasks)
	protected.GET("/tasks/status", s.taskStatus)
	protected.POST("/tasks/trigger/:key", s.triggerTask)
	protected.POST("/tasks/stop", s.stopTask)

	protected.GET("/review", s.listReview)
	protected.POST("/review/:id/reprocess", s.reprocessReviewItem)
	protected.GET("/review/:id/editor", s.openEditor)
	protected.POST("/review/:id/editor/translate", s.translateEditor)
	protected.POST("/review/:id/editor", s.saveEditor)
	protected.DELETE("/review/:id/editor", s.abandonEditor)

	protected.GET("/database/tables", s.listDatabaseTables)
	protected.GET("/database/export", s.exportDatabase)
	protected.POST("/database/import", s.importDatabase)

	s.deps.Collections.RegisterRoutes(protected.Group("/collections"))
	s.deps.Watchlist.RegisterRoutes(protected.Group("/watchlist"))
	s.deps.Subscriptions.RegisterRoutes(protected.Group("/subscriptions"))
	s.deps.Update.RegisterRoutes(protected.Group("/update"))
}

// Start begins listening for HTTP requests.
func (s *Server) Start(address string) error {
	s.logger.Info().Str("address", address).Msg("starting HTTP server")
	return s.echo.Start(address)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying Echo instance (for tests and static files).
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(c echo.Context) error {
	processed, failed, err := s.deps.Logs.Counts(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"version":        s.deps.Version,
		"startedAt":      s.startedAt.Format(time.RFC3339),
		"processedCount": processed,
		"reviewCount":    failed,
		"taskRunning":    s.deps.Tasks.Status().Running,
	})
}
