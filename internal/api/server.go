package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/slipstream/bgdownload/internal/api/handlers"
	apimw "github.com/slipstream/bgdownload/internal/api/middleware"
	"github.com/slipstream/bgdownload/internal/api/ratelimit"
	"github.com/slipstream/bgdownload/internal/config"
	"github.com/slipstream/bgdownload/internal/health"
)

// WebSocketHandler upgrades a request to a push connection.
type WebSocketHandler interface {
	HandleWebSocket(c echo.Context) error
}

// HealthChecker reports the state of the folders the download writes to.
type HealthChecker interface {
	Check() []health.FolderStatus
}

// Deps holds the services exposed over HTTP. Nil optional services disable
// their routes.
type Deps struct {
	Downloader    Downloader
	Tasks         handlers.TaskLister
	Logs          LogsProvider
	Notifications NotificationProvider
	Hub           WebSocketHandler
	Health        HealthChecker
	Clock         clockwork.Clock
}

// Server handles HTTP requests for the download service API.
type Server struct {
	echo      *echo.Echo
	deps      Deps
	logger    zerolog.Logger
	startedAt time.Time
	limiter   *ratelimit.Limiter
}

// NewServer creates a new API server instance.
func NewServer(deps Deps, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	s := &Server{
		echo:      e,
		deps:      deps,
		logger:    logger.With().Str("component", "api").Logger(),
		startedAt: deps.Clock.Now(),
		limiter:   ratelimit.NewLimiter(ratelimit.DefaultConfig(), deps.Clock),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(apimw.SecurityHeaders())

	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
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

	s.echo.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Level: 5,
		Skipper: func(c echo.Context) bool {
			return c.Request().Header.Get("Upgrade") == "websocket"
		},
	}))
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)

	if s.deps.Hub != nil {
		s.echo.GET("/ws", s.deps.Hub.HandleWebSocket)
	}

	api := s.echo.Group("/api/v1")
	api.GET("/status", s.getStatus)

	if s.deps.Downloader != nil {
		download := api.Group("/download")
		download.GET("/state", s.getState)
		download.GET("/schedule", s.getSchedule)
		download.POST("/schedule", s.scheduleDownload, s.limiter.Middleware())
	}

	if s.deps.Tasks != nil {
		schedulerHandler := handlers.NewSchedulerHandler(s.deps.Tasks)
		api.GET("/wakeups", schedulerHandler.ListTasks)
		api.GET("/wakeups/:id", schedulerHandler.GetTask)
	}

	if s.deps.Logs != nil {
		NewLogsHandlers(s.deps.Logs).RegisterRoutes(api.Group("/logs"))
	}

	if s.deps.Notifications != nil {
		notifications := api.Group("/notifications")
		notifications.GET("", s.listNotifications)
		notifications.POST("/test", s.testNotifications, s.limiter.Middleware())
	}
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

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) healthCheck(c echo.Context) error {
	if s.deps.Health == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"status": "ok"})
	}

	folders := s.deps.Health.Check()
	if !health.Healthy(folders) {
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "degraded",
			"folders": folders,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"folders": folders,
	})
}

func (s *Server) getStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"version":       config.Version,
		"startTime":     s.startedAt.UTC().Format(time.RFC3339),
		"uptimeSeconds": int64(s.deps.Clock.Since(s.startedAt).Seconds()),
	})
}
