package mgmt

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/socialbank/internal/health"
	"github.com/p-blackswan/socialbank/internal/metrics"
	"github.com/p-blackswan/socialbank/internal/requestid"
)

// ServerConfig holds configuration for the management API server.
type ServerConfig struct {
	ListenAddr string
	AuthConfig AuthConfig
	Settings   Settings
}

// Server is the management API Fiber application.
type Server struct {
	app      *fiber.App
	handlers *Handlers
	logger   zerolog.Logger
	config   ServerConfig
}

// NewServer creates and configures a new management API server. Manual
// sweeps run on baseCtx, so cancelling it aborts them on shutdown.
func NewServer(
	baseCtx context.Context,
	cfg ServerConfig,
	sweeps SweepRunner,
	checker *health.Checker,
	metricsCollector *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadTimeout:           10 * time.Second,
	})

	handlers := NewHandlers(baseCtx, sweeps, checker, cfg.Settings, logger)

	s := &Server{
		app:      app,
		handlers: handlers,
		logger:   logger.With().Str("component", "mgmt_server").Logger(),
		config:   cfg,
	}

	s.setupMiddleware(cfg, metricsCollector, logger)
	s.setupRoutes(handlers, metricsCollector)

	return s
}

func isProbe(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

func (s *Server) setupMiddleware(cfg ServerConfig, metricsCollector *metrics.Metrics, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID: honour the caller's, otherwise mint one.
	s.app.Use(func(c *fiber.Ctx) error {
		reqID := c.Get(requestid.Header)
		var ctx context.Context
		if reqID == "" {
			ctx, reqID = requestid.New(c.UserContext())
		} else {
			ctx = requestid.WithRequestID(c.UserContext(), reqID)
		}
		c.SetUserContext(ctx)
		c.Set(requestid.Header, reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	if metricsCollector != nil {
		s.app.Use(func(c *fiber.Ctx) error {
			err := c.Next()
			status := c.Response().StatusCode()
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			}
			route := c.Route().Path
			metricsCollector.RecordRequest(route, statusClass(status))
			return err
		})
	}

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, logger))

	// Audit middleware (log every non-probe request)
	s.app.Use(func(c *fiber.Ctx) error {
		if isProbe(c.Path()) {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()

		logger.Info().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Str("ip", c.IP()).
			Int("status", c.Response().StatusCode()).
			Dur("latency", time.Since(start)).
			Interface("request_id", c.Locals("request_id")).
			Msg("mgmt api request")

		return err
	})
}

func (s *Server) setupRoutes(h *Handlers, metricsCollector *metrics.Metrics) {
	// Probe endpoints (no auth required, handled in auth middleware)
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)

	if metricsCollector != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(metricsCollector.Handler()))
	} else {
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			return c.SendString("# No metrics collector configured\n")
		})
	}

	v1 := s.app.Group("/api/v1")

	v1.Post("/sweeps", requireRole(RoleOperator), h.TriggerSweep)
	v1.Get("/sweeps/last", h.LastSweep)

	v1.Get("/health", h.HealthDetail)
	v1.Get("/config", h.GetConfig)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8090"
	}

	s.logger.Info().Str("addr", addr).Msg("management API server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("management API server shutting down")
	return s.app.ShutdownWithContext(ctx)
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			logger.Error().
				Err(err).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Msg("unhandled error")
			// Don't leak internal details
			detail = "An internal error occurred"
		}

		return problemResponse(c, code, "request_failed", utils.StatusMessage(code), detail)
	}
}
