package mgmt

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/socialbank/internal/health"
	"github.com/p-blackswan/socialbank/internal/requestid"
	"github.com/p-blackswan/socialbank/internal/sweeper"
)

// SweepRunner runs sweeps exclusively and reports the last one.
type SweepRunner interface {
	Run(ctx context.Context) (sweeper.Result, error)
	Last() (sweeper.Report, bool)
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	baseCtx   context.Context
	sweeps    SweepRunner
	checker   *health.Checker
	settings  Settings
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(baseCtx context.Context, sweeps SweepRunner, checker *health.Checker, settings Settings, logger zerolog.Logger) *Handlers {
	return &Handlers{
		baseCtx:   baseCtx,
		sweeps:    sweeps,
		checker:   checker,
		settings:  settings,
		logger:    logger.With().Str("component", "handlers").Logger(),
		startTime: time.Now(),
	}
}

// TriggerSweep handles POST /api/v1/sweeps. The sweep runs to completion
// before the response is written; the run id is the request id.
func (h *Handlers) TriggerSweep(c *fiber.Ctx) error {
	ctx := requestid.WithRequestID(h.baseCtx, requestid.FromContext(c.UserContext()))

	res, err := h.sweeps.Run(ctx)
	switch {
	case errors.Is(err, sweeper.ErrSweepInProgress):
		return problemResponse(c, fiber.StatusConflict,
			"sweep_in_progress", "Conflict",
			"A session expiry sweep is already running")
	case err != nil:
		h.logger.Error().Err(err).Str("run_id", res.RunID).Msg("manual sweep failed")
		return problemResponse(c, fiber.StatusBadGateway,
			"sweep_failed", "Sweep Failed",
			err.Error())
	}

	h.logger.Info().Str("run_id", res.RunID).Int("expired", res.Expired).Msg("manual sweep completed")
	return c.JSON(sweeper.Report{Result: res})
}

// LastSweep handles GET /api/v1/sweeps/last.
func (h *Handlers) LastSweep(c *fiber.Ctx) error {
	report, ok := h.sweeps.Last()
	if !ok {
		return problemResponse(c, fiber.StatusNotFound,
			"no_sweep_yet", "Not Found",
			"No sweep has run since the service started")
	}
	return c.JSON(report)
}

// HealthDetail handles GET /api/v1/health.
func (h *Handlers) HealthDetail(c *fiber.Ctx) error {
	ready, results := h.checker.Ready(c.UserContext())

	overall := "ok"
	if !ready {
		overall = "degraded"
	}

	return c.JSON(HealthDetailResponse{
		Status: overall,
		Checks: results,
		Uptime: time.Since(h.startTime).Round(time.Second).String(),
	})
}

// GetConfig handles GET /api/v1/config.
func (h *Handlers) GetConfig(c *fiber.Ctx) error {
	return c.JSON(ConfigResponse{
		Settings:              h.settings,
		SessionTimeoutSeconds: int(h.settings.SessionTimeout / time.Second),
	})
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	ready, results := h.checker.Ready(c.UserContext())
	if !ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
			"checks": results,
		})
	}
	return c.JSON(fiber.Map{"status": "ready", "checks": results})
}
