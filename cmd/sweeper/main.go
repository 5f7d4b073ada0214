package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/socialbank/internal/config"
	"github.com/p-blackswan/socialbank/internal/health"
	"github.com/p-blackswan/socialbank/internal/mgmt"
	"github.com/p-blackswan/socialbank/internal/scheduler"
	"github.com/p-blackswan/socialbank/internal/sweeper"
)

const (
	sweepJob     = "session-expiry-sweep"
	retentionJob = "audit-retention"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()
	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	if cfg.IsDevelopment() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		log.Logger = logger
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("store_driver", cfg.StoreDriver).
		Str("notifier", cfg.Notifier).
		Bool("redis_enabled", cfg.RedisEnabled()).
		Int("session_timeout_seconds", cfg.SessionTimeoutSeconds).
		Bool("once", *once).
		Msg("starting session expiry sweeper")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *once, logger); err != nil {
		logger.Error().Err(err).Msg("sweeper exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, once bool, logger zerolog.Logger) error {
	svc, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	if once {
		res, err := svc.sweeps.Run(ctx)
		if err != nil {
			return err
		}
		logger.Info().
			Str("run_id", res.RunID).
			Int("expired", res.Expired).
			Int("failed", res.Failed).
			Msg("single sweep complete")
		return nil
	}

	checker := health.NewChecker(logger)
	checker.RegisterPinger("store", svc.repo)
	if svc.redis != nil {
		checker.RegisterPinger("redis", health.PingFunc(func(ctx context.Context) error {
			return svc.redis.Ping(ctx).Err()
		}))
	}

	sched := scheduler.New(logger)
	err = sched.Add(sweepJob, cfg.SweepSchedule, func(ctx context.Context) error {
		_, err := svc.sweeps.Run(ctx)
		if errors.Is(err, sweeper.ErrSweepInProgress) {
			logger.Info().Msg("sweep already running on another worker; skipping tick")
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	if cfg.AuditRetention > 0 {
		err = sched.Add(retentionJob, "@daily", func(ctx context.Context) error {
			n, err := svc.repo.RunRetention(ctx, cfg.AuditRetention)
			if err != nil {
				return err
			}
			svc.metrics.RecordRetention(n)
			return nil
		})
		if err != nil {
			return err
		}
	}

	mgmtServer := mgmt.NewServer(ctx, mgmt.ServerConfig{
		ListenAddr: cfg.MgmtListenAddr,
		AuthConfig: mgmt.AuthConfig{
			Mode:   cfg.MgmtAuthMode,
			APIKey: cfg.MgmtAPIKey,
		},
		Settings: mgmt.Settings{
			Environment:    cfg.Environment,
			SessionTimeout: cfg.SessionTimeout(),
			Schedule:       cfg.SweepSchedule,
			PageSize:       cfg.SweepPageSize,
			StoreDriver:    cfg.StoreDriver,
			Notifier:       cfg.Notifier,
			LockBackend:    svc.lockBackend,
			AuthMode:       cfg.MgmtAuthMode,
		},
	}, svc.sweeps, checker, svc.metrics, logger)

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgmtServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sched.Start()
	if next, ok := sched.Next(sweepJob); ok {
		logger.Info().Time("next_run", next).Msg("sweep scheduled")
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down gracefully")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("management API server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := mgmtServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("scheduler did not stop before timeout")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-shutdownCtx.Done():
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("session expiry sweeper stopped")
	return nil
}
