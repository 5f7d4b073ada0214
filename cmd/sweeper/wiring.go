package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/socialbank/internal/config"
	"github.com/p-blackswan/socialbank/internal/lock"
	"github.com/p-blackswan/socialbank/internal/metrics"
	"github.com/p-blackswan/socialbank/internal/notify"
	"github.com/p-blackswan/socialbank/internal/session"
	"github.com/p-blackswan/socialbank/internal/store"
	mongostore "github.com/p-blackswan/socialbank/internal/store/mongo"
	pgstore "github.com/p-blackswan/socialbank/internal/store/postgres"
	"github.com/p-blackswan/socialbank/internal/sweeper"
)

// repository is what every store backend offers the service.
type repository interface {
	session.Repository
	RunRetention(ctx context.Context, maxAge time.Duration) (int64, error)
}

type deps struct {
	repo        repository
	redis       *redis.Client
	metrics     *metrics.Metrics
	sweeps      *sweeper.Exclusive
	lockBackend string
	closers     []func() error
	logger      zerolog.Logger
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn().Err(err).Msg("error closing dependency")
		}
	}
}

func buildDeps(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *deps, err error) {
	d := &deps{metrics: metrics.New(), logger: logger}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	d.repo, err = openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, d.repo.Close)

	if cfg.RedisEnabled() {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		d.redis = redis.NewClient(opts)
		d.closers = append(d.closers, d.redis.Close)
		if err := d.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		logger.Info().Msg("redis connected")
	}

	base, closeNotifier, err := openNotifier(cfg, logger)
	if err != nil {
		return nil, err
	}
	if closeNotifier != nil {
		d.closers = append(d.closers, closeNotifier)
	}

	var seen notify.Deduper
	var locker lock.Locker
	if d.redis != nil {
		seen = notify.NewRedisDeduper(d.redis, cfg.DedupeTTL)
		locker = lock.NewRedis(d.redis)
		d.lockBackend = "redis"
	} else {
		seen = notify.NewMemoryDeduper(cfg.DedupeCapacity, cfg.DedupeTTL)
		locker = lock.NewLocal()
		d.lockBackend = "local"
	}

	sw, err := sweeper.New(sweeper.Config{
		Timeout:       cfg.SessionTimeout(),
		FromIdentity:  cfg.BusinessPhoneID,
		ExpiryMessage: cfg.SessionExpiryMessage,
		PageSize:      cfg.SweepPageSize,
		SendTimeout:   cfg.NotifyTimeout,
		UpdateTimeout: cfg.StoreUpdateTimeout,
	}, d.repo, notify.WithDedupe(base, seen, logger), logger,
		sweeper.WithAuditor(d.repo),
		sweeper.WithMetrics(d.metrics),
	)
	if err != nil {
		return nil, err
	}
	eff := sw.Config()
	logger.Info().
		Dur("timeout", eff.Timeout).
		Int("page_size", eff.PageSize).
		Dur("send_timeout", eff.SendTimeout).
		Dur("update_timeout", eff.UpdateTimeout).
		Str("lock_backend", d.lockBackend).
		Msg("sweeper configured")

	d.sweeps = sweeper.NewExclusive(sw, locker, cfg.LockTTL, logger)
	return d, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (repository, error) {
	switch cfg.StoreDriver {
	case "postgres":
		repo, err := pgstore.Open(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		if err := repo.Migrate(ctx); err != nil {
			_ = repo.Close()
			return nil, err
		}
		return repo, nil
	case "mongo":
		repo, err := mongostore.Open(ctx, cfg.MongoURL, cfg.MongoDatabase, cfg.MongoSessionCollection, logger)
		if err != nil {
			return nil, err
		}
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = repo.Close()
			return nil, err
		}
		return repo, nil
	default:
		repo, err := store.New(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}
}

func openNotifier(cfg *config.Config, logger zerolog.Logger) (notify.Notifier, func() error, error) {
	switch cfg.Notifier {
	case "whatsapp":
		return notify.NewWhatsApp(notify.WhatsAppConfig{
			BaseURL:     cfg.WhatsAppAPIURL,
			AccessToken: cfg.WhatsAppAccessToken,
		}, logger), nil, nil
	case "amqp":
		pub, err := notify.DialAMQP(notify.AMQPConfig{
			URL:          cfg.AMQPURL,
			Exchange:     cfg.AMQPExchange,
			ExchangeType: "topic",
			RoutingKey:   cfg.AMQPRoutingKey,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return pub, pub.Close, nil
	default:
		return notify.NewLogNotifier(logger), nil, nil
	}
}
