package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/socialbank/internal/lru"
)

// Deduper remembers which notices were already delivered.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// MemoryDeduper keeps delivery marks in-process.
type MemoryDeduper struct {
	cache *lru.Cache[string, struct{}]
}

// NewMemoryDeduper creates a MemoryDeduper holding up to capacity keys for ttl.
func NewMemoryDeduper(capacity int, ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{cache: lru.New[string, struct{}](capacity, lru.WithTTL[string, struct{}](ttl))}
}

func (d *MemoryDeduper) Seen(_ context.Context, key string) (bool, error) {
	_, ok := d.cache.Get(key)
	return ok, nil
}

func (d *MemoryDeduper) Mark(_ context.Context, key string) error {
	d.cache.Put(key, struct{}{})
	return nil
}

// RedisDeduper keeps delivery marks in Redis so they survive restarts and
// are shared between replicas.
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper creates a RedisDeduper.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, prefix: "notify:sent:", ttl: ttl}
}

func (d *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Exists(ctx, d.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check dedupe key: %w", err)
	}
	return n > 0, nil
}

func (d *RedisDeduper) Mark(ctx context.Context, key string) error {
	if err := d.client.Set(ctx, d.prefix+key, "1", d.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set dedupe key: %w", err)
	}
	return nil
}

// Deduplicating suppresses repeat deliveries of the same notice.
type Deduplicating struct {
	next   Notifier
	seen   Deduper
	logger zerolog.Logger
}

// WithDedupe wraps next so a message whose DedupeKey was already delivered
// is not sent again.
func WithDedupe(next Notifier, seen Deduper, logger zerolog.Logger) *Deduplicating {
	return &Deduplicating{
		next:   next,
		seen:   seen,
		logger: logger.With().Str("component", "notify_dedupe").Logger(),
	}
}

func (d *Deduplicating) Send(ctx context.Context, msg Message) error {
	if msg.DedupeKey == "" {
		return d.next.Send(ctx, msg)
	}

	already, err := d.seen.Seen(ctx, msg.DedupeKey)
	if err != nil {
		// Fail open on lookup errors.
		d.logger.Warn().Err(err).Str("session_id", msg.SessionID).Msg("dedupe lookup failed; sending anyway")
	} else if already {
		d.logger.Info().Str("session_id", msg.SessionID).Msg("expiry notice already delivered; not resending")
		return nil
	}

	if err := d.next.Send(ctx, msg); err != nil {
		return err
	}

	if err := d.seen.Mark(ctx, msg.DedupeKey); err != nil {
		d.logger.Warn().Err(err).Str("session_id", msg.SessionID).Msg("failed to record delivered notice")
	}
	return nil
}
