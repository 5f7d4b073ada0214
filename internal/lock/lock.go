// Package lock provides the mutual exclusion used to keep sweep runs from
// overlapping, in-process or across replicas.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release when the lock expired or was taken over.
var ErrNotHeld = errors.New("lock not held")

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out leases on named keys. TryAcquire does not block: it
// returns ok=false when another holder has the key.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (lease Lease, ok bool, err error)
}

// Local is an in-process Locker. The ttl is ignored; a lease is held until
// released.
type Local struct {
	mu   sync.Mutex
	held map[string]string
}

// NewLocal creates a Local locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]string)}
}

func (l *Local) TryAcquire(_ context.Context, key string, _ time.Duration) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	token := uuid.New().String()
	l.held[key] = token
	return &localLease{l: l, key: key, token: token}, true, nil
}

type localLease struct {
	l     *Local
	key   string
	token string
}

func (ll *localLease) Release(context.Context) error {
	ll.l.mu.Lock()
	defer ll.l.mu.Unlock()

	if ll.l.held[ll.key] != ll.token {
		return ErrNotHeld
	}
	delete(ll.l.held, ll.key)
	return nil
}

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by SET NX PX, shared by every replica pointing
// at the same Redis.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis locker.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "lock:"}
}

func (r *Redis) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	token := uuid.New().String()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{client: r.client, key: r.prefix + key, token: token}, true, nil
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

func (rl *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, rl.client, []string{rl.key}, rl.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
