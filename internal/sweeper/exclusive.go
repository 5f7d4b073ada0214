package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/socialbank/internal/lock"
)

// LockKey names the sweep lock.
const LockKey = "session-expiry-sweep"

// ErrSweepInProgress is returned when another run holds the sweep lock.
var ErrSweepInProgress = errors.New("session expiry sweep already in progress")

// Runner runs one sweep.
type Runner interface {
	Run(ctx context.Context) (Result, error)
}

// Report is the outcome of the most recent run.
type Report struct {
	Result
	Error string `json:"error,omitempty"`
}

// Exclusive serialises runs through a lock so at most one sweep is active
// per lock scope, and remembers the last outcome.
type Exclusive struct {
	runner Runner
	locker lock.Locker
	ttl    time.Duration
	logger zerolog.Logger

	mu   sync.RWMutex
	last *Report
}

// NewExclusive wraps runner. ttl bounds how long a crashed holder can block
// other replicas.
func NewExclusive(runner Runner, locker lock.Locker, ttl time.Duration, logger zerolog.Logger) *Exclusive {
	return &Exclusive{
		runner: runner,
		locker: locker,
		ttl:    ttl,
		logger: logger.With().Str("component", "sweep_lock").Logger(),
	}
}

// Run acquires the lock and runs the sweep. It returns ErrSweepInProgress
// without running when the lock is held.
func (e *Exclusive) Run(ctx context.Context) (Result, error) {
	lease, ok, err := e.locker.TryAcquire(ctx, LockKey, e.ttl)
	if err != nil {
		return Result{}, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		e.logger.Info().Msg("previous sweep still running; skipping")
		return Result{}, ErrSweepInProgress
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			e.logger.Warn().Err(err).Msg("failed to release sweep lock")
		}
	}()

	res, err := e.runner.Run(ctx)

	report := &Report{Result: res}
	if err != nil {
		report.Error = err.Error()
	}
	e.mu.Lock()
	e.last = report
	e.mu.Unlock()

	return res, err
}

// Last returns the most recent report, or false before the first run.
func (e *Exclusive) Last() (Report, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return Report{}, false
	}
	return *e.last, true
}
