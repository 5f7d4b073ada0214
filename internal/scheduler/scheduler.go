// Package scheduler fires background jobs on cron schedules. A job that is
// still running when its next tick arrives is skipped for that tick.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobFunc is the body of a scheduled job. The context is cancelled when the
// scheduler stops.
type JobFunc func(ctx context.Context) error

// Scheduler runs named jobs on cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New creates a Scheduler. Standard five-field specs and descriptors such
// as "@every 60s" are accepted.
func New(logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			// Recover sits inside the skip wrapper so a panicking run
			// still hands back the running token.
			cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
		),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers fn under name on the given spec.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}
	s.AddSchedule(name, sched, fn)
	s.logger.Info().Str("job", name).Str("spec", spec).Msg("job scheduled")
	return nil
}

// AddSchedule registers fn under name on an already parsed schedule.
func (s *Scheduler) AddSchedule(name string, sched cron.Schedule, fn JobFunc) {
	id := s.cron.Schedule(sched, cron.FuncJob(func() { s.run(name, fn) }))

	s.mu.Lock()
	s.entries[name] = id
	s.mu.Unlock()
}

func (s *Scheduler) run(name string, fn JobFunc) {
	if s.ctx.Err() != nil {
		return
	}
	start := time.Now()
	log := s.logger.With().Str("job", name).Logger()
	log.Debug().Msg("job started")

	if err := fn(s.ctx); err != nil {
		log.Error().Err(err).Dur("duration", time.Since(start)).Msg("job failed")
		return
	}
	log.Debug().Dur("duration", time.Since(start)).Msg("job finished")
}

// Next returns the next activation time of the named job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	e := s.cron.Entry(id)
	return e.Next, e.Valid()
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.cron.Entries())).Msg("scheduler started")
}

// Stop cancels running jobs' context, stops new activations and waits for
// running jobs to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
