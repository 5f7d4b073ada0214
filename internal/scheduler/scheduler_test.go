package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// every fires at a fixed sub-second interval, which cron specs cannot express.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

func TestAdd_InvalidSpec(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.Add("sweep", "every minute please", func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestAdd_ValidSpecs(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, s.Add("sweep", "@every 60s", func(context.Context) error { return nil }))
	require.NoError(t, s.Add("retention", "0 3 * * *", func(context.Context) error { return nil }))

	s.Start()
	defer s.Stop(context.Background())

	next, ok := s.Next("sweep")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(60*time.Second), next, 2*time.Second)

	_, ok = s.Next("unknown")
	assert.False(t, ok)
}

func TestScheduler_RunsJobRepeatedly(t *testing.T) {
	s := New(zerolog.Nop())
	var runs int32
	s.AddSchedule("tick", every(10*time.Millisecond), func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	s.Start()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
}

func TestScheduler_SkipsWhileStillRunning(t *testing.T) {
	s := New(zerolog.Nop())
	var started int32
	release := make(chan struct{})
	s.AddSchedule("sweep", every(10*time.Millisecond), func(context.Context) error {
		atomic.AddInt32(&started, 1)
		<-release
		return nil
	})

	s.Start()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&started) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&started))

	close(release)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&started) >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
}

func TestScheduler_JobErrorDoesNotStopSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	var runs int32
	s.AddSchedule("flaky", every(10*time.Millisecond), func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return errors.New("store unreachable")
	})

	s.Start()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
}

func TestScheduler_RecoversPanics(t *testing.T) {
	s := New(zerolog.Nop())
	var runs int32
	s.AddSchedule("boom", every(10*time.Millisecond), func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		panic("nil map")
	})

	s.Start()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
}

func TestScheduler_PanicOnFirstRunKeepsSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	var runs int32
	s.AddSchedule("sweep", every(10*time.Millisecond), func(context.Context) error {
		if atomic.AddInt32(&runs, 1) == 1 {
			panic("notifier blew up")
		}
		return nil
	})

	s.Start()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 5 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
}

func TestStop_CancelsAndWaitsForRunningJob(t *testing.T) {
	s := New(zerolog.Nop())
	started := make(chan struct{}, 1)
	var finished int32
	s.AddSchedule("sweep", every(10*time.Millisecond), func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		atomic.StoreInt32(&finished, 1)
		return nil
	})

	s.Start()
	<-started

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))
}

func TestStop_Timeout(t *testing.T) {
	s := New(zerolog.Nop())
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	s.AddSchedule("stuck", every(10*time.Millisecond), func(context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	s.Start()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
}
