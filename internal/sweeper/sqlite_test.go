package sweeper

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/socialbank/internal/session"
	"github.com/p-blackswan/socialbank/internal/store"
)

func newSQLiteStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "sessions.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRun_SQLite_ConcreteScenario(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	for _, s := range []session.Session{
		{ID: "S1", Sender: "254700000001", Status: session.StatusActive, UpdatedAt: now.Add(-700 * time.Second)},
		{ID: "S2", Sender: "254700000002", Status: session.StatusActive, UpdatedAt: now.Add(-500 * time.Second)},
		{ID: "S3", Sender: "254700000003", Status: session.StatusExpired, UpdatedAt: now.Add(-900 * time.Second)},
	} {
		s := s
		require.NoError(t, st.Save(ctx, &s))
	}

	n := &recordingNotifier{}
	sw, err := New(Config{Timeout: 600 * time.Second, FromIdentity: "biz"}, st, n, zerolog.Nop(),
		WithAuditor(st), WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	res, err := sw.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, []string{"254700000001"}, n.recipients())

	want := map[string]session.Status{"S1": session.StatusExpired, "S2": session.StatusActive, "S3": session.StatusExpired}
	for id, status := range want {
		got, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, status, got.Status, id)
	}

	entries, err := st.AuditEntries(ctx, "S1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// A second run finds nothing left to do.
	res, err = sw.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Candidates)
	assert.Len(t, n.sent, 1)
}

func TestRun_SQLite_250Candidates(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 250; i++ {
		s := session.Session{ID: fmt.Sprintf("sess-%03d", i), Sender: fmt.Sprintf("2547%08d", i), UpdatedAt: now.Add(-time.Hour)}
		require.NoError(t, st.Save(ctx, &s))
	}
	// Fresh sessions interleaved by id must be left alone.
	for i := 0; i < 10; i++ {
		s := session.Session{ID: fmt.Sprintf("sess-%03d-fresh", i), Sender: "fresh", UpdatedAt: now}
		require.NoError(t, st.Save(ctx, &s))
	}

	n := &recordingNotifier{}
	sw, err := New(Config{PageSize: 100}, st, n, zerolog.Nop(), WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	res, err := sw.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 250, res.Expired)
	assert.Len(t, n.sent, 250)
	for _, to := range n.recipients() {
		assert.NotEqual(t, "fresh", to)
	}

	stale, err := st.FindStale(ctx, now.Add(time.Second), "", 1000)
	require.NoError(t, err)
	assert.Len(t, stale, 10)
}
