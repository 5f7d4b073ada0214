package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/socialbank/internal/session"
)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres"), zerolog.Nop()), mock
}

var sessionColumns = []string{"id", "sender", "channel", "status", "created_at", "updated_at"}

func TestFindStale(t *testing.T) {
	repo, mock := newMockRepo(t)
	cutoff := time.Now().Add(-10 * time.Minute)
	updated := cutoff.Add(-time.Minute)

	mock.ExpectQuery(`SELECT id, sender, channel, status, created_at, updated_at\s+FROM sessions\s+WHERE status = \$1 AND updated_at < \$2 AND id > \$3`).
		WithArgs("active", cutoff, "s0", 100).
		WillReturnRows(sqlmock.NewRows(sessionColumns).
			AddRow("s1", "254700000001", "whatsapp", "active", updated, updated).
			AddRow("s2", "254700000002", "ussd", "active", updated, updated))

	got, err := repo.FindStale(context.Background(), cutoff, "s0", 100)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "s1", got[0].ID)
	assert.Equal(t, session.ChannelUSSD, got[1].Channel)
	assert.Equal(t, session.StatusActive, got[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindStale_QueryError(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`SELECT id, sender`).WillReturnError(errors.New("connection reset"))

	_, err := repo.FindStale(context.Background(), time.Now(), "", 100)
	assert.ErrorContains(t, err, "connection reset")
}

func TestMarkExpired(t *testing.T) {
	repo, mock := newMockRepo(t)
	cutoff := time.Now()

	mock.ExpectExec(`UPDATE sessions SET status = \$1, expired_at = \$2\s+WHERE id = \$3 AND status = \$4 AND updated_at < \$5`).
		WithArgs("expired", sqlmock.AnyArg(), "s1", "active", cutoff).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sessions SET status`).
		WithArgs("expired", sqlmock.AnyArg(), "s2", "active", cutoff).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.MarkExpired(context.Background(), "s1", cutoff)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkExpired(context.Background(), "s2", cutoff)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`SELECT id, sender`).WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(sessionColumns))

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestTouch_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`UPDATE sessions SET updated_at`).
		WithArgs(sqlmock.AnyArg(), "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, repo.Touch(context.Background(), "missing"), session.ErrNotFound)
}

func TestLogAudit(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`INSERT INTO audit_log`).
		WithArgs("sweeper", session.AuditActionExpire, "s1", "ok", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.LogAudit(context.Background(), session.AuditEntry{
		Actor: "sweeper", Action: session.AuditActionExpire, SessionID: "s1", Result: "ok",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
