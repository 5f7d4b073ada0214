// Package postgres implements the session repository on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/socialbank/internal/session"
)

var _ session.Repository = (*Repository)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	sender      TEXT NOT NULL,
	channel     TEXT NOT NULL DEFAULT 'whatsapp',
	status      TEXT NOT NULL DEFAULT 'active',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	expired_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_sessions_status_updated ON sessions(status, updated_at);

CREATE TABLE IF NOT EXISTS audit_log (
	id          BIGSERIAL PRIMARY KEY,
	actor       TEXT NOT NULL,
	action      TEXT NOT NULL,
	session_id  TEXT,
	result      TEXT NOT NULL,
	details     TEXT,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
`

type sessionRow struct {
	ID        string    `db:"id"`
	Sender    string    `db:"sender"`
	Channel   string    `db:"channel"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r sessionRow) toSession() session.Session {
	return session.Session{
		ID:        r.ID,
		Sender:    r.Sender,
		Channel:   session.Channel(r.Channel),
		Status:    session.Status(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// Repository is a PostgreSQL session repository.
type Repository struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

// Open connects to PostgreSQL using dsn.
func Open(ctx context.Context, dsn string, logger zerolog.Logger) (*Repository, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return New(db, logger), nil
}

// New wraps an existing connection.
func New(db *sqlx.DB, logger zerolog.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger.With().Str("component", "postgres_store").Logger(),
	}
}

// Migrate creates the tables if they do not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate postgres schema: %w", err)
	}
	return nil
}

// Save upserts a session. Zero timestamps default to now.
func (r *Repository) Save(ctx context.Context, s *session.Session) error {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}
	if s.Status == "" {
		s.Status = session.StatusActive
	}
	if s.Channel == "" {
		s.Channel = session.ChannelWhatsApp
	}

	query := `
		INSERT INTO sessions (id, sender, channel, status, created_at, updated_at)
		VALUES (:id, :sender, :channel, :status, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			sender = EXCLUDED.sender,
			channel = EXCLUDED.channel,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.NamedExecContext(ctx, query, sessionRow{
		ID:        s.ID,
		Sender:    s.Sender,
		Channel:   string(s.Channel),
		Status:    string(s.Status),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Get retrieves a session by id.
func (r *Repository) Get(ctx context.Context, id string) (*session.Session, error) {
	query := `
		SELECT id, sender, channel, status, created_at, updated_at
		FROM sessions
		WHERE id = $1`

	var row sessionRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	s := row.toSession()
	return &s, nil
}

// Touch refreshes updated_at.
func (r *Repository) Touch(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE sessions SET updated_at = $1 WHERE id = $2`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return session.ErrNotFound
	}
	return nil
}

// FindStale returns one page of stale candidates in id order.
func (r *Repository) FindStale(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]session.Session, error) {
	query := `
		SELECT id, sender, channel, status, created_at, updated_at
		FROM sessions
		WHERE status = $1 AND updated_at < $2 AND id > $3
		ORDER BY id
		LIMIT $4`

	var rows []sessionRow
	if err := r.db.SelectContext(ctx, &rows, query, string(session.StatusActive), cutoff, afterID, limit); err != nil {
		return nil, fmt.Errorf("failed to query stale sessions: %w", err)
	}

	sessions := make([]session.Session, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, row.toSession())
	}
	return sessions, nil
}

// MarkExpired expires the session if the staleness predicate still holds.
func (r *Repository) MarkExpired(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	query := `
		UPDATE sessions SET status = $1, expired_at = $2
		WHERE id = $3 AND status = $4 AND updated_at < $5`

	result, err := r.db.ExecContext(ctx, query,
		string(session.StatusExpired), time.Now(), id, string(session.StatusActive), cutoff)
	if err != nil {
		return false, fmt.Errorf("failed to mark session expired: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// LogAudit writes to audit_log.
func (r *Repository) LogAudit(ctx context.Context, e session.AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_log (actor, action, session_id, result, details, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		e.Actor, e.Action, e.SessionID, e.Result, e.Details, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// RunRetention deletes audit entries older than maxAge.
func (r *Repository) RunRetention(ctx context.Context, maxAge time.Duration) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < $1`, time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old audit logs: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// Ping checks the connection.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", session.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}
