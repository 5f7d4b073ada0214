package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/p-blackswan/socialbank/internal/session"
)

// Save inserts or replaces a session. Zero timestamps default to now.
func (s *Store) Save(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = now
	}
	if sess.Status == "" {
		sess.Status = session.StatusActive
	}
	if sess.Channel == "" {
		sess.Channel = session.ChannelWhatsApp
	}

	query := `
	INSERT OR REPLACE INTO sessions (
		id, sender, channel, status, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.Sender, string(sess.Channel), string(sess.Status),
		sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Get retrieves a session by id.
func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT id, sender, channel, status, created_at, updated_at
	FROM sessions WHERE id = ?
	`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// Touch refreshes updated_at, as the inbound message path does.
func (s *Store) Touch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id,
	)
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
func (s *Store) FindStale(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT id, sender, channel, status, created_at, updated_at
	FROM sessions
	WHERE status = ? AND updated_at < ? AND id > ?
	ORDER BY id
	LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		string(session.StatusActive), cutoff.UnixMilli(), afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale sessions: %w", err)
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// MarkExpired expires the session if the staleness predicate still holds.
func (s *Store) MarkExpired(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	UPDATE sessions SET status = ?, expired_at = ?
	WHERE id = ? AND status = ? AND updated_at < ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(session.StatusExpired), time.Now().UnixMilli(),
		id, string(session.StatusActive), cutoff.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark session expired: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var (
		sess               session.Session
		channel, status    string
		createdAt, updated int64
	)
	if err := row.Scan(&sess.ID, &sess.Sender, &channel, &status, &createdAt, &updated); err != nil {
		return nil, err
	}
	sess.Channel = session.Channel(channel)
	sess.Status = session.Status(status)
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updated)
	return &sess, nil
}
