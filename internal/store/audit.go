package store

import (
	"context"
	"fmt"
	"time"

	"github.com/p-blackswan/socialbank/internal/session"
)

// LogAudit writes to audit_log.
func (s *Store) LogAudit(ctx context.Context, e session.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (actor, action, session_id, result, details, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Actor, e.Action, e.SessionID, e.Result, e.Details, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// AuditEntries returns the audit trail for a session, oldest first.
func (s *Store) AuditEntries(ctx context.Context, sessionID string) ([]session.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
	SELECT actor, action, COALESCE(session_id, ''), result, COALESCE(details, ''), created_at
	FROM audit_log WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []session.AuditEntry
	for rows.Next() {
		var (
			e         session.AuditEntry
			createdAt int64
		)
		if err := rows.Scan(&e.Actor, &e.Action, &e.SessionID, &e.Result, &e.Details, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
