package store

import (
	"context"
	"fmt"
	"time"
)

// RunRetention deletes audit entries older than maxAge. Sessions are never
// deleted here; expired sessions stay for the message-handling paths.
func (s *Store) RunRetention(ctx context.Context, maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge).UnixMilli()
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_log WHERE created_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old audit logs: %w", err)
	}

	n, _ := result.RowsAffected()
	return n, nil
}
