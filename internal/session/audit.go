package session

import (
	"context"
	"time"
)

// Audit actions written by the sweeper.
const (
	AuditActionNotify = "session_expiry_notify"
	AuditActionExpire = "session_expire"

	AuditResultOK      = "ok"
	AuditResultFailed  = "failed"
	AuditResultSkipped = "skipped"
)

// AuditEntry is one row of the audit trail.
type AuditEntry struct {
	Actor     string
	Action    string
	SessionID string
	Result    string
	Details   string
	CreatedAt time.Time
}

// Auditor persists audit entries.
type Auditor interface {
	LogAudit(ctx context.Context, e AuditEntry) error
}

// NopAuditor discards entries.
type NopAuditor struct{}

func (NopAuditor) LogAudit(context.Context, AuditEntry) error { return nil }
