// Package mgmt provides the management API: probes, metrics, manual sweep
// trigger and the last sweep report.
package mgmt

import (
	"time"

	"github.com/p-blackswan/socialbank/internal/health"
)

// Settings is the non-secret configuration echoed by GET /api/v1/config.
type Settings struct {
	Environment    string        `json:"environment"`
	SessionTimeout time.Duration `json:"-"`
	Schedule       string        `json:"schedule"`
	PageSize       int           `json:"page_size"`
	StoreDriver    string        `json:"store_driver"`
	Notifier       string        `json:"notifier"`
	LockBackend    string        `json:"lock_backend"`
	AuthMode       string        `json:"auth_mode"`
}

// ConfigResponse is the response for GET /api/v1/config.
type ConfigResponse struct {
	Settings
	SessionTimeoutSeconds int `json:"session_timeout_seconds"`
}

// HealthDetailResponse is the response for GET /api/v1/health.
type HealthDetailResponse struct {
	Status string                   `json:"status"`
	Checks map[string]health.Status `json:"checks"`
	Uptime string                   `json:"uptime"`
}

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
