// Package session defines the chat/USSD session model shared by the
// message-handling paths and the expiry sweeper, and the persistence
// contract the sweeper depends on.
package session

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a session. Only active and expired
// matter to the sweep; any other upstream value is left alone.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// Channel identifies where the session's traffic arrives from.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelUSSD     Channel = "ussd"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// Session is a single conversation with a remote party.
type Session struct {
	ID        string
	Sender    string // phone number or chat id
	Channel   Channel
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time // refreshed on every inbound message
}

// IsStale reports whether the session is active and idle since before cutoff.
func (s Session) IsStale(cutoff time.Time) bool {
	return s.Status == StatusActive && s.UpdatedAt.Before(cutoff)
}

// IdleFor returns how long the session has been idle at now.
func (s Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.UpdatedAt)
}

// Store is the part of session persistence the sweeper needs.
type Store interface {
	// FindStale returns up to limit sessions with status active and
	// updated_at before cutoff whose id sorts after afterID, ordered by id.
	// An empty afterID starts from the beginning.
	FindStale(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]Session, error)

	// MarkExpired moves the session to expired only if it is still active
	// and idle since before cutoff. It returns false, nil when that no
	// longer holds.
	MarkExpired(ctx context.Context, id string, cutoff time.Time) (bool, error)
}

// Repository is the full persistence surface implemented by every backend.
type Repository interface {
	Store
	Auditor

	Save(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Touch(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}
