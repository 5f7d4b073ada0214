// Package notify delivers the session expiry notice to the session owner.
package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// Message is one outbound text notification.
type Message struct {
	SessionID string
	To        string // recipient phone number / chat id
	From      string // business phone id
	Body      string

	// DedupeKey identifies this notice for idempotent delivery. Empty
	// disables dedupe for the message.
	DedupeKey string
}

// Notifier sends a message synchronously. A nil error means the
// downstream accepted it.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, msg Message) error

func (f NotifierFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// LogNotifier writes messages to the log instead of delivering them.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "log_notifier").Logger()}
}

func (n *LogNotifier) Send(_ context.Context, msg Message) error {
	n.logger.Info().
		Str("session_id", msg.SessionID).
		Str("to", msg.To).
		Str("from", msg.From).
		Str("body", msg.Body).
		Msg("notification (not delivered)")
	return nil
}
