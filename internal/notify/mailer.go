package notify

import (
	"context"
	"log/slog"
)

// Mailer delivers rendered notifications. Delivery transport is external.
type Mailer interface {
	Send(ctx context.Context, email *Email) error
}

// LogMailer writes emails to the structured log instead of sending them.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer creates a mailer that logs through logger, or slog.Default if nil.
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

// Send logs the email.
func (m *LogMailer) Send(ctx context.Context, email *Email) error {
	m.logger.InfoContext(ctx, "email dispatched",
		"to", email.To,
		"from", email.From,
		"subject", email.Subject,
		"html_bytes", len(email.HTML),
	)
	return nil
}
