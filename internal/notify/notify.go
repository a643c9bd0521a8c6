// Package notify delivers SMS and email notifications. Delivery is always
// best-effort from the caller's point of view; senders return errors so the
// caller can log and count them.
package notify

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// TextSender sends an SMS to a phone number.
type TextSender interface {
	SendText(ctx context.Context, phoneNumber, message string) error
}

// EmailSender sends a plain-text email.
type EmailSender interface {
	SendEmail(ctx context.Context, to []string, subject, body string) error
}

// LogSender stands in for unconfigured providers and only logs what would
// have been sent.
type LogSender struct {
	Logger *zap.Logger
}

func (s LogSender) SendText(_ context.Context, phoneNumber, message string) error {
	s.logger().Info("sms delivery disabled",
		zap.String("to", maskPhone(phoneNumber)),
		zap.Int("length", len(message)),
	)
	return nil
}

func (s LogSender) SendEmail(_ context.Context, to []string, subject, _ string) error {
	s.logger().Info("email delivery disabled",
		zap.Strings("to", to),
		zap.String("subject", subject),
	)
	return nil
}

func (s LogSender) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// maskPhone keeps the last four digits for log correlation.
func maskPhone(phoneNumber string) string {
	trimmed := strings.TrimSpace(phoneNumber)
	if len(trimmed) <= 4 {
		return strings.Repeat("*", len(trimmed))
	}
	return strings.Repeat("*", len(trimmed)-4) + trimmed[len(trimmed)-4:]
}
