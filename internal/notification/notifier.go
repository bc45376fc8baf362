// Package notification delivers operator alerts.
package notification

import (
	"context"
	"log/slog"
)

// Notifier sends an alert to a recipient.
type Notifier interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// LogNotifier writes alerts to the structured log. It is the only delivery
// channel; operators alert on the "Operator notification" message.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: slog.Default().With(slog.String("component", "Notifier"))}
}

func (n *LogNotifier) Send(ctx context.Context, recipient, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.logger.WarnContext(ctx, "Operator notification",
		slog.String("recipient", recipient),
		slog.String("subject", subject),
		slog.String("body", body))
	return nil
}

var _ Notifier = (*LogNotifier)(nil)
