package notify

import (
	"context"
	"log/slog"
)

// LogNotifier writes rendered messages to the logger instead of sending them.
// It is used when no broker is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Send implements Notifier.
func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	body, err := Render(msg)
	if err != nil {
		return err
	}
	n.logger.InfoContext(ctx, "Notification",
		"to", msg.To,
		"kind", msg.Kind,
		"subject", Subject(msg.Kind),
		"body", body,
	)
	return nil
}
