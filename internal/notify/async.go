package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mmynk/tillsafe/internal/metrics"
)

// Async sends messages in the background so callers never wait on delivery.
// Failures are logged and counted; Send itself always returns nil.
type Async struct {
	next    Notifier
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewAsync wraps next. Each send is bounded by timeout.
func NewAsync(next Notifier, timeout time.Duration, logger *slog.Logger) *Async {
	return &Async{next: next, timeout: timeout, logger: logger}
}

// Send implements Notifier.
func (a *Async) Send(ctx context.Context, msg Message) error {
	// Detach from the request so delivery outlives the RPC.
	ctx = context.WithoutCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		sendCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		if err := a.next.Send(sendCtx, msg); err != nil {
			metrics.OutboundNotifications.WithLabelValues(string(msg.Kind), "error").Inc()
			a.logger.Warn("Notification delivery failed",
				"kind", msg.Kind,
				"to", msg.To,
				"error", err,
			)
			return
		}
		metrics.OutboundNotifications.WithLabelValues(string(msg.Kind), "ok").Inc()
	}()
	return nil
}

// Wait blocks until every in-flight send has finished.
func (a *Async) Wait() {
	a.wg.Wait()
}
