package observability

import (
	"context"
	"log/slog"

	"github.com/passl-hq/dispatch-core/internal/domain"
)

// EventLogger is the default EventSink: structured log plus counters.
type EventLogger struct{}

// Emit implements domain.EventSink.
func (EventLogger) Emit(_ context.Context, ev domain.Event) {
	switch ev.Kind {
	case domain.EventDispatchFailed:
		DispatchFailedTotal.Inc()
	}
	slog.Info("dispatch event",
		slog.String("kind", string(ev.Kind)),
		slog.String("job_id", ev.JobID),
		slog.Any("order_ids", ev.OrderIDs),
		slog.String("driver_id", ev.DriverID),
	)
}
