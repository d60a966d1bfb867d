// Package notify delivers offers to driver devices. Delivery is best-effort;
// the dispatcher treats failures as missed pushes, not dispatch errors.
package notify

import (
	"context"
	"log/slog"

	"github.com/passl-hq/dispatch-core/internal/domain"
)

// Logger is a PushNotifier that only logs. It backs local runs and the
// simulation harness, where there is no device channel to push to.
type Logger struct{}

// BroadcastOffer implements domain.PushNotifier.
func (Logger) BroadcastOffer(_ context.Context, driverIDs []string, job domain.Job) error {
	slog.Info("offer broadcast",
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.Type)),
		slog.Int("orders", job.Size()),
		slog.Any("driver_ids", driverIDs))
	return nil
}

// RevokeOffer implements domain.PushNotifier.
func (Logger) RevokeOffer(_ context.Context, driverIDs []string, jobID string) error {
	slog.Info("offer revoked",
		slog.String("job_id", jobID),
		slog.Any("driver_ids", driverIDs))
	return nil
}
