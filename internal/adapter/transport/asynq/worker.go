package asynqadp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"github.com/passl-hq/dispatch-core/internal/domain"
)

// DispatchFunc runs the wave loop for one job. Errors it returns are final;
// the shatter path inside dispatch owns recovery.
type DispatchFunc func(ctx context.Context, job domain.Job) error

// Worker consumes dispatch tasks.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewWorker wires a consumer with the given concurrency to redisURL.
func NewWorker(redisURL string, concurrency int, dispatch DispatchFunc) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=asynqadp.NewWorker: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	srv := asynq.NewServer(opt, asynq.Config{Concurrency: concurrency})
	mux := asynq.NewServeMux()

	mux.HandleFunc(TaskDispatchJob, func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("transport.worker").Start(ctx, "DispatchJob")
		defer span.End()
		var p DispatchTaskPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("op=asynqadp.worker: %w", err)
		}
		if err := dispatch(ctx, p.Job); err != nil {
			slog.Warn("dispatch task finished without assignment",
				slog.String("job_id", p.Job.ID), slog.Any("error", err))
		}
		return nil
	})
	return &Worker{server: srv, mux: mux}, nil
}

// Run blocks serving tasks until Shutdown.
func (w *Worker) Run() error { return w.server.Run(w.mux) }

// Shutdown drains in-flight tasks and stops the server.
func (w *Worker) Shutdown() { w.server.Shutdown() }
