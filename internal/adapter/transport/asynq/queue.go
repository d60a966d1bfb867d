// Package asynqadp moves READY jobs onto a Redis-backed task queue so
// dispatch workers can scale independently of the batching loop.
package asynqadp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/passl-hq/dispatch-core/internal/domain"
)

// TaskDispatchJob carries one READY job to a dispatch worker.
const TaskDispatchJob = "dispatch_job"

// DispatchTaskPayload is the wire form of a READY job.
type DispatchTaskPayload struct {
	Job domain.Job `json:"job"`
}

// Producer enqueues dispatch tasks.
type Producer struct {
	client *asynq.Client
}

// NewProducer connects a producer to the Redis behind redisURL.
func NewProducer(redisURL string) (*Producer, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=asynqadp.NewProducer: %w", err)
	}
	return &Producer{client: asynq.NewClient(opt)}, nil
}

// EnqueueDispatch hands a READY job to the worker pool. Retries stay low;
// a failed dispatch run already shatters its orders back for re-batching.
func (p *Producer) EnqueueDispatch(ctx context.Context, job domain.Job) (string, error) {
	b, err := json.Marshal(DispatchTaskPayload{Job: job})
	if err != nil {
		return "", fmt.Errorf("op=asynqadp.EnqueueDispatch job=%s: %w", job.ID, err)
	}
	t := asynq.NewTask(TaskDispatchJob, b)
	info, err := p.client.EnqueueContext(ctx, t, asynq.MaxRetry(1), asynq.Retention(24*time.Hour))
	if err != nil {
		return "", fmt.Errorf("op=asynqadp.EnqueueDispatch job=%s: %w", job.ID, err)
	}
	return info.ID, nil
}

// Close releases the underlying client.
func (p *Producer) Close() error { return p.client.Close() }
