// Package engine runs the periodic batching cycle that moves orders through
// the queue and emits READY jobs to the dispatch side.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/passl-hq/dispatch-core/internal/adapter/observability"
	"github.com/passl-hq/dispatch-core/internal/batching"
	"github.com/passl-hq/dispatch-core/internal/config"
	"github.com/passl-hq/dispatch-core/internal/domain"
	"github.com/passl-hq/dispatch-core/internal/queue"
)

// Cycle advances the queue and runs one batching pass per tick. It is also
// the assignment owner for cancellations: cancelling an order whose job was
// already accepted emits the compensation event here.
type Cycle struct {
	Queue  *queue.Queue
	Engine *batching.Engine
	Clock  domain.Clock
	Events domain.EventSink

	// ReadyHorizon and AdvanceLimit bound the RAW -> BATCHING migration;
	// the soft wait comes from the batching policy.
	ReadyHorizon time.Duration
	AdvanceLimit int
}

// NewCycle wires a Cycle from configuration.
func NewCycle(q *queue.Queue, eng *batching.Engine, clock domain.Clock, cfg config.Config) *Cycle {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Cycle{
		Queue:        q,
		Engine:       eng,
		Clock:        clock,
		Events:       domain.NopEvents{},
		ReadyHorizon: cfg.ReadyHorizon,
		AdvanceLimit: cfg.AdvanceLimit,
	}
}

// CancelOrder cancels the order wherever it sits. A RAW or BATCHING order
// just leaves the pool; an order in a READY job flags the job for the
// dispatcher's wave boundary; an order in an accepted job leaves the job
// running minus the order and emits a compensation event for settlement.
func (c *Cycle) CancelOrder(ctx context.Context, orderID string) {
	out := c.Queue.Cancel(orderID)
	if !out.Found {
		return
	}
	if out.AssignedJobID != "" {
		c.Events.Emit(ctx, domain.Event{
			Kind: domain.EventCompensation, JobID: out.AssignedJobID,
			OrderIDs: []string{orderID}, At: c.Clock.Now(),
		})
	}
	slog.Info("order cancelled",
		slog.String("order_id", orderID),
		slog.String("ready_job", out.ReadyJobID),
		slog.String("assigned_job", out.AssignedJobID))
}

// Tick runs one batching cycle and returns the jobs committed to READY.
// Orders the engine leaves unbatched stay in BATCHING for the next tick.
func (c *Cycle) Tick(ctx context.Context) ([]domain.Job, error) {
	ctx, span := otel.Tracer("engine.cycle").Start(ctx, "Tick")
	defer span.End()

	now := c.Clock.Now()
	softWait := time.Duration(c.Engine.Policy.BatchingSoftWaitSec) * time.Second

	moved := c.Queue.AdvanceToBatching(now, c.ReadyHorizon, softWait, c.AdvanceLimit)
	if n := len(moved); n > 0 {
		observability.OrdersAdvancedTotal.Add(float64(n))
	}

	pool := c.Queue.BatchingOrders()
	if len(pool) == 0 {
		c.publishDepths(now)
		return nil, nil
	}

	ages := make(map[string]float64, len(pool))
	for _, o := range pool {
		ages[o.ID] = now.Sub(o.CreatedAt).Seconds()
	}

	result, err := c.Engine.Batch(ctx, pool, ages)
	if err != nil {
		return nil, fmt.Errorf("op=engine.Tick: %w", err)
	}
	if len(result.Jobs) == 0 {
		c.publishDepths(now)
		return nil, nil
	}

	if err := c.Queue.CommitJobs(result.Jobs, now); err != nil {
		return nil, fmt.Errorf("op=engine.Tick: %w", err)
	}

	for _, job := range result.Jobs {
		observability.JobsEmittedTotal.WithLabelValues(string(job.Type)).Inc()
		observability.DetourFactorHistogram.Observe(job.DetourFactor)
	}
	span.SetAttributes(
		attribute.Int("advanced", len(moved)),
		attribute.Int("jobs", len(result.Jobs)),
		attribute.Int("deferred", len(result.Unbatched)),
	)
	slog.Info("batching tick",
		slog.Int("advanced", len(moved)),
		slog.Int("pool", len(pool)),
		slog.Int("jobs", len(result.Jobs)),
		slog.Int("deferred", len(result.Unbatched)))

	c.publishDepths(now)
	return result.Jobs, nil
}

// Run ticks at the given interval until the context ends. Emitted jobs go to
// sink, typically the asynq producer or a direct dispatcher feed.
func (c *Cycle) Run(ctx context.Context, interval time.Duration, sink func(context.Context, domain.Job) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Tick(ctx); err != nil {
				slog.Error("batching tick failed", slog.Any("error", err))
				continue
			}
			for _, job := range c.Queue.PopReady(c.AdvanceLimit) {
				if err := sink(ctx, job); err != nil {
					slog.Error("job sink failed", slog.String("job_id", job.ID), slog.Any("error", err))
					requeued := c.Queue.ShatterJob(job, c.Clock.Now())
					c.Events.Emit(ctx, domain.Event{
						Kind: domain.EventJobShattered, JobID: job.ID,
						OrderIDs: requeued, At: c.Clock.Now(),
					})
				}
			}
		}
	}
}

func (c *Cycle) publishDepths(now time.Time) {
	stats := c.Queue.Stats(now)
	observability.QueueDepth.WithLabelValues("raw").Set(float64(stats.RawCount))
	observability.QueueDepth.WithLabelValues("batching").Set(float64(stats.BatchingCount))
	observability.QueueDepth.WithLabelValues("ready").Set(float64(stats.ReadyCount))
}
