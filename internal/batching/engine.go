package batching

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/passl-hq/dispatch-core/internal/config"
	"github.com/passl-hq/dispatch-core/internal/domain"
)

// Result is the output of a batching run over a candidate pool. Unbatched
// holds exactly the input orders absent from every emitted job.
type Result struct {
	Jobs      []domain.Job
	Unbatched []domain.Order
}

// Engine is the batching entry point. It is pure with respect to the order
// queue: it reads orders and produces jobs, never mutating order status.
type Engine struct {
	Matrix domain.TimeMatrix
	// PickupMatrix is optional; when present it enables near-pickup cluster
	// merging.
	PickupMatrix domain.TimeMatrix
	Policy       config.BatchingPolicy
}

// NewEngine constructs an Engine after validating the policy.
func NewEngine(matrix, pickupMatrix domain.TimeMatrix, pol config.BatchingPolicy) (*Engine, error) {
	if err := pol.Validate(); err != nil {
		return nil, err
	}
	return &Engine{Matrix: matrix, PickupMatrix: pickupMatrix, Policy: pol}, nil
}

// Batch clusters the pool and selects disjoint jobs per cluster. ages maps
// order id to age seconds, used for rolling-horizon deferral and older-first
// scoring; missing entries read as zero.
func (e *Engine) Batch(ctx context.Context, orders []domain.Order, ages map[string]float64) (Result, error) {
	tracer := otel.Tracer("batching.engine")
	ctx, span := tracer.Start(ctx, "Batch")
	defer span.End()
	span.SetAttributes(attribute.Int("pool_size", len(orders)))

	if len(orders) == 0 {
		return Result{}, nil
	}
	if ages == nil {
		ages = map[string]float64{}
	}

	clusters, err := BuildClusters(ctx, orders, e.Policy, e.PickupMatrix)
	if err != nil {
		return Result{}, fmt.Errorf("op=batching.Batch: %w", err)
	}

	var jobs []domain.Job
	used := map[string]struct{}{}
	for _, cluster := range clusters {
		// Near-pickup merges can in principle surface an order twice; an
		// order already bound to a job is not reconsidered.
		pending := cluster.Orders[:0:0]
		for _, o := range cluster.Orders {
			if _, ok := used[o.ID]; !ok {
				pending = append(pending, o)
			}
		}
		if len(pending) == 0 {
			continue
		}

		clusterJobs, _, err := selectJobs(ctx, pending, e.Matrix, e.Policy, ages)
		if err != nil {
			// An oracle failure is local to the cluster: its orders stay
			// unbatched for the next tick while other clusters emit normally.
			slog.Warn("cluster batching skipped",
				slog.String("cluster", cluster.Key), slog.Any("error", err))
			continue
		}
		for _, j := range clusterJobs {
			for _, oid := range j.OrderIDs {
				used[oid] = struct{}{}
			}
		}
		jobs = append(jobs, clusterJobs...)
	}

	var unbatched []domain.Order
	for _, o := range orders {
		if _, ok := used[o.ID]; !ok {
			unbatched = append(unbatched, o)
		}
	}
	span.SetAttributes(attribute.Int("jobs", len(jobs)), attribute.Int("unbatched", len(unbatched)))
	return Result{Jobs: jobs, Unbatched: unbatched}, nil
}
