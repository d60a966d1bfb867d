package batching

import (
	"context"
	"log/slog"
	"math"
	"sort"

	"github.com/passl-hq/dispatch-core/internal/config"
	"github.com/passl-hq/dispatch-core/internal/domain"
)

// candidate is one insertion evaluated while growing a job.
type candidate struct {
	order     domain.Order
	poolIdx   int
	stops     []domain.Stop
	batchTime float64
	singleSum float64
	savings   float64
	gain      float64
}

// selectJobs runs the insertion heuristic over one cluster.
//
// A seed order starts a job; candidates are inserted greedily by maximum
// positive gain, where gain compares the candidate's score (savings plus an
// optional age term) against the job's current savings. Growth stops at
// MaxBatchSize, at the detour caps, or when no candidate improves the job.
// Tie-breaking is deterministic: equal gains prefer the older order, equal
// ages the lexicographically smaller id.
func selectJobs(ctx context.Context, orders []domain.Order, matrix domain.TimeMatrix, pol config.BatchingPolicy, ages map[string]float64) ([]domain.Job, []domain.Order, error) {
	if len(orders) == 0 {
		return nil, nil, nil
	}

	pool := orderPool(orders, pol, ages)
	var jobs []domain.Job
	var unbatched []domain.Order
	evaluated := 0

	for len(pool) > 0 {
		seed := pool[0]
		pool = pool[1:]

		base, err := EvaluateBundle(ctx, []domain.Order{seed}, matrix)
		if err != nil {
			return nil, nil, err
		}
		if !base.Feasible || math.IsInf(base.TimeSeconds, 1) {
			// Unroutable seed; drop it from this cycle and continue.
			slog.Debug("seed unroutable", slog.String("order_id", seed.ID), slog.String("reason", base.Reason))
			unbatched = append(unbatched, seed)
			continue
		}

		members := []domain.Order{seed}
		stops := base.Stops
		batchTime := base.TimeSeconds
		singleSum := base.TimeSeconds
		savings := 0.0

		for len(members) < pol.MaxBatchSize && len(pool) > 0 && evaluated < pol.MaxCandidatePairs {
			best, err := bestInsertion(ctx, pool, stops, singleSum, savings, len(members), matrix, pol, ages, &evaluated)
			if err != nil {
				return nil, nil, err
			}
			if best == nil {
				break
			}
			members = append(members, best.order)
			stops = best.stops
			batchTime = best.batchTime
			singleSum = best.singleSum
			savings = best.savings
			pool = append(pool[:best.poolIdx], pool[best.poolIdx+1:]...)
		}

		// Rolling horizon: a lone young order waits for a batch instead of
		// dispatching as a SINGLE.
		if len(members) == 1 && pol.EnableRollingHorizon && ages[seed.ID] < float64(pol.MaxWaitTimeSeconds) {
			unbatched = append(unbatched, seed)
			continue
		}

		jobs = append(jobs, finalizeJob(members, stops, batchTime, singleSum, savings))
	}
	return jobs, unbatched, nil
}

// bestInsertion scores every remaining candidate against the current job and
// returns the maximum positive-gain insertion, or nil when none qualifies.
func bestInsertion(ctx context.Context, pool []domain.Order, stops []domain.Stop, singleSum, currentSavings float64, size int, matrix domain.TimeMatrix, pol config.BatchingPolicy, ages map[string]float64, evaluated *int) (*candidate, error) {
	detourCap := pol.MultiDetourCap
	if size+1 == 2 {
		detourCap = pol.PairDetourCap
	}

	var best *candidate
	for idx, cand := range pool {
		if *evaluated >= pol.MaxCandidatePairs {
			break
		}
		*evaluated++

		feas, err := InsertOrder(ctx, stops, cand, matrix)
		if err != nil {
			return nil, err
		}
		if !feas.Feasible || math.IsInf(feas.TimeSeconds, 1) {
			continue
		}
		candSingle, err := SingleTimeSum(ctx, []domain.Order{cand}, matrix)
		if err != nil {
			return nil, err
		}
		if math.IsInf(candSingle, 1) {
			continue
		}

		newSingleSum := singleSum + candSingle
		if newSingleSum <= 0 {
			continue
		}
		detour := feas.TimeSeconds / newSingleSum
		if detour > detourCap {
			continue
		}

		newSavings := newSingleSum - feas.TimeSeconds
		score := newSavings
		if pol.PreferOlderOrders {
			score += pol.AgeWeight * ages[cand.ID]
		}
		gain := score - currentSavings
		if gain <= 0 {
			continue
		}
		// Pool order is age-descending then id-ascending, so strict
		// improvement keeps the deterministic tie-break.
		if best == nil || gain > best.gain {
			best = &candidate{
				order:     cand,
				poolIdx:   idx,
				stops:     feas.Stops,
				batchTime: feas.TimeSeconds,
				singleSum: newSingleSum,
				savings:   newSavings,
				gain:      gain,
			}
		}
	}
	return best, nil
}

func finalizeJob(members []domain.Order, stops []domain.Stop, batchTime, singleSum, savings float64) domain.Job {
	ids := make([]string, len(members))
	for i, o := range members {
		ids[i] = o.ID
	}
	jobType := domain.JobBatch
	if len(members) == 1 {
		jobType = domain.JobSingle
	}
	job := domain.NewJob(jobType, ids, stops)
	job.ETASeconds = batchTime
	if singleSum > 0 {
		job.DetourFactor = batchTime / singleSum
	}
	job.SavingsSeconds = savings
	return job
}

// orderPool copies and orders the cluster for seeding: oldest first when the
// policy prefers older orders, arrival order otherwise; ids break ties.
func orderPool(orders []domain.Order, pol config.BatchingPolicy, ages map[string]float64) []domain.Order {
	pool := make([]domain.Order, len(orders))
	copy(pool, orders)
	if pol.PreferOlderOrders {
		sort.SliceStable(pool, func(i, j int) bool {
			ai, aj := ages[pool[i].ID], ages[pool[j].ID]
			if ai != aj {
				return ai > aj
			}
			return pool[i].ID < pool[j].ID
		})
	}
	return pool
}
