// Package batching clusters orders, searches feasible stop sequences, and
// selects disjoint jobs under detour-ratio acceptance.
package batching

import (
	"context"
	"fmt"
	"math"

	"github.com/passl-hq/dispatch-core/internal/domain"
)

// Feasibility is the outcome of a sequence search over a candidate bundle.
type Feasibility struct {
	Feasible    bool
	Stops       []domain.Stop
	TimeSeconds float64
	Explored    int
	Reason      string
}

// maxPermutationOrders bounds the permutation base case. Beyond this the
// insertion case is the only tractable path.
const maxPermutationOrders = 3

// EvaluateBundle computes the minimum-time stop sequence for a bundle of
// 1..3 orders under the pickup-before-dropoff precedence constraint.
// Works for identical or distinct pickups.
func EvaluateBundle(ctx context.Context, orders []domain.Order, matrix domain.TimeMatrix) (Feasibility, error) {
	n := len(orders)
	if n == 0 {
		return Feasibility{TimeSeconds: math.Inf(1), Reason: "empty bundle"}, nil
	}
	if n > maxPermutationOrders {
		return Feasibility{TimeSeconds: math.Inf(1), Reason: fmt.Sprintf("bundle size %d exceeds permutation search", n)}, nil
	}

	stops := make([]domain.Stop, 0, 2*n)
	for _, o := range orders {
		stops = append(stops,
			domain.Stop{Type: domain.StopPickup, OrderID: o.ID, Coord: o.Pickup, PickupID: o.PickupID},
			domain.Stop{Type: domain.StopDropoff, OrderID: o.ID, Coord: o.Dropoff, PickupID: o.PickupID},
		)
	}

	coords := make([]domain.Coordinate, len(stops))
	for i, s := range stops {
		coords[i] = s.Coord
	}
	durations, err := matrix.Durations(ctx, coords)
	if err != nil {
		return Feasibility{}, fmt.Errorf("op=batching.EvaluateBundle: %w", err)
	}
	if len(durations) != len(coords) {
		return Feasibility{TimeSeconds: math.Inf(1), Reason: "invalid matrix shape"}, nil
	}

	// pickup stop index precedes dropoff stop index per order by construction:
	// pickup of order k is 2k, dropoff is 2k+1.
	best := math.Inf(1)
	var bestPerm []int
	explored := 0

	perm := make([]int, len(stops))
	for i := range perm {
		perm[i] = i
	}
	permute(perm, 0, func(p []int) {
		explored++
		if !respectsPrecedence(p) {
			return
		}
		t := legTime(p, durations)
		if t < best {
			best = t
			bestPerm = append(bestPerm[:0], p...)
		}
	})

	if bestPerm == nil || math.IsInf(best, 1) {
		return Feasibility{TimeSeconds: math.Inf(1), Explored: explored, Reason: "no feasible sequence"}, nil
	}
	ordered := make([]domain.Stop, len(bestPerm))
	for i, idx := range bestPerm {
		ordered[i] = stops[idx]
	}
	return Feasibility{Feasible: true, Stops: ordered, TimeSeconds: best, Explored: explored}, nil
}

// InsertOrder evaluates every (i <= j) placement of the order's pickup at
// position i and dropoff at j+1 in the existing sequence, returning the
// minimum-time result. The existing sequence is assumed feasible.
func InsertOrder(ctx context.Context, seq []domain.Stop, order domain.Order, matrix domain.TimeMatrix) (Feasibility, error) {
	pickup := domain.Stop{Type: domain.StopPickup, OrderID: order.ID, Coord: order.Pickup, PickupID: order.PickupID}
	dropoff := domain.Stop{Type: domain.StopDropoff, OrderID: order.ID, Coord: order.Dropoff, PickupID: order.PickupID}

	coords := make([]domain.Coordinate, 0, len(seq)+2)
	for _, s := range seq {
		coords = append(coords, s.Coord)
	}
	coords = append(coords, order.Pickup, order.Dropoff)
	durations, err := matrix.Durations(ctx, coords)
	if err != nil {
		return Feasibility{}, fmt.Errorf("op=batching.InsertOrder: %w", err)
	}
	if len(durations) != len(coords) {
		return Feasibility{TimeSeconds: math.Inf(1), Reason: "invalid matrix shape"}, nil
	}

	m := len(seq)
	pIdx, dIdx := m, m+1 // matrix indices of the new pickup/dropoff

	best := math.Inf(1)
	bestI, bestJ := -1, -1
	explored := 0
	for i := 0; i <= m; i++ {
		for j := i; j <= m; j++ {
			explored++
			t := insertedLegTime(durations, m, pIdx, dIdx, i, j)
			if t < best {
				best = t
				bestI, bestJ = i, j
			}
		}
	}

	if math.IsInf(best, 1) {
		return Feasibility{TimeSeconds: math.Inf(1), Explored: explored, Reason: "no routable insertion"}, nil
	}

	out := make([]domain.Stop, 0, m+2)
	out = append(out, seq[:bestI]...)
	out = append(out, pickup)
	out = append(out, seq[bestI:bestJ]...)
	out = append(out, dropoff)
	out = append(out, seq[bestJ:]...)
	return Feasibility{Feasible: true, Stops: out, TimeSeconds: best, Explored: explored}, nil
}

// SingleTimeSum is the sum of individual pickup->dropoff times, the baseline
// for detour ratios.
func SingleTimeSum(ctx context.Context, orders []domain.Order, matrix domain.TimeMatrix) (float64, error) {
	if len(orders) == 0 {
		return 0, nil
	}
	coords := make([]domain.Coordinate, 0, 2*len(orders))
	for _, o := range orders {
		coords = append(coords, o.Pickup, o.Dropoff)
	}
	durations, err := matrix.Durations(ctx, coords)
	if err != nil {
		return 0, fmt.Errorf("op=batching.SingleTimeSum: %w", err)
	}
	total := 0.0
	for i := range orders {
		total += durations[2*i][2*i+1]
	}
	return total, nil
}

// respectsPrecedence checks that stop 2k appears before stop 2k+1 for each
// order k under the permutation.
func respectsPrecedence(perm []int) bool {
	pos := make([]int, len(perm))
	for i, stopIdx := range perm {
		pos[stopIdx] = i
	}
	for k := 0; k+1 < len(perm); k += 2 {
		if pos[k] > pos[k+1] {
			return false
		}
	}
	return true
}

func legTime(perm []int, durations [][]float64) float64 {
	total := 0.0
	for i := 0; i+1 < len(perm); i++ {
		total += durations[perm[i]][perm[i+1]]
	}
	return total
}

// insertedLegTime scores the sequence obtained by inserting the new pickup
// before original position i and the new dropoff before original position j
// (after the pickup), without materializing the slice.
func insertedLegTime(durations [][]float64, m, pIdx, dIdx, i, j int) float64 {
	prev := -1
	total := 0.0
	step := func(idx int) {
		if prev >= 0 {
			total += durations[prev][idx]
		}
		prev = idx
	}
	for k := 0; k <= m; k++ {
		if k == i {
			step(pIdx)
		}
		if k == j {
			step(dIdx)
		}
		if k < m {
			step(k)
		}
	}
	return total
}

// permute runs fn over all permutations of xs in place (Heap's algorithm).
func permute(xs []int, k int, fn func([]int)) {
	if k == len(xs)-1 {
		fn(xs)
		return
	}
	for i := k; i < len(xs); i++ {
		xs[k], xs[i] = xs[i], xs[k]
		permute(xs, k+1, fn)
		xs[k], xs[i] = xs[i], xs[k]
	}
}
