package batching

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passl-hq/dispatch-core/internal/domain"
)

func TestEvaluateBundleSingleOrder(t *testing.T) {
	order := makeOrder("o1", pickupP, dropD1, "m1", 0)

	feas, err := EvaluateBundle(context.Background(), []domain.Order{order}, cityMatrix())
	require.NoError(t, err)
	require.True(t, feas.Feasible)
	assert.Equal(t, 300.0, feas.TimeSeconds)
	require.Len(t, feas.Stops, 2)
	assert.Equal(t, domain.StopPickup, feas.Stops[0].Type)
	assert.Equal(t, domain.StopDropoff, feas.Stops[1].Type)
}

func TestEvaluateBundlePairSharedPickup(t *testing.T) {
	a := makeOrder("a", pickupP, dropD1, "m1", 0)
	b := makeOrder("b", pickupP, dropD2, "m1", 0)

	feas, err := EvaluateBundle(context.Background(), []domain.Order{a, b}, cityMatrix())
	require.NoError(t, err)
	require.True(t, feas.Feasible)
	// Both pickups first (zero cost), then the dropoffs in corridor order.
	assert.Equal(t, 450.0, feas.TimeSeconds)

	// Precedence holds per order.
	pos := map[string]map[domain.StopType]int{}
	for i, s := range feas.Stops {
		if pos[s.OrderID] == nil {
			pos[s.OrderID] = map[domain.StopType]int{}
		}
		pos[s.OrderID][s.Type] = i
	}
	for id, p := range pos {
		assert.Less(t, p[domain.StopPickup], p[domain.StopDropoff], "order %s", id)
	}
}

func TestEvaluateBundleRejectsOversizedBundle(t *testing.T) {
	orders := []domain.Order{
		makeOrder("a", pickupP, dropD1, "m1", 0),
		makeOrder("b", pickupP, dropD2, "m1", 0),
		makeOrder("c", pickupP, dropD1, "m1", 0),
		makeOrder("d", pickupP, dropD2, "m1", 0),
	}
	feas, err := EvaluateBundle(context.Background(), orders, cityMatrix())
	require.NoError(t, err)
	assert.False(t, feas.Feasible)
	assert.True(t, math.IsInf(feas.TimeSeconds, 1))
}

func TestEvaluateBundleUnroutable(t *testing.T) {
	order := makeOrder("o1", pickupP, dropD1, "m1", 0)
	feas, err := EvaluateBundle(context.Background(), []domain.Order{order}, infMatrix{})
	require.NoError(t, err)
	assert.False(t, feas.Feasible)
	assert.True(t, math.IsInf(feas.TimeSeconds, 1))
}

func TestInsertOrderFindsBestPlacement(t *testing.T) {
	a := makeOrder("a", pickupP, dropD1, "m1", 0)
	base, err := EvaluateBundle(context.Background(), []domain.Order{a}, cityMatrix())
	require.NoError(t, err)
	require.True(t, base.Feasible)

	b := makeOrder("b", pickupP, dropD2, "m1", 0)
	feas, err := InsertOrder(context.Background(), base.Stops, b, cityMatrix())
	require.NoError(t, err)
	require.True(t, feas.Feasible)
	assert.Equal(t, 450.0, feas.TimeSeconds)
	require.Len(t, feas.Stops, 4)

	// New order's pickup precedes its dropoff.
	var pIdx, dIdx int
	for i, s := range feas.Stops {
		if s.OrderID == "b" {
			if s.Type == domain.StopPickup {
				pIdx = i
			} else {
				dIdx = i
			}
		}
	}
	assert.Less(t, pIdx, dIdx)
	// Existing stops keep their relative order.
	var kept []domain.StopType
	for _, s := range feas.Stops {
		if s.OrderID == "a" {
			kept = append(kept, s.Type)
		}
	}
	assert.Equal(t, []domain.StopType{domain.StopPickup, domain.StopDropoff}, kept)
}

func TestSingleTimeSum(t *testing.T) {
	orders := []domain.Order{
		makeOrder("a", pickupP, dropD1, "m1", 0),
		makeOrder("b", pickupP, dropD2, "m1", 0),
	}
	sum, err := SingleTimeSum(context.Background(), orders, cityMatrix())
	require.NoError(t, err)
	assert.Equal(t, 600.0, sum)
}
