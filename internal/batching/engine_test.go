package batching

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passl-hq/dispatch-core/internal/config"
	"github.com/passl-hq/dispatch-core/internal/domain"
)

func newTestEngine(t *testing.T, matrix domain.TimeMatrix) *Engine {
	t.Helper()
	eng, err := NewEngine(matrix, nil, config.DefaultBatchingPolicy())
	require.NoError(t, err)
	return eng
}

func TestBatchDefersYoungSingle(t *testing.T) {
	eng := newTestEngine(t, cityMatrix())
	order := makeOrder("o1", pickupP, dropD1, "m1", 30)

	res, err := eng.Batch(context.Background(), []domain.Order{order}, map[string]float64{"o1": 30})
	require.NoError(t, err)
	assert.Empty(t, res.Jobs)
	require.Len(t, res.Unbatched, 1)
	assert.Equal(t, "o1", res.Unbatched[0].ID)
}

func TestBatchEmitsRipeSingle(t *testing.T) {
	eng := newTestEngine(t, cityMatrix())
	order := makeOrder("o1", pickupP, dropD1, "m1", 200)

	res, err := eng.Batch(context.Background(), []domain.Order{order}, map[string]float64{"o1": 200})
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	assert.Empty(t, res.Unbatched)

	job := res.Jobs[0]
	assert.Equal(t, domain.JobSingle, job.Type)
	assert.Equal(t, []string{"o1"}, job.OrderIDs)
	assert.Equal(t, 300.0, job.ETASeconds)
	assert.InDelta(t, 1.0, job.DetourFactor, 1e-9)
	assert.Equal(t, 0.0, job.SavingsSeconds)
}

func TestBatchFormsTightPair(t *testing.T) {
	eng := newTestEngine(t, cityMatrix())
	a := makeOrder("a", pickupP, dropD1, "m1", 600)
	b := makeOrder("b", pickupP, dropD2, "m1", 500)
	ages := map[string]float64{"a": 600, "b": 500}

	res, err := eng.Batch(context.Background(), []domain.Order{a, b}, ages)
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	assert.Empty(t, res.Unbatched)

	job := res.Jobs[0]
	assert.Equal(t, domain.JobBatch, job.Type)
	assert.ElementsMatch(t, []string{"a", "b"}, job.OrderIDs)
	assert.Equal(t, 450.0, job.ETASeconds)
	// 450 batched against 600 of separate trips.
	assert.InDelta(t, 0.75, job.DetourFactor, 1e-9)
	assert.InDelta(t, 150.0, job.SavingsSeconds, 1e-9)
}

func TestBatchRejectsDetourBreakingThird(t *testing.T) {
	eng := newTestEngine(t, cityMatrix())
	a := makeOrder("a", pickupP, dropD1, "m1", 600)
	b := makeOrder("b", pickupP, dropD2, "m1", 500)
	c := makeOrder("c", pickupP, dropD3, "m1", 700)
	ages := map[string]float64{"a": 600, "b": 500, "c": 700}

	res, err := eng.Batch(context.Background(), []domain.Order{a, b, c}, ages)
	require.NoError(t, err)
	require.Len(t, res.Jobs, 2)
	assert.Empty(t, res.Unbatched)

	var single, batch *domain.Job
	for i := range res.Jobs {
		switch res.Jobs[i].Type {
		case domain.JobSingle:
			single = &res.Jobs[i]
		case domain.JobBatch:
			batch = &res.Jobs[i]
		}
	}
	require.NotNil(t, single)
	require.NotNil(t, batch)
	// The distant dropoff would blow the detour cap, so it rides alone and
	// the corridor pair still forms.
	assert.Equal(t, []string{"c"}, single.OrderIDs)
	assert.ElementsMatch(t, []string{"a", "b"}, batch.OrderIDs)
}

func TestBatchPartitionInvariant(t *testing.T) {
	eng := newTestEngine(t, cityMatrix())
	orders := []domain.Order{
		makeOrder("a", pickupP, dropD1, "m1", 600),
		makeOrder("b", pickupP, dropD2, "m1", 500),
		makeOrder("young", pickupP, dropD1, "m2", 10),
	}
	ages := map[string]float64{"a": 600, "b": 500, "young": 10}

	res, err := eng.Batch(context.Background(), orders, ages)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, j := range res.Jobs {
		for _, id := range j.OrderIDs {
			seen[id]++
		}
	}
	for _, o := range res.Unbatched {
		seen[o.ID]++
	}
	require.Len(t, seen, len(orders))
	for id, n := range seen {
		assert.Equal(t, 1, n, "order %s must appear exactly once", id)
	}
}

// faultyMatrix fails any lookup touching the poisoned coordinate and defers
// to the inner matrix otherwise.
type faultyMatrix struct {
	inner  domain.TimeMatrix
	poison domain.Coordinate
}

func (f faultyMatrix) Durations(ctx context.Context, coords []domain.Coordinate) ([][]float64, error) {
	for _, c := range coords {
		if c == f.poison {
			return nil, fmt.Errorf("%w: table fetch failed", domain.ErrOracleUnavailable)
		}
	}
	return f.inner.Durations(ctx, coords)
}

func (f faultyMatrix) Prefetch(context.Context, []domain.Coordinate) error { return nil }

func TestBatchContainsOracleFailureToItsCluster(t *testing.T) {
	pickupQ := domain.Coordinate{Lat: 1.5000, Lon: 1.5000}
	eng := newTestEngine(t, faultyMatrix{inner: cityMatrix(), poison: pickupQ})

	healthy := makeOrder("a", pickupP, dropD1, "m1", 200)
	poisoned := makeOrder("b", pickupQ, dropD1, "m2", 200)
	ages := map[string]float64{"a": 200, "b": 200}

	res, err := eng.Batch(context.Background(), []domain.Order{healthy, poisoned}, ages)
	require.NoError(t, err)

	// The healthy cluster still emits; the failed one just waits a tick.
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, []string{"a"}, res.Jobs[0].OrderIDs)
	require.Len(t, res.Unbatched, 1)
	assert.Equal(t, "b", res.Unbatched[0].ID)
}

func TestBatchUnroutableSeedStaysUnbatched(t *testing.T) {
	eng := newTestEngine(t, infMatrix{})
	order := makeOrder("o1", pickupP, dropD1, "m1", 900)

	res, err := eng.Batch(context.Background(), []domain.Order{order}, map[string]float64{"o1": 900})
	require.NoError(t, err)
	assert.Empty(t, res.Jobs)
	require.Len(t, res.Unbatched, 1)
}
