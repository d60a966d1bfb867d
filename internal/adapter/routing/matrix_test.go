package routing

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passl-hq/dispatch-core/internal/domain"
)

// fakeTable serves a distance-derived duration table and counts fetches.
type fakeTable struct {
	mu      sync.Mutex
	calls   int
	blocked map[domain.Coordinate]bool
}

func (f *fakeTable) Table(_ context.Context, coords []domain.Coordinate) ([][]float64, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	out := make([][]float64, len(coords))
	for i := range coords {
		out[i] = make([]float64, len(coords))
		for j := range coords {
			if i == j {
				continue
			}
			if f.blocked[coords[i]] || f.blocked[coords[j]] {
				out[i][j] = math.Inf(1)
				continue
			}
			out[i][j] = math.Abs(coords[i].Lat-coords[j].Lat) * 1000
		}
	}
	return out, nil
}

func (f *fakeTable) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var (
	cA = domain.Coordinate{Lat: 1.0, Lon: 1.0}
	cB = domain.Coordinate{Lat: 1.1, Lon: 1.0}
	cC = domain.Coordinate{Lat: 1.2, Lon: 1.0}
)

func TestOraclePrefetchServesLaterQueries(t *testing.T) {
	backend := &fakeTable{}
	oracle := NewOracle(backend)
	ctx := context.Background()

	require.NoError(t, oracle.Prefetch(ctx, []domain.Coordinate{cA, cB, cC}))
	assert.Equal(t, 1, backend.callCount())

	// A subset query is fully covered by the cache.
	matrix, err := oracle.Durations(ctx, []domain.Coordinate{cA, cC})
	require.NoError(t, err)
	assert.Equal(t, 1, backend.callCount())
	assert.InDelta(t, 200.0, matrix[0][1], 1e-6)
	assert.Equal(t, 0.0, matrix[0][0])
}

func TestOracleFetchesMissingSquareOnce(t *testing.T) {
	backend := &fakeTable{}
	oracle := NewOracle(backend)
	ctx := context.Background()

	matrix, err := oracle.Durations(ctx, []domain.Coordinate{cA, cB})
	require.NoError(t, err)
	assert.Equal(t, 1, backend.callCount())
	assert.InDelta(t, 100.0, matrix[0][1], 1e-6)

	// Second identical query is pure cache.
	_, err = oracle.Durations(ctx, []domain.Coordinate{cA, cB})
	require.NoError(t, err)
	assert.Equal(t, 1, backend.callCount())
}

func TestOracleUnroutablePairStaysInfinite(t *testing.T) {
	backend := &fakeTable{blocked: map[domain.Coordinate]bool{cC: true}}
	oracle := NewOracle(backend)
	ctx := context.Background()

	matrix, err := oracle.Durations(ctx, []domain.Coordinate{cA, cC})
	require.NoError(t, err)
	assert.True(t, math.IsInf(matrix[0][1], 1))
	assert.InDelta(t, 0.0, matrix[0][0], 1e-9)
}

func TestGreatCircleMatrixSymmetry(t *testing.T) {
	m := GreatCircleMatrix{SpeedMPS: 10}
	out, err := m.Durations(context.Background(), []domain.Coordinate{cA, cB})
	require.NoError(t, err)
	assert.Equal(t, 0.0, out[0][0])
	assert.Greater(t, out[0][1], 0.0)
	assert.InDelta(t, out[0][1], out[1][0], 1e-6)
	// ~11.1 km at 10 m/s.
	assert.InDelta(t, 1112.0, out[0][1], 10)
}

func TestQualifyByReachability(t *testing.T) {
	backend := &fakeTable{blocked: map[domain.Coordinate]bool{cC: true}}
	oracle := NewOracle(backend)

	drivers := []domain.Driver{
		{ID: "slow", Location: cB, Status: domain.DriverAvailable},                              // 100s
		{ID: "fast", Location: domain.Coordinate{Lat: 1.05, Lon: 1.0}},                          // 50s
		{ID: "blocked", Location: cC},                                                           // unroutable
		{ID: "toofar", Location: domain.Coordinate{Lat: 3.0, Lon: 1.0}, Status: "available"},    // 2000s
	}
	out, err := QualifyByReachability(context.Background(), oracle, cA, drivers, 500)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "fast", out[0].Driver.ID)
	assert.InDelta(t, 50.0, out[0].PickupDurationSeconds, 1e-6)
	assert.Equal(t, "slow", out[1].Driver.ID)
}
