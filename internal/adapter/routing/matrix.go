// Package routing adapts routing backends into the TimeMatrix oracle the
// batching engine and wave dispatcher consume.
package routing

import (
	"context"
	"fmt"
	"math"
	"strings"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/passl-hq/dispatch-core/internal/adapter/observability"
	"github.com/passl-hq/dispatch-core/internal/domain"
)

// TableClient is the slice of the OSRM client the oracle needs.
type TableClient interface {
	Table(ctx context.Context, coords []domain.Coordinate) ([][]float64, error)
}

// Oracle is a caching TimeMatrix over a table backend. Prefetch loads a full
// square into the pair cache; queries containing unseen coordinates fetch
// the missing square transparently and merge it. The cache is process-local
// and lives as long as the process; concurrent misses for the same
// coordinate set are collapsed through singleflight.
type Oracle struct {
	client TableClient
	cache  *gocache.Cache
	group  singleflight.Group
}

// NewOracle wraps a table backend in the pair cache.
func NewOracle(client TableClient) *Oracle {
	return &Oracle{
		client: client,
		cache:  gocache.New(gocache.NoExpiration, 0),
	}
}

// Prefetch fetches the full NxN table for coords and merges it into the cache.
func (o *Oracle) Prefetch(ctx context.Context, coords []domain.Coordinate) error {
	if len(coords) == 0 {
		return nil
	}
	_, err := o.fetchAndMerge(ctx, coords)
	return err
}

// Durations returns the NxN travel-time matrix for coords in order, serving
// cached cells and fetching the full square once when any cell is missing.
// Pairs the backend cannot route are +Inf.
func (o *Oracle) Durations(ctx context.Context, coords []domain.Coordinate) ([][]float64, error) {
	n := len(coords)
	if n == 0 {
		return nil, nil
	}

	matrix := make([][]float64, n)
	missing := false
	for i := range matrix {
		matrix[i] = make([]float64, n)
		for j := range matrix[i] {
			if v, ok := o.cache.Get(pairKey(coords[i], coords[j])); ok {
				matrix[i][j] = v.(float64)
				observability.MatrixCacheHitsTotal.Inc()
			} else {
				matrix[i][j] = math.Inf(1)
				missing = true
			}
		}
	}
	if !missing {
		return matrix, nil
	}

	fetched, err := o.fetchAndMerge(ctx, coords)
	if err != nil {
		return nil, err
	}
	return fetched, nil
}

// fetchAndMerge pulls the full square for coords, caches every finite cell,
// and returns the matrix. Identical concurrent fetches share one call.
func (o *Oracle) fetchAndMerge(ctx context.Context, coords []domain.Coordinate) ([][]float64, error) {
	key := squareKey(coords)
	v, err, _ := o.group.Do(key, func() (any, error) {
		observability.MatrixFetchesTotal.Inc()
		table, err := o.client.Table(ctx, coords)
		if err != nil {
			return nil, fmt.Errorf("op=routing.fetch: %w", err)
		}
		for i := range coords {
			for j := range coords {
				d := table[i][j]
				if !math.IsInf(d, 1) {
					o.cache.Set(pairKey(coords[i], coords[j]), d, gocache.NoExpiration)
				}
			}
		}
		return table, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([][]float64), nil
}

func pairKey(a, b domain.Coordinate) string {
	return fmt.Sprintf("%.6f,%.6f|%.6f,%.6f", a.Lat, a.Lon, b.Lat, b.Lon)
}

func squareKey(coords []domain.Coordinate) string {
	var sb strings.Builder
	for _, c := range coords {
		fmt.Fprintf(&sb, "%.6f,%.6f;", c.Lat, c.Lon)
	}
	return sb.String()
}
