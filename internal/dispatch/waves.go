// Package dispatch broadcasts jobs to concentric driver waves and resolves
// acceptance races to a single winner.
package dispatch

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/passl-hq/dispatch-core/internal/config"
	"github.com/passl-hq/dispatch-core/internal/domain"
)

// rankedDriver pairs a driver with the metric used for bucketing and
// in-wave ordering.
type rankedDriver struct {
	driver domain.Driver
	metric float64
}

// Eligibility gates which drivers may receive offers at all.
type Eligibility struct {
	RequiredCapacity int
	// AllowInFlightOverlay is the continuous-chaining extension hook: admit
	// TRANSIT_TO_COLLECT drivers with residual capacity. Off by default;
	// mid-route insertion has no detour constraint defined yet.
	AllowInFlightOverlay bool
}

func (e Eligibility) admits(d domain.Driver) bool {
	if d.MaxCapacity < e.RequiredCapacity {
		return false
	}
	if d.Status == domain.DriverAvailable {
		return true
	}
	return e.AllowInFlightOverlay && d.Status == domain.DriverTransitToCollect && d.MaxCapacity >= e.RequiredCapacity
}

// BuildWaves buckets eligible drivers into the five concentric rings around
// the pickup.
//
// With an oracle the metric is driver-to-pickup travel time against the
// policy's wave_eta_seconds thresholds; without one it falls back to
// Euclidean degree distance against wave_radii_degrees. A driver beyond the
// fifth threshold is excluded entirely. Each wave is sorted ascending by the
// metric and capped at MaxWaveFanout drivers to bound notification fanout.
func BuildWaves(ctx context.Context, pickup domain.Coordinate, drivers []domain.Driver, elig Eligibility, pol config.DispatchPolicy, oracle domain.TimeMatrix) ([][]domain.Driver, error) {
	if elig.RequiredCapacity <= 0 {
		elig.RequiredCapacity = pol.DefaultRequiredCapacity
	}

	eligible := make([]domain.Driver, 0, len(drivers))
	for _, d := range drivers {
		if elig.admits(d) {
			eligible = append(eligible, d)
		}
	}

	waves := make([][]domain.Driver, config.WaveCount)
	if len(eligible) == 0 {
		return waves, nil
	}

	var ranked []rankedDriver
	var thresholds []float64
	if oracle != nil {
		var err error
		ranked, err = rankByTravelTime(ctx, pickup, eligible, oracle)
		if err != nil {
			return nil, err
		}
		thresholds = pol.WaveETASeconds
	} else {
		ranked = rankByDegreeDistance(pickup, eligible)
		thresholds = pol.WaveRadiiDegrees
	}

	buckets := make([][]rankedDriver, config.WaveCount)
	for _, rd := range ranked {
		w := bucketFor(rd.metric, thresholds)
		if w < 0 {
			continue
		}
		buckets[w] = append(buckets[w], rd)
	}

	for w, bucket := range buckets {
		sort.SliceStable(bucket, func(i, j int) bool {
			if bucket[i].metric != bucket[j].metric {
				return bucket[i].metric < bucket[j].metric
			}
			return bucket[i].driver.ID < bucket[j].driver.ID
		})
		if len(bucket) > config.MaxWaveFanout {
			bucket = bucket[:config.MaxWaveFanout]
		}
		waves[w] = make([]domain.Driver, len(bucket))
		for i, rd := range bucket {
			waves[w][i] = rd.driver
		}
	}
	return waves, nil
}

// bucketFor returns the index of the first threshold covering the metric, or
// -1 when the metric lies beyond the outermost ring. Boundary values belong
// to the inner wave.
func bucketFor(metric float64, thresholds []float64) int {
	for w, limit := range thresholds {
		if metric <= limit {
			return w
		}
	}
	return -1
}

func rankByDegreeDistance(pickup domain.Coordinate, drivers []domain.Driver) []rankedDriver {
	ranked := make([]rankedDriver, len(drivers))
	for i, d := range drivers {
		dLat := pickup.Lat - d.Location.Lat
		dLon := pickup.Lon - d.Location.Lon
		ranked[i] = rankedDriver{driver: d, metric: math.Sqrt(dLat*dLat + dLon*dLon)}
	}
	return ranked
}

func rankByTravelTime(ctx context.Context, pickup domain.Coordinate, drivers []domain.Driver, oracle domain.TimeMatrix) ([]rankedDriver, error) {
	coords := make([]domain.Coordinate, 0, len(drivers)+1)
	coords = append(coords, pickup)
	for _, d := range drivers {
		coords = append(coords, d.Location)
	}
	durations, err := oracle.Durations(ctx, coords)
	if err != nil {
		return nil, fmt.Errorf("op=dispatch.rankByTravelTime: %w", err)
	}
	ranked := make([]rankedDriver, 0, len(drivers))
	for i, d := range drivers {
		t := durations[i+1][0] // driver -> pickup
		if math.IsInf(t, 1) {
			continue
		}
		ranked = append(ranked, rankedDriver{driver: d, metric: t})
	}
	return ranked, nil
}
