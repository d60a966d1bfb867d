package routing

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/passl-hq/dispatch-core/internal/domain"
)

// ReachabilityCandidate is a driver qualified by road-network reachability,
// with the travel metric the ranking layers consume.
type ReachabilityCandidate struct {
	Driver                domain.Driver
	PickupDurationSeconds float64
}

// QualifyByReachability computes driver-to-pickup travel times through the
// oracle and returns the drivers reachable within maxPickupDuration seconds,
// sorted fastest first. Drivers the oracle cannot route are excluded.
func QualifyByReachability(ctx context.Context, oracle domain.TimeMatrix, pickup domain.Coordinate, drivers []domain.Driver, maxPickupDuration float64) ([]ReachabilityCandidate, error) {
	if len(drivers) == 0 {
		return nil, nil
	}
	coords := make([]domain.Coordinate, 0, len(drivers)+1)
	coords = append(coords, pickup)
	for _, d := range drivers {
		coords = append(coords, d.Location)
	}
	durations, err := oracle.Durations(ctx, coords)
	if err != nil {
		return nil, fmt.Errorf("op=routing.QualifyByReachability: %w", err)
	}

	var out []ReachabilityCandidate
	for i, d := range drivers {
		t := durations[i+1][0] // driver -> pickup
		if math.IsInf(t, 1) || t > maxPickupDuration {
			continue
		}
		out = append(out, ReachabilityCandidate{Driver: d, PickupDurationSeconds: t})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PickupDurationSeconds != out[j].PickupDurationSeconds {
			return out[i].PickupDurationSeconds < out[j].PickupDurationSeconds
		}
		return out[i].Driver.ID < out[j].Driver.ID
	})
	return out, nil
}
