package batching

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/passl-hq/dispatch-core/internal/domain"
)

// scriptMatrix is a scripted TimeMatrix for tests: travel times come from an
// explicit pair table, identical coordinates cost zero, everything else
// defaults to farTime.
type scriptMatrix struct {
	times map[string]float64
}

const farTime = 2000.0

func pairK(a, b domain.Coordinate) string {
	return fmt.Sprintf("%.4f,%.4f>%.4f,%.4f", a.Lat, a.Lon, b.Lat, b.Lon)
}

func (s scriptMatrix) Durations(_ context.Context, coords []domain.Coordinate) ([][]float64, error) {
	out := make([][]float64, len(coords))
	for i := range coords {
		out[i] = make([]float64, len(coords))
		for j := range coords {
			switch {
			case coords[i] == coords[j]:
				out[i][j] = 0
			default:
				if t, ok := s.times[pairK(coords[i], coords[j])]; ok {
					out[i][j] = t
				} else {
					out[i][j] = farTime
				}
			}
		}
	}
	return out, nil
}

func (s scriptMatrix) Prefetch(context.Context, []domain.Coordinate) error { return nil }

// infMatrix reports every pair unroutable.
type infMatrix struct{}

func (infMatrix) Durations(_ context.Context, coords []domain.Coordinate) ([][]float64, error) {
	out := make([][]float64, len(coords))
	for i := range coords {
		out[i] = make([]float64, len(coords))
		for j := range coords {
			if i != j {
				out[i][j] = math.Inf(1)
			}
		}
	}
	return out, nil
}

func (infMatrix) Prefetch(context.Context, []domain.Coordinate) error { return nil }

// Shared geometry for the selection tests: one merchant pickup, two nearby
// dropoffs, one distant dropoff.
var (
	pickupP = domain.Coordinate{Lat: 1.0000, Lon: 1.0000}
	dropD1  = domain.Coordinate{Lat: 1.0100, Lon: 1.0000}
	dropD2  = domain.Coordinate{Lat: 1.0200, Lon: 1.0000}
	dropD3  = domain.Coordinate{Lat: 2.0000, Lon: 2.0000}
)

func cityMatrix() scriptMatrix {
	times := map[string]float64{}
	set := func(a, b domain.Coordinate, t float64) {
		times[pairK(a, b)] = t
		times[pairK(b, a)] = t
	}
	set(pickupP, dropD1, 300)
	set(pickupP, dropD2, 300)
	set(dropD1, dropD2, 150)
	times[pairK(pickupP, dropD3)] = 300
	times[pairK(dropD3, pickupP)] = farTime
	return scriptMatrix{times: times}
}

func makeOrder(id string, pickup, dropoff domain.Coordinate, pickupID string, ageSec int) domain.Order {
	return domain.Order{
		ID:        id,
		Pickup:    pickup,
		Dropoff:   dropoff,
		PickupID:  pickupID,
		CreatedAt: time.Now().UTC().Add(-time.Duration(ageSec) * time.Second),
		Status:    domain.OrderBatching,
	}
}
