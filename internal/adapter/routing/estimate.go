package routing

import (
	"context"
	"math"

	"github.com/passl-hq/dispatch-core/internal/domain"
)

const earthRadiusMeters = 6371000.0

// GreatCircleMatrix is an offline TimeMatrix that estimates travel time as
// haversine distance over a constant speed. The simulation harness uses it
// when no OSRM backend is configured; it is not a substitute for road-network
// times in production.
type GreatCircleMatrix struct {
	// SpeedMPS is the assumed travel speed in meters per second.
	SpeedMPS float64
}

// Durations implements domain.TimeMatrix.
func (g GreatCircleMatrix) Durations(_ context.Context, coords []domain.Coordinate) ([][]float64, error) {
	speed := g.SpeedMPS
	if speed <= 0 {
		speed = 8.0 // ~29 km/h urban default
	}
	n := len(coords)
	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
		for j := range matrix[i] {
			matrix[i][j] = haversineMeters(coords[i], coords[j]) / speed
		}
	}
	return matrix, nil
}

// Prefetch implements domain.TimeMatrix; estimation has nothing to warm.
func (GreatCircleMatrix) Prefetch(context.Context, []domain.Coordinate) error { return nil }

func haversineMeters(a, b domain.Coordinate) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}
