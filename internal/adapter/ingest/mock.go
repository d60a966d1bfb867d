package ingest

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/passl-hq/dispatch-core/internal/domain"
)

// MockScenario generates reproducible synthetic demand around a city center.
type MockScenario struct {
	Center domain.Coordinate
	// SpreadDegrees bounds how far pickups land from the center.
	SpreadDegrees float64
	// MerchantCount controls pickup reuse; orders sharing a merchant share a
	// pickup point and become batch candidates.
	MerchantCount int
	Seed          int64
}

// GenerateOrders produces n orders with creation times spread backwards over
// window so some are already ripe for batching.
func (s MockScenario) GenerateOrders(n int, now time.Time, window time.Duration) []domain.Order {
	rng := rand.New(rand.NewSource(s.Seed))
	spread := s.SpreadDegrees
	if spread <= 0 {
		spread = 0.05
	}
	merchants := s.MerchantCount
	if merchants <= 0 {
		merchants = n/3 + 1
	}

	pickups := make([]domain.Coordinate, merchants)
	for i := range pickups {
		pickups[i] = jitter(rng, s.Center, spread)
	}

	orders := make([]domain.Order, n)
	for i := range orders {
		m := rng.Intn(merchants)
		age := time.Duration(rng.Int63n(int64(window) + 1))
		orders[i] = domain.Order{
			ID:        fmt.Sprintf("order-%04d", i+1),
			Pickup:    pickups[m],
			Dropoff:   jitter(rng, s.Center, spread*2),
			PickupID:  fmt.Sprintf("merchant-%03d", m+1),
			CreatedAt: now.Add(-age),
			Status:    domain.OrderRaw,
		}
	}
	return orders
}

// GenerateDrivers produces n available drivers scattered around the center.
func (s MockScenario) GenerateDrivers(n int) []domain.Driver {
	rng := rand.New(rand.NewSource(s.Seed + 1))
	spread := s.SpreadDegrees
	if spread <= 0 {
		spread = 0.05
	}
	drivers := make([]domain.Driver, n)
	for i := range drivers {
		drivers[i] = domain.Driver{
			ID:          fmt.Sprintf("driver-%04d", i+1),
			Location:    jitter(rng, s.Center, spread*2),
			Status:      domain.DriverAvailable,
			MaxCapacity: 1 + rng.Intn(3),
		}
	}
	return drivers
}

func jitter(rng *rand.Rand, c domain.Coordinate, spread float64) domain.Coordinate {
	return domain.Coordinate{
		Lat: c.Lat + (rng.Float64()*2-1)*spread,
		Lon: c.Lon + (rng.Float64()*2-1)*spread,
	}
}
