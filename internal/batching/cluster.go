package batching

import (
	"context"
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/passl-hq/dispatch-core/internal/config"
	"github.com/passl-hq/dispatch-core/internal/domain"
)

// Cluster groups orders eligible to be considered together for batching:
// same pickup_id, same rounded pickup coordinate, or near pickups merged by
// travel time.
type Cluster struct {
	Key    string
	Orders []domain.Order
}

// globalPoolKey names the single cluster used under continuous chaining.
const globalPoolKey = "global_chaining_pool"

// coordBucketPrecision rounds pickup coordinates to 4 decimal places,
// roughly 11 m of latitude, enough to group "same place" pickups.
const coordBucketPrecision = 4

// BuildClusters partitions the pool into candidate neighborhoods.
//
// With continuous chaining enabled the pool is returned as one cluster and
// the detour caps reject bad merges downstream. Otherwise orders group by
// pickup_id; orders lacking one bucket by rounded pickup coordinate. When a
// pickup-to-pickup matrix is supplied and the policy sets a near-pickup
// threshold, clusters whose representative pickups are mutually reachable
// within the threshold are unioned. Every cluster is truncated to
// MaxClusterCandidates, oldest orders first.
func BuildClusters(ctx context.Context, orders []domain.Order, pol config.BatchingPolicy, pickupMatrix domain.TimeMatrix) ([]Cluster, error) {
	if len(orders) == 0 {
		return nil, nil
	}

	if pol.EnableContinuousChaining {
		pool := sortByCreation(orders)
		return []Cluster{{Key: globalPoolKey, Orders: capOrders(pool, pol.MaxClusterCandidates)}}, nil
	}

	byPickupID := map[string][]domain.Order{}
	byCoord := map[string][]domain.Order{}
	for _, o := range orders {
		if o.PickupID != "" {
			byPickupID[o.PickupID] = append(byPickupID[o.PickupID], o)
			continue
		}
		key := fmt.Sprintf("%.*f:%.*f", coordBucketPrecision, o.Pickup.Lat, coordBucketPrecision, o.Pickup.Lon)
		byCoord[key] = append(byCoord[key], o)
	}

	clusters := make([]Cluster, 0, len(byPickupID)+len(byCoord))
	for _, pid := range sortedKeys(byPickupID) {
		clusters = append(clusters, Cluster{
			Key:    "pickup_id:" + pid,
			Orders: capOrders(sortByCreation(byPickupID[pid]), pol.MaxClusterCandidates),
		})
	}
	for _, key := range sortedKeys(byCoord) {
		clusters = append(clusters, Cluster{
			Key:    "pickup_coord:" + key,
			Orders: capOrders(sortByCreation(byCoord[key]), pol.MaxClusterCandidates),
		})
	}

	if pickupMatrix != nil && pol.NearPickupTimeSec > 0 && len(clusters) > 1 {
		merged, err := mergeNearPickups(ctx, clusters, pickupMatrix, float64(pol.NearPickupTimeSec), pol.MaxClusterCandidates)
		if err != nil {
			return nil, err
		}
		clusters = merged
	}
	return clusters, nil
}

// mergeNearPickups unions clusters whose representative pickups are within
// the travel-time threshold in either direction (union-find over a
// representative-pickup matrix).
func mergeNearPickups(ctx context.Context, clusters []Cluster, pickupMatrix domain.TimeMatrix, thresholdSec float64, maxCandidates int) ([]Cluster, error) {
	reps := lo.Map(clusters, func(c Cluster, _ int) domain.Coordinate {
		return c.Orders[0].Pickup
	})
	durations, err := pickupMatrix.Durations(ctx, reps)
	if err != nil {
		return nil, fmt.Errorf("op=batching.mergeNearPickups: %w", err)
	}

	n := len(clusters)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if min(durations[i][j], durations[j][i]) <= thresholdSec {
				ri, rj := find(i), find(j)
				if ri != rj {
					parent[rj] = ri
				}
			}
		}
	}

	groups := map[int][]domain.Order{}
	for idx, c := range clusters {
		r := find(idx)
		groups[r] = append(groups[r], c.Orders...)
	}

	roots := lo.Keys(groups)
	sort.Ints(roots)
	out := make([]Cluster, 0, len(roots))
	for _, root := range roots {
		out = append(out, Cluster{
			Key:    fmt.Sprintf("merge:%s", clusters[root].Key),
			Orders: capOrders(sortByCreation(groups[root]), maxCandidates),
		})
	}
	return out, nil
}

// sortByCreation returns a copy ordered oldest first, id as tie-break so
// identical inputs cluster identically.
func sortByCreation(orders []domain.Order) []domain.Order {
	out := make([]domain.Order, len(orders))
	copy(out, orders)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func capOrders(orders []domain.Order, maxN int) []domain.Order {
	if maxN <= 0 || len(orders) <= maxN {
		return orders
	}
	return orders[:maxN]
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
