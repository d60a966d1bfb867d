// Package domain defines the core entities and ports of the dispatch engine.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidPolicy     = errors.New("invalid policy")
	ErrInfeasibleBundle  = errors.New("infeasible bundle")
	ErrDetourRejected    = errors.New("detour rejected")
	ErrOracleUnavailable = errors.New("oracle unavailable")
	ErrStaleAcceptance   = errors.New("stale acceptance")
	ErrDispatchExhausted = errors.New("dispatch exhausted")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
)

// Coordinate is a (latitude, longitude) pair in decimal degrees.
type Coordinate struct {
	Lat float64
	Lon float64
}

// OrderStatus enumerates the order lifecycle states.
type OrderStatus string

const (
	OrderRaw       OrderStatus = "RAW"
	OrderBatching  OrderStatus = "BATCHING"
	OrderReady     OrderStatus = "READY"
	OrderAssigned  OrderStatus = "ASSIGNED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Order is a customer delivery request.
// PickupID carries merchant identity for clustering and may be empty.
type Order struct {
	ID        string
	Pickup    Coordinate
	Dropoff   Coordinate
	PickupID  string
	CreatedAt time.Time
	ReadyAt   *time.Time
	Status    OrderStatus
}

// StopType distinguishes pickup visits from dropoff visits.
type StopType string

const (
	StopPickup  StopType = "PICKUP"
	StopDropoff StopType = "DROPOFF"
)

// Stop is an atomic visit in a Job's route. Immutable once built.
type Stop struct {
	Type     StopType
	OrderID  string
	Coord    Coordinate
	PickupID string
}

// JobType distinguishes single-order jobs from multi-order batches.
type JobType string

const (
	JobSingle JobType = "SINGLE"
	JobBatch  JobType = "BATCH"
)

// Job is a dispatchable work package covering one or more orders.
// Invariants: each member order has exactly one PICKUP and one DROPOFF among
// Stops, and its PICKUP precedes its DROPOFF in the sequence.
type Job struct {
	ID             string
	Type           JobType
	OrderIDs       []string
	Stops          []Stop
	ETASeconds     float64
	DetourFactor   float64
	SavingsSeconds float64
	CreatedAt      time.Time
}

// NewJob builds a Job with a fresh id.
func NewJob(jobType JobType, orderIDs []string, stops []Stop) Job {
	return Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		OrderIDs:  orderIDs,
		Stops:     stops,
		CreatedAt: time.Now().UTC(),
	}
}

// Size returns the number of member orders.
func (j Job) Size() int { return len(j.OrderIDs) }

// PickupLocation is the coordinate of the first stop; waves are anchored here.
func (j Job) PickupLocation() Coordinate {
	if len(j.Stops) == 0 {
		return Coordinate{}
	}
	return j.Stops[0].Coord
}

// DriverStatus enumerates courier states.
type DriverStatus string

const (
	DriverAvailable        DriverStatus = "available"
	DriverTransitToCollect DriverStatus = "transittoCollect"
	DriverTransitToDropoff DriverStatus = "transittoDropoff"
	DriverPaused           DriverStatus = "paused"
	DriverOffline          DriverStatus = "offline"
	DriverUnregistered     DriverStatus = "unregistered"
)

// Driver is a courier snapshot, immutable per observation.
type Driver struct {
	ID          string
	Location    Coordinate
	Status      DriverStatus
	MaxCapacity int
	LastPingAt  time.Time
}

// TimeMatrix is the routing oracle: bulk shortest-travel-time lookups.
// Durations returns an NxN matrix of seconds in the order of coords; a pair
// that cannot be routed is +Inf. Implementations must never return negative
// durations and must be pure with respect to coordinates.
type TimeMatrix interface {
	Durations(ctx context.Context, coords []Coordinate) ([][]float64, error)
	Prefetch(ctx context.Context, coords []Coordinate) error
}

// PushNotifier delivers offers to driver devices. Best-effort.
type PushNotifier interface {
	BroadcastOffer(ctx context.Context, driverIDs []string, job Job) error
	RevokeOffer(ctx context.Context, driverIDs []string, jobID string) error
}

// LockManager is the race-resolution collaborator. In a single process it is
// a per-job mutex table; in a multi-node deployment a distributed lease. The
// dispatcher only relies on the contract.
type LockManager interface {
	// Lock acquires scoped mutual exclusion for key; the returned func releases it.
	Lock(ctx context.Context, key string) (func(), error)
	SetActiveOffer(ctx context.Context, jobID string, driverIDs []string, ttl time.Duration) error
	ClearActiveOffer(ctx context.Context, jobID string) error
	ActiveDrivers(ctx context.Context, jobID string) ([]string, error)
	IsAccepted(ctx context.Context, jobID string) (bool, error)
	MarkAccepted(ctx context.Context, jobID, driverID string) error
	AcceptedBy(ctx context.Context, jobID string) (string, error)
}

// Clock abstracts wall time so queue aging and wave timeouts are testable.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
