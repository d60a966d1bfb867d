package dispatch

import (
	"fmt"
	"sort"
	"sync"

	"github.com/passl-hq/dispatch-core/internal/domain"
)

// ApplyAcceptance deducts the job's order count from the driver's capacity
// and moves the driver toward the pickup. Remaining capacity of zero always
// transitions to TRANSIT_TO_COLLECT; leftover capacity keeps the driver
// AVAILABLE unless chaining is on, in which case the driver travels while
// staying open to stacked offers.
func ApplyAcceptance(d domain.Driver, job domain.Job, chaining bool) (domain.Driver, error) {
	size := job.Size()
	if d.MaxCapacity < size {
		return d, fmt.Errorf("%w: driver %s capacity %d below job size %d", domain.ErrConflict, d.ID, d.MaxCapacity, size)
	}
	d.MaxCapacity -= size
	if d.MaxCapacity == 0 || chaining {
		d.Status = domain.DriverTransitToCollect
	}
	return d, nil
}

// ApplyWithdrawal takes a driver out of every future wave.
func ApplyWithdrawal(d domain.Driver) domain.Driver {
	d.Status = domain.DriverOffline
	return d
}

// Fleet is a thread-safe registry of driver state. The dispatcher reads
// snapshots from it to build waves and writes acceptance transitions back.
type Fleet struct {
	mu      sync.RWMutex
	drivers map[string]domain.Driver
}

// NewFleet seeds a registry from an initial roster.
func NewFleet(seed []domain.Driver) *Fleet {
	f := &Fleet{drivers: make(map[string]domain.Driver, len(seed))}
	for _, d := range seed {
		f.drivers[d.ID] = d
	}
	return f
}

// Upsert inserts or replaces a driver record, e.g. on a location ping.
func (f *Fleet) Upsert(d domain.Driver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drivers[d.ID] = d
}

// Get returns the current record for a driver.
func (f *Fleet) Get(id string) (domain.Driver, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	d, ok := f.drivers[id]
	return d, ok
}

// Snapshot returns all drivers sorted by id for deterministic wave input.
func (f *Fleet) Snapshot() []domain.Driver {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]domain.Driver, 0, len(f.drivers))
	for _, d := range f.drivers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Accept applies the acceptance transition for driverID atomically.
func (f *Fleet) Accept(driverID string, job domain.Job, chaining bool) (domain.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.drivers[driverID]
	if !ok {
		return domain.Driver{}, fmt.Errorf("%w: driver %s", domain.ErrNotFound, driverID)
	}
	next, err := ApplyAcceptance(d, job, chaining)
	if err != nil {
		return d, err
	}
	f.drivers[driverID] = next
	return next, nil
}

// Withdraw marks a driver offline.
func (f *Fleet) Withdraw(driverID string) (domain.Driver, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.drivers[driverID]
	if !ok {
		return domain.Driver{}, false
	}
	next := ApplyWithdrawal(d)
	f.drivers[driverID] = next
	return next, true
}
