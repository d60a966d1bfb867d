// Package lock provides LockManager implementations: an in-process table for
// single-node runs and tests, and a Redis-backed one for multi-node
// deployments.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/passl-hq/dispatch-core/internal/domain"
)

type memoryOffer struct {
	drivers   map[string]struct{}
	expiresAt time.Time
}

// Memory is a process-local LockManager. Offer expiry is evaluated lazily
// against the injected clock on every read so tests can drive time.
type Memory struct {
	clock domain.Clock

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
	offers   map[string]memoryOffer
	accepted map[string]string
}

// NewMemory builds an empty in-process lock table.
func NewMemory(clock domain.Clock) *Memory {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Memory{
		clock:    clock,
		keyLocks: make(map[string]*sync.Mutex),
		offers:   make(map[string]memoryOffer),
		accepted: make(map[string]string),
	}
}

// Lock implements domain.LockManager.
func (m *Memory) Lock(_ context.Context, key string) (func(), error) {
	m.mu.Lock()
	kl, ok := m.keyLocks[key]
	if !ok {
		kl = &sync.Mutex{}
		m.keyLocks[key] = kl
	}
	m.mu.Unlock()

	kl.Lock()
	return kl.Unlock, nil
}

// SetActiveOffer replaces the live offer set for jobID.
func (m *Memory) SetActiveOffer(_ context.Context, jobID string, driverIDs []string, ttl time.Duration) error {
	set := make(map[string]struct{}, len(driverIDs))
	for _, id := range driverIDs {
		set[id] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[jobID] = memoryOffer{drivers: set, expiresAt: m.clock.Now().Add(ttl)}
	return nil
}

// ClearActiveOffer drops the live offer set for jobID.
func (m *Memory) ClearActiveOffer(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.offers, jobID)
	return nil
}

// ActiveDrivers returns the unexpired offer set for jobID.
func (m *Memory) ActiveDrivers(_ context.Context, jobID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	offer, ok := m.offers[jobID]
	if !ok || m.clock.Now().After(offer.expiresAt) {
		return nil, nil
	}
	out := make([]string, 0, len(offer.drivers))
	for id := range offer.drivers {
		out = append(out, id)
	}
	return out, nil
}

// IsAccepted reports whether any driver has won jobID.
func (m *Memory) IsAccepted(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.accepted[jobID]
	return ok, nil
}

// MarkAccepted records the winner. A second winner is a conflict.
func (m *Memory) MarkAccepted(_ context.Context, jobID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.accepted[jobID]; ok {
		return fmt.Errorf("%w: job %s already accepted by %s", domain.ErrConflict, jobID, prev)
	}
	m.accepted[jobID] = driverID
	return nil
}

// AcceptedBy returns the winning driver for jobID.
func (m *Memory) AcceptedBy(_ context.Context, jobID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.accepted[jobID]
	if !ok {
		return "", fmt.Errorf("%w: no acceptance for job %s", domain.ErrNotFound, jobID)
	}
	return id, nil
}
