package domain

import (
	"context"
	"time"
)

// EventKind labels runtime events the engine reports but does not act on.
type EventKind string

const (
	// EventDispatchFailed fires when all five waves expire without acceptance.
	EventDispatchFailed EventKind = "dispatch_failed"
	// EventCancelInFlight fires when a not-yet-accepted job is dropped at a
	// wave boundary because a member order was cancelled.
	EventCancelInFlight EventKind = "cancel_in_flight"
	// EventCompensation fires when an accepted job continues minus a
	// cancelled order; settlement is the orchestrator's responsibility.
	EventCompensation EventKind = "compensation"
	// EventJobShattered fires when a job's orders are pushed back to RAW.
	EventJobShattered EventKind = "job_shattered"
)

// Event is a runtime notification for collaborator policies.
type Event struct {
	Kind     EventKind
	JobID    string
	OrderIDs []string
	DriverID string
	At       time.Time
}

// EventSink consumes runtime events. Best-effort; implementations must not
// block dispatch progress.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// NopEvents discards all events.
type NopEvents struct{}

// Emit implements EventSink.
func (NopEvents) Emit(context.Context, Event) {}
