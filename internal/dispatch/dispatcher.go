package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/passl-hq/dispatch-core/internal/adapter/observability"
	"github.com/passl-hq/dispatch-core/internal/config"
	"github.com/passl-hq/dispatch-core/internal/domain"
)

// Dispatcher runs the wave loop for one job at a time per goroutine. All
// cross-goroutine coordination goes through Locks so the same code serves a
// single process and a multi-node deployment.
type Dispatcher struct {
	Locks    domain.LockManager
	Notifier domain.PushNotifier
	Clock    domain.Clock
	Events   domain.EventSink
	Policy   config.DispatchPolicy

	// Oracle upgrades wave bucketing from degree rings to travel-time rings.
	// Nil is valid and falls back to Euclidean radii.
	Oracle domain.TimeMatrix
	// Fleet, when set, receives capacity and status transitions on acceptance.
	Fleet *Fleet
	// ChainingEnabled keeps drivers with leftover capacity in transit state
	// open to stacked offers.
	ChainingEnabled bool
	// Cancelled reports member orders cancelled since the job was built. The
	// job is dropped at the next wave boundary when any remain. Nil means no
	// cancellation source.
	Cancelled func(jobID string) []string

	mu     sync.Mutex
	active map[string]domain.Job
}

// Outcome reports how a dispatch concluded.
type Outcome struct {
	DriverID string
	// Wave is 1-based; wave 1 is the innermost ring.
	Wave int
}

// DispatchJob broadcasts the job through up to five expanding waves and
// returns the winning driver. Empty waves are skipped without waiting. The
// offer set visible to ResolveAcceptance is exactly the current wave; drivers
// from expired waves answering late are rejected as stale.
func (d *Dispatcher) DispatchJob(ctx context.Context, job domain.Job, drivers []domain.Driver) (Outcome, error) {
	ctx, span := otel.Tracer("dispatch.dispatcher").Start(ctx, "DispatchJob")
	span.SetAttributes(attribute.String("job.id", job.ID), attribute.Int("job.size", job.Size()))
	defer span.End()

	d.register(job)
	defer d.unregister(job.ID)

	waves, err := BuildWaves(ctx, job.PickupLocation(), drivers,
		Eligibility{RequiredCapacity: job.Size(), AllowInFlightOverlay: d.ChainingEnabled},
		d.Policy, d.Oracle)
	if err != nil {
		return Outcome{}, fmt.Errorf("op=dispatch.DispatchJob job=%s: %w", job.ID, err)
	}

	timeout := time.Duration(d.Policy.WaveTimeoutSeconds) * time.Second
	poll := time.Duration(d.Policy.AcceptPollIntervalMS) * time.Millisecond

	for w, wave := range waves {
		if cancelled := d.cancelledOrders(job.ID); len(cancelled) > 0 {
			_ = d.Locks.ClearActiveOffer(ctx, job.ID)
			d.Events.Emit(ctx, domain.Event{
				Kind: domain.EventCancelInFlight, JobID: job.ID,
				OrderIDs: cancelled, At: d.Clock.Now(),
			})
			return Outcome{}, fmt.Errorf("%w: job %s cancelled in flight", domain.ErrConflict, job.ID)
		}
		if len(wave) == 0 {
			continue
		}

		ids := driverIDs(wave)
		if err := d.Locks.SetActiveOffer(ctx, job.ID, ids, timeout); err != nil {
			return Outcome{}, fmt.Errorf("op=dispatch.DispatchJob job=%s wave=%d: %w", job.ID, w+1, err)
		}
		if err := d.Notifier.BroadcastOffer(ctx, ids, job); err != nil {
			slog.Warn("offer broadcast failed", slog.String("job_id", job.ID), slog.Int("wave", w+1), slog.Any("error", err))
		}
		observability.WavesBroadcastTotal.WithLabelValues(strconv.Itoa(w + 1)).Inc()
		slog.Info("wave broadcast",
			slog.String("job_id", job.ID), slog.Int("wave", w+1), slog.Int("drivers", len(ids)))

		accepted, err := d.waitForAcceptance(ctx, job.ID, timeout, poll)
		if err != nil {
			return Outcome{}, err
		}
		if accepted {
			winner, err := d.Locks.AcceptedBy(ctx, job.ID)
			if err != nil {
				return Outcome{}, fmt.Errorf("op=dispatch.DispatchJob job=%s: %w", job.ID, err)
			}
			if losers := without(ids, winner); len(losers) > 0 {
				_ = d.Notifier.RevokeOffer(ctx, losers, job.ID)
			}
			slog.Info("job accepted",
				slog.String("job_id", job.ID), slog.String("driver_id", winner), slog.Int("wave", w+1))
			return Outcome{DriverID: winner, Wave: w + 1}, nil
		}
		_ = d.Notifier.RevokeOffer(ctx, ids, job.ID)
	}

	_ = d.Locks.ClearActiveOffer(ctx, job.ID)
	d.Events.Emit(ctx, domain.Event{
		Kind: domain.EventDispatchFailed, JobID: job.ID,
		OrderIDs: job.OrderIDs, At: d.Clock.Now(),
	})
	return Outcome{}, fmt.Errorf("%w: job %s", domain.ErrDispatchExhausted, job.ID)
}

// ResolveAcceptance is the driver-facing accept path. Exactly one caller per
// job wins; losers and drivers answering from an expired wave get
// ErrStaleAcceptance. The winner's fleet transition happens inside the same
// critical section.
func (d *Dispatcher) ResolveAcceptance(ctx context.Context, jobID, driverID string) error {
	unlock, err := d.Locks.Lock(ctx, "job:"+jobID)
	if err != nil {
		return fmt.Errorf("op=dispatch.ResolveAcceptance job=%s: %w", jobID, err)
	}
	defer unlock()

	done, err := d.Locks.IsAccepted(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=dispatch.ResolveAcceptance job=%s: %w", jobID, err)
	}
	if done {
		observability.StaleAcceptancesTotal.Inc()
		return fmt.Errorf("%w: job %s already accepted", domain.ErrStaleAcceptance, jobID)
	}

	offered, err := d.Locks.ActiveDrivers(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=dispatch.ResolveAcceptance job=%s: %w", jobID, err)
	}
	if !contains(offered, driverID) {
		observability.StaleAcceptancesTotal.Inc()
		return fmt.Errorf("%w: driver %s has no live offer for job %s", domain.ErrStaleAcceptance, driverID, jobID)
	}

	var fleetPrev *domain.Driver
	if d.Fleet != nil {
		if job, ok := d.lookup(jobID); ok {
			prev, _ := d.Fleet.Get(driverID)
			if _, err := d.Fleet.Accept(driverID, job, d.ChainingEnabled); err != nil {
				observability.StaleAcceptancesTotal.Inc()
				return fmt.Errorf("op=dispatch.ResolveAcceptance job=%s: %w", jobID, err)
			}
			fleetPrev = &prev
		}
	}
	if err := d.Locks.MarkAccepted(ctx, jobID, driverID); err != nil {
		// The fleet transition is provisional until the acceptance flag is
		// committed; undo it so the driver keeps capacity for other offers.
		if fleetPrev != nil {
			d.Fleet.Upsert(*fleetPrev)
		}
		return fmt.Errorf("op=dispatch.ResolveAcceptance job=%s: %w", jobID, err)
	}
	observability.AcceptancesTotal.Inc()
	return nil
}

// waitForAcceptance polls the acceptance flag until the wave timeout. The
// flag, not a channel, is the source of truth so acceptance survives process
// handoff under a distributed lock manager.
func (d *Dispatcher) waitForAcceptance(ctx context.Context, jobID string, timeout, poll time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return d.checkAccepted(ctx, jobID)
		case <-ticker.C:
			ok, err := d.checkAccepted(ctx, jobID)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
	}
}

func (d *Dispatcher) checkAccepted(ctx context.Context, jobID string) (bool, error) {
	ok, err := d.Locks.IsAccepted(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("op=dispatch.waitForAcceptance job=%s: %w", jobID, err)
	}
	return ok, nil
}

func (d *Dispatcher) cancelledOrders(jobID string) []string {
	if d.Cancelled == nil {
		return nil
	}
	return d.Cancelled(jobID)
}

func (d *Dispatcher) register(job domain.Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		d.active = make(map[string]domain.Job)
	}
	d.active[job.ID] = job
}

func (d *Dispatcher) unregister(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, jobID)
}

func (d *Dispatcher) lookup(jobID string) (domain.Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	job, ok := d.active[jobID]
	return job, ok
}

func driverIDs(drivers []domain.Driver) []string {
	ids := make([]string, len(drivers))
	for i, d := range drivers {
		ids[i] = d.ID
	}
	return ids
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func without(ids []string, drop string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != drop {
			out = append(out, v)
		}
	}
	return out
}
