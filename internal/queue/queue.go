// Package queue owns the order lifecycle: RAW -> BATCHING -> READY (jobs).
//
// The queue is the sole authority over order status transitions. The
// batching engine reads orders and produces jobs but never mutates status;
// its results are committed here. All mutating operations are atomic
// critical sections under one coarse mutex; the queue is not the
// bottleneck of a dispatch cycle.
package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/passl-hq/dispatch-core/internal/adapter/observability"
	"github.com/passl-hq/dispatch-core/internal/domain"
)

// Stage names the two order-holding bins for wait-time lookups.
type Stage string

const (
	StageRaw      Stage = "raw"
	StageBatching Stage = "batching"
)

// Stats is a point-in-time snapshot of bin depths.
type Stats struct {
	RawCount      int
	BatchingCount int
	ReadyCount    int
	Now           time.Time
}

// Queue is the in-memory order lifecycle manager.
type Queue struct {
	mu sync.Mutex

	orders map[string]domain.Order

	// stages hold ids; ready holds whole jobs, FIFO.
	rawIDs      []string
	batchingIDs []string
	ready       []domain.Job

	enteredRaw      map[string]time.Time
	enteredBatching map[string]time.Time

	// cancelledInJob tracks orders cancelled while their job sat in READY;
	// the job is left intact and flagged for dispatcher-level handling.
	cancelledInJob map[string][]string // job id -> cancelled order ids
	jobOfOrder     map[string]string   // order id -> ready job id
	assignedJobOf  map[string]string   // order id -> accepted job id
}

// CancelOutcome reports where a cancelled order was found.
type CancelOutcome struct {
	Found bool
	// ReadyJobID is set when the order sat in a READY job; the job drops at
	// its next wave boundary.
	ReadyJobID string
	// AssignedJobID is set when the order's job was already accepted by a
	// driver; the job continues minus the order and the caller owes a
	// compensation event.
	AssignedJobID string
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{
		orders:          make(map[string]domain.Order),
		enteredRaw:      make(map[string]time.Time),
		enteredBatching: make(map[string]time.Time),
		cancelledInJob:  make(map[string][]string),
		jobOfOrder:      make(map[string]string),
		assignedJobOf:   make(map[string]string),
	}
}

// EnqueueRaw adds an order to RAW. Idempotent on id: a second call with an
// id already present in any bin is a no-op.
func (q *Queue) EnqueueRaw(order domain.Order, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.orders[order.ID]; ok {
		return
	}
	order.Status = domain.OrderRaw
	q.orders[order.ID] = order
	q.rawIDs = append(q.rawIDs, order.ID)
	q.enteredRaw[order.ID] = now
	observability.OrdersEnqueuedTotal.Inc()
}

// Order returns the tracked order by id.
func (q *Queue) Order(id string) (domain.Order, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	o, ok := q.orders[id]
	return o, ok
}

// BatchingOrders returns the BATCHING pool in arrival order.
func (q *Queue) BatchingOrders() []domain.Order {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.Order, 0, len(q.batchingIDs))
	for _, id := range q.batchingIDs {
		out = append(out, q.orders[id])
	}
	return out
}

// AdvanceToBatching moves eligible RAW orders into BATCHING, in arrival
// order, at most limit per call (limit <= 0 means unbounded).
//
// An order is eligible when it has aged past maxRawAge (force-by-age), or
// readyHorizon is zero, or its ready-at time is unknown, or ready-at falls
// within now+readyHorizon.
func (q *Queue) AdvanceToBatching(now time.Time, readyHorizon, maxRawAge time.Duration, limit int) []domain.Order {
	q.mu.Lock()
	defer q.mu.Unlock()

	var moved []domain.Order
	remaining := q.rawIDs[:0]
	for _, id := range q.rawIDs {
		if limit > 0 && len(moved) >= limit {
			remaining = append(remaining, id)
			continue
		}
		order := q.orders[id]

		forceByAge := maxRawAge > 0 && now.Sub(q.enteredRaw[id]) >= maxRawAge

		readyByWindow := true
		if readyHorizon > 0 && order.ReadyAt != nil {
			readyByWindow = !order.ReadyAt.After(now.Add(readyHorizon))
		}

		if !forceByAge && !readyByWindow {
			remaining = append(remaining, id)
			continue
		}

		order.Status = domain.OrderBatching
		q.orders[id] = order
		q.batchingIDs = append(q.batchingIDs, id)
		q.enteredBatching[id] = now
		delete(q.enteredRaw, id)
		moved = append(moved, order)
	}
	q.rawIDs = remaining
	return moved
}

// CommitJobs removes every order referenced by jobs from BATCHING, marks it
// READY, and appends the jobs to the READY FIFO. The caller must supply only
// jobs whose orders are all currently in BATCHING.
func (q *Queue) CommitJobs(jobs []domain.Job, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	used := make(map[string]string, len(jobs))
	for _, job := range jobs {
		for _, oid := range job.OrderIDs {
			order, ok := q.orders[oid]
			if !ok || order.Status != domain.OrderBatching {
				return fmt.Errorf("%w: commit of order %s not in batching", domain.ErrConflict, oid)
			}
			used[oid] = job.ID
		}
	}

	remaining := q.batchingIDs[:0]
	for _, id := range q.batchingIDs {
		jobID, ok := used[id]
		if !ok {
			remaining = append(remaining, id)
			continue
		}
		order := q.orders[id]
		order.Status = domain.OrderReady
		q.orders[id] = order
		q.jobOfOrder[id] = jobID
		delete(q.enteredBatching, id)
	}
	q.batchingIDs = remaining
	q.ready = append(q.ready, jobs...)
	return nil
}

// PopReady pops up to n jobs FIFO.
func (q *Queue) PopReady(n int) []domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || len(q.ready) == 0 {
		return nil
	}
	if n > len(q.ready) {
		n = len(q.ready)
	}
	jobs := make([]domain.Job, n)
	copy(jobs, q.ready[:n])
	q.ready = q.ready[n:]
	return jobs
}

// Cancel removes the order from any stage, marks it CANCELLED, and drops its
// timing records. An order already bound into a READY job leaves the job
// intact; the job is flagged for dispatcher-level handling and the remaining
// orders come back through ShatterJob. An order whose job was already
// accepted is cancelled alone and the outcome names the continuing job.
func (q *Queue) Cancel(orderID string) CancelOutcome {
	q.mu.Lock()
	defer q.mu.Unlock()

	order, ok := q.orders[orderID]
	if !ok || order.Status == domain.OrderCancelled {
		return CancelOutcome{}
	}
	out := CancelOutcome{Found: true}
	q.rawIDs = removeID(q.rawIDs, orderID)
	q.batchingIDs = removeID(q.batchingIDs, orderID)
	delete(q.enteredRaw, orderID)
	delete(q.enteredBatching, orderID)

	if jobID, bound := q.jobOfOrder[orderID]; bound {
		q.cancelledInJob[jobID] = append(q.cancelledInJob[jobID], orderID)
		delete(q.jobOfOrder, orderID)
		out.ReadyJobID = jobID
	}
	if jobID, bound := q.assignedJobOf[orderID]; bound {
		delete(q.assignedJobOf, orderID)
		out.AssignedJobID = jobID
	}

	order.Status = domain.OrderCancelled
	q.orders[orderID] = order
	return out
}

// CancelledInJob returns the orders cancelled out of a READY job, if any.
func (q *Queue) CancelledInJob(jobID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.cancelledInJob[jobID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// ShatterJob pushes a job's still-live orders back to RAW. Used when a job
// fails dispatch, a driver withdraws, or a cancellation drops the job at a
// wave boundary. Returns the order ids that were re-queued.
func (q *Queue) ShatterJob(job domain.Job, now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var requeued []string
	for _, oid := range job.OrderIDs {
		order, ok := q.orders[oid]
		if !ok || order.Status == domain.OrderCancelled {
			continue
		}
		order.Status = domain.OrderRaw
		q.orders[oid] = order
		q.rawIDs = append(q.rawIDs, oid)
		q.enteredRaw[oid] = now
		delete(q.jobOfOrder, oid)
		delete(q.assignedJobOf, oid)
		requeued = append(requeued, oid)
	}
	delete(q.cancelledInJob, job.ID)
	return requeued
}

// MarkAssigned locks a job's orders to ASSIGNED after a winning acceptance.
func (q *Queue) MarkAssigned(job domain.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, oid := range job.OrderIDs {
		order, ok := q.orders[oid]
		if !ok || order.Status != domain.OrderReady {
			continue
		}
		order.Status = domain.OrderAssigned
		q.orders[oid] = order
		delete(q.jobOfOrder, oid)
		q.assignedJobOf[oid] = job.ID
	}
}

// WaitSecondsIn returns how long the order has been in the given stage, or
// false if it is not there.
func (q *Queue) WaitSecondsIn(stage Stage, orderID string, now time.Time) (float64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var t0 time.Time
	var ok bool
	switch stage {
	case StageRaw:
		t0, ok = q.enteredRaw[orderID]
	case StageBatching:
		t0, ok = q.enteredBatching[orderID]
	}
	if !ok {
		return 0, false
	}
	return now.Sub(t0).Seconds(), true
}

// Stats snapshots bin depths.
func (q *Queue) Stats(now time.Time) Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		RawCount:      len(q.rawIDs),
		BatchingCount: len(q.batchingIDs),
		ReadyCount:    len(q.ready),
		Now:           now,
	}
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
