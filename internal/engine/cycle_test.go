package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passl-hq/dispatch-core/internal/batching"
	"github.com/passl-hq/dispatch-core/internal/config"
	"github.com/passl-hq/dispatch-core/internal/domain"
	"github.com/passl-hq/dispatch-core/internal/queue"
)

// latMatrix scripts travel time as latitude difference times 10000 seconds.
type latMatrix struct{}

func (latMatrix) Durations(_ context.Context, coords []domain.Coordinate) ([][]float64, error) {
	out := make([][]float64, len(coords))
	for i := range coords {
		out[i] = make([]float64, len(coords))
		for j := range coords {
			out[i][j] = math.Abs(coords[i].Lat-coords[j].Lat) * 10000
		}
	}
	return out, nil
}

func (latMatrix) Prefetch(context.Context, []domain.Coordinate) error { return nil }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordSink) Emit(_ context.Context, ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordSink) snapshot() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

var cycleT0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCycle(t *testing.T, clock *fakeClock) (*Cycle, *queue.Queue) {
	t.Helper()
	q := queue.New()
	eng, err := batching.NewEngine(latMatrix{}, nil, config.DefaultBatchingPolicy())
	require.NoError(t, err)
	cfg := config.Config{ReadyHorizon: 0, AdvanceLimit: 100}
	return NewCycle(q, eng, clock, cfg), q
}

func cycleOrder(id string, createdAt time.Time) domain.Order {
	return domain.Order{
		ID:        id,
		Pickup:    domain.Coordinate{Lat: 0, Lon: 0},
		Dropoff:   domain.Coordinate{Lat: 0.03, Lon: 0},
		PickupID:  "m1",
		CreatedAt: createdAt,
	}
}

func TestTickEmitsRipeSingle(t *testing.T) {
	clock := &fakeClock{now: cycleT0}
	cycle, q := newTestCycle(t, clock)

	q.EnqueueRaw(cycleOrder("o1", cycleT0), cycleT0)
	clock.Advance(200 * time.Second) // past max_wait_time_seconds

	jobs, err := cycle.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobSingle, jobs[0].Type)
	assert.Equal(t, []string{"o1"}, jobs[0].OrderIDs)

	o, _ := q.Order("o1")
	assert.Equal(t, domain.OrderReady, o.Status)
	assert.Equal(t, 1, q.Stats(clock.Now()).ReadyCount)
}

func TestTickDefersYoungSingle(t *testing.T) {
	clock := &fakeClock{now: cycleT0}
	cycle, q := newTestCycle(t, clock)

	q.EnqueueRaw(cycleOrder("o1", cycleT0), cycleT0)
	clock.Advance(30 * time.Second)

	jobs, err := cycle.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// The order migrated to BATCHING and waits there for company.
	o, _ := q.Order("o1")
	assert.Equal(t, domain.OrderBatching, o.Status)

	// It ripens on a later tick.
	clock.Advance(170 * time.Second)
	jobs, err = cycle.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestCancelOrderEmitsCompensationForAcceptedJob(t *testing.T) {
	clock := &fakeClock{now: cycleT0}
	cycle, q := newTestCycle(t, clock)
	events := &recordSink{}
	cycle.Events = events
	ctx := context.Background()

	a := cycleOrder("a", cycleT0)
	b := cycleOrder("b", cycleT0)
	b.Dropoff = domain.Coordinate{Lat: 0.045, Lon: 0}
	q.EnqueueRaw(a, cycleT0)
	q.EnqueueRaw(b, cycleT0)
	clock.Advance(200 * time.Second)

	jobs, err := cycle.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	q.PopReady(1)
	q.MarkAssigned(jobs[0])

	cycle.CancelOrder(ctx, "a")

	got := events.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, domain.EventCompensation, got[0].Kind)
	assert.Equal(t, jobs[0].ID, got[0].JobID)
	assert.Equal(t, []string{"a"}, got[0].OrderIDs)

	// The accepted job continues minus the cancelled order.
	cancelled, _ := q.Order("a")
	surviving, _ := q.Order("b")
	assert.Equal(t, domain.OrderCancelled, cancelled.Status)
	assert.Equal(t, domain.OrderAssigned, surviving.Status)
}

func TestCancelOrderBeforeAssignmentEmitsNothing(t *testing.T) {
	clock := &fakeClock{now: cycleT0}
	cycle, q := newTestCycle(t, clock)
	events := &recordSink{}
	cycle.Events = events

	q.EnqueueRaw(cycleOrder("a", cycleT0), cycleT0)
	cycle.CancelOrder(context.Background(), "a")

	assert.Empty(t, events.snapshot())
	o, _ := q.Order("a")
	assert.Equal(t, domain.OrderCancelled, o.Status)
}

func TestRunEmitsShatterEventWhenSinkFails(t *testing.T) {
	clock := &fakeClock{now: cycleT0}
	cycle, q := newTestCycle(t, clock)
	events := &recordSink{}
	cycle.Events = events

	q.EnqueueRaw(cycleOrder("o1", cycleT0), cycleT0)
	clock.Advance(200 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cycle.Run(ctx, 10*time.Millisecond, func(context.Context, domain.Job) error {
			return errors.New("transport down")
		})
	}()

	require.Eventually(t, func() bool {
		for _, ev := range events.snapshot() {
			if ev.Kind == domain.EventJobShattered {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
	cancel()
	<-done

	var shattered domain.Event
	for _, ev := range events.snapshot() {
		if ev.Kind == domain.EventJobShattered {
			shattered = ev
			break
		}
	}
	assert.Equal(t, []string{"o1"}, shattered.OrderIDs)
	o, _ := q.Order("o1")
	assert.NotEqual(t, domain.OrderReady, o.Status)
}

func TestTickBatchesPairAcrossTicks(t *testing.T) {
	clock := &fakeClock{now: cycleT0}
	cycle, q := newTestCycle(t, clock)

	q.EnqueueRaw(cycleOrder("a", cycleT0), cycleT0)
	clock.Advance(20 * time.Second)
	jobs, err := cycle.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs, "lone young order defers")

	b := cycleOrder("b", clock.Now())
	b.Dropoff = domain.Coordinate{Lat: 0.045, Lon: 0}
	q.EnqueueRaw(b, clock.Now())
	clock.Advance(20 * time.Second)

	jobs, err = cycle.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobBatch, jobs[0].Type)
	assert.ElementsMatch(t, []string{"a", "b"}, jobs[0].OrderIDs)
}
