// Package main provides the offline simulation harness: one batching pass
// over an order CSV, the five-wave broadcast against a probabilistic
// acceptance model, and a results CSV.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"log/slog"

	"github.com/passl-hq/dispatch-core/internal/adapter/ingest"
	"github.com/passl-hq/dispatch-core/internal/adapter/lock"
	"github.com/passl-hq/dispatch-core/internal/adapter/observability"
	"github.com/passl-hq/dispatch-core/internal/adapter/routing"
	"github.com/passl-hq/dispatch-core/internal/adapter/routing/osrm"
	"github.com/passl-hq/dispatch-core/internal/batching"
	"github.com/passl-hq/dispatch-core/internal/config"
	"github.com/passl-hq/dispatch-core/internal/dispatch"
	"github.com/passl-hq/dispatch-core/internal/domain"
	"github.com/passl-hq/dispatch-core/internal/engine"
	"github.com/passl-hq/dispatch-core/internal/queue"
)

func main() {
	var (
		ordersPath  = flag.String("orders", "", "order CSV; empty generates mock demand")
		driversPath = flag.String("drivers", "", "driver roster CSV; empty generates a mock fleet")
		outPath     = flag.String("out", "simulation_results.csv", "results CSV path")
		osrmURL     = flag.String("osrm", "", "OSRM base URL; empty uses great-circle estimates")
		preset      = flag.String("preset", "default", "batching policy preset (default|peak|offpeak)")
		seed        = flag.Int64("seed", 42, "RNG seed for mock data and the accept model")
		orderCount  = flag.Int("order-count", 60, "mock orders when -orders is empty")
		driverCount = flag.Int("driver-count", 25, "mock drivers when -drivers is empty")
		waveTimeout = flag.Int("wave-timeout", 2, "scaled-down wave timeout in seconds")
	)
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	observability.InitMetrics()

	if err := run(*ordersPath, *driversPath, *outPath, *osrmURL, *preset, *seed, *orderCount, *driverCount, *waveTimeout); err != nil {
		slog.Error("simulation failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ordersPath, driversPath, outPath, osrmURL, preset string, seed int64, orderCount, driverCount, waveTimeout int) error {
	ctx := context.Background()
	now := time.Now().UTC()

	scenario := ingest.MockScenario{
		Center:        domain.Coordinate{Lat: 1.3521, Lon: 103.8198},
		SpreadDegrees: 0.04,
		Seed:          seed,
	}

	var orders []domain.Order
	var err error
	if ordersPath != "" {
		orders, err = ingest.LoadOrders(ordersPath)
	} else {
		orders = scenario.GenerateOrders(orderCount, now, 10*time.Minute)
	}
	if err != nil {
		return err
	}

	var drivers []domain.Driver
	if driversPath != "" {
		drivers, err = ingest.LoadDrivers(driversPath)
	} else {
		drivers = scenario.GenerateDrivers(driverCount)
	}
	if err != nil {
		return err
	}

	var matrix domain.TimeMatrix = routing.GreatCircleMatrix{}
	if osrmURL != "" {
		matrix = routing.NewOracle(osrm.New(osrmURL, "driving", 5*time.Second))
	}

	batchPol, dispatchPol, err := config.LoadPolicies(preset, "")
	if err != nil {
		return err
	}
	dispatchPol.WaveTimeoutSeconds = waveTimeout

	q := queue.New()
	for _, o := range orders {
		q.EnqueueRaw(o, now)
	}

	batcher, err := batching.NewEngine(matrix, matrix, batchPol)
	if err != nil {
		return err
	}
	cfg := config.Config{ReadyHorizon: 0, AdvanceLimit: len(orders)}
	cycle := engine.NewCycle(q, batcher, domain.SystemClock{}, cfg)
	if _, err := cycle.Tick(ctx); err != nil {
		return err
	}
	jobs := q.PopReady(len(orders))
	slog.Info("batching pass complete", slog.Int("orders", len(orders)), slog.Int("jobs", len(jobs)))

	events := observability.EventLogger{}
	fleet := dispatch.NewFleet(drivers)
	dispatcher := &dispatch.Dispatcher{
		Locks:  lock.NewMemory(domain.SystemClock{}),
		Clock:  domain.SystemClock{},
		Events: events,
		Policy: dispatchPol,
		Fleet:  fleet,
	}
	model := &acceptModel{dispatcher: dispatcher, rng: rand.New(rand.NewSource(seed + 2))}
	dispatcher.Notifier = model

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("op=simulate.run: %w", err)
	}
	defer func() { _ = out.Close() }()
	w := csv.NewWriter(out)
	defer w.Flush()
	if err := w.Write([]string{"job_id", "orders_in_job", "accepted_by_driver", "wave_number", "detour_metric"}); err != nil {
		return err
	}

	assigned := 0
	for _, job := range jobs {
		model.reset(job.ID)
		outcome, err := dispatcher.DispatchJob(ctx, job, fleet.Snapshot())
		row := []string{
			job.ID,
			strconv.Itoa(job.Size()),
			"",
			"0",
			strconv.FormatFloat(job.DetourFactor, 'f', 4, 64),
		}
		if err == nil {
			q.MarkAssigned(job)
			row[2] = outcome.DriverID
			row[3] = strconv.Itoa(outcome.Wave)
			assigned++
		} else {
			requeued := q.ShatterJob(job, time.Now().UTC())
			events.Emit(ctx, domain.Event{
				Kind: domain.EventJobShattered, JobID: job.ID,
				OrderIDs: requeued, At: time.Now().UTC(),
			})
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}

	slog.Info("simulation complete",
		slog.Int("jobs", len(jobs)),
		slog.Int("assigned", assigned),
		slog.String("results", outPath))
	return nil
}

// acceptModel is the PushNotifier for simulations: on each broadcast it rolls
// per driver and, on success, races an acceptance back after a short delay.
// The accept probability rises with the wave number since farther drivers see
// fewer competing offers.
type acceptModel struct {
	dispatcher *dispatch.Dispatcher
	rng        *rand.Rand

	mu    sync.Mutex
	waves map[string]int
	wg    sync.WaitGroup
}

func (m *acceptModel) reset(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waves == nil {
		m.waves = make(map[string]int)
	}
	m.waves[jobID] = 0
}

// BroadcastOffer implements domain.PushNotifier.
func (m *acceptModel) BroadcastOffer(ctx context.Context, driverIDs []string, job domain.Job) error {
	m.mu.Lock()
	m.waves[job.ID]++
	wave := m.waves[job.ID]
	var accepts []acceptAttempt
	for _, id := range driverIDs {
		p := 0.3 + 0.15*float64(wave-1)
		if m.rng.Float64() < p {
			delay := time.Duration(50+m.rng.Intn(400)) * time.Millisecond
			accepts = append(accepts, acceptAttempt{driverID: id, delay: delay})
		}
	}
	m.mu.Unlock()

	for _, a := range accepts {
		m.wg.Add(1)
		go func(a acceptAttempt) {
			defer m.wg.Done()
			time.Sleep(a.delay)
			_ = m.dispatcher.ResolveAcceptance(ctx, job.ID, a.driverID)
		}(a)
	}
	return nil
}

// RevokeOffer implements domain.PushNotifier.
func (m *acceptModel) RevokeOffer(context.Context, []string, string) error { return nil }

type acceptAttempt struct {
	driverID string
	delay    time.Duration
}
