// Package main provides the dispatch service entry point: the periodic
// batching tick plus a fleet of dispatch workers consuming READY jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/passl-hq/dispatch-core/internal/adapter/ingest"
	"github.com/passl-hq/dispatch-core/internal/adapter/lock"
	"github.com/passl-hq/dispatch-core/internal/adapter/notify"
	"github.com/passl-hq/dispatch-core/internal/adapter/observability"
	"github.com/passl-hq/dispatch-core/internal/adapter/routing"
	"github.com/passl-hq/dispatch-core/internal/adapter/routing/osrm"
	asynqadp "github.com/passl-hq/dispatch-core/internal/adapter/transport/asynq"
	"github.com/passl-hq/dispatch-core/internal/batching"
	"github.com/passl-hq/dispatch-core/internal/config"
	"github.com/passl-hq/dispatch-core/internal/dispatch"
	"github.com/passl-hq/dispatch-core/internal/domain"
	"github.com/passl-hq/dispatch-core/internal/engine"
	"github.com/passl-hq/dispatch-core/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	batchPol, dispatchPol, err := config.LoadPolicies(cfg.PolicyPreset, cfg.PolicyFile)
	if err != nil {
		slog.Error("policy load failed", slog.Any("error", err))
		os.Exit(1)
	}

	osrmClient := osrm.New(cfg.OSRMBaseURL, cfg.OSRMProfile, cfg.OSRMTimeout)
	oracle := routing.NewOracle(osrmClient)

	var locks domain.LockManager
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("redis url parse failed", slog.Any("error", err))
			os.Exit(1)
		}
		locks = lock.NewRedis(redis.NewClient(opt))
		slog.Info("using redis lock manager")
	} else {
		locks = lock.NewMemory(domain.SystemClock{})
		slog.Info("using in-process lock manager")
	}

	var notifier domain.PushNotifier = notify.Logger{}
	if cfg.WebhookNotifierURL != "" {
		notifier = notify.NewWebhook(cfg.WebhookNotifierURL, cfg.OSRMTimeout)
	}

	events := observability.EventLogger{}

	orders := queue.New()
	if cfg.OrdersFile != "" {
		seed, err := ingest.LoadOrders(cfg.OrdersFile)
		if err != nil {
			slog.Error("order seed load failed", slog.Any("error", err))
			os.Exit(1)
		}
		now := domain.SystemClock{}.Now()
		for _, o := range seed {
			orders.EnqueueRaw(o, now)
		}
		slog.Info("order seed loaded", slog.Int("orders", len(seed)))
	}
	batcher, err := batching.NewEngine(oracle, oracle, batchPol)
	if err != nil {
		slog.Error("batching engine init failed", slog.Any("error", err))
		os.Exit(1)
	}
	cycle := engine.NewCycle(orders, batcher, domain.SystemClock{}, cfg)
	cycle.Events = events

	var roster []domain.Driver
	if cfg.DriversFile != "" {
		roster, err = ingest.LoadDrivers(cfg.DriversFile)
		if err != nil {
			slog.Error("driver roster load failed", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("driver roster loaded", slog.Int("drivers", len(roster)))
	}
	fleet := dispatch.NewFleet(roster)
	dispatcher := &dispatch.Dispatcher{
		Locks:           locks,
		Notifier:        notifier,
		Clock:           domain.SystemClock{},
		Events:          events,
		Policy:          dispatchPol,
		Oracle:          oracle,
		Fleet:           fleet,
		ChainingEnabled: batchPol.EnableContinuousChaining,
		Cancelled:       orders.CancelledInJob,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handle := func(ctx context.Context, job domain.Job) error {
		outcome, err := dispatcher.DispatchJob(ctx, job, fleet.Snapshot())
		if err != nil {
			slog.Warn("dispatch failed, shattering job",
				slog.String("job_id", job.ID), slog.Any("error", err))
			requeued := orders.ShatterJob(job, domain.SystemClock{}.Now())
			events.Emit(ctx, domain.Event{
				Kind: domain.EventJobShattered, JobID: job.ID,
				OrderIDs: requeued, At: domain.SystemClock{}.Now(),
			})
			return err
		}
		orders.MarkAssigned(job)
		slog.Info("job assigned",
			slog.String("job_id", job.ID),
			slog.String("driver_id", outcome.DriverID),
			slog.Int("wave", outcome.Wave))
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)

	var sink func(context.Context, domain.Job) error
	if cfg.RedisURL != "" {
		// READY jobs travel through the task queue so dispatch workers can
		// scale as separate processes sharing the Redis lock manager.
		producer, err := asynqadp.NewProducer(cfg.RedisURL)
		if err != nil {
			slog.Error("task queue producer init failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = producer.Close() }()
		worker, err := asynqadp.NewWorker(cfg.RedisURL, cfg.DispatchWorkers, handle)
		if err != nil {
			slog.Error("task queue worker init failed", slog.Any("error", err))
			os.Exit(1)
		}
		g.Go(worker.Run)
		g.Go(func() error {
			<-ctx.Done()
			worker.Shutdown()
			return ctx.Err()
		})
		sink = func(ctx context.Context, job domain.Job) error {
			_, err := producer.EnqueueDispatch(ctx, job)
			return err
		}
	} else {
		// Single-process fallback: a bounded channel feeds an in-process
		// worker fleet.
		jobs := make(chan domain.Job, cfg.AdvanceLimit)
		for i := 0; i < cfg.DispatchWorkers; i++ {
			g.Go(func() error {
				for {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case job := <-jobs:
						_ = handle(ctx, job)
					}
				}
			})
		}
		sink = func(ctx context.Context, job domain.Job) error {
			select {
			case jobs <- job:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	g.Go(func() error {
		return cycle.Run(ctx, cfg.TickInterval, sink)
	})

	slog.Info("dispatchd started",
		slog.String("env", cfg.AppEnv),
		slog.String("preset", cfg.PolicyPreset),
		slog.Int("workers", cfg.DispatchWorkers))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("dispatchd stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("dispatchd shut down")
}
