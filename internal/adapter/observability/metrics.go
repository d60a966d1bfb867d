package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	OrdersEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_orders_enqueued_total",
			Help: "Total number of orders enqueued as RAW",
		},
	)
	OrdersAdvancedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_orders_advanced_total",
			Help: "Total number of orders moved RAW -> BATCHING",
		},
	)
	JobsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_emitted_total",
			Help: "Total number of jobs emitted by the batching engine",
		},
		[]string{"type"},
	)
	DetourFactorHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_job_detour_factor",
			Help:    "Distribution of batch_time / single_sum per emitted job",
			Buckets: []float64{0.5, 0.7, 0.8, 0.9, 1.0, 1.05, 1.1, 1.15, 1.2, 1.3, 1.5},
		},
	)
	WavesBroadcastTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_waves_broadcast_total",
			Help: "Total number of wave broadcasts by wave index",
		},
		[]string{"wave"},
	)
	AcceptancesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_acceptances_total",
			Help: "Total number of winning acceptances",
		},
	)
	StaleAcceptancesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_stale_acceptances_total",
			Help: "Total number of rejected (stale or losing) acceptances",
		},
	)
	DispatchFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_failed_total",
			Help: "Total number of jobs that exhausted all five waves",
		},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_depth",
			Help: "Orders (or jobs, for ready) per lifecycle stage",
		},
		[]string{"stage"},
	)
	MatrixFetchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_matrix_fetches_total",
			Help: "Total number of OSRM table fetches",
		},
	)
	MatrixCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_matrix_cache_hits_total",
			Help: "Total number of matrix cells served from cache",
		},
	)
)

// InitMetrics registers all collectors with the default registerer.
func InitMetrics() {
	prometheus.MustRegister(
		OrdersEnqueuedTotal,
		OrdersAdvancedTotal,
		JobsEmittedTotal,
		DetourFactorHistogram,
		WavesBroadcastTotal,
		AcceptancesTotal,
		StaleAcceptancesTotal,
		DispatchFailedTotal,
		QueueDepth,
		MatrixFetchesTotal,
		MatrixCacheHitsTotal,
	)
}
