package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "runner_runs_total", Help: "Runner cycles by runner and outcome"},
		[]string{"runner", "outcome"},
	)
	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "runner_duration_seconds",
			Help:      "Runner cycle latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"runner"},
	)
	TripsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "sweep_trips_total", Help: "Trips handled by the dispatch sweep by result"},
		[]string{"result"},
	)
	OffersCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_created_total", Help: "Offers written to drivers"})
	OffersExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_expired_total", Help: "Offers dropped after expiry"})
	TripsReverted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_reverted_total", Help: "Trips sent back to searching"})

	OfferAccepts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offer_accepts_total", Help: "Offer acceptance attempts by outcome"},
		[]string{"outcome"},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "jobs_processed_total", Help: "Job executions by type and outcome"},
		[]string{"type", "outcome"},
	)
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job handler latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "queue_depth", Help: "Jobs per queue state"},
		[]string{"state"},
	)

	SessionsConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "sessions_connected", Help: "Open real-time sessions by role"},
		[]string{"role"},
	)
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Bus events dropped for slow subscribers"},
		[]string{"topic"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
