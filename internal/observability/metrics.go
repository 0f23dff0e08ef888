package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	MatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Rides assigned to a driver"}, []string{"path"})
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Time from request to driver assignment", Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800}})

	OffersSent       = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Ride offers pushed to drivers"}, []string{"path"})
	OfferOutcomes    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "offer_outcomes_total", Help: "Parking queue offer outcomes"}, []string{"outcome"})
	RidesExpired     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "rides_expired_total", Help: "Rides cancelled for lack of drivers"}, []string{"path"})
	SearchTicks      = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "search_ticks_total", Help: "Progressive search ticks"}, []string{"phase"})
	SurgeTiers       = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "surge_evaluations_total", Help: "Surge evaluations by selected tier"}, []string{"tier"})
	SurgeEscalations = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "surge_escalations_total", Help: "In-flight rides moved to a higher surge tier"})
	QueueLength      = promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "parking_queue_length", Help: "Drivers in a parking lot queue"}, []string{"queue"})

	ScheduledJobs = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "scheduled_jobs", Help: "Jobs waiting in the scheduler"})
	JobsRunTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "jobs_run_total", Help: "Scheduled job executions"})

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
