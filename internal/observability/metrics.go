package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesRequested      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "rides_requested_total", Help: "Total ride requests created"})
	RideRequestFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "ride_request_failures_total", Help: "Ride request writes that failed and rolled back"})
	RidesMatched        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "rides_matched_total", Help: "Total accepted ride requests"})
	RidesCompleted      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "rides_completed_total", Help: "Total completed rides"})
	RidesCancelled      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "rides_cancelled_total", Help: "Total cancelled ride requests"})
	AcceptConflicts     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hailing", Name: "accept_conflicts_total", Help: "Accept attempts that lost the claim race"})
	DriversOnline       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_hailing", Name: "drivers_online", Help: "Drivers currently online"})
	SessionsActive      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_hailing", Name: "sessions_active", Help: "Live client sessions (websocket streams)"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_hailing", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_hailing",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
