package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LocationsAccepted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "campus_transit", Name: "locations_accepted_total", Help: "Position samples accepted by the ingestion gateway"})
	LocationsThrottled = promauto.NewCounter(prometheus.CounterOpts{Namespace: "campus_transit", Name: "locations_throttled_total", Help: "Position samples rejected by the min-interval throttle"})
	LocationsOverspeed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "campus_transit", Name: "locations_overspeed_total", Help: "Position samples flagged for implausible implied speed"})

	FlagsRaised  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "campus_transit", Name: "waiting_flags_raised_total", Help: "Waiting flags created"})
	FlagsExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: "campus_transit", Name: "waiting_flags_expired_total", Help: "Waiting flags expired by the sweep"})

	MatchesApproved = promauto.NewCounter(prometheus.CounterOpts{Namespace: "campus_transit", Name: "missed_bus_approved_total", Help: "Missed-bus requests matched with a candidate"})
	MatchLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "campus_transit", Name: "missed_bus_match_seconds", Help: "Candidate search latency"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "campus_transit", Name: "sweep_duration_seconds", Help: "Expiry sweep latency"})

	BroadcastErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_transit", Name: "broadcast_errors_total", Help: "Best-effort publish failures"},
		[]string{"event"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_transit", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "campus_transit",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
