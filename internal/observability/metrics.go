package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cycles_total", Help: "Dispatch cycles by outcome"},
		[]string{"outcome"},
	)
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cycle_duration_seconds",
		Help:      "Dispatch cycle latency",
		Buckets:   prometheus.DefBuckets,
	})
	TicksTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ticks_total", Help: "Scheduler ticks run"})
	TickPanics      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "tick_panics_total", Help: "Panics recovered at the tick boundary"})
	AssignmentsWon  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "assignments_total", Help: "Trips assigned by this process"})
	AssignmentsLost = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "assignment_races_lost_total", Help: "Conditional updates that changed no rows"})

	LocatorSource = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "locator_source_total", Help: "Driver picks by source (live, fallback)"},
		[]string{"source"},
	)
	LocatorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "locator_errors_total", Help: "Locator store errors by path"},
		[]string{"path"},
	)
	NotifyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notify_failures_total", Help: "Best-effort notifications that failed"},
		[]string{"sink"},
	)
	WSSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Open websocket sessions"})

	LocationsIngested = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "locations_ingested_total", Help: "Driver location reports accepted"})

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
