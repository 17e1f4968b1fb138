package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchRounds = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch_core", Name: "dispatch_rounds_total", Help: "Dispatch rounds by outcome"},
		[]string{"outcome"},
	)
	DispatchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{Namespace: "dispatch_core", Name: "dispatch_latency_seconds", Help: "Dispatch round latency"},
	)
	ReservationRacesLost = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "dispatch_core", Name: "reservation_races_lost_total", Help: "Reservation attempts lost to a concurrent round"},
	)
	DriverResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch_core", Name: "driver_responses_total", Help: "Driver offer responses by result"},
		[]string{"result"}, // accepted, rejected, timeout
	)
	DriversOnline = promauto.NewGauge(
		prometheus.GaugeOpts{Namespace: "dispatch_core", Name: "drivers_online", Help: "Number of online drivers"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch_core", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch_core",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
