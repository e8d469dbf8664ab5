package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TripsCreated    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "trips_created_total", Help: "Trip requests created"})
	BatchesOpened   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "batches_opened_total", Help: "Dispatch batches opened"})
	OffersSent      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "offers_sent_total", Help: "Offers pushed to drivers"})
	AcceptsWon      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "accepts_won_total", Help: "Accept responses that claimed the winner slot"})
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "accept_conflicts_total", Help: "Accept responses that lost the winner race"})
	Rejections      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "rejections_total", Help: "Reject responses recorded"})
	BatchesExpired  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "batches_expired_total", Help: "Open batches resolved by the timeout sweeper"})
	OtpFailures     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "otp_failures_total", Help: "Rejected trip-start OTP checks"})
	TripsCompleted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "trips_completed_total", Help: "Trips reaching completed"})
	TripsCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "trips_cancelled_total", Help: "Cancellations by actor"},
		[]string{"actor"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trip_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
