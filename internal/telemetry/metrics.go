package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Transitions       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_transitions_total", Help: "Applied job status transitions"}, []string{"from", "to"})
	TransitionRejects = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_transition_rejects_total", Help: "Rejected job events by reason"}, []string{"event", "reason"})
	BookingRejects    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bookings_rejected_total", Help: "Bookings rejected by reason"}, []string{"reason"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "bookings_rate_limit_rejects_total", Help: "Customer bookings rejected by the rate limiter"})
	BillingCalls      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "billing_calls_total", Help: "Billing provider calls by operation and outcome"}, []string{"op", "outcome"})
	ImportedRecords   = prometheus.NewCounter(prometheus.CounterOpts{Name: "billing_imported_records_total", Help: "Provider records imported as local jobs"})
	WebhookEvents     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "billing_webhook_events_total", Help: "Billing webhook deliveries by type and outcome"}, []string{"type", "outcome"})
	NotifyEnqueued    = prometheus.NewCounter(prometheus.CounterOpts{Name: "notify_enqueued_total", Help: "Notification messages enqueued"})
	NotifyDeliveries  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notify_deliveries_total", Help: "Per-channel delivery attempts"}, []string{"channel", "outcome"})
	NotifyDeadLetter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "notify_dead_letter_total", Help: "Notification messages moved to DLQ"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "notify_queue_depth", Help: "Ready notification queue depth"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "notify_inflight", Help: "Notification messages currently leased"})
	SweepTransitions  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sweep_transitions_total", Help: "Jobs moved by the periodic sweep"}, []string{"sweep"})
	SweepErrors       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sweep_errors_total", Help: "Per-job sweep failures"}, []string{"sweep"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Transitions,
			TransitionRejects,
			BookingRejects,
			RateLimitRejects,
			BillingCalls,
			ImportedRecords,
			WebhookEvents,
			NotifyEnqueued,
			NotifyDeliveries,
			NotifyDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
			SweepTransitions,
			SweepErrors,
		)
	})
	return promhttp.Handler()
}
