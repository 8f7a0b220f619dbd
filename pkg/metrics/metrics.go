// Package metrics records pipeline and connector metrics via Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the process-wide metric vectors.
type Recorder struct {
	repliesTotal        *prometheus.CounterVec
	dispatchTotal       *prometheus.CounterVec
	dispatchDuplicates  *prometheus.CounterVec
	breakerTransitions  *prometheus.CounterVec
	ingestDuration      *prometheus.HistogramVec
	ingestMessagesTotal *prometheus.CounterVec
	bookingsTotal       *prometheus.CounterVec
	cycleDuration       prometheus.Histogram
}

// NewRecorder registers the leasebot metric vectors on the default registry.
func NewRecorder() *Recorder {
	return &Recorder{
		repliesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leasebot_replies_total",
				Help: "Reply decisions by platform and outcome (send, draft, escalate, blocked)",
			},
			[]string{"platform", "outcome"},
		),
		dispatchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leasebot_dispatch_total",
				Help: "Outbound dispatch attempts by platform and result (completed, failed, dlq)",
			},
			[]string{"platform", "result"},
		),
		dispatchDuplicates: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leasebot_dispatch_duplicates_suppressed_total",
				Help: "Dispatch attempts suppressed by dispatch-key dedup",
			},
			[]string{"platform"},
		),
		breakerTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leasebot_circuit_transitions_total",
				Help: "Circuit breaker transitions by platform, action, and new state",
			},
			[]string{"platform", "action", "state"},
		),
		ingestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leasebot_ingest_duration_seconds",
				Help:    "Per-account ingest latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"platform"},
		),
		ingestMessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leasebot_ingest_messages_total",
				Help: "Ingested inbound messages by platform and disposition (inserted, duplicate)",
			},
			[]string{"platform", "disposition"},
		),
		bookingsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leasebot_bookings_total",
				Help: "Showing booking requests by result variant",
			},
			[]string{"result"},
		),
		cycleDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "leasebot_worker_cycle_duration_seconds",
				Help:    "Duration of one worker poll cycle",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// IncReply records one reply decision.
func (r *Recorder) IncReply(platform, outcome string) {
	r.repliesTotal.WithLabelValues(platform, outcome).Inc()
}

// IncDispatch records one dispatch attempt result.
func (r *Recorder) IncDispatch(platform, result string) {
	r.dispatchTotal.WithLabelValues(platform, result).Inc()
}

// IncDuplicateSuppressed records one dedup hit.
func (r *Recorder) IncDuplicateSuppressed(platform string) {
	r.dispatchDuplicates.WithLabelValues(platform).Inc()
}

// IncBreakerTransition records a circuit state change.
func (r *Recorder) IncBreakerTransition(platform, action, state string) {
	r.breakerTransitions.WithLabelValues(platform, action, state).Inc()
}

// ObserveIngest records one account ingest.
func (r *Recorder) ObserveIngest(platform string, duration time.Duration, inserted, duplicates int) {
	r.ingestDuration.WithLabelValues(platform).Observe(duration.Seconds())
	r.ingestMessagesTotal.WithLabelValues(platform, "inserted").Add(float64(inserted))
	r.ingestMessagesTotal.WithLabelValues(platform, "duplicate").Add(float64(duplicates))
}

// IncBooking records one booking result variant.
func (r *Recorder) IncBooking(result string) {
	r.bookingsTotal.WithLabelValues(result).Inc()
}

// ObserveCycle records one worker cycle duration.
func (r *Recorder) ObserveCycle(duration time.Duration) {
	r.cycleDuration.Observe(duration.Seconds())
}
