// Package metrics exposes Prometheus collectors for the allocation lifecycle.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hostel"

// Recorder groups the lifecycle collectors. A nil *Recorder records nothing.
type Recorder struct {
	allocations   *prometheus.CounterVec
	revocations   *prometheus.CounterVec
	payments      *prometheus.CounterVec
	sweepRuns     *prometheus.CounterVec
	sweepExpired  prometheus.Counter
	sweepRevoked  prometheus.Counter
	sweepDuration prometheus.Histogram
}

// New builds the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Room allocation attempts by outcome.",
		}, []string{"outcome"}),
		revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocations_total",
			Help:      "Allocations revoked by reason.",
		}, []string{"reason"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_events_total",
			Help:      "Payment lifecycle events.",
		}, []string{"event"}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Deadline sweep runs by revoke policy.",
		}, []string{"policy"}),
		sweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "expired_total",
			Help:      "Allocations marked overdue by the sweep.",
		}),
		sweepRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "revoked_total",
			Help:      "Allocations revoked by the sweep.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Wall time of a deadline sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(r.allocations, r.revocations, r.payments,
		r.sweepRuns, r.sweepExpired, r.sweepRevoked, r.sweepDuration)
	return r
}

// Handler serves the collectors gathered by g in the exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Allocation counts an allocation attempt: "created", "rejected" or "failed".
func (r *Recorder) Allocation(outcome string) {
	if r == nil {
		return
	}
	r.allocations.WithLabelValues(outcome).Inc()
}

// Revocation counts a revoked allocation: "explicit", "overdue" or "cascade".
func (r *Recorder) Revocation(reason string) {
	if r == nil {
		return
	}
	r.revocations.WithLabelValues(reason).Inc()
}

// Payment counts a payment event such as "submitted" or "approved".
func (r *Recorder) Payment(event string) {
	if r == nil {
		return
	}
	r.payments.WithLabelValues(event).Inc()
}

// Sweep records one finished sweep run.
func (r *Recorder) Sweep(policy string, expired, revoked int, took time.Duration) {
	if r == nil {
		return
	}
	r.sweepRuns.WithLabelValues(policy).Inc()
	r.sweepExpired.Add(float64(expired))
	r.sweepRevoked.Add(float64(revoked))
	r.sweepDuration.Observe(took.Seconds())
}
