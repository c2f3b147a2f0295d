// Package observability exposes the credit engine's Prometheus metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/warp/credit-engine/credit"
)

// Metrics implements credit.Recorder on top of Prometheus collectors.
type Metrics struct {
	transitions   *prometheus.CounterVec
	movements     *prometheus.CounterVec
	prevalidation prometheus.Histogram
}

// NewMetrics registers the collectors on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "credit",
			Subsystem: "sale",
			Name:      "transitions_total",
			Help:      "Sale state machine operations by outcome.",
		}, []string{"operation", "outcome"}),

		movements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "credit",
			Subsystem: "quota",
			Name:      "movements_total",
			Help:      "Quota ledger movements by type.",
		}, []string{"type"}),

		prevalidation: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "credit",
			Name:      "prevalidation_seconds",
			Help:      "Time spent classifying a credit sale.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
}

func (m *Metrics) Transition(operation, outcome string) {
	m.transitions.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) QuotaMovement(t credit.MovementType) {
	m.movements.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) PrevalidationDuration(d time.Duration) {
	m.prevalidation.Observe(d.Seconds())
}

var _ credit.Recorder = (*Metrics)(nil)
