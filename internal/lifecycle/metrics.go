package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes lifecycle counters. Register against a dedicated registry
// in tests to avoid collisions with the default registerer.
type Metrics struct {
	Transitions        *prometheus.CounterVec
	Rejections         *prometheus.CounterVec
	Holds              prometheus.Counter
	SettlementFailures prometheus.Counter
}

// NewMetrics registers lifecycle metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "etrm",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Committed stage transitions by from and to stage",
		}, []string{"from_stage", "to_stage"}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "etrm",
			Subsystem: "lifecycle",
			Name:      "rejections_total",
			Help:      "Trade rejections by reason class",
		}, []string{"reason"}),
		Holds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "etrm",
			Subsystem: "lifecycle",
			Name:      "holds_total",
			Help:      "Trades placed in pending review",
		}),
		SettlementFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "etrm",
			Subsystem: "lifecycle",
			Name:      "settlement_failures_total",
			Help:      "Payment collections exhausted after retries",
		}),
	}
}
