// Package metrics exposes the Prometheus instrumentation for the PBX
// registry, wiring the example corpus's prometheus/client_golang dependency
// into the call-control core. None of these counters affect call-control
// semantics; they are read by an optional HTTP endpoint (see cmd/pbx).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels used on CallsTotal.
const (
	OutcomeConnected = "connected"
	OutcomeBusy      = "busy"
	OutcomeError     = "error"
	OutcomeRejected  = "rejected"
)

// Metrics bundles the gauges and counters describing registry activity.
type Metrics struct {
	ActiveExtensions  prometheus.Gauge
	RegisteredTotal   prometheus.Counter
	UnregisteredTotal prometheus.Counter
	CallsTotal        *prometheus.CounterVec
}

// New registers and returns a fresh Metrics bundle against reg. Passing a
// non-default registry (as tests do) avoids collisions between repeated
// test runs registering the same metric names.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveExtensions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pbx_active_extensions",
			Help: "Number of extensions currently registered with the PBX.",
		}),
		RegisteredTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pbx_registered_total",
			Help: "Total number of TUs registered with the PBX.",
		}),
		UnregisteredTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pbx_unregistered_total",
			Help: "Total number of TUs unregistered from the PBX.",
		}),
		CallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pbx_calls_total",
			Help: "Total number of dial attempts by outcome.",
		}, []string{"outcome"}),
	}
}

// Noop returns a Metrics bundle backed by a private registry, for callers
// (mainly tests) that need the interface satisfied without publishing
// anything.
func Noop() *Metrics {
	return New(prometheus.NewRegistry())
}
