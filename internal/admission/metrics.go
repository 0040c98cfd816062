package admission

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for admission decisions. A nil *Metrics records nothing.
type Metrics struct {
	DecisionsTotal *prometheus.CounterVec
	StoreDuration  *prometheus.HistogramVec
	StoreErrors    *prometheus.CounterVec
	CircuitState   prometheus.Gauge
}

// Creates and registers all metrics with the given registry
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "admission",
				Name:      "decisions_total",
				Help:      "Total admission decisions",
			},
			[]string{"result", "source", "tier"}, // result=allowed/denied/skipped/degraded
		),
		StoreDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "admission",
				Name:      "store_duration_seconds",
				Help:      "Counter store call duration in seconds",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
			},
			[]string{"op"},
		),
		StoreErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "admission",
				Name:      "store_errors_total",
				Help:      "Counter store calls that failed",
			},
			[]string{"op"},
		),
		CircuitState: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "admission",
				Name:      "store_circuit_state",
				Help:      "Counter store circuit state (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

func (m *Metrics) observeDecision(d Decision, source Source) {
	if m == nil {
		return
	}

	result := "denied"
	switch {
	case d.Skipped:
		result = "skipped"
	case d.Degraded:
		result = "degraded"
	case d.Allowed:
		result = "allowed"
	}
	m.DecisionsTotal.WithLabelValues(result, string(source), d.Tier).Inc()
}

func (m *Metrics) observeStore(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}

	m.StoreDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	if err != nil {
		m.StoreErrors.WithLabelValues(op).Inc()
	}
}

// Records the breaker state; wired to circuitbreaker.Config.OnStateChange
func (m *Metrics) SetCircuitState(state int) {
	if m == nil {
		return
	}
	m.CircuitState.Set(float64(state))
}
