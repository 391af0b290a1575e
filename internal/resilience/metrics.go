package resilience

import "github.com/prometheus/client_golang/prometheus"

var (
	// breakerStateGauge gauges each provider's breaker: 0 closed, 1 half-open, 2 open.
	breakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=half_open, 2=open).",
		},
		[]string{"provider"},
	)

	// breakerTransitions counts state changes by provider and target state.
	breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions.",
		},
		[]string{"provider", "to"},
	)

	// breakerRejections counts calls refused while open.
	breakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_rejections_total",
			Help: "Calls rejected because the circuit breaker was open.",
		},
		[]string{"provider"},
	)

	// retryAttempts counts attempts after the first, by operation label.
	retryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Retry attempts made after an initial failure.",
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(breakerStateGauge, breakerTransitions, breakerRejections, retryAttempts)
}

func stateValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	}
	return 0
}
