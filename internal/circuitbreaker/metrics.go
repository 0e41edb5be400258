package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var transitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mcpgw",
		Subsystem: "circuitbreaker",
		Name:      "transitions_total",
		Help:      "Total number of circuit breaker state transitions.",
	},
	[]string{"breaker", "from", "to"},
)

func recordTransition(name string, from, to State) {
	transitionsTotal.WithLabelValues(name, from.String(), to.String()).Inc()
}
