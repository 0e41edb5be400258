package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpgw",
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Total number of rate limit decisions by tier and outcome.",
		},
		[]string{"tier", "outcome"},
	)

	failOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpgw",
			Subsystem: "ratelimit",
			Name:      "fail_open_total",
			Help:      "Total number of checks allowed because the counter store was unavailable.",
		},
		[]string{"tier"},
	)

	denyListedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mcpgw",
			Subsystem: "ratelimit",
			Name:      "deny_listed_total",
			Help:      "Total number of client IPs added to the deny list.",
		},
	)
)

func recordDecision(tier, outcome string) {
	decisionsTotal.WithLabelValues(tier, outcome).Inc()
}

func recordFailOpen(tier string) {
	failOpenTotal.WithLabelValues(tier).Inc()
}

func recordDenyListed() {
	denyListedTotal.Inc()
}
