package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acquiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpgw",
			Subsystem: "pool",
			Name:      "acquires_total",
			Help:      "Total number of pool slot acquisition attempts by outcome.",
		},
		[]string{"server_id", "outcome"},
	)

	occupancy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mcpgw",
			Subsystem: "pool",
			Name:      "occupancy_ratio",
			Help:      "Fraction of pool slots currently held.",
		},
		[]string{"server_id"},
	)
)

func recordAcquire(serverID, outcome string) {
	acquiresTotal.WithLabelValues(serverID, outcome).Inc()
}

func recordOccupancy(serverID string, active, max int) {
	if max > 0 {
		occupancy.WithLabelValues(serverID).Set(float64(active) / float64(max))
	}
}
