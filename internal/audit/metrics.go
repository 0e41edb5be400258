package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	writtenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpgw",
			Subsystem: "audit",
			Name:      "records_written_total",
			Help:      "Total number of audit records written to the sink.",
		},
		[]string{"outcome"},
	)

	droppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mcpgw",
			Subsystem: "audit",
			Name:      "records_dropped_total",
			Help:      "Total number of audit records dropped due to a full buffer.",
		},
	)
)

func recordWritten(outcome Outcome) {
	writtenTotal.WithLabelValues(string(outcome)).Inc()
}

func recordDropped() {
	droppedTotal.Inc()
}
