package health

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avamcpgw/internal/registry"
)

var (
	probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpgw",
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Total number of health probes by transport and resulting status.",
		},
		[]string{"transport", "status"},
	)

	probeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mcpgw",
			Subsystem: "health",
			Name:      "probe_duration_seconds",
			Help:      "Health probe round-trip time.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"transport"},
	)
)

func recordProbe(transport string, status registry.Health, rtt time.Duration) {
	probesTotal.WithLabelValues(transport, string(status)).Inc()
	probeDuration.WithLabelValues(transport).Observe(rtt.Seconds())
}
