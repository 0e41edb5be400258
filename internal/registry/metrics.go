package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpgw",
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Total number of server registrations.",
		},
		[]string{"scope"},
	)

	serverHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mcpgw",
			Subsystem: "registry",
			Name:      "server_health",
			Help:      "Current health of a server (1 healthy, 0.5 degraded, 0 unhealthy, -1 unknown).",
		},
		[]string{"server_id", "name"},
	)
)

func recordRegistration(global bool) {
	scope := "tenant"
	if global {
		scope = "global"
	}
	registrationsTotal.WithLabelValues(scope).Inc()
}

func recordHealthGauge(rec *ServerRecord) {
	var v float64
	switch rec.Health {
	case HealthHealthy:
		v = 1
	case HealthDegraded:
		v = 0.5
	case HealthUnhealthy:
		v = 0
	default:
		v = -1
	}
	serverHealth.WithLabelValues(rec.ID, rec.Name).Set(v)
}
