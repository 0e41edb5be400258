package proxy

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avamcpgw/internal/util"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpgw",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Total number of routed requests by outcome.",
		},
		[]string{"outcome"},
	)

	requestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mcpgw",
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "End-to-end routing latency including upstream time.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpgw",
			Subsystem: "proxy",
			Name:      "retries_total",
			Help:      "Total number of candidate retries after transport failures.",
		},
		[]string{"service"},
	)
)

func recordRoute(elapsed time.Duration, resp *Response, err error) {
	outcome := "success"
	switch {
	case err == nil && resp != nil && resp.Status >= 500:
		outcome = "upstream_error"
	case errors.Is(err, util.ErrRateLimited):
		outcome = "rate_limited"
	case errors.Is(err, util.ErrNoHealthyServer):
		outcome = "no_healthy_server"
	case errors.Is(err, util.ErrCircuitOpen):
		outcome = "circuit_open"
	case errors.Is(err, util.ErrPoolExhausted):
		outcome = "pool_exhausted"
	case errors.Is(err, util.ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, util.ErrCancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = "error"
	}
	requestsTotal.WithLabelValues(outcome).Inc()
	requestDuration.Observe(elapsed.Seconds())
}

func recordRetry(service string) {
	retriesTotal.WithLabelValues(service).Inc()
}
