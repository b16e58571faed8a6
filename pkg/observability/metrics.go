// Package observability provides Prometheus metrics for authentication
// attempts and the handlers that take part in them.
package observability

import "github.com/prometheus/client_golang/prometheus"

// AuthBuckets defines histogram buckets suited for authentication latencies,
// from a local hash comparison (1ms) to a slow directory round trip (10s).
var AuthBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

var (
	// AttemptsTotal counts authentication attempts by policy and outcome.
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_authentication_attempts_total",
			Help: "Authentication attempts",
		},
		[]string{"policy", "outcome"},
	)

	// AttemptDuration records end-to-end attempt duration in seconds.
	AttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_authentication_duration_seconds",
			Help:    "Authentication attempt duration",
			Buckets: AuthBuckets,
		},
		[]string{"policy"},
	)

	// HandlerResultsTotal counts individual handler verdicts. The reason
	// label is empty for successes.
	HandlerResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_handler_results_total",
			Help: "Handler results",
		},
		[]string{"handler", "result", "reason"},
	)

	// ThrottleRejectedTotal counts attempts refused by failure throttling.
	ThrottleRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_throttle_rejected_total",
			Help: "Throttled authentication attempts",
		},
		[]string{"handler"},
	)
)

func init() {
	prometheus.MustRegister(
		AttemptsTotal,
		AttemptDuration,
		HandlerResultsTotal,
		ThrottleRejectedTotal,
	)
}

// WriteTextfile writes the default registry to path in the Prometheus text
// format, for collection by a node exporter textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
