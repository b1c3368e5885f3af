// Package metrics exposes Prometheus counters for the approval engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "academic_approval_requests_submitted_total",
			Help: "Total number of approval requests submitted",
		},
		[]string{"action_key"},
	)

	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "academic_approval_decisions_total",
			Help: "Total number of decision attempts by outcome",
		},
		[]string{"action_key", "outcome"},
	)

	dispatchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "academic_approval_dispatch_failures_total",
			Help: "Total number of handler failures that rolled back a decision",
		},
		[]string{"action_key"},
	)

	periodsRebuilt = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "academic_derived_periods_rebuilt_total",
			Help: "Total number of derived period rows generated by rebuilds",
		},
		[]string{"scope_type"},
	)
)

// RecordSubmission counts a new approval request.
func RecordSubmission(actionKey string) {
	requestsSubmitted.WithLabelValues(actionKey).Inc()
}

// RecordDecision counts a decision attempt. outcome is the resulting status
// or "error".
func RecordDecision(actionKey, outcome string) {
	decisionsTotal.WithLabelValues(actionKey, outcome).Inc()
}

// RecordDispatchFailure counts a handler error.
func RecordDispatchFailure(actionKey string) {
	dispatchFailures.WithLabelValues(actionKey).Inc()
}

// RecordPeriodsRebuilt counts generated derived period rows.
func RecordPeriodsRebuilt(scopeType string, n int) {
	periodsRebuilt.WithLabelValues(scopeType).Add(float64(n))
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
