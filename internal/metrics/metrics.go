package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	availabilityQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "terapia",
			Name:      "availability_queries_total",
			Help:      "Availability queries by resource and outcome.",
		},
		[]string{"resource", "outcome"},
	)

	staleResults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "terapia",
			Name:      "stale_results_discarded_total",
			Help:      "Availability responses discarded because a newer query superseded them.",
		},
	)

	slotReconciliations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "terapia",
			Name:      "slot_reconciliations_total",
			Help:      "Slots whose availability reached the reconciled state.",
		},
	)

	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "terapia",
			Name:      "submissions_total",
			Help:      "Registration submissions by status.",
		},
		[]string{"status"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "terapia",
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(availabilityQueries, staleResults, slotReconciliations, submissions, httpRequests)
	})
}

// IncAvailabilityQuery counts one query result for a resource type.
func IncAvailabilityQuery(resource, outcome string) {
	availabilityQueries.WithLabelValues(resource, outcome).Inc()
}

// IncStaleDiscard counts a discarded stale availability response.
func IncStaleDiscard() {
	staleResults.Inc()
}

// IncSlotReconciled counts a slot reaching the reconciled state.
func IncSlotReconciled() {
	slotReconciliations.Inc()
}

// IncSubmission counts a submission outcome.
func IncSubmission(status string) {
	submissions.WithLabelValues(status).Inc()
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}
