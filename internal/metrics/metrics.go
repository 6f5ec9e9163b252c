package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Assistant metrics
var (
	// Utterances processed, by resolved intent and input source
	UtterancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assistant",
			Subsystem: "dialogue",
			Name:      "utterances_total",
			Help:      "Total utterances processed",
		},
		[]string{"intent", "source"},
	)

	// Utterances that ended in the recovered error path
	UtteranceErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "assistant",
			Subsystem: "dialogue",
			Name:      "utterance_errors_total",
			Help:      "Total utterances answered with the error response",
		},
	)

	UtteranceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "assistant",
			Subsystem: "dialogue",
			Name:      "utterance_duration_seconds",
			Help:      "Utterance processing duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// Classifier calls that fell back to the default label
	ClassifierFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assistant",
			Subsystem: "nlu",
			Name:      "classifier_fallbacks_total",
			Help:      "Total classifier failures answered with the default label",
		},
		[]string{"classifier"},
	)

	StoreFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assistant",
			Subsystem: "memory",
			Name:      "store_failures_total",
			Help:      "Total failed persistence operations",
		},
		[]string{"op"},
	)

	// Context entries removed, by eviction path (lazy or sweep)
	ContextEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assistant",
			Subsystem: "context",
			Name:      "evictions_total",
			Help:      "Total expired context entries evicted",
		},
		[]string{"path"},
	)

	RemindersDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assistant",
			Subsystem: "scheduler",
			Name:      "reminders_total",
			Help:      "Total reminders delivered",
		},
		[]string{"status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assistant",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	// Recovered panics and errors inside background loops
	LoopFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assistant",
			Subsystem: "runtime",
			Name:      "loop_failures_total",
			Help:      "Total failed background loop iterations",
		},
		[]string{"loop"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
