// Package metrics registers the Prometheus collectors shared by the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchAttempts counts individual HTTP attempts per source, including retries.
	FetchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omni_source_fetch_attempts_total",
			Help: "Total number of fetch attempts per source",
		},
		[]string{"source"},
	)

	// FetchResults counts terminal fetch outcomes per source.
	FetchResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omni_source_fetch_results_total",
			Help: "Terminal fetch results per source and outcome",
		},
		[]string{"source", "outcome"},
	)

	// Evaluations counts produced evaluations by verdict.
	Evaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omni_evaluations_total",
			Help: "Total evaluations by verdict",
		},
		[]string{"verdict"},
	)

	// TokensProcessed counts tokens that reached a terminal state per run outcome.
	TokensProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omni_tokens_processed_total",
			Help: "Tokens that reached a terminal processing state",
		},
		[]string{"result"},
	)

	// InFlight tracks the number of tokens currently being processed.
	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "omni_tokens_in_flight",
			Help: "Tokens currently admitted by the concurrency governor",
		},
	)

	// RunDuration observes end-to-end processing run durations.
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "omni_run_duration_seconds",
			Help:    "Processing run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)
)
