// Package metrics holds the Prometheus collectors for the sync pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Chunks counts scheduler invocations by outcome:
	// "complete", "more", "budget", "scope_failed", "error".
	Chunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foliosync_chunks_total",
			Help: "Scheduler chunk invocations by outcome",
		},
		[]string{"outcome"},
	)

	ChunkDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foliosync_chunk_duration_seconds",
			Help:    "Wall-clock duration of one scheduler chunk",
			Buckets: []float64{0.5, 1, 2, 5, 8, 12, 20, 30},
		},
	)

	// Entries counts catalogue writes by action: created, updated, unchanged, deleted, failed.
	Entries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foliosync_catalogue_entries_total",
			Help: "Catalogue reconciliation decisions by action",
		},
		[]string{"action"},
	)

	Materializations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foliosync_materializations_total",
			Help: "Asset materializations by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	RemoteRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foliosync_remote_requests_total",
			Help: "Remote file store API requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	// CircuitBreakerState is 0 closed, 1 half-open, 2 open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foliosync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)
