// Package metrics declares the Prometheus collectors for density jobs.
//
// Collectors register on the default registry at package init and are served
// by the /metrics route of the serve command.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hexdensity_jobs_total",
			Help: "Density jobs by final status (computed, skipped, failed)",
		},
		[]string{"status"},
	)

	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hexdensity_job_duration_seconds",
			Help:    "Wall time of computed density jobs",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		},
	)

	HexagonsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hexdensity_hexagons_total",
			Help: "Hexagons whose density has been computed",
		},
	)

	PrefilterCandidates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hexdensity_prefilter_candidates_total",
			Help: "Tract/hexagon pairs admitted by the buffered bounding-box pre-filter",
		},
	)

	Intersections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hexdensity_intersections_total",
			Help: "Candidate pairs with a non-empty exact intersection",
		},
	)

	DegenerateCells = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hexdensity_degenerate_cells_total",
			Help: "Hexagons with zero measured area",
		},
	)

	StoreBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hexdensity_store_batches_total",
			Help: "Write batches flushed to external stores",
		},
		[]string{"sink", "status"},
	)
)
