package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the corrector batch pipeline.
var (
	DocumentsProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corrector_documents_processed_total",
			Help: "Total number of raw documents claimed by corrector batches",
		},
	)

	DuplicatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corrector_duplicates_total",
			Help: "Total number of duplicate raw documents detected",
		},
	)

	PairsMatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corrector_pairs_matched_total",
			Help: "Total number of client/producer pairs reconciled",
		},
	)

	OrphansCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corrector_orphans_created_total",
			Help: "Total number of single-sided clean records created",
		},
	)

	TimeoutsPromotedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corrector_timeouts_promoted_total",
			Help: "Total number of timed out orphans forced to done",
		},
	)

	RawRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corrector_raw_removed_total",
			Help: "Total number of duplicate raw documents deleted",
		},
	)

	BatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corrector_batches_total",
			Help: "Total number of completed corrector batches",
		},
	)

	BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "corrector_batch_duration_seconds",
			Help:    "Duration of corrector batch runs",
			Buckets: prometheus.DefBuckets,
		},
	)
)

var registerOnce sync.Once

// Register registers all corrector metrics with the default registry. Safe
// to call from every serving path; registration happens once per process.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(DocumentsProcessedTotal)
		prometheus.MustRegister(DuplicatesTotal)
		prometheus.MustRegister(PairsMatchedTotal)
		prometheus.MustRegister(OrphansCreatedTotal)
		prometheus.MustRegister(TimeoutsPromotedTotal)
		prometheus.MustRegister(RawRemovedTotal)
		prometheus.MustRegister(BatchesTotal)
		prometheus.MustRegister(BatchDuration)
	})
}
