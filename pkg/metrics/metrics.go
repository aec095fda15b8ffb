// Package metrics provides Prometheus metrics for the replica store.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// mergesTotal counts merges of incoming versions.
	// Labels:
	//   - result: "applied", "noop" or "rejected"
	mergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replistore_merges_total",
			Help: "Total number of incoming document versions merged",
		},
		[]string{"result"},
	)

	mergeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "replistore_merge_duration_seconds",
			Help:    "Duration of document merges in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	// deltasTotal counts deltas produced locally and received from peers.
	// Labels:
	//   - direction: "out" or "in"
	deltasTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replistore_deltas_total",
			Help: "Total number of document deltas by direction",
		},
		[]string{"direction"},
	)

	skippedWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replistore_skipped_writes_total",
			Help: "Total number of local writes skipped because they would not change the document",
		},
	)

	// sizeChecksTotal counts size guard outcomes.
	// Labels:
	//   - status: "ok", "warn" or "rejected"
	sizeChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replistore_size_checks_total",
			Help: "Total number of document size checks by outcome",
		},
		[]string{"status"},
	)

	// attachmentFetchesTotal counts attachment fetches by terminal state.
	attachmentFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replistore_attachment_fetches_total",
			Help: "Total number of attachment fetches by terminal state",
		},
		[]string{"state"},
	)

	attachmentsSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replistore_attachments_swept_total",
			Help: "Total number of unreferenced attachments deleted by garbage collection",
		},
	)

	attachmentsMarked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "replistore_attachments_marked",
			Help: "Unreferenced attachments waiting out the collection debounce",
		},
	)

	tombstonesCompactedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replistore_tombstones_compacted_total",
			Help: "Total number of map tombstones dropped by compaction",
		},
	)
)

func init() {
	prometheus.MustRegister(mergesTotal)
	prometheus.MustRegister(mergeDuration)
	prometheus.MustRegister(deltasTotal)
	prometheus.MustRegister(skippedWritesTotal)
	prometheus.MustRegister(sizeChecksTotal)
	prometheus.MustRegister(attachmentFetchesTotal)
	prometheus.MustRegister(attachmentsSweptTotal)
	prometheus.MustRegister(attachmentsMarked)
	prometheus.MustRegister(tombstonesCompactedTotal)
}

// RecordMerge records the outcome and duration of one merge.
func RecordMerge(result string, durationSeconds float64) {
	mergesTotal.WithLabelValues(result).Inc()
	mergeDuration.Observe(durationSeconds)
}

func RecordDelta(direction string) {
	deltasTotal.WithLabelValues(direction).Inc()
}

func RecordSkippedWrite() {
	skippedWritesTotal.Inc()
}

func RecordSizeCheck(status string) {
	sizeChecksTotal.WithLabelValues(status).Inc()
}

func RecordAttachmentFetch(state string) {
	attachmentFetchesTotal.WithLabelValues(state).Inc()
}

// RecordCollection records the result of one attachment collection pass.
func RecordCollection(marked, swept int) {
	attachmentsMarked.Set(float64(marked))
	attachmentsSweptTotal.Add(float64(swept))
}

func RecordCompaction(dropped int) {
	tombstonesCompactedTotal.Add(float64(dropped))
}
