// Package selfmetrics exposes Prometheus gauges and counters for the
// running repair driver process's own progress. It is deliberately
// separate from the cluster-wide metrics exporter that reads the journal
// file across a whole cluster (out of scope for this repository); this
// package only instruments one process's in-memory counters for a local
// Prometheus scrape, grounded on the teacher's pkg/metrics package.
package selfmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SlicesPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rangerepair_slices_pending",
		Help: "Number of slices currently in the pending bucket",
	})

	SlicesCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rangerepair_slices_current",
		Help: "Number of slices currently being repaired",
	})

	SlicesFinished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rangerepair_slices_finished_total",
		Help: "Total number of slices that finished successfully",
	})

	SlicesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rangerepair_slices_failed_total",
		Help: "Total number of slices that exhausted their retries and failed",
	})

	RetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rangerepair_cli_retries_total",
		Help: "Total number of nodetool repair retries across all slices",
	})

	RepairDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rangerepair_slice_duration_seconds",
		Help:    "Wall-clock time spent executing one slice's repair call, including retries but not the pre-run jitter sleep",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(SlicesPending)
	prometheus.MustRegister(SlicesCurrent)
	prometheus.MustRegister(SlicesFinished)
	prometheus.MustRegister(SlicesFailed)
	prometheus.MustRegister(RetriesTotal)
	prometheus.MustRegister(RepairDuration)
}

// Handler returns the HTTP handler a --metrics-addr listener should serve
// at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBucketCounts updates the pending/current gauges from a journal
// snapshot. Finished/failed are monotonic counters incremented as slices
// complete, not set here.
func SetBucketCounts(pending, current int) {
	SlicesPending.Set(float64(pending))
	SlicesCurrent.Set(float64(current))
}
