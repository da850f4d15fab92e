// Package metrics exposes Prometheus collectors for the offline engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "offline"

var (
	// Reachability
	ReachabilityOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reachability",
			Name:      "online",
			Help:      "1 when the device is believed online, 0 otherwise",
		},
	)

	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reachability",
			Name:      "probes_total",
			Help:      "Total active reachability probes",
		},
		[]string{"result"},
	)

	// Sync
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Total sync runs by outcome",
		},
		[]string{"status"},
	)

	SyncRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "records_total",
			Help:      "Total records processed during sync",
		},
		[]string{"outcome"},
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Sync run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	EvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "evictions_total",
			Help:      "Total records evicted by retention limits",
		},
	)

	// Content cache
	BlobFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "content",
			Name:      "fetches_total",
			Help:      "Total blob requests by result",
		},
		[]string{"result"},
	)

	CacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "content",
			Name:      "bytes",
			Help:      "Last measured size of the blob cache in bytes",
		},
	)

	// Action queue
	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actions",
			Name:      "drained_total",
			Help:      "Total pending actions processed by outcome",
		},
		[]string{"outcome"},
	)
)

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetOnline records the current reachability state
func SetOnline(online bool) {
	if online {
		ReachabilityOnline.Set(1)
		return
	}
	ReachabilityOnline.Set(0)
}

// RecordProbe records an active probe result
func RecordProbe(ok bool) {
	if ok {
		ProbesTotal.WithLabelValues("ok").Inc()
		return
	}
	ProbesTotal.WithLabelValues("failed").Inc()
}

// RecordSync records a finished sync run
func RecordSync(status string, synced, failed int, durationSec float64) {
	SyncRunsTotal.WithLabelValues(status).Inc()
	SyncRecordsTotal.WithLabelValues("synced").Add(float64(synced))
	SyncRecordsTotal.WithLabelValues("failed").Add(float64(failed))
	SyncDuration.Observe(durationSec)
}

// RecordEvictions records records removed by retention limits
func RecordEvictions(n int) {
	EvictionsTotal.Add(float64(n))
}

// RecordBlobFetch records a blob cache lookup or download
func RecordBlobFetch(result string) {
	BlobFetchesTotal.WithLabelValues(result).Inc()
}

// RecordCacheBytes records the measured blob cache size
func RecordCacheBytes(n int64) {
	CacheBytes.Set(float64(n))
}

// RecordActions records a drain pass
func RecordActions(synced, failed, skipped, unroutable int) {
	ActionsTotal.WithLabelValues("synced").Add(float64(synced))
	ActionsTotal.WithLabelValues("failed").Add(float64(failed))
	ActionsTotal.WithLabelValues("skipped").Add(float64(skipped))
	ActionsTotal.WithLabelValues("unroutable").Add(float64(unroutable))
}
