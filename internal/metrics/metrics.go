// Package metrics provides Prometheus metrics for the repository server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Proxy cache metrics
	cacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anyrepo_cache_requests_total",
			Help: "Proxy cache lookups by outcome (hit, miss, stale, bypass, negative)",
		},
		[]string{"repository", "kind", "outcome"},
	)

	upstreamFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anyrepo_upstream_fetch_duration_seconds",
			Help:    "Upstream fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"repository", "status"},
	)

	malformedUpstreamTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anyrepo_upstream_malformed_total",
			Help: "Upstream responses rejected as malformed",
		},
		[]string{"repository", "kind"},
	)

	// Browse metrics
	browseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anyrepo_browse_duration_seconds",
			Help:    "Browse request duration including member fan-out",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"repository"},
	)

	browseMembers = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anyrepo_browse_members",
			Help:    "Number of member repositories queried per browse request",
			Buckets: []float64{1, 2, 4, 8, 16, 32},
		},
	)

	selectorCompileFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anyrepo_selector_compile_failures_total",
			Help: "Selector expressions skipped because they failed to compile",
		},
	)

	// Tree metrics
	treeNodesRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anyrepo_tree_nodes_removed_total",
			Help: "Browse nodes removed by trim/delete operations",
		},
		[]string{"operation"},
	)

	treeMergeConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anyrepo_tree_merge_conflicts_total",
			Help: "Browse node merges aborted by a uniqueness race",
		},
	)

	// Storage metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anyrepo_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anyrepo_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)
)

// RecordCacheRequest records one proxy cache lookup outcome.
func RecordCacheRequest(repository, kind, outcome string) {
	cacheRequestsTotal.WithLabelValues(repository, kind, outcome).Inc()
}

// RecordUpstreamFetch records the duration of an upstream fetch.
func RecordUpstreamFetch(repository, status string, duration time.Duration) {
	upstreamFetchDuration.WithLabelValues(repository, status).Observe(duration.Seconds())
}

// RecordMalformedUpstream counts an upstream response rejected by validation.
func RecordMalformedUpstream(repository, kind string) {
	malformedUpstreamTotal.WithLabelValues(repository, kind).Inc()
}

// RecordBrowse records browse latency and member fan-out width.
func RecordBrowse(repository string, members int, duration time.Duration) {
	browseDuration.WithLabelValues(repository).Observe(duration.Seconds())
	browseMembers.Observe(float64(members))
}

// RecordSelectorCompileFailure counts a skipped selector.
func RecordSelectorCompileFailure() {
	selectorCompileFailures.Inc()
}

// RecordTreeRemoved counts nodes removed by the given operation.
func RecordTreeRemoved(operation string, count int64) {
	if count <= 0 {
		return
	}
	treeNodesRemoved.WithLabelValues(operation).Add(float64(count))
}

// RecordTreeConflict counts an aborted merge.
func RecordTreeConflict() {
	treeMergeConflicts.Inc()
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	s3OperationDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// RecordDBQuery records the duration of a database query.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
