// Package metrics provides Prometheus metrics for the cloudgrove engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Wire request metrics
	wireRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudgrove_wire_requests_total",
			Help: "Total number of wire requests issued by provider adapters",
		},
		[]string{"provider", "status"},
	)

	wireRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudgrove_wire_request_duration_seconds",
			Help:    "Wire request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// Transfer metrics
	bytesDownloaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudgrove_bytes_downloaded_total",
			Help: "Total bytes downloaded from providers",
		},
		[]string{"provider"},
	)

	bytesUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudgrove_bytes_uploaded_total",
			Help: "Total bytes uploaded to providers",
		},
		[]string{"provider"},
	)

	bytesStreamed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudgrove_fileserver_bytes_streamed_total",
			Help: "Total bytes streamed through the range file server",
		},
	)

	// Authorization metrics
	authorizeAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudgrove_authorize_attempts_total",
			Help: "Total authorize barrier runs",
		},
		[]string{"provider", "result"},
	)

	// Filesystem cache metrics
	chunkCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudgrove_vfs_chunk_cache_hits_total",
			Help: "Reads served from the per-inode chunk cache",
		},
	)

	chunkCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudgrove_vfs_chunk_cache_misses_total",
			Help: "Reads that required an upstream download",
		},
	)

	directoryRefreshes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudgrove_vfs_directory_refreshes_total",
			Help: "Background directory listing refreshes",
		},
	)

	itemCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudgrove_fileserver_item_cache_total",
			Help: "Item LRU cache lookups in the file server",
		},
		[]string{"result"},
	)
)

// RecordWireRequest records one adapter wire round-trip.
func RecordWireRequest(provider string, status int, duration time.Duration) {
	wireRequestsTotal.WithLabelValues(provider, strconv.Itoa(status)).Inc()
	wireRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordDownload records bytes pulled from a provider.
func RecordDownload(provider string, n int64) {
	bytesDownloaded.WithLabelValues(provider).Add(float64(n))
}

// RecordUpload records bytes pushed to a provider.
func RecordUpload(provider string, n int64) {
	bytesUploaded.WithLabelValues(provider).Add(float64(n))
}

// RecordStreamed records bytes served by the file server.
func RecordStreamed(n int64) {
	bytesStreamed.Add(float64(n))
}

// RecordAuthorize records the outcome of one authorize barrier run.
func RecordAuthorize(provider string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	authorizeAttempts.WithLabelValues(provider, result).Inc()
}

// RecordChunkCache records a chunk cache hit or miss.
func RecordChunkCache(hit bool) {
	if hit {
		chunkCacheHits.Inc()
	} else {
		chunkCacheMisses.Inc()
	}
}

// RecordDirectoryRefresh records one background listing refresh.
func RecordDirectoryRefresh() {
	directoryRefreshes.Inc()
}

// RecordItemCache records an item LRU lookup in the file server.
func RecordItemCache(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	itemCacheHits.WithLabelValues(result).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
