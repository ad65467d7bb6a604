package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by bucket
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reqcache_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"bucket"},
	)

	// CacheMisses tracks cache misses by bucket (absent or expired)
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reqcache_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"bucket"},
	)

	// StoreWrittenBytes tracks body bytes written by backend
	StoreWrittenBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reqcache_store_written_bytes_total",
			Help: "Total response body bytes written to the cache store",
		},
		[]string{"backend"}, // "redis", "sqlite", "memory"
	)

	// StoreErrors tracks store operation errors
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reqcache_store_errors_total",
			Help: "Total number of cache store operation errors",
		},
		[]string{"backend", "operation"}, // "get", "put", "delete", "list", "buckets", "delete_bucket"
	)
)
