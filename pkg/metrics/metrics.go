// Package metrics provides the Prometheus registry and the catalogue of
// request cache metrics. Metrics are defined in their respective packages
// (cache, expiration, fetch, rangereq, strategy, precache, engine) to keep
// packages independent and avoid circular dependencies.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by reqcache.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects the metrics registered on Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Descriptor documents one exported metric.
type Descriptor struct {
	Name    string
	Type    string
	Labels  []string
	Package string
}

// Catalogue lists every metric exported by reqcache.
var Catalogue = []Descriptor{
	{"reqcache_cache_hits_total", "counter", []string{"bucket"}, "pkg/cache"},
	{"reqcache_cache_misses_total", "counter", []string{"bucket"}, "pkg/cache"},
	{"reqcache_store_written_bytes_total", "counter", []string{"backend"}, "pkg/cache"},
	{"reqcache_store_errors_total", "counter", []string{"backend", "operation"}, "pkg/cache"},
	{"reqcache_evictions_total", "counter", []string{"bucket", "reason"}, "pkg/expiration"},
	{"reqcache_fetch_total", "counter", []string{"outcome"}, "pkg/fetch"},
	{"reqcache_fetch_duration_seconds", "histogram", nil, "pkg/fetch"},
	{"reqcache_fetch_retries_total", "counter", []string{"error_class"}, "pkg/fetch"},
	{"reqcache_fetch_retry_backoff_seconds", "histogram", nil, "pkg/fetch"},
	{"reqcache_range_responses_total", "counter", []string{"status"}, "pkg/rangereq"},
	{"reqcache_strategy_outcomes_total", "counter", []string{"bucket", "outcome"}, "pkg/strategy"},
	{"reqcache_precache_entries_total", "counter", []string{"result"}, "pkg/precache"},
	{"reqcache_route_requests_total", "counter", []string{"route"}, "pkg/engine"},
	{"reqcache_lifecycle_state", "gauge", nil, "pkg/engine"},
}

// Example Prometheus Queries:
//
//   # Cache Hit Rate per bucket
//   sum by (bucket) (rate(reqcache_cache_hits_total[5m])) /
//   (sum by (bucket) (rate(reqcache_cache_hits_total[5m])) + sum by (bucket) (rate(reqcache_cache_misses_total[5m])))
//
//   # Capacity evictions per bucket
//   rate(reqcache_evictions_total{reason="capacity"}[5m])
//
//   # Network failure rate
//   rate(reqcache_fetch_total{outcome="network"}[5m])
//
//   # P95 fetch latency
//   histogram_quantile(0.95, rate(reqcache_fetch_duration_seconds_bucket[5m]))
//
//   # Incomplete precache
//   increase(reqcache_precache_entries_total{result="failed"}[1h]) > 0
