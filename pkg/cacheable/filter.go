// Package cacheable decides whether a fetched response may be persisted.
package cacheable

import "net/http"

// StatusOpaque is the status recorded for opaque (no-cors) responses.
const StatusOpaque = 0

// Filter is an allow-list of status codes.
type Filter struct {
	statuses map[int]struct{}
}

// New builds a filter from an allow-list. An empty list allows only 200.
func New(statuses ...int) Filter {
	if len(statuses) == 0 {
		statuses = []int{http.StatusOK}
	}
	f := Filter{statuses: make(map[int]struct{}, len(statuses))}
	for _, s := range statuses {
		f.statuses[s] = struct{}{}
	}
	return f
}

// IsCacheable reports whether a response with this status may be stored.
func (f Filter) IsCacheable(statusCode int) bool {
	if f.statuses == nil {
		return statusCode == http.StatusOK
	}
	_, ok := f.statuses[statusCode]
	return ok
}

// Statuses returns the allow-list (unordered).
func (f Filter) Statuses() []int {
	if f.statuses == nil {
		return []int{http.StatusOK}
	}
	out := make([]int, 0, len(f.statuses))
	for s := range f.statuses {
		out = append(out, s)
	}
	return out
}
