package routing

import (
	"net/url"
	"strings"
)

// All matches when every predicate matches. An empty list matches everything.
func All(preds ...Predicate) Predicate {
	return func(r Request) bool {
		for _, p := range preds {
			if !p(r) {
				return false
			}
		}
		return true
	}
}

// Any matches when at least one predicate matches.
func Any(preds ...Predicate) Predicate {
	return func(r Request) bool {
		for _, p := range preds {
			if p(r) {
				return true
			}
		}
		return false
	}
}

// Not inverts a predicate.
func Not(p Predicate) Predicate {
	return func(r Request) bool { return !p(r) }
}

// Methods matches the request method (case-insensitive).
func Methods(methods ...string) Predicate {
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[strings.ToUpper(m)] = struct{}{}
	}
	return func(r Request) bool {
		_, ok := set[strings.ToUpper(r.Method)]
		return ok
	}
}

// Destinations matches the fetch destination.
func Destinations(dests ...string) Predicate {
	set := make(map[string]struct{}, len(dests))
	for _, d := range dests {
		set[strings.ToLower(d)] = struct{}{}
	}
	return func(r Request) bool {
		if r.Destination == "" {
			return false
		}
		_, ok := set[r.Destination]
		return ok
	}
}

// PathSuffixes matches when the URL path ends with any suffix.
func PathSuffixes(suffixes ...string) Predicate {
	return func(r Request) bool {
		if r.URL == nil {
			return false
		}
		for _, s := range suffixes {
			if strings.HasSuffix(r.URL.Path, s) {
				return true
			}
		}
		return false
	}
}

// QueryParams matches when any of the named query parameters is present.
func QueryParams(names ...string) Predicate {
	return func(r Request) bool {
		if r.URL == nil {
			return false
		}
		q := r.URL.Query()
		for _, n := range names {
			if q.Has(n) {
				return true
			}
		}
		return false
	}
}

// SameOrigin matches requests to the router's own origin.
func SameOrigin() Predicate {
	return func(r Request) bool { return r.SameOrigin }
}

// Origins matches requests whose origin is in the list, e.g.
// "https://assets.example.com".
func Origins(origins ...string) Predicate {
	set := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			set[Origin(u)] = struct{}{}
		}
	}
	return func(r Request) bool {
		_, ok := set[Origin(r.URL)]
		return ok
	}
}
