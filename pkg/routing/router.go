// Package routing maps intercepted requests to the handler that owns them.
//
// Routes are evaluated in registration order and the first route whose
// predicate matches owns the request. Register the most specific routes
// first when predicates can overlap.
package routing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// ErrNoRoute signals that no route matched; the caller should fall through
// to an uninstrumented network fetch.
var ErrNoRoute = errors.New("no route matched")

// Request is the structured descriptor predicates are evaluated against.
type Request struct {
	Method string
	URL    *url.URL

	// Destination is the fetch destination ("script", "style", "image",
	// "font", "video", "document", ...), empty when unknown.
	Destination string

	// SameOrigin reports whether URL shares its origin with the router scope.
	SameOrigin bool

	Header http.Header
}

// Predicate decides whether a route owns a request. Predicates must be pure.
type Predicate func(Request) bool

// Handler produces the response for a request owned by a route.
type Handler interface {
	Handle(ctx context.Context, req *http.Request) (*http.Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Handle calls f(ctx, req).
func (f HandlerFunc) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Route binds a predicate to the handler (strategy) that serves it.
type Route struct {
	Name    string
	Match   Predicate
	Handler Handler
}

// Router holds the ordered route list of one engine instance.
type Router struct {
	scope string

	mu     sync.RWMutex
	routes []Route
}

// NewRouter creates a router whose same-origin checks are relative to scope.
// A nil scope makes every request cross-origin.
func NewRouter(scope *url.URL) *Router {
	r := &Router{}
	if scope != nil {
		r.scope = Origin(scope)
	}
	return r
}

// Register appends a route. Routes registered earlier take precedence.
func (r *Router) Register(route Route) error {
	if route.Match == nil {
		return fmt.Errorf("route %q: predicate is required", route.Name)
	}
	if route.Handler == nil {
		return fmt.Errorf("route %q: handler is required", route.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route)
	return nil
}

// Routes returns a copy of the registered routes in evaluation order.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Route(nil), r.routes...)
}

// Describe builds the predicate descriptor for an HTTP request. The
// destination is taken from the Sec-Fetch-Dest header.
func (r *Router) Describe(req *http.Request) Request {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return Request{
		Method:      method,
		URL:         req.URL,
		Destination: strings.ToLower(req.Header.Get("Sec-Fetch-Dest")),
		SameOrigin:  r.scope != "" && Origin(req.URL) == r.scope,
		Header:      req.Header,
	}
}

// Match returns the first route whose predicate holds, or ErrNoRoute.
func (r *Router) Match(req *http.Request) (*Route, error) {
	desc := r.Describe(req)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.routes {
		if r.routes[i].Match(desc) {
			route := r.routes[i]
			return &route, nil
		}
	}
	return nil, ErrNoRoute
}

// Origin returns the lowercased scheme://host[:port] of a URL. The
// scheme's default port is dropped.
func Origin(u *url.URL) string {
	if u == nil {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		host = strings.TrimSuffix(host, ":"+port)
	}
	return scheme + "://" + host
}
