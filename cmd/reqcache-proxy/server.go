package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/reqcache/pkg/cacheable"
	"github.com/Sternrassler/reqcache/pkg/engine"
	"github.com/Sternrassler/reqcache/pkg/fetch"
	"github.com/Sternrassler/reqcache/pkg/metrics"
	"github.com/Sternrassler/reqcache/pkg/precache"
)

// InstanceHeader carries the ID of the engine that served a response.
const InstanceHeader = "X-Reqcache-Instance"

// hop-by-hop headers are not forwarded in either direction
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type server struct {
	engine   *engine.Engine
	upstream *url.URL
	logger   zerolog.Logger

	// serializes install/activate runs
	lifecycle sync.Mutex
}

// start installs and activates the engine. An incomplete precache is
// logged and does not prevent activation.
func (s *server) start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	report, err := s.engine.Install(ctx)
	if err != nil && !errors.Is(err, precache.ErrPrecacheIncomplete) {
		return err
	}
	if report != nil {
		s.logger.Info().
			Int("fetched", report.Fetched).
			Int("skipped", report.Skipped).
			Int("deleted", report.Deleted).
			Int("failed", report.Failed).
			Msg("Engine installed")
	}
	return s.engine.Activate(ctx)
}

// routes builds the HTTP handler. Absolute-form request URIs are always
// proxied; relative ones go to the control endpoints first.
func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Post("/admin/clear", s.handleClear)
	r.Post("/admin/reinstall", s.handleReinstall)
	r.NotFound(s.handleProxy)
	r.MethodNotAllowed(s.handleProxy)

	proxy := middleware.Recoverer(http.HandlerFunc(s.handleProxy))
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.IsAbs() {
			proxy.ServeHTTP(w, req)
			return
		}
		r.ServeHTTP(w, req)
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK")
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	state := s.engine.State()
	status := http.StatusOK
	if state != engine.StateClaimed {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"state":    state.String(),
		"instance": s.engine.ID(),
	})
}

func (s *server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ClearAll(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("Clear failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": s.engine.State().String()})
}

func (s *server) handleReinstall(w http.ResponseWriter, r *http.Request) {
	if err := s.start(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("Reinstall failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": s.engine.State().String()})
}

// target maps an incoming request onto the URL the engine should see.
func (s *server) target(r *http.Request) (*url.URL, bool) {
	if r.URL.IsAbs() {
		return r.URL, true
	}
	if s.upstream == nil {
		return nil, false
	}
	return s.upstream.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery}), true
}

func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	target, ok := s.target(r)
	if !ok {
		http.Error(w, "absolute-form request URI required (no upstream configured)", http.StatusBadRequest)
		return
	}

	out := r.Clone(r.Context())
	out.URL = target
	out.Host = target.Host
	out.RequestURI = ""
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	resp, err := s.engine.HandleRequest(r.Context(), out)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, fetch.ErrFetchFailed) {
			status = http.StatusBadGateway
		}
		s.logger.Warn().Err(err).Str("url", target.Redacted()).Int("status", status).Msg("Request failed")
		http.Error(w, http.StatusText(status), status)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}
	w.Header().Set(InstanceHeader, s.engine.ID())
	w.WriteHeader(responseStatus(resp.StatusCode))

	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Debug().Err(err).Str("url", target.Redacted()).Msg("Failed to write response body")
	}
}

// responseStatus maps a stored or fetched status onto one that can be
// written to the client. Opaque (0) responses were delivered successfully
// by the fetcher.
func responseStatus(code int) int {
	switch {
	case code == cacheable.StatusOpaque:
		return http.StatusOK
	case code < 100 || code > 999:
		return http.StatusBadGateway
	default:
		return code
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
