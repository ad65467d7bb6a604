package precache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/Sternrassler/reqcache/pkg/cache"
	"github.com/Sternrassler/reqcache/pkg/fetch"
	"github.com/Sternrassler/reqcache/pkg/routing"
)

// RouteName is the name of the route serving precached URLs.
const RouteName = "precache"

// Route returns the route that serves manifest URLs from the precache bucket.
// It must be registered ahead of runtime routes.
func (m *Manager) Route() routing.Route {
	return routing.Route{
		Name:    RouteName,
		Match:   m.Matches,
		Handler: m,
	}
}

// Matches reports whether a GET request maps onto a manifest entry.
func (m *Manager) Matches(r routing.Request) bool {
	if r.Method != http.MethodGet || r.URL == nil {
		return false
	}
	return m.lookup(r.URL) != nil
}

// candidates lists the manifest keys a request URL may map to, in order:
// the URL as-is, with ignored parameters stripped, then the directory index
// and clean URL variants of the stripped form.
func (m *Manager) candidates(u *url.URL) []string {
	out := []string{cache.NormalizeURL(u, nil)}

	stripped := *u
	q := u.Query()
	for name := range q {
		if m.ignore.Matches(name) {
			q.Del(name)
		}
	}
	stripped.RawQuery = q.Encode()
	out = append(out, cache.NormalizeURL(&stripped, nil))

	p := stripped.Path
	if m.cfg.DirectoryIndex != "" && (p == "" || strings.HasSuffix(p, "/")) {
		withIndex := stripped
		withIndex.Path = strings.TrimSuffix(p, "/") + "/" + m.cfg.DirectoryIndex
		withIndex.RawPath = ""
		out = append(out, cache.NormalizeURL(&withIndex, nil))
	}
	if m.cfg.CleanURLs && p != "" && !strings.HasSuffix(p, "/") && path.Ext(p) == "" {
		clean := stripped
		clean.Path = p + ".html"
		clean.RawPath = ""
		out = append(out, cache.NormalizeURL(&clean, nil))
	}
	return out
}

func (m *Manager) lookup(u *url.URL) *target {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.byURL) == 0 {
		return nil
	}
	for _, key := range m.candidates(u) {
		if t, ok := m.byURL[key]; ok {
			return t
		}
	}
	return nil
}

// Handle serves a precached URL. A missing entry (for example after the
// store was cleared externally) is fetched from the network and stored
// again when the response is 200.
func (m *Manager) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	t := m.lookup(req.URL)
	if t == nil {
		return nil, routing.ErrNoRoute
	}

	log := m.logger.With().Str("identity", string(t.identity)).Logger()
	entry, err := m.store.Get(ctx, m.cfg.Bucket, t.identity)
	switch {
	case err == nil:
		cache.CacheHits.WithLabelValues(m.cfg.Bucket).Inc()
		return cache.EntryToResponse(entry, req), nil
	case errors.Is(err, cache.ErrNotFound):
		cache.CacheMisses.WithLabelValues(m.cfg.Bucket).Inc()
		log.Debug().Msg("Precached entry missing, fetching from network")
	default:
		log.Warn().Err(err).Msg("Cache store unavailable, falling back to network")
	}
	storeUp := err == nil || errors.Is(err, cache.ErrNotFound)

	out, nerr := http.NewRequestWithContext(ctx, http.MethodGet, t.url.String(), nil)
	if nerr != nil {
		return nil, nerr
	}
	out.Header = req.Header.Clone()

	resp, err := m.fetcher.Fetch(ctx, out)
	if err != nil {
		if !errors.Is(err, fetch.ErrFetchFailed) {
			err = &fetch.Error{URL: t.url.String(), Class: fetch.ErrorClassNetwork, Err: err}
		}
		return nil, err
	}
	if !storeUp || !m.filter.IsCacheable(resp.StatusCode) || ctx.Err() != nil {
		return resp, nil
	}

	fresh, err := cache.ResponseToEntry(resp, t.identity, m.now())
	if err != nil {
		return nil, &fetch.Error{URL: t.url.String(), Class: fetch.ErrorClassNetwork, Err: err}
	}
	fresh.Bucket = m.cfg.Bucket
	if err := m.store.Put(ctx, m.cfg.Bucket, fresh); err != nil {
		log.Warn().Err(err).Msg("Failed to restore precached entry")
	}
	return resp, nil
}
