package precache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/reqcache/pkg/cache"
	"github.com/Sternrassler/reqcache/pkg/cacheable"
	"github.com/Sternrassler/reqcache/pkg/fetch"
)

var entriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reqcache_precache_entries_total",
	Help: "Precache reconciliation results per manifest entry",
}, []string{"result"}) // "fetched", "skipped", "deleted", "failed"

// ErrPrecacheIncomplete is matched by *IncompleteError.
var ErrPrecacheIncomplete = errors.New("precache incomplete")

// IncompleteError lists the manifest URLs that could not be stored.
type IncompleteError struct {
	Failures map[string]error
}

// Error implements the error interface.
func (e *IncompleteError) Error() string {
	urls := make([]string, 0, len(e.Failures))
	for u := range e.Failures {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return fmt.Sprintf("precache incomplete: %d of the manifest entries failed (%s)", len(urls), strings.Join(urls, ", "))
}

// Is makes *IncompleteError match ErrPrecacheIncomplete.
func (e *IncompleteError) Is(target error) bool {
	return target == ErrPrecacheIncomplete
}

// Unwrap returns the individual failures.
func (e *IncompleteError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}

// Config holds precache configuration.
type Config struct {
	// Bucket holds the current precache generation
	Bucket string

	// OutdatedPrefix selects older generations removed by CleanupOutdated
	OutdatedPrefix string

	// IgnoreURLParameters are query parameter patterns stripped before a
	// request is matched against the manifest
	IgnoreURLParameters []string

	// DirectoryIndex is appended to request URLs ending in "/" ("" disables)
	DirectoryIndex string

	// CleanURLs also tries "<path>.html" for extension-less requests
	CleanURLs bool

	// Concurrency bounds parallel fetches during reconciliation
	Concurrency int

	// FetchTimeout bounds a single manifest fetch
	FetchTimeout time.Duration
}

// DefaultConfig mirrors the conventional service worker precache setup.
func DefaultConfig() Config {
	return Config{
		Bucket:              "precache-v2",
		OutdatedPrefix:      "precache-",
		IgnoreURLParameters: []string{".*"},
		DirectoryIndex:      "index.html",
		CleanURLs:           true,
		Concurrency:         4,
		FetchTimeout:        30 * time.Second,
	}
}

// Report summarizes one reconciliation run.
type Report struct {
	Fetched int
	Skipped int
	Deleted int
	Failed  int
}

// target is a manifest entry resolved against the scope.
type target struct {
	entry      Entry
	url        *url.URL
	normalized string
	identity   cache.Identity
}

// Manager keeps the precache bucket aligned with the manifest and serves
// precached URLs.
type Manager struct {
	cfg     Config
	base    *url.URL
	store   cache.Store
	fetcher fetch.Fetcher
	filter  cacheable.Filter
	ignore  cache.IgnoreParams
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	targets []*target
	byURL   map[string]*target
}

// NewManager creates a precache manager. Relative manifest URLs resolve
// against base, which may be nil when every URL is absolute.
func NewManager(cfg Config, base *url.URL, store cache.Store, fetcher fetch.Fetcher, logger zerolog.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("precache: store is required")
	}
	if fetcher == nil {
		return nil, errors.New("precache: fetcher is required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultConfig().Bucket
	}
	ignore, err := cache.CompileIgnoreParams(cfg.IgnoreURLParameters...)
	if err != nil {
		return nil, fmt.Errorf("precache: %w", err)
	}

	return &Manager{
		cfg:     cfg,
		base:    base,
		store:   store,
		fetcher: fetcher,
		filter:  cacheable.New(http.StatusOK),
		ignore:  ignore,
		logger:  logger,
		now:     time.Now,
		byURL:   make(map[string]*target),
	}, nil
}

// Bucket returns the current precache bucket name.
func (m *Manager) Bucket() string {
	return m.cfg.Bucket
}

// Reserved reports whether bucket belongs to precache: the current bucket or
// an older generation that CleanupOutdated would delete.
func (m *Manager) Reserved(bucket string) bool {
	return bucket == m.cfg.Bucket || m.outdated(bucket)
}

func (m *Manager) outdated(bucket string) bool {
	return m.cfg.OutdatedPrefix != "" && bucket != m.cfg.Bucket && strings.HasPrefix(bucket, m.cfg.OutdatedPrefix)
}

// SetManifest replaces the manifest used by the next reconciliation and by
// request matching.
func (m *Manager) SetManifest(manifest Manifest) error {
	if err := manifest.Validate(); err != nil {
		return err
	}

	targets := make([]*target, 0, len(manifest))
	byURL := make(map[string]*target, len(manifest))
	for _, e := range manifest {
		u, err := m.resolve(e.URL)
		if err != nil {
			return err
		}
		t := &target{
			entry:      e,
			url:        u,
			normalized: cache.NormalizeURL(u, nil),
			identity:   identityFor(u, e.Revision),
		}
		if _, dup := byURL[t.normalized]; dup {
			return fmt.Errorf("manifest: %q resolves to an already listed url", e.URL)
		}
		targets = append(targets, t)
		byURL[t.normalized] = t
	}

	m.mu.Lock()
	m.targets = targets
	m.byURL = byURL
	m.mu.Unlock()
	return nil
}

func (m *Manager) resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("manifest url %q: %w", raw, err)
	}
	if !u.IsAbs() {
		if m.base == nil {
			return nil, fmt.Errorf("manifest url %q is relative and no scope is configured", raw)
		}
		u = m.base.ResolveReference(u)
	}
	return u, nil
}

func (m *Manager) snapshot() []*target {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.targets
}

// Reconcile fetches manifest entries missing from the bucket and deletes
// entries no longer in the manifest or carrying an old revision. Present
// entries are never re-fetched. Entries stored before a failure are kept;
// failures are reported as *IncompleteError.
func (m *Manager) Reconcile(ctx context.Context) (*Report, error) {
	start := time.Now()
	targets := m.snapshot()
	bucket := m.cfg.Bucket
	report := &Report{}

	stamps, err := m.store.List(ctx, bucket)
	if err != nil {
		return report, fmt.Errorf("list precache bucket: %w", err)
	}
	existing := make(map[cache.Identity]struct{}, len(stamps))
	for _, st := range stamps {
		existing[st.Identity] = struct{}{}
	}

	wanted := make(map[cache.Identity]struct{}, len(targets))
	var jobs []fetchJob
	for _, t := range targets {
		wanted[t.identity] = struct{}{}
		if _, ok := existing[t.identity]; ok {
			report.Skipped++
			continue
		}
		jobs = append(jobs, fetchJob{target: t})
	}
	entriesTotal.WithLabelValues("skipped").Add(float64(report.Skipped))

	m.logger.Info().
		Str("bucket", bucket).
		Int("manifest_entries", len(targets)).
		Int("to_fetch", len(jobs)).
		Msg("Reconciling precache")

	failures := make(map[string]error)
	for _, res := range fetchAll(ctx, jobs, m.cfg.Concurrency, m.cfg.FetchTimeout, m.logger, m.storeTarget) {
		if res.err != nil {
			failures[res.target.entry.URL] = res.err
			entriesTotal.WithLabelValues("failed").Inc()
			m.logger.Warn().Err(res.err).Str("url", res.target.entry.URL).Msg("Precache fetch failed")
			continue
		}
		report.Fetched++
		entriesTotal.WithLabelValues("fetched").Inc()
	}
	report.Failed = len(failures)

	var deleteErrs []error
	for _, st := range stamps {
		if _, ok := wanted[st.Identity]; ok {
			continue
		}
		if err := m.store.Delete(ctx, bucket, st.Identity); err != nil {
			deleteErrs = append(deleteErrs, err)
			continue
		}
		report.Deleted++
		entriesTotal.WithLabelValues("deleted").Inc()
		ev := m.logger.Debug().Str("identity", string(st.Identity))
		if u, rev, err := splitIdentity(st.Identity); err == nil {
			ev = ev.Str("url", u).Str("revision", rev)
		}
		ev.Msg("Deleted stale precache entry")
	}

	m.logger.Info().
		Str("bucket", bucket).
		Int("fetched", report.Fetched).
		Int("skipped", report.Skipped).
		Int("deleted", report.Deleted).
		Int("failed", report.Failed).
		Dur("duration", time.Since(start)).
		Msg("Precache reconciliation complete")

	if len(deleteErrs) > 0 {
		return report, fmt.Errorf("delete stale precache entries: %w", errors.Join(deleteErrs...))
	}
	if len(failures) > 0 {
		return report, &IncompleteError{Failures: failures}
	}
	return report, nil
}

// storeTarget fetches one manifest entry and writes it under its identity.
func (m *Manager) storeTarget(ctx context.Context, t *target) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url.String(), nil)
	if err != nil {
		return err
	}
	resp, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !m.filter.IsCacheable(resp.StatusCode) {
		resp.Body.Close()
		return &fetch.Error{URL: t.url.String(), Class: fetch.ClassifyStatus(resp.StatusCode), StatusCode: resp.StatusCode}
	}
	entry, err := cache.ResponseToEntry(resp, t.identity, m.now())
	if err != nil {
		return err
	}
	entry.Bucket = m.cfg.Bucket
	return m.store.Put(ctx, m.cfg.Bucket, entry)
}

// CleanupOutdated deletes buckets of older precache generations and returns
// their names.
func (m *Manager) CleanupOutdated(ctx context.Context) ([]string, error) {
	if m.cfg.OutdatedPrefix == "" {
		return nil, nil
	}
	buckets, err := m.store.Buckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	var deleted []string
	for _, b := range buckets {
		if !m.outdated(b) {
			continue
		}
		if err := m.store.DeleteBucket(ctx, b); err != nil {
			return deleted, fmt.Errorf("delete outdated precache %q: %w", b, err)
		}
		deleted = append(deleted, b)
		m.logger.Info().Str("bucket", b).Msg("Deleted outdated precache")
	}
	return deleted, nil
}
