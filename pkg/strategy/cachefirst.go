// Package strategy implements the cache-first request strategy.
package strategy

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/reqcache/pkg/cache"
	"github.com/Sternrassler/reqcache/pkg/cacheable"
	"github.com/Sternrassler/reqcache/pkg/expiration"
	"github.com/Sternrassler/reqcache/pkg/fetch"
	"github.com/Sternrassler/reqcache/pkg/rangereq"
)

var outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reqcache_strategy_outcomes_total",
	Help: "Cache-first request outcomes by bucket",
}, []string{"bucket", "outcome"})

// Outcome is the terminal state of one cache-first execution.
type Outcome string

const (
	OutcomeRangeHit    Outcome = "range_hit"
	OutcomeCacheHit    Outcome = "cache_hit"
	OutcomeStored      Outcome = "stored"
	OutcomeUncacheable Outcome = "uncacheable"
	// OutcomeNetworkOnly is a cacheable network response that was not
	// written (store unavailable, write failed or request abandoned).
	OutcomeNetworkOnly Outcome = "network_only"
	OutcomeFailed      Outcome = "failed"
)

// Policy is the fixed per-route configuration of a cache-first strategy.
type Policy struct {
	// Bucket receives every entry the strategy stores
	Bucket string

	// Filter decides which fetched statuses are persisted
	Filter cacheable.Filter

	// RangeRequests enables partial responses synthesized from full entries
	RangeRequests bool

	// IgnoreParams are query parameters excluded from the identity
	IgnoreParams cache.IgnoreParams

	// Coalesce collapses concurrent misses for one identity into one fetch
	Coalesce bool
}

// CacheFirst serves non-expired entries without touching the network and
// fetches only on a miss.
type CacheFirst struct {
	policy  Policy
	entries *expiration.Manager
	fetcher fetch.Fetcher
	logger  zerolog.Logger
	group   singleflight.Group
}

// NewCacheFirst creates a strategy bound to policy.Bucket. The bucket's
// eviction policy is owned by entries.
func NewCacheFirst(policy Policy, entries *expiration.Manager, fetcher fetch.Fetcher, logger zerolog.Logger) (*CacheFirst, error) {
	if policy.Bucket == "" {
		return nil, errors.New("strategy: bucket name is required")
	}
	if entries == nil {
		return nil, errors.New("strategy: expiration manager is required")
	}
	if fetcher == nil {
		return nil, errors.New("strategy: fetcher is required")
	}
	return &CacheFirst{
		policy:  policy,
		entries: entries,
		fetcher: fetcher,
		logger:  logger.With().Str("bucket", policy.Bucket).Logger(),
	}, nil
}

// Policy returns the strategy configuration.
func (s *CacheFirst) Policy() Policy {
	return s.policy
}

// Handle implements routing.Handler.
func (s *CacheFirst) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, _, err := s.Execute(ctx, req)
	return resp, err
}

// Execute runs the cache-first algorithm for req and reports the outcome.
// Range failures are answered with a 416 response, not an error. Network
// failures are returned as errors matching fetch.ErrFetchFailed.
func (s *CacheFirst) Execute(ctx context.Context, req *http.Request) (*http.Response, Outcome, error) {
	id := cache.NewIdentity(req.Method, req.URL, s.policy.IgnoreParams)
	log := s.logger.With().Str("identity", string(id)).Logger()

	entry, storeUp := s.lookup(ctx, id, log)

	if rangeHeader := req.Header.Get("Range"); rangeHeader != "" && s.policy.RangeRequests {
		if entry != nil {
			return s.record(s.serveRange(entry, rangeHeader, req, log))
		}
		// the network answers partial requests itself
		return s.record(s.fetchAndStore(ctx, req, id, storeUp, log))
	}

	if entry != nil {
		log.Debug().Msg("Cache hit")
		return s.record(cache.EntryToResponse(entry, req), OutcomeCacheHit, nil)
	}

	if s.policy.Coalesce {
		return s.record(s.coalesced(ctx, req, id, storeUp, log))
	}
	return s.record(s.fetchAndStore(ctx, req, id, storeUp, log))
}

func (s *CacheFirst) record(resp *http.Response, outcome Outcome, err error) (*http.Response, Outcome, error) {
	outcomesTotal.WithLabelValues(s.policy.Bucket, string(outcome)).Inc()
	return resp, outcome, err
}

// lookup returns the live entry for id, or nil. A store failure is
// recovered by reporting the store as unusable for this request.
func (s *CacheFirst) lookup(ctx context.Context, id cache.Identity, log zerolog.Logger) (*cache.Entry, bool) {
	entry, err := s.entries.Get(ctx, s.policy.Bucket, id)
	switch {
	case err == nil:
		cache.CacheHits.WithLabelValues(s.policy.Bucket).Inc()
		return entry, true
	case errors.Is(err, cache.ErrNotFound):
		cache.CacheMisses.WithLabelValues(s.policy.Bucket).Inc()
		log.Debug().Msg("Cache miss")
		return nil, true
	default:
		log.Warn().Err(err).Msg("Cache store unavailable, falling back to network")
		return nil, false
	}
}

func (s *CacheFirst) serveRange(entry *cache.Entry, rangeHeader string, req *http.Request, log zerolog.Logger) (*http.Response, Outcome, error) {
	resp, err := rangereq.Synthesize(entry, rangeHeader, req)
	if errors.Is(err, rangereq.ErrRangeNotSatisfiable) {
		log.Debug().Str("range", rangeHeader).Int("size", len(entry.Body)).Msg("Range not satisfiable")
		return rangereq.NotSatisfiable(len(entry.Body), req), OutcomeRangeHit, nil
	}
	if err != nil {
		return nil, OutcomeFailed, err
	}
	log.Debug().Str("range", rangeHeader).Msg("Range served from cache")
	return resp, OutcomeRangeHit, nil
}

// fetchAndStore performs the network fetch, applies the filter and writes
// cacheable responses. Write failures are logged and the response is still
// returned.
func (s *CacheFirst) fetchAndStore(ctx context.Context, req *http.Request, id cache.Identity, storeUp bool, log zerolog.Logger) (*http.Response, Outcome, error) {
	resp, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		log.Debug().Err(err).Msg("Network fetch failed")
		return nil, OutcomeFailed, asFetchFailed(req, err)
	}

	if !s.policy.Filter.IsCacheable(resp.StatusCode) {
		log.Debug().Int("status", resp.StatusCode).Msg("Response not cacheable")
		return resp, OutcomeUncacheable, nil
	}
	if !storeUp {
		return resp, OutcomeNetworkOnly, nil
	}

	entry, err := cache.ResponseToEntry(resp, id, s.entries.Now())
	if err != nil {
		return nil, OutcomeFailed, asFetchFailed(req, err)
	}
	entry.Bucket = s.policy.Bucket

	if ctx.Err() != nil {
		log.Debug().Msg("Request abandoned, skipping cache write")
		return resp, OutcomeNetworkOnly, nil
	}

	if err := s.entries.Put(ctx, s.policy.Bucket, entry); err != nil {
		log.Warn().Err(err).Msg("Cache write failed")
		return resp, OutcomeNetworkOnly, nil
	}

	log.Debug().Int("status", entry.StatusCode).Int("bytes", entry.Size()).Msg("Response stored")
	return resp, OutcomeStored, nil
}

type flight struct {
	entry   *cache.Entry
	outcome Outcome
}

// coalesced shares one fetch among concurrent misses for the same identity.
// The shared fetch is detached from any single caller's cancellation.
func (s *CacheFirst) coalesced(ctx context.Context, req *http.Request, id cache.Identity, storeUp bool, log zerolog.Logger) (*http.Response, Outcome, error) {
	ch := s.group.DoChan(string(id), func() (any, error) {
		shared := context.WithoutCancel(ctx)
		resp, outcome, err := s.fetchAndStore(shared, req, id, storeUp, log)
		if err != nil {
			return nil, err
		}
		entry, err := cache.ResponseToEntry(resp, id, s.entries.Now())
		if err != nil {
			return nil, asFetchFailed(req, err)
		}
		return flight{entry: entry, outcome: outcome}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, OutcomeFailed, res.Err
		}
		f := res.Val.(flight)
		return cache.EntryToResponse(f.entry, req), f.outcome, nil
	case <-ctx.Done():
		return nil, OutcomeFailed, &fetch.Error{URL: req.URL.String(), Class: fetch.ErrorClassCanceled, Err: ctx.Err()}
	}
}

func asFetchFailed(req *http.Request, err error) error {
	if errors.Is(err, fetch.ErrFetchFailed) {
		return err
	}
	class := fetch.ErrorClassNetwork
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		class = fetch.ErrorClassCanceled
	}
	return &fetch.Error{URL: req.URL.String(), Class: class, Err: err}
}
