// Package expiration enforces per-bucket capacity and age limits.
//
// Capacity eviction is FIFO over insertion order: when a bucket exceeds
// MaxEntries after a write, the oldest-inserted entries are deleted until
// the bucket is back at the limit. Reads do not refresh an entry's position.
//
// Age eviction runs on read (an expired entry is deleted and reported as a
// miss) and on a proactive sweep across all registered buckets.
package expiration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/reqcache/pkg/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var evictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reqcache_evictions_total",
	Help: "Total entries evicted by bucket and reason",
}, []string{"bucket", "reason"}) // reason: "capacity", "age"

// Policy limits one bucket. Zero values disable the respective limit.
type Policy struct {
	MaxEntries int
	MaxAge     time.Duration
}

// IsZero reports whether the policy never evicts.
func (p Policy) IsZero() bool {
	return p.MaxEntries <= 0 && p.MaxAge <= 0
}

// Manager applies policies on top of a cache.Store.
type Manager struct {
	store  cache.Store
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	policies map[string]Policy
}

// NewManager creates an expiration manager.
func NewManager(store cache.Store, logger zerolog.Logger) *Manager {
	if store == nil {
		panic("store cannot be nil")
	}
	return &Manager{
		store:    store,
		logger:   logger,
		now:      time.Now,
		policies: make(map[string]Policy),
	}
}

// SetClock replaces the time source (for tests).
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.now()
}

// Register attaches a policy to a bucket. Registering a different policy
// for an already registered bucket is an error.
func (m *Manager) Register(bucket string, p Policy) error {
	if bucket == "" {
		return errors.New("bucket name is required")
	}
	if p.MaxEntries < 0 || p.MaxAge < 0 {
		return fmt.Errorf("bucket %q: negative limits", bucket)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.policies[bucket]; ok && existing != p {
		return fmt.Errorf("bucket %q: conflicting expiration policies %+v and %+v", bucket, existing, p)
	}
	m.policies[bucket] = p
	return nil
}

// Policy returns the policy registered for a bucket.
func (m *Manager) Policy(bucket string) (Policy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[bucket]
	return p, ok
}

// Buckets returns the registered bucket names, sorted.
func (m *Manager) Buckets() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.policies))
	for name := range m.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) expired(p Policy, insertedAt time.Time) bool {
	return p.MaxAge > 0 && m.now().Sub(insertedAt) > p.MaxAge
}

// Get reads an entry and applies the bucket's age limit. An expired entry
// is deleted and reported as cache.ErrNotFound.
func (m *Manager) Get(ctx context.Context, bucket string, id cache.Identity) (*cache.Entry, error) {
	entry, err := m.store.Get(ctx, bucket, id)
	if err != nil {
		return nil, err
	}

	p, _ := m.Policy(bucket)
	if !m.expired(p, entry.InsertedAt) {
		return entry, nil
	}

	if err := m.store.Delete(ctx, bucket, id); err != nil {
		m.logger.Warn().Err(err).Str("bucket", bucket).Str("identity", string(id)).Msg("Failed to delete expired entry")
	} else {
		evictionsTotal.WithLabelValues(bucket, "age").Inc()
	}
	m.logger.Debug().
		Str("bucket", bucket).
		Str("identity", string(id)).
		Dur("age", entry.Age(m.now())).
		Msg("Entry expired on read")
	return nil, cache.ErrNotFound
}

// Put stamps the entry with the current time, writes it, then enforces the
// bucket's capacity. Eviction failures are logged; the write itself stands.
func (m *Manager) Put(ctx context.Context, bucket string, entry *cache.Entry) error {
	if entry.InsertedAt.IsZero() {
		entry.InsertedAt = m.now()
	}
	if err := m.store.Put(ctx, bucket, entry); err != nil {
		return err
	}
	if _, err := m.EnforceCapacity(ctx, bucket); err != nil {
		m.logger.Warn().Err(err).Str("bucket", bucket).Msg("Capacity eviction failed")
	}
	return nil
}

// EnforceCapacity deletes the oldest-inserted entries until the bucket holds
// at most MaxEntries. Returns the number of deleted entries.
func (m *Manager) EnforceCapacity(ctx context.Context, bucket string) (int, error) {
	p, _ := m.Policy(bucket)
	if p.MaxEntries <= 0 {
		return 0, nil
	}

	stamps, err := m.store.List(ctx, bucket)
	if err != nil {
		return 0, err
	}
	excess := len(stamps) - p.MaxEntries
	if excess <= 0 {
		return 0, nil
	}

	return m.deleteAll(ctx, bucket, stamps[:excess], "capacity")
}

// ExpireBucket applies both limits to one bucket without a read.
func (m *Manager) ExpireBucket(ctx context.Context, bucket string) (int, error) {
	p, _ := m.Policy(bucket)
	if p.IsZero() {
		return 0, nil
	}

	stamps, err := m.store.List(ctx, bucket)
	if err != nil {
		return 0, err
	}

	var (
		stale []cache.Stamp
		live  []cache.Stamp
	)
	for _, st := range stamps {
		if m.expired(p, st.InsertedAt) {
			stale = append(stale, st)
		} else {
			live = append(live, st)
		}
	}

	removed, err := m.deleteAll(ctx, bucket, stale, "age")
	if err != nil {
		return removed, err
	}
	if p.MaxEntries > 0 && len(live) > p.MaxEntries {
		n, err := m.deleteAll(ctx, bucket, live[:len(live)-p.MaxEntries], "capacity")
		removed += n
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Sweep expires every registered bucket. Failures in one bucket do not stop
// the others; all errors are returned joined.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, bucket := range m.Buckets() {
		n, err := m.ExpireBucket(ctx, bucket)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep %s: %w", bucket, err))
		}
	}

	m.logger.Debug().Int("evicted", total).Msg("Expiration sweep complete")
	return total, errors.Join(errs...)
}

// Run sweeps on every tick until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", interval).Msg("Starting periodic expiration sweep")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn().Err(err).Msg("Periodic expiration sweep failed")
			}
		}
	}
}

func (m *Manager) deleteAll(ctx context.Context, bucket string, stamps []cache.Stamp, reason string) (int, error) {
	removed := 0
	for _, st := range stamps {
		if err := m.store.Delete(ctx, bucket, st.Identity); err != nil {
			return removed, err
		}
		removed++
		evictionsTotal.WithLabelValues(bucket, reason).Inc()
		m.logger.Debug().
			Str("bucket", bucket).
			Str("identity", string(st.Identity)).
			Str("reason", reason).
			Msg("Evicted entry")
	}
	return removed, nil
}
