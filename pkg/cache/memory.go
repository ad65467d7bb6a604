package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memRecord struct {
	entry *Entry
	seq   uint64
}

// MemoryStore keeps buckets in process memory. It does not survive a
// restart and is meant for tests and ephemeral hosts.
type MemoryStore struct {
	mu      sync.RWMutex
	seq     uint64
	buckets map[string]map[Identity]memRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]map[Identity]memRecord),
	}
}

// Get returns a copy of the stored entry.
func (m *MemoryStore) Get(ctx context.Context, bucket string, id Identity) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.buckets[bucket][id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.entry.Clone(), nil
}

// Put stores a copy of the entry.
func (m *MemoryStore) Put(ctx context.Context, bucket string, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.InsertedAt.IsZero() {
		entry.InsertedAt = time.Now()
	}
	stored := entry.Clone()
	stored.Bucket = bucket

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[Identity]memRecord)
		m.buckets[bucket] = b
	}
	m.seq++
	b[entry.Identity] = memRecord{entry: stored, seq: m.seq}

	StoreWrittenBytes.WithLabelValues("memory").Add(float64(len(entry.Body)))
	return nil
}

// Delete removes an entry.
func (m *MemoryStore) Delete(ctx context.Context, bucket string, id Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets[bucket], id)
	return nil
}

// List returns the insertion log of a bucket, oldest first.
func (m *MemoryStore) List(ctx context.Context, bucket string) ([]Stamp, error) {
	m.mu.RLock()
	recs := make([]memRecord, 0, len(m.buckets[bucket]))
	for _, rec := range m.buckets[bucket] {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	stamps := make([]Stamp, 0, len(recs))
	for _, rec := range recs {
		stamps = append(stamps, Stamp{Identity: rec.entry.Identity, InsertedAt: rec.entry.InsertedAt})
	}
	return stamps, nil
}

// Buckets returns all bucket names, sorted.
func (m *MemoryStore) Buckets(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.buckets))
	for name := range m.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteBucket removes a bucket.
func (m *MemoryStore) DeleteBucket(ctx context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, bucket)
	return nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
