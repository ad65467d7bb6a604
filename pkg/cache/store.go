package cache

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the identity is not present in the bucket
	ErrNotFound = errors.New("cache entry not found")

	// ErrStoreUnavailable indicates the storage layer could not complete an
	// operation (quota exceeded, connection lost, corrupt record).
	ErrStoreUnavailable = errors.New("cache store unavailable")
)

// Store is the persistent key/value layer keyed by (bucket, identity).
//
// Implementations must be safe for concurrent use. Put and Delete are
// all-or-nothing: a failed write never leaves a partially visible entry.
// A cleared or never-written store behaves as empty, not as an error.
type Store interface {
	// Get returns the entry stored under id in bucket, or ErrNotFound.
	Get(ctx context.Context, bucket string, id Identity) (*Entry, error)

	// Put inserts or atomically replaces the entry. A replaced identity
	// moves to the newest position of the bucket's insertion log.
	Put(ctx context.Context, bucket string, entry *Entry) error

	// Delete removes id from bucket. Deleting an absent id is not an error.
	Delete(ctx context.Context, bucket string, id Identity) error

	// List returns the bucket's insertion log, oldest first. Entries
	// inserted at the same instant keep their insertion order.
	List(ctx context.Context, bucket string) ([]Stamp, error)

	// Buckets returns the names of all buckets written to and not deleted.
	Buckets(ctx context.Context) ([]string, error)

	// DeleteBucket removes a bucket and every entry in it.
	DeleteBucket(ctx context.Context, bucket string) error

	// Close releases backend resources.
	Close() error
}

// unavailable wraps a backend error so callers can match ErrStoreUnavailable.
func unavailable(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// StoreError records the failed operation and the backend cause.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "cache store " + e.Op + ": " + e.Err.Error()
}

// Is makes every StoreError match ErrStoreUnavailable.
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *StoreError) Unwrap() error {
	return e.Err
}
