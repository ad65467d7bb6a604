package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"
)

func testEntry(id Identity, body string) *Entry {
	return &Entry{
		Identity:   id,
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": []string{"text/plain"}},
		Body:       []byte(body),
	}
}

// runStoreContract exercises the Store contract against any backend.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "b", "GET https://x/missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("put and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		inserted := time.Unix(1700000000, 123)
		e := testEntry("GET https://x/a", "hello")
		e.InsertedAt = inserted

		if err := s.Put(ctx, "b", e); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := s.Get(ctx, "b", e.Identity)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got.Body) != "hello" {
			t.Errorf("Body = %q, want hello", got.Body)
		}
		if got.StatusCode != 200 {
			t.Errorf("StatusCode = %d, want 200", got.StatusCode)
		}
		if got.Headers.Get("Content-Type") != "text/plain" {
			t.Errorf("Content-Type = %q", got.Headers.Get("Content-Type"))
		}
		if got.Bucket != "b" {
			t.Errorf("Bucket = %q, want b", got.Bucket)
		}
		if !got.InsertedAt.Equal(inserted) {
			t.Errorf("InsertedAt = %v, want %v", got.InsertedAt, inserted)
		}
	})

	t.Run("buckets are isolated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.Put(ctx, "one", testEntry("GET https://x/a", "1")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if _, err := s.Get(ctx, "two", "GET https://x/a"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound in other bucket, got %v", err)
		}
	})

	t.Run("list is insertion ordered", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		same := time.Unix(1700000000, 0)
		for i := 0; i < 5; i++ {
			e := testEntry(Identity(fmt.Sprintf("GET https://x/%d", 4-i)), "x")
			e.InsertedAt = same
			if err := s.Put(ctx, "b", e); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
		}
		stamps, err := s.List(ctx, "b")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(stamps) != 5 {
			t.Fatalf("len(List) = %d, want 5", len(stamps))
		}
		for i, st := range stamps {
			want := Identity(fmt.Sprintf("GET https://x/%d", 4-i))
			if st.Identity != want {
				t.Errorf("List[%d] = %q, want %q", i, st.Identity, want)
			}
		}
	})

	t.Run("replace moves to newest", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, id := range []Identity{"GET https://x/a", "GET https://x/b", "GET https://x/a"} {
			if err := s.Put(ctx, "b", testEntry(id, string(id))); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
		}
		stamps, err := s.List(ctx, "b")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(stamps) != 2 || stamps[0].Identity != "GET https://x/b" || stamps[1].Identity != "GET https://x/a" {
			t.Errorf("List = %+v, want [b a]", stamps)
		}
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e := testEntry("GET https://x/a", "x")
		if err := s.Put(ctx, "b", e); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := s.Delete(ctx, "b", e.Identity); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := s.Get(ctx, "b", e.Identity); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound after Delete, got %v", err)
		}
		stamps, err := s.List(ctx, "b")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(stamps) != 0 {
			t.Errorf("List after Delete = %+v, want empty", stamps)
		}
		if err := s.Delete(ctx, "b", e.Identity); err != nil {
			t.Errorf("Delete of absent identity should succeed, got %v", err)
		}
	})

	t.Run("delete bucket", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.Put(ctx, "keep", testEntry("GET https://x/k", "k")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := s.Put(ctx, "drop", testEntry("GET https://x/d", "d")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := s.DeleteBucket(ctx, "drop"); err != nil {
			t.Fatalf("DeleteBucket failed: %v", err)
		}
		names, err := s.Buckets(ctx)
		if err != nil {
			t.Fatalf("Buckets failed: %v", err)
		}
		if len(names) != 1 || names[0] != "keep" {
			t.Errorf("Buckets = %v, want [keep]", names)
		}
		if _, err := s.Get(ctx, "drop", "GET https://x/d"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound in deleted bucket, got %v", err)
		}
	})

	t.Run("stored entry is not aliased", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e := testEntry("GET https://x/a", "orig")
		if err := s.Put(ctx, "b", e); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		e.Body[0] = 'X'
		got, err := s.Get(ctx, "b", e.Identity)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got.Body) != "orig" {
			t.Errorf("Body = %q, want orig", got.Body)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
		if err != nil {
			t.Fatalf("OpenSQLite failed: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	if err := s.Put(ctx, "b", testEntry("GET https://x/a", "persisted")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	s.Close()

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, "b", "GET https://x/a")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if string(got.Body) != "persisted" {
		t.Errorf("Body = %q, want persisted", got.Body)
	}
}

func TestSQLiteStore_ClosedIsUnavailable(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	s.Close()

	_, err = s.Get(context.Background(), "b", "GET https://x/a")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Expected ErrStoreUnavailable, got %v", err)
	}
	err = s.Put(context.Background(), "b", testEntry("GET https://x/a", "x"))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Expected ErrStoreUnavailable on Put, got %v", err)
	}
}

func TestNewRedisStore_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewRedisStore should panic with nil redis client")
		}
	}()
	NewRedisStore(nil, "")
}

func TestStoreError(t *testing.T) {
	cause := errors.New("connection refused")
	err := unavailable("get", cause)

	if !errors.Is(err, ErrStoreUnavailable) {
		t.Error("StoreError should match ErrStoreUnavailable")
	}
	if !errors.Is(err, cause) {
		t.Error("StoreError should unwrap to its cause")
	}
	if err.Error() != "cache store get: connection refused" {
		t.Errorf("Error() = %q", err.Error())
	}
}
