package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	bucket      TEXT    NOT NULL,
	identity    TEXT    NOT NULL,
	status      INTEGER NOT NULL,
	headers     TEXT    NOT NULL,
	body        BLOB,
	inserted_at INTEGER NOT NULL,
	UNIQUE (bucket, identity)
);
CREATE INDEX IF NOT EXISTS entries_bucket_seq ON entries (bucket, seq);
CREATE TABLE IF NOT EXISTS buckets (name TEXT PRIMARY KEY);
`

// SQLiteStore persists buckets in a single SQLite database file.
// INSERT OR REPLACE drops the previous row and allocates a fresh seq,
// which gives atomic replacement and a strict insertion order in one statement.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
// "memory" opens an in-memory database shared within the process.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	switch {
	case path == "" || path == "memory":
		dsn = "file::memory:?cache=shared"
	case !strings.Contains(path, "?"):
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection serializes writers and keeps shared-memory databases alive
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) fail(op string, err error) error {
	StoreErrors.WithLabelValues("sqlite", op).Inc()
	return unavailable(op, err)
}

// Get retrieves an entry. Returns ErrNotFound if the identity is absent.
func (s *SQLiteStore) Get(ctx context.Context, bucket string, id Identity) (*Entry, error) {
	var (
		status   int
		headers  string
		body     []byte
		inserted int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT status, headers, body, inserted_at FROM entries WHERE bucket = ? AND identity = ?",
		bucket, string(id),
	).Scan(&status, &headers, &body, &inserted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, s.fail("get", err)
	}

	entry := &Entry{
		Identity:   id,
		Bucket:     bucket,
		StatusCode: status,
		Body:       body,
		InsertedAt: time.Unix(0, inserted),
	}
	if err := json.Unmarshal([]byte(headers), &entry.Headers); err != nil {
		return nil, s.fail("get", fmt.Errorf("%w: %v", ErrInvalidEntry, err))
	}
	if entry.Headers == nil {
		entry.Headers = http.Header{}
	}
	return entry, nil
}

// Put inserts or replaces the entry in one transaction.
func (s *SQLiteStore) Put(ctx context.Context, bucket string, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	if entry.InsertedAt.IsZero() {
		entry.InsertedAt = time.Now()
	}
	headers, err := json.Marshal(entry.Headers)
	if err != nil {
		return s.fail("put", fmt.Errorf("marshal headers: %w", err))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("put", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (bucket, identity, status, headers, body, inserted_at) VALUES (?, ?, ?, ?, ?, ?)",
		bucket, string(entry.Identity), entry.StatusCode, string(headers), entry.Body, entry.InsertedAt.UnixNano(),
	); err != nil {
		return s.fail("put", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO buckets (name) VALUES (?)", bucket); err != nil {
		return s.fail("put", err)
	}
	if err := tx.Commit(); err != nil {
		return s.fail("put", err)
	}

	StoreWrittenBytes.WithLabelValues("sqlite").Add(float64(len(entry.Body)))
	return nil
}

// Delete removes an entry.
func (s *SQLiteStore) Delete(ctx context.Context, bucket string, id Identity) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM entries WHERE bucket = ? AND identity = ?", bucket, string(id),
	); err != nil {
		return s.fail("delete", err)
	}
	return nil
}

// List returns the insertion log of a bucket, oldest first.
func (s *SQLiteStore) List(ctx context.Context, bucket string) ([]Stamp, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT identity, inserted_at FROM entries WHERE bucket = ? ORDER BY seq ASC", bucket,
	)
	if err != nil {
		return nil, s.fail("list", err)
	}
	defer rows.Close()

	var stamps []Stamp
	for rows.Next() {
		var (
			id       string
			inserted int64
		)
		if err := rows.Scan(&id, &inserted); err != nil {
			return nil, s.fail("list", err)
		}
		stamps = append(stamps, Stamp{Identity: Identity(id), InsertedAt: time.Unix(0, inserted)})
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list", err)
	}
	return stamps, nil
}

// Buckets returns all bucket names.
func (s *SQLiteStore) Buckets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM buckets ORDER BY name")
	if err != nil {
		return nil, s.fail("buckets", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, s.fail("buckets", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("buckets", err)
	}
	return names, nil
}

// DeleteBucket removes a bucket and all of its entries.
func (s *SQLiteStore) DeleteBucket(ctx context.Context, bucket string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("delete_bucket", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE bucket = ?", bucket); err != nil {
		return s.fail("delete_bucket", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM buckets WHERE name = ?", bucket); err != nil {
		return s.fail("delete_bucket", err)
	}
	if err := tx.Commit(); err != nil {
		return s.fail("delete_bucket", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
