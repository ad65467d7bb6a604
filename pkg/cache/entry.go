package cache

import (
	"net/http"
	"time"
)

// Entry is an immutable snapshot of a response stored in a bucket.
// A refresh writes a new Entry that replaces the old one atomically.
type Entry struct {
	// Identity is the lookup key the entry was stored under
	Identity Identity `json:"identity"`

	// Bucket is the name of the bucket that owns this entry
	Bucket string `json:"bucket"`

	// StatusCode is the HTTP status code of the stored response
	StatusCode int `json:"status_code"`

	// Headers are the response headers
	Headers http.Header `json:"headers"`

	// Body is the complete response body
	Body []byte `json:"body"`

	// InsertedAt is when the entry was written to the store
	InsertedAt time.Time `json:"inserted_at"`
}

// Age returns how long the entry has been stored as of now.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.InsertedAt)
}

// Size returns the body length in bytes.
func (e *Entry) Size() int {
	return len(e.Body)
}

// Clone returns a deep copy so callers can never mutate stored state.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Headers = e.Headers.Clone()
	if e.Body != nil {
		c.Body = append([]byte(nil), e.Body...)
	}
	return &c
}

// Stamp is one position in a bucket's insertion log.
type Stamp struct {
	Identity   Identity
	InsertedAt time.Time
}
