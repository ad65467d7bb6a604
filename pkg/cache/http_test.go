package cache

import (
	"bytes"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestResponseToEntry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	resp := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": []string{"application/javascript"}},
		Body:       io.NopCloser(bytes.NewReader([]byte("console.log(1)"))),
	}

	entry, err := ResponseToEntry(resp, "GET https://x/app.js", now)
	if err != nil {
		t.Fatalf("ResponseToEntry failed: %v", err)
	}
	if string(entry.Body) != "console.log(1)" {
		t.Errorf("Body = %q", entry.Body)
	}
	if !entry.InsertedAt.Equal(now) {
		t.Errorf("InsertedAt = %v, want %v", entry.InsertedAt, now)
	}

	// Verify body was restored for the caller
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "console.log(1)" {
		t.Errorf("Response body was not restored, got %q", body)
	}
}

func TestResponseToEntry_Nil(t *testing.T) {
	if _, err := ResponseToEntry(nil, "GET https://x/", time.Now()); err == nil {
		t.Error("ResponseToEntry(nil) should return error")
	}
}

func TestEntryToResponse(t *testing.T) {
	entry := &Entry{
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": []string{"text/css"}},
		Body:       []byte("body{}"),
	}

	for i := 0; i < 2; i++ {
		resp := EntryToResponse(entry, nil)
		if resp.StatusCode != 200 {
			t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
		}
		if resp.Header.Get("Content-Length") != "6" {
			t.Errorf("Content-Length = %q, want 6", resp.Header.Get("Content-Length"))
		}
		body, _ := io.ReadAll(resp.Body)
		if string(body) != "body{}" {
			t.Errorf("call %d: Body = %q", i, body)
		}
	}
	if entry.Headers.Get("Content-Length") != "" {
		t.Error("EntryToResponse must not mutate the entry headers")
	}
}
