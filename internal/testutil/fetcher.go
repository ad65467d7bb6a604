package testutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
)

// ErrOffline is returned by StaticFetcher while offline.
var ErrOffline = errors.New("testutil: network offline")

// StaticResponse is a canned response served by StaticFetcher.
type StaticResponse struct {
	Status  int
	Body    string
	Headers http.Header
}

// StaticFetcher serves canned responses keyed by absolute URL without a
// network. Unknown URLs answer 404. It satisfies fetch.Fetcher.
type StaticFetcher struct {
	mu        sync.Mutex
	responses map[string]StaticResponse
	calls     map[string]int
	total     int
	offline   bool
	err       error
	gate      chan struct{}
}

// NewStaticFetcher creates an empty fetcher.
func NewStaticFetcher() *StaticFetcher {
	return &StaticFetcher{
		responses: make(map[string]StaticResponse),
		calls:     make(map[string]int),
	}
}

// Set registers the response for rawURL.
func (f *StaticFetcher) Set(rawURL string, status int, body string) {
	f.SetResponse(rawURL, StaticResponse{Status: status, Body: body})
}

// SetResponse registers a full response for rawURL.
func (f *StaticFetcher) SetResponse(rawURL string, resp StaticResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[rawURL] = resp
}

// SetOffline makes every subsequent fetch fail with err (ErrOffline when nil).
func (f *StaticFetcher) SetOffline(offline bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
	f.err = err
}

// Hold blocks fetches until the returned release function is called.
func (f *StaticFetcher) Hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.gate = nil
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Fetch serves the canned response for req.URL.
func (f *StaticFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	key := req.URL.String()

	f.mu.Lock()
	f.total++
	f.calls[key]++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	offline, offlineErr := f.offline, f.err
	resp, ok := f.responses[key]
	f.mu.Unlock()

	if offline {
		if offlineErr == nil {
			offlineErr = ErrOffline
		}
		return nil, offlineErr
	}
	if !ok {
		resp = StaticResponse{Status: http.StatusNotFound, Body: "not found"}
	}

	header := resp.Headers.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(resp.Body)))

	return &http.Response{
		Status:        strconv.Itoa(resp.Status) + " " + http.StatusText(resp.Status),
		StatusCode:    resp.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader([]byte(resp.Body))),
		ContentLength: int64(len(resp.Body)),
		Request:       req,
	}, nil
}

// Calls returns how many fetches targeted rawURL.
func (f *StaticFetcher) Calls(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[rawURL]
}

// Total returns the number of fetches performed.
func (f *StaticFetcher) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

// ResetCounts clears call counters.
func (f *StaticFetcher) ResetCounts() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total = 0
	f.calls = make(map[string]int)
}
