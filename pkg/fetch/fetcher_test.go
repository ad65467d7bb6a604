package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/reqcache/internal/testutil"
)

func TestHTTPFetcher_StatusesAreResponses(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	origin.SetResponse("/ok", testutil.NewOKResponse("hello", "text/plain"))
	origin.SetResponse("/gone", testutil.NewStatusResponse(http.StatusGone))
	origin.SetResponse("/boom", testutil.NewStatusResponse(http.StatusInternalServerError))

	f := NewHTTPFetcher(DefaultConfig(), zerolog.Nop())

	tests := []struct {
		path   string
		status int
	}{
		{"/ok", http.StatusOK},
		{"/gone", http.StatusGone},
		{"/boom", http.StatusInternalServerError},
		{"/missing", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, origin.URL()+tt.path, nil)
			resp, err := f.Fetch(context.Background(), req)
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}

	// 5xx is not retried: one request per path
	if got := origin.PathCount("/boom"); got != 1 {
		t.Errorf("PathCount(/boom) = %d, want 1", got)
	}
}

func TestHTTPFetcher_Body(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/app.js", testutil.NewOKResponse("console.log(1)", "application/javascript"))

	f := NewHTTPFetcher(DefaultConfig(), zerolog.Nop())
	req, _ := http.NewRequest(http.MethodGet, origin.URL()+"/app.js", nil)
	req.Header.Set("Accept", "*/*")

	resp, err := f.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "console.log(1)" {
		t.Errorf("body = %q", body)
	}
	if origin.LastHeader().Get("Accept") != "*/*" {
		t.Errorf("request headers were not forwarded")
	}
}

func TestHTTPFetcher_NetworkFailure(t *testing.T) {
	origin := testutil.NewMockOrigin()
	target := origin.URL() + "/x"
	origin.Close()

	f := NewHTTPFetcher(DefaultConfig(), zerolog.Nop())
	req, _ := http.NewRequest(http.MethodGet, target, nil)

	_, err := f.Fetch(context.Background(), req)
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("error = %v, want ErrFetchFailed", err)
	}
	var fe *Error
	if !errors.As(err, &fe) || fe.Class != ErrorClassNetwork {
		t.Errorf("error class = %v, want network", fe)
	}
}

func TestHTTPFetcher_RetriesNetworkErrors(t *testing.T) {
	var attempts atomic.Int32
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("connection reset")
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     make(http.Header),
			Body:       http.NoBody,
			Request:    req,
		}, nil
	})

	cfg := DefaultConfig()
	cfg.Transport = transport
	cfg.Retry = RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
	f := NewHTTPFetcher(cfg, zerolog.Nop())

	req, _ := http.NewRequest(http.MethodGet, "http://origin.test/a", nil)
	resp, err := f.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	resp.Body.Close()
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestHTTPFetcher_DefaultDoesNotRetry(t *testing.T) {
	var attempts atomic.Int32
	cfg := DefaultConfig()
	cfg.Transport = roundTripFunc(func(req *http.Request) (*http.Response, error) {
		attempts.Add(1)
		return nil, errors.New("dial failed")
	})
	f := NewHTTPFetcher(cfg, zerolog.Nop())

	req, _ := http.NewRequest(http.MethodGet, "http://origin.test/a", nil)
	if _, err := f.Fetch(context.Background(), req); err == nil {
		t.Fatal("expected error")
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestHTTPFetcher_Canceled(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/slow", testutil.OriginResponse{StatusCode: http.StatusOK, Delay: time.Second})

	f := NewHTTPFetcher(DefaultConfig(), zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	req, _ := http.NewRequest(http.MethodGet, origin.URL()+"/slow", nil)
	_, err := f.Fetch(ctx, req)

	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if fe.Class != ErrorClassCanceled {
		t.Errorf("Class = %s, want canceled", fe.Class)
	}
}

func TestFetcherFunc(t *testing.T) {
	called := false
	var f Fetcher = FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		called = true
		return nil, nil
	})
	f.Fetch(context.Background(), nil)
	if !called {
		t.Error("FetcherFunc did not invoke the function")
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
