// Package fetch provides the network fetch capability the engine consumes.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for fetch operations.
var (
	fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reqcache_fetch_total",
		Help: "Total network fetches by outcome",
	}, []string{"outcome"}) // "ok", "http_error", "network", "canceled"

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reqcache_fetch_duration_seconds",
		Help:    "Network fetch duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})
)

// Fetcher performs a network request. A transport failure is returned as an
// error matching ErrFetchFailed; any HTTP status is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Fetch calls f(ctx, req).
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Config holds the HTTP fetcher configuration.
type Config struct {
	// Timeout bounds a single attempt (0 disables the client timeout)
	Timeout time.Duration

	// Retry controls retries of transport failures
	Retry RetryConfig

	// Transport overrides http.DefaultTransport
	Transport http.RoundTripper
}

// DefaultConfig returns a fetcher configuration with a 30s timeout and no retries.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Retry:   DefaultRetryConfig(),
	}
}

// HTTPFetcher implements Fetcher on net/http.
type HTTPFetcher struct {
	httpClient *http.Client
	retry      RetryConfig
	logger     zerolog.Logger
}

// NewHTTPFetcher creates a fetcher. Redirects are followed by the client.
func NewHTTPFetcher(cfg Config, logger zerolog.Logger) *HTTPFetcher {
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	return &HTTPFetcher{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		retry:  cfg.Retry,
		logger: logger,
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (f *HTTPFetcher) SetHTTPClient(client *http.Client) {
	f.httpClient = client
}

// Fetch sends req upstream. The outbound request is a clone bound to ctx;
// request bodies are only replayed on retry when GetBody is available.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	start := time.Now()
	defer func() {
		fetchDuration.Observe(time.Since(start).Seconds())
	}()

	target := req.URL.String()
	var resp *http.Response

	err := retryWithBackoff(ctx, f.retry, f.logger, func() (ErrorClass, error) {
		out, err := outbound(ctx, req)
		if err != nil {
			return "", &Error{URL: target, Class: ErrorClassNetwork, Err: err}
		}

		r, err := f.httpClient.Do(out)
		if err != nil {
			if ctx.Err() != nil {
				fetchTotal.WithLabelValues("canceled").Inc()
				return ErrorClassCanceled, &Error{URL: target, Class: ErrorClassCanceled, Err: ctx.Err()}
			}
			fetchTotal.WithLabelValues("network").Inc()
			f.logger.Warn().Err(err).Str("url", target).Msg("Network fetch failed")
			return ErrorClassNetwork, &Error{URL: target, Class: ErrorClassNetwork, Err: err}
		}

		class := ClassifyStatus(r.StatusCode)
		if class == "" {
			fetchTotal.WithLabelValues("ok").Inc()
			resp = r
			return "", nil
		}

		// HTTP errors are responses, not fetch failures
		fetchTotal.WithLabelValues("http_error").Inc()
		resp = r
		return "", nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func outbound(ctx context.Context, req *http.Request) (*http.Request, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	if req.Body != nil && req.Body != http.NoBody && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		out.Body = body
	}
	return out, nil
}
