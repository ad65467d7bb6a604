// Package engine sequences the request cache lifecycle and routes
// intercepted requests to their strategies.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/reqcache/pkg/cache"
	"github.com/Sternrassler/reqcache/pkg/expiration"
	"github.com/Sternrassler/reqcache/pkg/fetch"
	"github.com/Sternrassler/reqcache/pkg/precache"
	"github.com/Sternrassler/reqcache/pkg/routing"
	"github.com/Sternrassler/reqcache/pkg/strategy"
)

var (
	routeRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reqcache_route_requests_total",
		Help: "Intercepted requests by matched route",
	}, []string{"route"}) // route name, "none" or "passthrough"

	lifecycleState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reqcache_lifecycle_state",
		Help: "Engine lifecycle state (0=idle, 1=installed, 2=activated, 3=claimed)",
	})
)

var (
	// ErrNotInstalled is returned by Activate before a successful Install.
	ErrNotInstalled = errors.New("engine not installed")

	// ErrNotActivated is returned by Claim before Activate.
	ErrNotActivated = errors.New("engine not activated")

	// ErrClosed is returned by lifecycle calls after Close.
	ErrClosed = errors.New("engine closed")
)

// State is the lifecycle position of an engine.
type State int

const (
	StateIdle State = iota
	StateInstalled
	StateActivated
	StateClaimed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInstalled:
		return "installed"
	case StateActivated:
		return "activated"
	case StateClaimed:
		return "claimed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds engine configuration.
type Config struct {
	// Scope is the origin requests are compared against for same-origin
	// routing; relative manifest URLs resolve against it
	Scope *url.URL

	// Routes are registered in order after the precache route
	Routes []RouteSpec

	Precache precache.Config
	Manifest precache.Manifest

	// SweepInterval enables periodic expiration sweeps after activation
	// (0 sweeps only at activation)
	SweepInterval time.Duration

	// AutoClaim makes Activate claim immediately
	AutoClaim bool

	// CoalesceMisses shares one network fetch among concurrent misses of
	// the same identity
	CoalesceMisses bool
}

// DefaultConfig returns a configuration with the default route table.
func DefaultConfig() Config {
	return Config{
		Routes:    DefaultRoutes(),
		Precache:  precache.DefaultConfig(),
		AutoClaim: true,
	}
}

// Engine is one request-interception instance. Each engine owns its route
// list and bucket policies; several engines may share one store.
type Engine struct {
	id       string
	cfg      Config
	store    cache.Store
	fetcher  fetch.Fetcher
	logger   zerolog.Logger
	router   *routing.Router
	entries  *expiration.Manager
	precache *precache.Manager

	mu          sync.Mutex
	state       State
	closed      bool
	stopSweeper context.CancelFunc
	sweeperDone chan struct{}
}

// New builds an engine and registers its routes. The engine does not
// intercept requests until it has been installed, activated and claimed.
func New(cfg Config, store cache.Store, fetcher fetch.Fetcher, logger zerolog.Logger) (*Engine, error) {
	if store == nil {
		return nil, errors.New("engine: store is required")
	}
	if fetcher == nil {
		return nil, errors.New("engine: fetcher is required")
	}

	id := uuid.NewString()
	logger = logger.With().Str("instance", id).Logger()

	e := &Engine{
		id:      id,
		cfg:     cfg,
		store:   store,
		fetcher: fetcher,
		logger:  logger,
		router:  routing.NewRouter(cfg.Scope),
		entries: expiration.NewManager(store, logger.With().Str("component", "expiration").Logger()),
	}

	pc, err := precache.NewManager(cfg.Precache, cfg.Scope, store, fetcher, logger.With().Str("component", "precache").Logger())
	if err != nil {
		return nil, err
	}
	if err := pc.SetManifest(cfg.Manifest); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.precache = pc
	if err := e.router.Register(pc.Route()); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(cfg.Routes))
	for _, spec := range cfg.Routes {
		if err := e.addRoute(spec, seen); err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}

	routes := e.router.Routes()
	names := make([]string, len(routes))
	for i, r := range routes {
		names[i] = r.Name
	}
	logger.Info().Strs("routes", names).Msg("Engine created")

	lifecycleState.Set(float64(StateIdle))
	return e, nil
}

func (e *Engine) addRoute(spec RouteSpec, seen map[string]struct{}) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if _, dup := seen[spec.Name]; dup || spec.Name == precache.RouteName {
		return fmt.Errorf("route %q: duplicate route name", spec.Name)
	}
	seen[spec.Name] = struct{}{}

	bucket := spec.BucketName()
	if e.precache.Reserved(bucket) {
		return fmt.Errorf("route %q: bucket %q is reserved for precache", spec.Name, bucket)
	}
	if err := e.entries.Register(bucket, spec.ExpirationPolicy()); err != nil {
		return err
	}

	ignore, err := cache.CompileIgnoreParams(spec.IgnoreURLParameters...)
	if err != nil {
		return fmt.Errorf("route %q: %w", spec.Name, err)
	}

	s, err := strategy.NewCacheFirst(strategy.Policy{
		Bucket:        bucket,
		Filter:        spec.Filter(),
		RangeRequests: spec.RangeRequests,
		IgnoreParams:  ignore,
		Coalesce:      e.cfg.CoalesceMisses,
	}, e.entries, e.fetcher, e.logger.With().Str("component", "strategy").Str("route", spec.Name).Logger())
	if err != nil {
		return err
	}

	return e.router.Register(routing.Route{
		Name:    spec.Name,
		Match:   spec.Predicate(),
		Handler: s,
	})
}

// ID returns the engine instance ID.
func (e *Engine) ID() string {
	return e.id
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Router exposes the engine's ordered route list.
func (e *Engine) Router() *routing.Router {
	return e.router
}

// Expiration exposes the bucket policy manager.
func (e *Engine) Expiration() *expiration.Manager {
	return e.entries
}

// Precache exposes the precache manager.
func (e *Engine) Precache() *precache.Manager {
	return e.precache
}

func (e *Engine) setState(s State) {
	if e.state != s {
		e.logger.Info().Str("from", e.state.String()).Str("to", s.String()).Msg("Lifecycle transition")
	}
	e.state = s
	lifecycleState.Set(float64(s))
}

// Install reconciles the precache bucket with the manifest. A partial
// precache (precache.ErrPrecacheIncomplete) still installs the engine; the
// report and error are returned so the host can retry later. Other errors
// leave the state unchanged.
func (e *Engine) Install(ctx context.Context) (*precache.Report, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.mu.Unlock()

	report, err := e.precache.Reconcile(ctx)
	if err != nil && !errors.Is(err, precache.ErrPrecacheIncomplete) {
		e.logger.Error().Err(err).Msg("Install failed")
		return report, err
	}
	if err != nil {
		e.logger.Warn().Err(err).Msg("Installed with incomplete precache")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return report, ErrClosed
	}
	if e.state == StateIdle {
		e.setState(StateInstalled)
	}
	return report, err
}

// Activate removes outdated precache generations, sweeps expired entries
// and starts the periodic sweeper. Cleanup and sweep failures are logged.
func (e *Engine) Activate(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.state < StateInstalled {
		e.mu.Unlock()
		return ErrNotInstalled
	}
	e.mu.Unlock()

	if _, err := e.precache.CleanupOutdated(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Outdated precache cleanup failed")
	}
	if n, err := e.entries.Sweep(ctx); err != nil {
		e.logger.Warn().Err(err).Int("evicted", n).Msg("Activation sweep failed")
	} else if n > 0 {
		e.logger.Info().Int("evicted", n).Msg("Activation sweep evicted entries")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.state < StateActivated {
		e.setState(StateActivated)
	}
	e.startSweeperLocked()
	e.mu.Unlock()

	if e.cfg.AutoClaim {
		return e.Claim()
	}
	return nil
}

func (e *Engine) startSweeperLocked() {
	if e.cfg.SweepInterval <= 0 || e.stopSweeper != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.stopSweeper = cancel
	e.sweeperDone = done
	go func() {
		defer close(done)
		e.entries.Run(ctx, e.cfg.SweepInterval)
	}()
}

func (e *Engine) stopSweeperLocked() {
	if e.stopSweeper == nil {
		return
	}
	e.stopSweeper()
	<-e.sweeperDone
	e.stopSweeper = nil
	e.sweeperDone = nil
}

// Claim starts routing live requests through the route list.
func (e *Engine) Claim() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.state < StateActivated {
		return ErrNotActivated
	}
	e.setState(StateClaimed)
	return nil
}

// HandleRequest serves one intercepted request. Before the engine is
// claimed, and for requests no route matches, the request goes straight to
// the network. Network failures match fetch.ErrFetchFailed.
func (e *Engine) HandleRequest(ctx context.Context, req *http.Request) (*http.Response, error) {
	if e.State() != StateClaimed {
		routeRequestsTotal.WithLabelValues("passthrough").Inc()
		return e.passthrough(ctx, req)
	}

	route, err := e.router.Match(req)
	if errors.Is(err, routing.ErrNoRoute) {
		routeRequestsTotal.WithLabelValues("none").Inc()
		return e.passthrough(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	routeRequestsTotal.WithLabelValues(route.Name).Inc()
	e.logger.Debug().Str("route", route.Name).Str("url", req.URL.Redacted()).Msg("Route matched")
	return route.Handler.Handle(ctx, req)
}

func (e *Engine) passthrough(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil && !errors.Is(err, fetch.ErrFetchFailed) {
		return nil, &fetch.Error{URL: req.URL.String(), Class: fetch.ErrorClassNetwork, Err: err}
	}
	return resp, err
}

// ClearAll deletes every bucket in the store, stops the sweeper and stops
// interception. The engine must be installed again before it serves from
// cache.
func (e *Engine) ClearAll(ctx context.Context) error {
	e.mu.Lock()
	e.stopSweeperLocked()
	e.setState(StateIdle)
	e.mu.Unlock()

	buckets, err := e.store.Buckets(ctx)
	if err != nil {
		return fmt.Errorf("list buckets: %w", err)
	}
	var errs []error
	for _, b := range buckets {
		if err := e.store.DeleteBucket(ctx, b); err != nil {
			errs = append(errs, fmt.Errorf("delete bucket %s: %w", b, err))
		}
	}
	e.logger.Info().Int("buckets", len(buckets)).Msg("Cleared all caches")
	return errors.Join(errs...)
}

// Close stops background work. The store is owned by the caller.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopSweeperLocked()
	e.closed = true
	return nil
}
