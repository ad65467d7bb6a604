// Package config loads the reqcache-proxy host configuration.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/Sternrassler/reqcache/pkg/engine"
	"github.com/Sternrassler/reqcache/pkg/fetch"
	"github.com/Sternrassler/reqcache/pkg/logging"
	"github.com/Sternrassler/reqcache/pkg/precache"
)

// Config is the complete host configuration.
type Config struct {
	// Listen is the HTTP listen address
	Listen string `mapstructure:"listen"`

	// Scope is the origin treated as same-origin, e.g. "https://app.example.com/"
	Scope string `mapstructure:"scope"`

	// Upstream turns relative requests into requests against this base URL
	// (reverse proxy mode); empty serves absolute-URI requests only
	Upstream string `mapstructure:"upstream"`

	Log      logging.Config     `mapstructure:"log"`
	Store    StoreConfig        `mapstructure:"store"`
	Fetch    FetchConfig        `mapstructure:"fetch"`
	Engine   EngineConfig       `mapstructure:"engine"`
	Precache PrecacheConfig     `mapstructure:"precache"`
	Routes   []engine.RouteSpec `mapstructure:"routes"`
}

// StoreConfig selects and configures the cache store backend.
type StoreConfig struct {
	// Backend is "redis", "sqlite" or "memory"
	Backend string `mapstructure:"backend"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`

	// SQLitePath is a database file, or "memory"
	SQLitePath string `mapstructure:"sqlite_path"`
}

// FetchConfig configures the upstream HTTP fetcher.
type FetchConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
}

// EngineConfig configures the lifecycle controller.
type EngineConfig struct {
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	AutoClaim      bool          `mapstructure:"auto_claim"`
	CoalesceMisses bool          `mapstructure:"coalesce_misses"`

	// AllowedOrigins feed the default route table when no routes are configured
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// PrecacheConfig configures the precache bucket.
type PrecacheConfig struct {
	Bucket              string        `mapstructure:"bucket"`
	OutdatedPrefix      string        `mapstructure:"outdated_prefix"`
	Manifest            string        `mapstructure:"manifest"`
	IgnoreURLParameters []string      `mapstructure:"ignore_url_parameters"`
	DirectoryIndex      string        `mapstructure:"directory_index"`
	CleanURLs           bool          `mapstructure:"clean_urls"`
	Concurrency         int           `mapstructure:"concurrency"`
	FetchTimeout        time.Duration `mapstructure:"fetch_timeout"`
}

// ScopeURL parses Scope; nil when unset.
func (c *Config) ScopeURL() (*url.URL, error) {
	return parseBase("scope", c.Scope)
}

// UpstreamURL parses Upstream; nil when unset.
func (c *Config) UpstreamURL() (*url.URL, error) {
	return parseBase("upstream", c.Upstream)
}

func parseBase(field, raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, FieldError{Field: field, Reason: err.Error()}
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, FieldError{Field: field, Reason: fmt.Sprintf("%q must be an absolute URL", raw)}
	}
	return u, nil
}

// FetcherConfig returns the fetch.Config for the host fetcher.
func (c *Config) FetcherConfig() fetch.Config {
	fc := fetch.DefaultConfig()
	fc.Timeout = c.Fetch.Timeout
	if c.Fetch.MaxAttempts > 0 {
		fc.Retry.MaxAttempts = c.Fetch.MaxAttempts
	}
	if c.Fetch.InitialBackoff > 0 {
		fc.Retry.InitialBackoff = c.Fetch.InitialBackoff
	}
	return fc
}

// EngineConfig builds the engine configuration. The default route table is
// used when no routes are configured.
func (c *Config) EngineConfig(manifest precache.Manifest) (engine.Config, error) {
	scope, err := c.ScopeURL()
	if err != nil {
		return engine.Config{}, err
	}

	routes := c.Routes
	if len(routes) == 0 {
		routes = engine.DefaultRoutes(c.Engine.AllowedOrigins...)
	}

	return engine.Config{
		Scope:  scope,
		Routes: routes,
		Precache: precache.Config{
			Bucket:              c.Precache.Bucket,
			OutdatedPrefix:      c.Precache.OutdatedPrefix,
			IgnoreURLParameters: c.Precache.IgnoreURLParameters,
			DirectoryIndex:      c.Precache.DirectoryIndex,
			CleanURLs:           c.Precache.CleanURLs,
			Concurrency:         c.Precache.Concurrency,
			FetchTimeout:        c.Precache.FetchTimeout,
		},
		Manifest:       manifest,
		SweepInterval:  c.Engine.SweepInterval,
		AutoClaim:      c.Engine.AutoClaim,
		CoalesceMisses: c.Engine.CoalesceMisses,
	}, nil
}
