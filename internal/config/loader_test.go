package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/reqcache/pkg/engine"
	"github.com/Sternrassler/reqcache/pkg/precache"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "reqcache", cfg.Store.RedisPrefix)
	assert.Equal(t, 30*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 1, cfg.Fetch.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Engine.SweepInterval)
	assert.True(t, cfg.Engine.AutoClaim)
	assert.Equal(t, "precache-v2", cfg.Precache.Bucket)
	assert.Equal(t, []string{".*"}, cfg.Precache.IgnoreURLParameters)
	assert.Equal(t, "index.html", cfg.Precache.DirectoryIndex)
	assert.Empty(t, cfg.Routes)
}

func TestLoad_YAML(t *testing.T) {
	path := writeTempConfig(t, "reqcache.yaml", `
listen: ":9000"
scope: "https://app.example.com/"
log:
  level: debug
  file: /var/log/reqcache.log
store:
  backend: redis
  redis_addr: redis:6379
  redis_prefix: edge
fetch:
  timeout: 5s
  max_attempts: 3
engine:
  sweep_interval: 60
  coalesce_misses: true
precache:
  manifest: ./manifest.yaml
  concurrency: 8
routes:
  - name: images
    same_origin: true
    origins: ["https://cdn.example.com"]
    destinations: [image]
    statuses: [0, 200]
    max_entries: 50
    max_age: 24h
  - name: media
    query_params: [video_cache]
    range_requests: true
    max_entries: 500
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "debug", string(cfg.Log.Level))
	assert.Equal(t, "/var/log/reqcache.log", cfg.Log.File)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "edge", cfg.Store.RedisPrefix)
	assert.Equal(t, 5*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 3, cfg.Fetch.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Engine.SweepInterval)
	assert.True(t, cfg.Engine.CoalesceMisses)
	assert.Equal(t, 8, cfg.Precache.Concurrency)

	require.Len(t, cfg.Routes, 2)
	images := cfg.Routes[0]
	assert.Equal(t, "images", images.Name)
	assert.True(t, images.SameOrigin)
	assert.Equal(t, []string{"https://cdn.example.com"}, images.Origins)
	assert.Equal(t, []int{0, 200}, images.Statuses)
	assert.Equal(t, 24*time.Hour, images.MaxAge)
	assert.True(t, cfg.Routes[1].RangeRequests)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("REQCACHE_STORE_BACKEND", "memory")
	t.Setenv("REQCACHE_FETCH_TIMEOUT", "2s")
	t.Setenv("REQCACHE_ENGINE_ALLOWED_ORIGINS", "https://a.test,https://b.test")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 2*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.Engine.AllowedOrigins)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"unknown backend", "store:\n  backend: s3\n", "store.backend"},
		{"relative scope", "scope: /app\n", "scope"},
		{"bad upstream", "upstream: \"::nope\"\n", "upstream"},
		{"zero attempts", "fetch:\n  max_attempts: 0\n", "fetch.max_attempts"},
		{"unnamed route", "routes:\n  - max_entries: 5\n", "routes[0].name"},
		{"duplicate route", "routes:\n  - name: a\n  - name: a\n", "routes[a].name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, "c.yaml", tt.yaml))
			require.Error(t, err)
			var fe FieldError
			require.True(t, errors.As(err, &fe), "error %v is not a FieldError", err)
			assert.Equal(t, tt.field, fe.Field)
		})
	}

	_, err := Load(writeTempConfig(t, "c.yaml", "fetch:\n  timeout: soon\n"))
	assert.Error(t, err, "invalid duration")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEngineConfig(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, "c.yaml", `
scope: https://app.test/
engine:
  allowed_origins: [https://cdn.test]
  auto_claim: false
`))
	require.NoError(t, err)

	manifest := precache.Manifest{{URL: "/index.html", Revision: "1"}}
	ec, err := cfg.EngineConfig(manifest)
	require.NoError(t, err)

	assert.Equal(t, "https://app.test/", ec.Scope.String())
	assert.Equal(t, engine.DefaultRoutes("https://cdn.test"), ec.Routes)
	assert.Equal(t, manifest, ec.Manifest)
	assert.False(t, ec.AutoClaim)
	assert.Equal(t, "precache-v2", ec.Precache.Bucket)

	fc := cfg.FetcherConfig()
	assert.Equal(t, 30*time.Second, fc.Timeout)
	assert.Equal(t, 1, fc.Retry.MaxAttempts)
}
