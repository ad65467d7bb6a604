package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/Sternrassler/reqcache/pkg/precache"
)

// EnvPrefix prefixes environment overrides, e.g. REQCACHE_STORE_BACKEND.
const EnvPrefix = "REQCACHE"

// Load reads the configuration file at path (YAML, TOML or JSON by
// extension), applies REQCACHE_* environment overrides and defaults, and
// validates the result. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("scope", "")
	v.SetDefault("upstream", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.compress", false)

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.redis_prefix", "reqcache")
	v.SetDefault("store.sqlite_path", "./data/reqcache.db")

	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.max_attempts", 1)
	v.SetDefault("fetch.initial_backoff", "250ms")

	v.SetDefault("engine.sweep_interval", "10m")
	v.SetDefault("engine.auto_claim", true)
	v.SetDefault("engine.coalesce_misses", false)
	v.SetDefault("engine.allowed_origins", []string{})

	pc := precache.DefaultConfig()
	v.SetDefault("precache.bucket", pc.Bucket)
	v.SetDefault("precache.outdated_prefix", pc.OutdatedPrefix)
	v.SetDefault("precache.manifest", "")
	v.SetDefault("precache.ignore_url_parameters", pc.IgnoreURLParameters)
	v.SetDefault("precache.directory_index", pc.DirectoryIndex)
	v.SetDefault("precache.clean_urls", pc.CleanURLs)
	v.SetDefault("precache.concurrency", pc.Concurrency)
	v.SetDefault("precache.fetch_timeout", pc.FetchTimeout.String())
}

// Validate checks field values that decoding cannot.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "redis", "sqlite", "memory":
	default:
		return FieldError{Field: "store.backend", Reason: fmt.Sprintf("unknown backend %q (want redis, sqlite or memory)", c.Store.Backend)}
	}
	if c.Store.Backend == "sqlite" && c.Store.SQLitePath == "" {
		return FieldError{Field: "store.sqlite_path", Reason: "required for the sqlite backend"}
	}
	if c.Fetch.MaxAttempts < 1 {
		return FieldError{Field: "fetch.max_attempts", Reason: "must be at least 1"}
	}
	if c.Precache.Concurrency < 1 {
		return FieldError{Field: "precache.concurrency", Reason: "must be at least 1"}
	}
	if _, err := c.ScopeURL(); err != nil {
		return err
	}
	if _, err := c.UpstreamURL(); err != nil {
		return err
	}

	names := make(map[string]struct{}, len(c.Routes))
	for i, r := range c.Routes {
		if err := r.Validate(); err != nil {
			return FieldError{Field: routeField(i, r.Name, "name"), Reason: err.Error()}
		}
		if _, dup := names[r.Name]; dup {
			return FieldError{Field: routeField(i, r.Name, "name"), Reason: "duplicate route name"}
		}
		names[r.Name] = struct{}{}
	}
	return nil
}

// durationDecodeHook accepts Go duration strings ("24h") and plain numbers
// of seconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(time.Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return time.Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return parsed, nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(seconds * float64(time.Second)), nil
			}
			return nil, fmt.Errorf("invalid duration %q", v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case time.Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("unsupported duration type %T", v)
		}
	}
}
