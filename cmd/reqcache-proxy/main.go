// Command reqcache-proxy hosts one request cache engine behind an HTTP
// forward or reverse proxy.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/reqcache/internal/config"
	"github.com/Sternrassler/reqcache/pkg/cache"
	"github.com/Sternrassler/reqcache/pkg/engine"
	"github.com/Sternrassler/reqcache/pkg/fetch"
	"github.com/Sternrassler/reqcache/pkg/logging"
	"github.com/Sternrassler/reqcache/pkg/precache"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML, TOML or JSON)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "reqcache-proxy: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logCfg := cfg.Log
	logCfg.Output = os.Stderr
	logging.Setup(logCfg)
	defer logging.Close()
	logger := logging.NewLogger("proxy")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info().Str("backend", cfg.Store.Backend).Msg("Cache store opened")

	var manifest precache.Manifest
	if cfg.Precache.Manifest != "" {
		manifest, err = precache.LoadManifest(cfg.Precache.Manifest)
		if err != nil {
			return err
		}
	}

	engineCfg, err := cfg.EngineConfig(manifest)
	if err != nil {
		return err
	}
	fetcher := fetch.NewHTTPFetcher(cfg.FetcherConfig(), logging.NewLogger("fetch"))

	eng, err := engine.New(engineCfg, store, fetcher, logging.NewLogger("engine"))
	if err != nil {
		return err
	}
	defer eng.Close()

	upstream, err := cfg.UpstreamURL()
	if err != nil {
		return err
	}
	srv := &server{engine: eng, upstream: upstream, logger: logger}

	// interception starts only once install and activation are done;
	// until then requests pass through to the network
	if err := srv.start(ctx); err != nil {
		logger.Error().Err(err).Msg("Engine start failed, serving network-only")
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Listen).Str("instance", eng.ID()).Msg("Starting reqcache proxy")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (cache.Store, error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store := cache.NewRedisStore(client, cfg.RedisPrefix)
		if err := store.Ping(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return store, nil
	case "sqlite":
		if cfg.SQLitePath != "memory" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		return cache.OpenSQLite(cfg.SQLitePath)
	case "memory":
		return cache.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
