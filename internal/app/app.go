// Package app implements the feedctl commands on top of the registry,
// the aggregator and the store. Every command returns an output envelope.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"feedctl/internal/aggregator"
	"feedctl/internal/apperr"
	"feedctl/internal/config"
	"feedctl/internal/fetcher"
	"feedctl/internal/registry"
	"feedctl/internal/storage"
)

// DefaultLimit caps how many entries fetch and entries return.
const DefaultLimit = 20

// App holds the handles one command invocation needs.
type App struct {
	cfg      *config.Config
	store    storage.Storage
	registry *registry.Registry
	agg      *aggregator.Aggregator
	log      *slog.Logger
}

// Open creates the data directory, opens and migrates the store, and
// imports a legacy subscription list into an empty store. client may be nil
// to use the default HTTP client. The caller must Close the App.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger, client fetcher.HTTPClient) (*App, error) {
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, apperr.Wrap(apperr.RuntimeError, err, "create data directory")
		}
	}

	store, err := storage.NewSQLite(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	if client == nil {
		client = fetcher.NewHTTPClient(cfg.FetchTimeout, fetcher.DefaultMaxRedirects)
	}
	f := fetcher.New(client, fetcher.Options{
		UserAgent: cfg.UserAgent,
		Retries:   fetcher.DefaultRetries,
	})

	reg := registry.New(store, registry.NewMirror(cfg.SubscriptionsPath), log)
	if _, err := reg.Bootstrap(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("import subscription list: %w", err)
	}

	return New(cfg, store, reg, aggregator.New(store, f, log, cfg.Workers), log), nil
}

// New assembles an App from already opened components.
func New(cfg *config.Config, store storage.Storage, reg *registry.Registry, agg *aggregator.Aggregator, log *slog.Logger) *App {
	return &App{cfg: cfg, store: store, registry: reg, agg: agg, log: log}
}

// Close releases the store.
func (a *App) Close() error {
	return a.store.Close()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

func elapsed(start time.Time) slog.Attr {
	return slog.Duration("elapsed", time.Since(start))
}
