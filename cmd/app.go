package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/workflowai/inference-gateway/internal/adapters"
	"github.com/workflowai/inference-gateway/internal/cache"
	"github.com/workflowai/inference-gateway/internal/config"
	"github.com/workflowai/inference-gateway/internal/gateway"
	"github.com/workflowai/inference-gateway/internal/monitoring"
	"github.com/workflowai/inference-gateway/internal/pricing"
	"github.com/workflowai/inference-gateway/internal/runner"
	"github.com/workflowai/inference-gateway/internal/runs"
	"github.com/workflowai/inference-gateway/internal/store"
	"github.com/workflowai/inference-gateway/internal/tools"
	"github.com/workflowai/inference-gateway/internal/versions"
)

// app holds the wired components and everything that must be closed on exit.
type app struct {
	runner  *runner.Runner
	gateway *gateway.Gateway

	closers      []func() error
	shutdownOTel monitoring.Shutdown
}

// newApp wires every component from cfg. On error, whatever was opened is closed.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	// Storage: one sqlite database serves versions, runs and (by default) the cache.
	var db *sql.DB
	if cfg.Storage.Backend == config.BackendSQLite {
		if db, err = store.OpenSQLite(ctx, cfg.Storage.Path); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
	}

	repo, runStore, err := openStorage(ctx, db)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, repo.Close, runStore.Close)

	cacheStore, err := openCacheStore(ctx, cfg, db)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, cacheStore.Close)

	registry, err := adapters.NewRegistry(cfg.Providers.Adapters())
	if err != nil {
		return nil, fmt.Errorf("failed to create provider registry: %w", err)
	}

	// Monitoring
	logger := monitoring.New(cfg.Monitoring.Logger())
	tracker, err := monitoring.NewTracker(cfg.Monitoring.Telemetry())
	if err != nil {
		return nil, fmt.Errorf("failed to create run tracker: %w", err)
	}
	a.closers = append(a.closers, tracker.Close)
	metrics := monitoring.NewMetricsCollector()
	if a.shutdownOTel, err = monitoring.InitOTel(ctx, cfg.Monitoring.OTel(), Version); err != nil {
		return nil, err
	}
	stopAgent, err := monitoring.StartDebugAgent(cfg.Monitoring.Debug())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, stopAgent)

	a.runner = runner.New(runner.Deps{
		Repository: repo,
		Catalog:    adapters.NewCatalog(cfg.Catalog()),
		Dispatcher: adapters.NewDispatcher(registry, cfg.Retry.Dispatcher()),
		Tools:      tools.NewOrchestrator(tools.NewRegistry(cfg.Tools.Executors()...)),
		Cache:      cache.New(cacheStore, cfg.Cache.TTL),
		Accountant: pricing.NewAccountant(priceTable(cfg)),
		Runs:       runStore,
		Sink:       tracker,
		Metrics:    metrics,
	}, runner.Config{
		MaxDuration:   cfg.Runs.MaxDuration,
		MaxToolRounds: cfg.Runs.MaxToolRounds,
	})

	a.gateway = gateway.New(a.runner, gateway.Options{
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RateLimit:       cfg.Server.RateLimit,
		Version:         Version,
	}, gateway.Monitoring{
		Logger:  logger,
		Metrics: metrics,
		Alerts:  monitoring.NewAlertManager(logger, cfg.Monitoring.Alerts()),
	})

	log.Debug().
		Strs("providers", registry.Names()).
		Int("models", len(cfg.Models)).
		Str("storage", cfg.Storage.Backend).
		Str("cache", cfg.Cache.Backend).
		Msg("components wired")
	return a, nil
}

func openStorage(ctx context.Context, db *sql.DB) (versions.Repository, runs.Store, error) {
	if db == nil {
		return versions.NewMemoryRepository(), runs.NewMemoryStore(), nil
	}
	repo, err := versions.NewSQLiteRepository(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	runStore, err := runs.NewSQLiteStore(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	return repo, runStore, nil
}

func openCacheStore(ctx context.Context, cfg *config.Config, db *sql.DB) (store.Store, error) {
	if cfg.Cache.Backend != config.BackendSQLite {
		return store.NewMemoryStore(time.Minute), nil
	}
	switch {
	case cfg.Cache.Path != "" && cfg.Cache.Path != cfg.Storage.Path:
		return store.NewSQLiteStore(ctx, cfg.Cache.Path)
	case db != nil:
		return store.NewSQLiteStoreFromDB(ctx, db)
	}
	return nil, fmt.Errorf("cache.path is required when storage is not sqlite")
}

// priceTable layers the configured price list over the catalog prices.
func priceTable(cfg *config.Config) pricing.Table {
	static := pricing.NewStaticTable(cfg.PriceEntries())
	switch {
	case cfg.Pricing.File != "":
		return pricing.NewRefreshingTable(pricing.FileSource{Path: cfg.Pricing.File}, cfg.Pricing.RefreshInterval, static)
	case cfg.Pricing.URL != "":
		return pricing.NewRefreshingTable(pricing.HTTPSource{URL: cfg.Pricing.URL}, cfg.Pricing.RefreshInterval, static)
	}
	return static
}

// Close releases components in reverse order of creation.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.shutdownOTel != nil {
		errs = append(errs, a.shutdownOTel(ctx))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
