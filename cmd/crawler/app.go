// cmd/crawler/app.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/viper"

	"repo-crawler/internal/api"
	"repo-crawler/internal/config"
	"repo-crawler/internal/credentials"
	"repo-crawler/internal/github"
	"repo-crawler/internal/store"
	"repo-crawler/internal/store/memory"
	"repo-crawler/internal/store/postgres"
	"repo-crawler/internal/store/sqlite"
)

// app holds what one command invocation builds from the configuration.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  store.Store
	pool   *credentials.Pool
	ops    *http.Server
}

func newApp(ctx context.Context, v *viper.Viper, cfgFile string, logger *slog.Logger, level *slog.LevelVar) (*app, error) {
	cfg, err := config.LoadConfig(v, cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, level)
	logger.Info("Configuration loaded successfully", "store", cfg.StoreDriver, "workers", cfg.Workers)

	s, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, store: s}, nil
}

// openStore connects to the configured backend and applies the migrations.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		if err := postgres.Migrate(cfg.DBURL); err != nil {
			return nil, fmt.Errorf("failed to run database migrations: %w", err)
		}
		logger.Info("Database migrations applied successfully")
		s, err := postgres.Open(ctx, cfg.DBURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		logger.Info("Database connection established")
		return s, nil
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		if err := s.Migrate(); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to run database migrations: %w", err)
		}
		logger.Info("SQLite database ready", "path", cfg.SQLitePath)
		return s, nil
	case config.DriverMemory:
		logger.Warn("Using the in-memory store, nothing will be persisted")
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// credentialPool loads and validates the API keys once per invocation.
func (a *app) credentialPool(ctx context.Context) (*credentials.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	tokens, err := credentials.LoadTokens(a.cfg.APIKeysPath(), a.cfg.GithubAPIKey)
	if err != nil {
		return nil, err
	}
	opts := github.Options{BaseURL: a.cfg.GithubBaseURL, RequestsPerSecond: a.cfg.RequestsPerSecond}
	dial := func(token string) (github.API, error) {
		c, err := github.NewClient(token, opts, a.logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	pool, err := credentials.NewPool(ctx, tokens, dial, credentials.PoolOptions{
		Threshold: a.cfg.QueryMinThreshold,
		FailFast:  a.cfg.FailOnWait,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build credential pool: %w", err)
	}
	a.pool = pool
	return pool, nil
}

// serveOps exposes the ops router for the lifetime of the command when METRICS_ADDR
// is set.
func (a *app) serveOps() {
	if a.cfg.MetricsAddr == "" || a.ops != nil {
		return
	}
	a.ops = &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           api.NewRouter(a.store, a.pool, a.logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("Serving ops endpoints", "addr", a.cfg.MetricsAddr)
		if err := a.ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Ops server failed", "error", err)
		}
	}()
}

func (a *app) close() {
	if a.ops != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.ops.Shutdown(ctx); err != nil {
			a.logger.Warn("Ops server shutdown failed", "error", err)
		}
	}
	a.store.Close()
}
