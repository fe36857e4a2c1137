// Perdiem - Legacy travel reimbursement, reproduced.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/perdiem/internal/api"
	"github.com/opensource-finance/perdiem/internal/bus"
	"github.com/opensource-finance/perdiem/internal/cache"
	"github.com/opensource-finance/perdiem/internal/config"
	"github.com/opensource-finance/perdiem/internal/domain"
	"github.com/opensource-finance/perdiem/internal/ensemble"
	"github.com/opensource-finance/perdiem/internal/policy"
	"github.com/opensource-finance/perdiem/internal/repository"
	"github.com/opensource-finance/perdiem/internal/retention"
	"github.com/opensource-finance/perdiem/internal/scoring"
	"github.com/opensource-finance/perdiem/internal/telemetry"
	"github.com/opensource-finance/perdiem/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting perdiem",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"models", cfg.Models.Source,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("perdiem failed", "error", err)
		os.Exit(1)
	}
	slog.Info("perdiem shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config) error {
	var metrics *telemetry.Metrics
	if cfg.Metrics.Enabled {
		metrics = telemetry.New(cfg.Metrics.Namespace)
	}

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	var source ensemble.Source
	if cfg.Models.Source != "" {
		source, err = ensemble.NewSource(ctx, cfg.Models)
		if err != nil {
			return fmt.Errorf("failed to initialize model source: %w", err)
		}
	}

	table, data, err := loadPolicy(cfg.Policy)
	if err != nil {
		return err
	}

	svc, err := scoring.New(ctx, table, scoring.Options{
		Repository:   repo,
		Cache:        cacheImpl,
		Bus:          busImpl,
		Metrics:      metrics,
		Source:       source,
		CacheTTL:     time.Duration(cfg.Scoring.CacheTTL) * time.Second,
		BatchWorkers: cfg.Scoring.BatchWorkers,
		MaxBatchSize: cfg.Scoring.MaxBatchSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize scoring: %w", err)
	}
	if _, err := svc.StorePolicy(ctx, data); err != nil {
		slog.Warn("failed to record startup policy", "version", table.Version, "error", err)
	}
	slog.Info("scoring initialized",
		"policy_version", table.Version,
		"models_loaded", svc.Predictor().Registry().Len(),
	)

	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("PERDIEM_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, svc)
		if err := asyncWorker.Start(worker.Config{TenantIDs: tenantList(os.Getenv("PERDIEM_TENANTS"))}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		}
	}

	if cfg.Policy.Watch && cfg.Policy.Path != "" {
		w, err := policy.NewWatcher(cfg.Policy.Path, 250*time.Millisecond)
		if err != nil {
			return err
		}
		defer w.Close()
		go func() {
			err := w.Watch(ctx, func(t *policy.Table, data []byte) error {
				if _, err := svc.StorePolicy(ctx, data); err != nil && !errors.Is(err, repository.ErrConflict) {
					slog.Warn("failed to record reloaded policy", "version", t.Version, "error", err)
				}
				return svc.Activate(ctx, t)
			})
			if err != nil {
				slog.Error("policy watcher failed", "error", err)
			}
		}()
	}

	scheduler := retention.NewScheduler(repo, cfg.Retention, metrics)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start retention: %w", err)
	}
	defer scheduler.Stop()

	srv := api.NewServer(cfg.Server, api.Deps{
		Scoring:    svc,
		Repository: repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Metrics:    metrics,
		Tracing:    cfg.Tracing,
		PolicyPath: cfg.Policy.Path,
		Version:    Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("perdiem is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	return nil
}

// loadPolicy reads the configured table, or the embedded default.
func loadPolicy(cfg domain.PolicyConfig) (*policy.Table, []byte, error) {
	if cfg.Path == "" {
		return policy.Default(), policy.DefaultSource(), nil
	}
	return policy.LoadFile(cfg.Path)
}

func tenantList(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
