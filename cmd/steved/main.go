// steved is the standalone job worker daemon. It connects to PostgreSQL,
// starts the worker pool, and serves Prometheus metrics until it receives
// SIGINT or SIGTERM.
//
// Handlers are registered by embedding this package pattern in your own
// binary; the stock daemon runs jobs through the no-op handler and is mainly
// useful for draining queues and operating the schema.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marianmeres/steve"
	"github.com/marianmeres/steve/internal/env"
	"github.com/marianmeres/steve/internal/pgconnect"
	"github.com/marianmeres/steve/pkg/observability"
)

const serviceName = "steved"
const serviceVersion = "1.0.0"

type config struct {
	DSN               string        `env:"STEVE_POSTGRES_URL"`
	TablePrefix       string        `env:"STEVE_TABLE_PREFIX"`
	Concurrency       int           `env:"STEVE_CONCURRENCY"`
	PollInterval      time.Duration `env:"STEVE_POLL_INTERVAL"`
	MetricsAddr       string        `env:"STEVE_METRICS_ADDR"`
	CleanupSchedule   string        `env:"STEVE_CLEANUP_SCHEDULE"`
	CleanupMaxRunning time.Duration `env:"STEVE_CLEANUP_MAX_RUNNING"`
	DBHealthInterval  time.Duration `env:"STEVE_DB_HEALTH_INTERVAL"`
	OTelEnabled       bool          `env:"STEVE_OTEL_ENABLED"`
}

func (c *config) Validate() error {
	if c.DSN == "" {
		return errors.New("STEVE_POSTGRES_URL is required")
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("steved: %v", err)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config{
		Concurrency: steve.DefaultConcurrency,
		MetricsAddr: ":9090",
	}
	if err := env.Load(&cfg); err != nil {
		return err
	}

	providers, err := observability.Init(ctx, serviceName, serviceVersion, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			log.Printf("observability shutdown: %v", err)
		}
	}()
	logger := providers.Logger

	pool, err := pgconnect.Connect(ctx, pgconnect.PoolConfig{DSN: cfg.DSN})
	if err != nil {
		return err
	}
	defer pool.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var healthCfg *steve.DBHealthConfig
	if cfg.DBHealthInterval > 0 {
		healthCfg = &steve.DBHealthConfig{Interval: cfg.DBHealthInterval}
	}
	retryCfg := steve.DefaultDBRetryConfig()

	mgr, err := steve.New(steve.Config{
		Pool:              pool,
		TablePrefix:       cfg.TablePrefix,
		PollInterval:      cfg.PollInterval,
		Logger:            logger,
		CleanupSchedule:   cfg.CleanupSchedule,
		CleanupMaxRunning: cfg.CleanupMaxRunning,
		DBRetry:           &retryCfg,
		DBHealthCheck:     healthCfg,
		MetricsRegisterer: registry,
		// Signals are handled here so the daemon controls exit codes.
		DisableGracefulShutdown: true,
	})
	if err != nil {
		return err
	}

	if err := mgr.Start(ctx, cfg.Concurrency); err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	go func() {
		logger.InfoContext(ctx, "metrics server listening", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "metrics server failed", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.InfoContext(ctx, "shutdown signal received", "signal", sig.String())

	mgr.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorContext(ctx, "metrics server shutdown failed", "error", err)
	}

	logger.InfoContext(ctx, "steved shut down gracefully")
	return nil
}
