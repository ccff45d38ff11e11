package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/TimurManjosov/flaggate/internal/api"
	"github.com/TimurManjosov/flaggate/internal/cluster"
	"github.com/TimurManjosov/flaggate/internal/config"
	_ "github.com/TimurManjosov/flaggate/internal/gitlab" // registers the gitlab store type
	"github.com/TimurManjosov/flaggate/internal/lock"
	"github.com/TimurManjosov/flaggate/internal/owners"
	"github.com/TimurManjosov/flaggate/internal/repo"
	"github.com/TimurManjosov/flaggate/internal/store"
	"github.com/TimurManjosov/flaggate/internal/telemetry"
	"github.com/TimurManjosov/flaggate/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	telemetry.Init()

	users, err := cfg.MemoryUserMap()
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	files, err := store.NewFileStore(cfg.StoreType, store.Options{
		APIBase:     cfg.GitLabAPIBase,
		ProjectPath: cfg.GitLabProjectPath,
		Branch:      cfg.GitLabBranch,
		Timeout:     cfg.GitLabTimeout,
		SeedDir:     cfg.MemorySeedDir,
		Users:       users,
	})
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if cfg.StoreType == "memory" {
		logger.Warn("serving from the in-memory store",
			zap.String("seed_dir", cfg.MemorySeedDir),
			zap.Int("users", len(users)))
	}

	resolver, err := owners.NewResolver(cfg.OwnersFile)
	if err != nil {
		return fmt.Errorf("owners: %w", err)
	}

	opts := repo.Options{
		Files:           files,
		Owners:          resolver,
		Locks:           lock.NewRegistry(),
		ClusterMarker:   cfg.ClusterEnvMarker,
		ReservedMarkers: cfg.ReservedEnvMarkers,
		Logger:          logger,
	}

	if cfg.ClusterEnabled {
		cs, err := cluster.NewForKubeconfig(cfg.Kubeconfig, cluster.Config{
			NamespaceTemplate: cfg.ClusterNamespaceTemplate,
			NameTemplate:      cfg.ClusterNameTemplate,
		})
		if err != nil {
			return fmt.Errorf("cluster: %w", err)
		}
		opts.Cluster = cs
		logger.Info("cluster backend enabled", zap.String("marker", cfg.ClusterEnvMarker))
	}

	if len(cfg.WebhookURLs) > 0 {
		endpoints := make([]webhook.Endpoint, 0, len(cfg.WebhookURLs))
		for _, u := range cfg.WebhookURLs {
			endpoints = append(endpoints, webhook.Endpoint{URL: u})
		}
		dispatcher := webhook.NewDispatcher(webhook.Options{
			Endpoints:  endpoints,
			Secret:     cfg.WebhookSecret,
			MaxRetries: cfg.WebhookMaxRetries,
		}, logger)
		dispatcher.Start()
		defer func() { _ = dispatcher.Close() }()
		opts.Notifier = dispatcher
		logger.Info("webhooks enabled", zap.Int("endpoints", len(endpoints)))
	}

	rp, err := repo.New(opts)
	if err != nil {
		return err
	}

	srvAPI, err := api.NewServer(api.Options{
		Repo:               rp,
		Files:              files,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitPerIP:     rateLimit(cfg.RateLimitPerIP),
		RequestTimeout:     cfg.RequestTimeout,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srvAPI.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.StoreType))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: %w", err)
		}
	}()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics: %w", err)
			}
		}()
	}

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	ctxShut, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout+5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctxShut)
	}
	if err := srv.Shutdown(ctxShut); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("stopped")
	return nil
}

// rateLimit maps the config convention (0 disables) onto the server's
// (<0 disables, 0 uses the default).
func rateLimit(perMinute int) int {
	if perMinute <= 0 {
		return -1
	}
	return perMinute
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	if cfg.IsProduction() {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
