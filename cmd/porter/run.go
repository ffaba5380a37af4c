package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	porter "github.com/akarpov/porter/internal"
	"github.com/akarpov/porter/internal/adapter"
	"github.com/akarpov/porter/internal/app"
	"github.com/akarpov/porter/internal/cache"
	"github.com/akarpov/porter/internal/circuitbreaker"
	"github.com/akarpov/porter/internal/config"
	"github.com/akarpov/porter/internal/keypool"
	"github.com/akarpov/porter/internal/multimodal"
	"github.com/akarpov/porter/internal/provider"
	"github.com/akarpov/porter/internal/secret"
	"github.com/akarpov/porter/internal/server"
	"github.com/akarpov/porter/internal/storage/sqlite"
	"github.com/akarpov/porter/internal/telemetry"
	"github.com/akarpov/porter/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting porter", "version", version, "addr", cfg.Server.Addr)

	cipher, err := secret.NewCipher(cfg.MasterSecret)
	if err != nil {
		return err
	}

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store, cipher); err != nil {
		return err
	}

	// Key pool
	pricing := keypool.DefaultPricing()
	pricing.Merge(cfg.PricingOverrides())
	strategy, err := keypool.NewStrategy(cfg.KeyPool.Strategy)
	if err != nil {
		return err
	}
	pool := keypool.New(strategy, pricing)
	for providerName, name := range cfg.KeyPool.Strategies {
		s, err := keypool.NewStrategy(name)
		if err != nil {
			return err
		}
		pool.BindStrategy(providerName, s)
	}

	// Telemetry
	var metrics *telemetry.Metrics
	var metricsH http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(reg)
		metricsH = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(shutdownCtx)
		}()
	}

	// Upstream clients, one per provider endpoint, sharing a pooled transport.
	// The client carries no global timeout so streams can outlive 30s; the
	// completion service bounds unary calls per-request.
	resolver := &dnscache.Resolver{}
	httpc := &http.Client{Transport: provider.NewTransport(resolver)}
	endpoints := provider.NewRegistry()
	clients := make(map[string]*provider.Client)
	for _, ep := range provider.Defaults() {
		endpoints.Register(ep)
		clients[ep.Name] = provider.NewClient(ep, httpc)
	}

	adapters := adapter.NewRegistry(adapter.Defaults()...)

	routerSvc := app.NewRouterService(store, pool, transformRules(cfg))

	breakers := circuitbreaker.NewRegistry(breakerConfig(cfg))

	fetchCache, err := cache.NewMemory(1024, 5*time.Minute)
	if err != nil {
		return err
	}
	preproc := multimodal.NewProcessor(fetchCache)

	var onDrop func()
	if metrics != nil {
		onDrop = metrics.LogsDropped.Inc
	}
	recorder := worker.NewRequestLogger(store, onDrop)

	completion := app.NewCompletionService(
		routerSvc, pool, adapters, clients, breakers, preproc, cipher, recorder, metrics)

	keyAdmin := app.NewKeyAdmin(store, pool, cipher)
	if err := keyAdmin.LoadPool(ctx); err != nil {
		return err
	}

	handler := server.New(server.Deps{
		Completion: completion,
		Router:     routerSvc,
		Keys:       keyAdmin,
		Store:      store,
		ReadyCheck: store.Ping,
		Metrics:    metrics,
		MetricsH:   metricsH,
		AdminToken: cfg.Admin.Token,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background workers
	workerCtx, stopWorkers := context.WithCancel(ctx)
	runner := worker.NewRunner(
		recorder,
		worker.NewStatsSyncWorker(pool, store, metrics),
		worker.NewRotationSweepWorker(pool, store),
	)
	workerDone := make(chan error, 1)
	go func() { workerDone <- runner.Run(workerCtx) }()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("porter ready", "addr", cfg.Server.Addr, "providers", endpoints.List())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		stopWorkers()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		stopWorkers()
		return err
	}

	// Stop workers after the server drains so in-flight requests still log.
	stopWorkers()
	if err := <-workerDone; err != nil {
		return err
	}

	slog.Info("porter stopped")
	return nil
}

func transformRules(cfg *config.Config) []porter.TransformRule {
	rules := make([]porter.TransformRule, 0, len(cfg.TransformRules))
	for _, r := range cfg.TransformRules {
		rules = append(rules, porter.TransformRule{Contains: r.Contains, Provider: r.Provider})
	}
	return rules
}

func breakerConfig(cfg *config.Config) circuitbreaker.Config {
	bc := circuitbreaker.DefaultConfig()
	if cfg.Breaker.FailureThreshold > 0 {
		bc.FailureThreshold = cfg.Breaker.FailureThreshold
	}
	if cfg.Breaker.RecoveryTimeout > 0 {
		bc.RecoveryTimeout = cfg.Breaker.RecoveryTimeout
	}
	if cfg.Breaker.SuccessThreshold > 0 {
		bc.SuccessThreshold = cfg.Breaker.SuccessThreshold
	}
	if cfg.Breaker.MaxTimeout > 0 {
		bc.MaxTimeout = cfg.Breaker.MaxTimeout
	}
	return bc
}
