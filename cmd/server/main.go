package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relay-one/dispatch-engine/internal/breaker"
	"github.com/relay-one/dispatch-engine/internal/config"
	"github.com/relay-one/dispatch-engine/internal/handler"
	"github.com/relay-one/dispatch-engine/internal/kafka"
	"github.com/relay-one/dispatch-engine/internal/metrics"
	"github.com/relay-one/dispatch-engine/internal/middleware"
	"github.com/relay-one/dispatch-engine/internal/provider"
	"github.com/relay-one/dispatch-engine/internal/repository/postgres"
	"github.com/relay-one/dispatch-engine/internal/repository/redis"
	"github.com/relay-one/dispatch-engine/internal/service"
	"github.com/relay-one/dispatch-engine/internal/worker"
)

// Exit codes: 0 clean shutdown, 1 startup failure, 2 dirty shutdown
// (in-flight dispatches outlived the drain timeout).
const (
	exitOK    = 0
	exitFatal = 1
	exitDirty = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()

	logLevel := slog.LevelInfo
	if cfg.App.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("starting dispatch engine",
		"env", cfg.App.Env,
		"port", cfg.Server.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Startup order: Store first, then Cache, Log producer, HTTP surface,
	// scheduler, and workers last so nothing consumes before every
	// dependency a dispatch needs is up.
	db, err := postgres.New(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return exitFatal
	}
	defer db.Close()

	if err := postgres.Migrate(cfg.Database.URL); err != nil {
		logger.Error("failed to run migrations", "error", err)
		return exitFatal
	}
	logger.Info("connected to PostgreSQL")

	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		return exitFatal
	}
	defer redisClient.Close()
	logger.Info("connected to Redis")

	producer, err := kafka.NewProducer(cfg.Kafka)
	if err != nil {
		logger.Error("failed to create producer", "error", err)
		return exitFatal
	}
	defer producer.Close()

	consumerGroup, err := kafka.NewConsumerGroup(cfg.Kafka)
	if err != nil {
		logger.Error("failed to create consumer group", "error", err)
		return exitFatal
	}
	defer consumerGroup.Close()
	logger.Info("connected to Kafka", "brokers", cfg.Kafka.Brokers)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	notificationRepo := postgres.NewNotificationRepository(db)
	dedupCache := redis.NewDedupCache(redisClient, cfg.Redis.OpTimeout)

	providers := provider.NewRegistryFromConfig(cfg.Providers)
	breakers := breaker.NewRegistry(cfg.Breaker, logger, func(provider, toState string) {
		m.BreakerTransitions.WithLabelValues(provider, toState).Inc()
	})

	wsHub := handler.NewWebSocketHub(logger)
	go wsHub.Run(ctx)

	ingestionService := service.NewIngestionService(
		notificationRepo, dedupCache, producer, providers,
		cfg.Retry, cfg.Dedup.TTL, m, logger,
	)
	statusService := service.NewStatusService(notificationRepo, wsHub, logger)
	schedulerService := service.NewSchedulerService(
		cfg.Scheduler, notificationRepo, dedupCache, producer, logger,
	)

	retryRouter := worker.NewRetryRouter(
		cfg.Retry, notificationRepo, producer, logger,
		func(channel string) { m.Retries.WithLabelValues(channel).Inc() },
		func(reason string) { m.DLQAdmissions.WithLabelValues(reason).Inc() },
	)
	deliveryWorker := worker.NewWorker(
		cfg.Worker, notificationRepo, providers, breakers, retryRouter, m, logger,
	)

	notificationHandler := handler.NewNotificationHandler(ingestionService)
	callbackHandler := handler.NewCallbackHandler(statusService)
	healthHandler := handler.NewHealthHandler()
	healthHandler.AddChecker("postgres", db)
	healthHandler.AddChecker("redis", redisClient)
	wsHandler := handler.NewWebSocketHandler(wsHub)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(middleware.Correlation)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logging(logger, m))
	r.Use(chimiddleware.Compress(5))

	r.Get("/health", healthHandler.Health)
	r.Get("/health/live", healthHandler.Liveness)
	r.Get("/health/ready", healthHandler.Readiness)

	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Get("/ws", wsHandler.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/notifications", func(r chi.Router) {
			notificationHandler.RegisterRoutes(r)
		})
		r.Route("/callbacks", func(r chi.Router) {
			callbackHandler.RegisterRoutes(r)
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go schedulerService.Start(ctx)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := deliveryWorker.Run(ctx, consumerGroup); err != nil {
			logger.Error("worker stopped with error", "error", err)
		}
	}()

	healthHandler.SetReady(true)
	logger.Info("dispatch engine ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "error", err)
		return exitFatal
	}

	// Shutdown order mirrors startup in reverse: stop routing traffic,
	// stop the ingress, stop producing new work, then drain the workers.
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	cancel()
	schedulerService.Wait()
	<-workerDone

	code := exitOK
	if err := deliveryWorker.Drain(); err != nil {
		logger.Error("worker drain incomplete", "error", err)
		code = exitDirty
	}

	logger.Info("dispatch engine stopped", "exit_code", code)
	return code
}
