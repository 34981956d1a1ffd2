package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"terapia/internal/api"
	"terapia/internal/availability"
	"terapia/internal/backend"
	"terapia/internal/config"
	"terapia/internal/database"
	"terapia/internal/domain"
	"terapia/internal/events"
	"terapia/internal/logging"
	"terapia/internal/metrics"
	"terapia/internal/models"
	"terapia/internal/repository"
	"terapia/internal/service"
	"terapia/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	redisClient := initRedis(cfg, &logger)
	defer func() { _ = repository.Close(redisClient) }()

	draftTTL := time.Duration(cfg.Scheduler.DraftTTLSeconds) * time.Second
	if draftTTL <= 0 {
		draftTTL = models.DefaultDraftTTL * time.Second
	}
	drafts := initDraftRepository(redisClient, draftTTL, &logger)

	queryTimeout := time.Duration(cfg.Scheduler.QueryTimeoutSeconds) * time.Second
	availClient := availability.NewClient(
		cfg.Availability.BaseURL,
		availability.NewStaticTokenProvider(cfg.Availability.Token),
		time.Duration(cfg.Availability.TimeoutSeconds)*time.Second,
		&logger,
	)
	backendClient := backend.NewClient(
		cfg.Backend.BaseURL,
		availability.NewStaticTokenProvider(cfg.Backend.Token),
		time.Duration(cfg.Backend.TimeoutSeconds)*time.Second,
		&logger,
	)

	bus := events.NewEventBus()
	registerEventHandlers(bus, &logger)

	forwarder := worker.NewForwarder(db, backendClient, redisClient, bus, worker.RetryPolicy{
		MaxRetries:    cfg.Worker.Retry.MaxRetries,
		InitialDelay:  time.Duration(cfg.Worker.Retry.InitialDelaySeconds) * time.Second,
		MaxDelay:      time.Duration(cfg.Worker.Retry.MaxDelaySeconds) * time.Second,
		BackoffFactor: cfg.Worker.Retry.BackoffFactor,
	}, logger)
	forwarder.SetPollInterval(time.Duration(cfg.Worker.PollIntervalSeconds) * time.Second)
	forwarder.SetBatchSize(cfg.Worker.BatchSize)

	scheduler := service.NewSchedulingService(
		cfg.Plans,
		availClient,
		drafts,
		db,
		forwarder,
		bus,
		queryTimeout,
		&logger,
	)

	if !cfg.API.Enabled {
		logger.Warn().Msg("API is disabled in config, but starting API application. Check your config.")
	}
	httpServer := api.NewHTTPServer(cfg.API, scheduler, &logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Worker.Enabled {
		go forwarder.Run(ctx)
	}

	startMetrics(ctx, cfg, &logger)

	return startServers(ctx, httpServer, cfg, &logger)
}

// registerEventHandlers attaches the in-process consumers: reconciliation
// counts feed metrics, failure events feed the operational log.
func registerEventHandlers(bus *events.EventBus, logger *zerolog.Logger) {
	bus.Subscribe(events.EventSlotReconciled, func(e *events.Event) error {
		metrics.IncSlotReconciled()
		return nil
	})
	bus.Subscribe(events.EventAvailabilityLoadError, func(e *events.Event) error {
		logger.Warn().RawJSON("payload", e.Payload).Msg("availability load error")
		return nil
	})
	bus.Subscribe(events.EventSubmissionDeadLetter, func(e *events.Event) error {
		logger.Error().RawJSON("payload", e.Payload).Msg("submission dead-lettered")
		return nil
	})
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "api-main").Logger()

	return cfg, logger, closer, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(context.Background(), redisClient); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = repository.Close(redisClient)
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

// initDraftRepository prefers redis with an in-memory fallback; drafts are
// reconstructable by the patient, so losing them is an inconvenience, not
// data loss.
func initDraftRepository(redisClient *redis.Client, ttl time.Duration, logger *zerolog.Logger) domain.DraftRepository {
	memory := repository.NewMemoryDraftRepository(ttl)
	if redisClient == nil {
		logger.Info().Msg("draft store: memory only")
		return memory
	}
	primary := repository.NewRedisDraftRepository(redisClient, ttl)
	return repository.NewFailoverDraftRepository(primary, memory, logger)
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startServers(ctx context.Context, httpServer *api.HTTPServer, cfg *config.Config, logger *zerolog.Logger) error {
	go func() {
		if !cfg.API.HTTP.Enabled {
			return
		}
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().Int("http_port", cfg.API.HTTP.Port).Msg("API server started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("API server stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
