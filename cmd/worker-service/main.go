package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/openshaz/openshaz/internal/config"
	"github.com/openshaz/openshaz/internal/dispatch"
	"github.com/openshaz/openshaz/internal/features"
	"github.com/openshaz/openshaz/internal/similarity"
	"github.com/openshaz/openshaz/internal/worker"
	"github.com/openshaz/openshaz/shared/logger"
	"github.com/openshaz/openshaz/shared/objectstore"
	"github.com/openshaz/openshaz/shared/postgresql"
	"github.com/openshaz/openshaz/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL and feature tables
	dbClient, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	featureStore := features.NewStore(dbClient.GetDB(), appLogger.Logger)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()
	if err := featureStore.Init(bootCtx); err != nil {
		return fmt.Errorf("failed to initialize feature tables: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize object storage
	storeClient, err := objectstore.NewClient(&objectstore.Config{
		Endpoint:  cfg.ObjectStorage.Endpoint,
		AccessKey: cfg.ObjectStorage.AccessKey,
		SecretKey: cfg.ObjectStorage.SecretKey,
		Region:    cfg.ObjectStorage.Region,
		UseSSL:    cfg.ObjectStorage.UseSSL,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize object storage: %w", err)
	}

	// Initialize RabbitMQ client shared by the consumer loops
	rabbitClient, err := rabbitmq.NewClient(&rabbitmq.Config{
		Host:              cfg.RabbitMQ.Host,
		Port:              cfg.RabbitMQ.Port,
		User:              cfg.RabbitMQ.User,
		Password:          cfg.RabbitMQ.Password,
		VHost:             cfg.RabbitMQ.VHost,
		RetryAttempts:     cfg.RabbitMQ.Connection.RetryAttempts,
		RetryInterval:     cfg.RabbitMQ.Connection.RetryInterval,
		Heartbeat:         cfg.RabbitMQ.Connection.Heartbeat,
		ConnectionTimeout: cfg.RabbitMQ.Connection.ConnectionTimeout,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	metric := similarity.MetricCosine
	if cfg.Similarity.Metric != "" {
		metric, err = similarity.ParseMetric(cfg.Similarity.Metric)
		if err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}

	// Reference features are loaded lazily and refitted on demand
	cache := similarity.NewCache(featureStore, cfg.Similarity.Normalize, appLogger.Logger)

	processor := worker.NewProcessor(&worker.ProcessorConfig{
		Logger:      appLogger.Logger,
		Store:       featureStore,
		Objects:     storeClient,
		Extractor:   features.NewHTTPExtractor(cfg.Extractor.BaseURL, cfg.Extractor.Timeout, appLogger.Logger),
		Cache:       cache,
		Metric:      metric,
		DefaultTopK: cfg.Similarity.DefaultTopK,
	})

	governor := dispatch.NewGovernor(rabbitClient, dispatch.GovernorConfig{
		MaxRetries: cfg.Retry.MaxRetries,
		RetryDelay: cfg.Retry.Delay,
	}, appLogger.Logger)

	workerInstance := worker.New(&worker.Config{
		Logger:        appLogger.Logger,
		Broker:        rabbitClient,
		Governor:      governor,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
		WorkerID:      cfg.Worker.ID,
	})

	extractionQueue := cfg.Queues.Extraction
	if extractionQueue == "" {
		extractionQueue = dispatch.ExtractionQueue
	}
	similarityQueue := cfg.Queues.Similarity
	if similarityQueue == "" {
		similarityQueue = dispatch.SimilarityQueue
	}

	workerInstance.Handle(extractionQueue, func(ctx context.Context, job dispatch.Job) (*dispatch.JobResult, error) {
		result, err := processor.HandleExtraction(ctx, job)
		if err == nil {
			// New catalogue entry, drop the fitted engine
			cache.Invalidate()
		}
		return result, err
	})
	workerInstance.Handle(similarityQueue, processor.HandleSimilarity)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully",
		slog.String("extraction_queue", extractionQueue),
		slog.String("similarity_queue", similarityQueue),
	)

	// SIGHUP drops the cached similarity engine so it refits on the next job
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			appLogger.Info("Reload signal received, invalidating similarity cache")
			cache.Invalidate()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	cancel()

	shutdownTimeout := cfg.Worker.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableSource,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}
