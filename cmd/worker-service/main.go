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

	"github.com/cuongbtq/face-pipeline/internal/aggregation"
	"github.com/cuongbtq/face-pipeline/internal/config"
	"github.com/cuongbtq/face-pipeline/internal/encoder"
	"github.com/cuongbtq/face-pipeline/internal/joblog"
	"github.com/cuongbtq/face-pipeline/internal/pipeline"
	"github.com/cuongbtq/face-pipeline/internal/processing"
	"github.com/cuongbtq/face-pipeline/internal/queue"
	"github.com/cuongbtq/face-pipeline/internal/session"
	"github.com/cuongbtq/face-pipeline/shared/logger"
	"github.com/cuongbtq/face-pipeline/shared/mongodb"
	"github.com/cuongbtq/face-pipeline/shared/postgresql"
	"github.com/cuongbtq/face-pipeline/shared/rabbitmq"
	"github.com/cuongbtq/face-pipeline/shared/redisclient"
	"github.com/cuongbtq/face-pipeline/shared/s3store"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const startupTimeout = 30 * time.Second

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

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	stage := flag.String("stage", "", "Stage to run: processing, aggregation or all (overrides worker.stage)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *stage != "" {
		cfg.Worker.Stage = *stage
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("stage", cfg.Worker.Stage),
	)

	startCtx, startCancel := context.WithTimeout(context.Background(), startupTimeout)
	defer startCancel()

	// Initialize PostgreSQL client and the job ledger
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	ledger := joblog.NewStorage(dbClient.GetDB())
	if err := ledger.EnsureSchema(startCtx); err != nil {
		return fmt.Errorf("failed to prepare job ledger: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	listeners := []queue.EventListener{
		queue.NewLogListener(appLogger.Component("queue")),
		joblog.NewListener(ledger, appLogger.Logger),
	}
	names := pipeline.JobNames{
		ImageBatch:     cfg.Pipeline.MetadataJobName,
		SessionSummary: cfg.Pipeline.SummaryJobName,
	}

	var workers []*queue.Worker

	if cfg.Worker.Stage == config.StageProcessing || cfg.Worker.Stage == config.StageAll {
		w, err := initProcessingWorker(startCtx, cfg, appLogger, rabbitClient, names, listeners)
		if err != nil {
			return err
		}
		workers = append(workers, w)
	}

	if cfg.Worker.Stage == config.StageAggregation || cfg.Worker.Stage == config.StageAll {
		mongoClient, err := initMongoDB(&cfg.MongoDB, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize MongoDB: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			mongoClient.Close(closeCtx)
		}()

		sessionStore := session.NewMongoStore(mongoClient.Collection(session.CollectionName), appLogger.Logger)
		if err := sessionStore.EnsureIndexes(startCtx); err != nil {
			return fmt.Errorf("failed to create session indexes: %w", err)
		}

		// stays nil when the cache is disabled
		var cache aggregation.Invalidator
		if cfg.Redis.Addr != "" {
			redisClient, err := initRedis(&cfg.Redis, appLogger.Logger)
			if err != nil {
				return fmt.Errorf("failed to initialize Redis: %w", err)
			}
			defer redisClient.Close()
			cache = session.NewRedisCache(redisClient, cfg.Redis.SummaryTTL)
		}

		w, err := queue.NewWorker(&queue.WorkerConfig{
			Logger:      appLogger.Component("aggregation-worker"),
			Broker:      rabbitClient,
			Queue:       cfg.Pipeline.SummaryQueue,
			Handler:     aggregation.NewStage(sessionStore, cache, names, appLogger.Logger),
			Concurrency: cfg.Worker.Concurrency,
			JobTimeout:  cfg.Worker.JobTimeout,
			Listeners:   listeners,
		})
		if err != nil {
			return fmt.Errorf("failed to create aggregation worker: %w", err)
		}
		workers = append(workers, w)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start workers; each Start blocks until its consumer stops
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			return w.Start(gctx)
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	appLogger.Info("Worker service started successfully",
		slog.Int("workers", len(workers)),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
		cancel()
		runErr = <-done
	case runErr = <-done:
		if runErr != nil {
			appLogger.Error("Worker error",
				slog.Any("error", runErr),
			)
		}
	}

	// Give in-flight jobs time to finish
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	for _, w := range workers {
		if err := w.Stop(shutdownCtx); err != nil {
			appLogger.Warn("Worker shutdown timeout exceeded, in-flight jobs canceled",
				slog.Any("error", err),
			)
		}
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// initProcessingWorker wires the image processing stage onto the metadata queue
func initProcessingWorker(ctx context.Context, cfg *config.Config, appLogger *logger.Logger, rabbitClient *rabbitmq.Client, names pipeline.JobNames, listeners []queue.EventListener) (*queue.Worker, error) {
	contentStore, err := s3store.New(ctx, &s3store.Config{
		Bucket:          cfg.Storage.Bucket,
		Region:          cfg.Storage.Region,
		Endpoint:        cfg.Storage.Endpoint,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
	}, appLogger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize content store: %w", err)
	}

	encoderClient, err := encoder.New(&encoder.Config{
		URL:     cfg.Encoder.URL,
		Timeout: cfg.Encoder.Timeout,
		Breaker: encoder.BreakerConfig{
			MaxRequests:  cfg.Encoder.Breaker.MaxRequests,
			Interval:     cfg.Encoder.Breaker.Interval,
			Timeout:      cfg.Encoder.Breaker.Timeout,
			MinRequests:  cfg.Encoder.Breaker.MinRequests,
			FailureRatio: cfg.Encoder.Breaker.FailureRatio,
		},
	}, appLogger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encoder client: %w", err)
	}

	summaryQueue, err := queue.New(cfg.Pipeline.SummaryQueue, rabbitClient, appLogger.Component("queue"), listeners...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize summary queue: %w", err)
	}

	// declares the metadata queue topology before consuming from it
	if _, err := queue.New(cfg.Pipeline.MetadataQueue, rabbitClient, appLogger.Component("queue")); err != nil {
		return nil, fmt.Errorf("failed to initialize metadata queue: %w", err)
	}

	stage := processing.NewStage(&processing.Config{
		Logger:            appLogger.Logger,
		Store:             contentStore,
		Encoder:           encoderClient,
		SummaryQueue:      summaryQueue,
		JobNames:          names,
		SummaryJobOptions: cfg.Pipeline.SummaryJob.Options(),
		MaxParallelImages: cfg.Pipeline.MaxParallelImages,
	})

	w, err := queue.NewWorker(&queue.WorkerConfig{
		Logger:      appLogger.Component("processing-worker"),
		Broker:      rabbitClient,
		Queue:       cfg.Pipeline.MetadataQueue,
		Handler:     stage,
		Concurrency: cfg.Worker.Concurrency,
		JobTimeout:  cfg.Worker.JobTimeout,
		Listeners:   listeners,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create processing worker: %w", err)
	}
	return w, nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueDurable:       cfg.Queue.Durable,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initMongoDB initializes the MongoDB client
func initMongoDB(cfg *config.MongoDBConfig, logger *slog.Logger) (*mongodb.Client, error) {
	return mongodb.NewClient(&mongodb.Config{
		URI:            cfg.URI,
		Database:       cfg.Database,
		MaxPoolSize:    cfg.MaxPoolSize,
		ConnectTimeout: cfg.ConnectTimeout,
	}, logger)
}

// initRedis initializes the Redis client backing the summary cache
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	return redisclient.NewClient(&redisclient.Config{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	}, logger)
}
