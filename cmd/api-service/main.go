package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/face-pipeline/internal/api/handler"
	"github.com/cuongbtq/face-pipeline/internal/api/router"
	"github.com/cuongbtq/face-pipeline/internal/config"
	"github.com/cuongbtq/face-pipeline/internal/intake"
	"github.com/cuongbtq/face-pipeline/internal/joblog"
	"github.com/cuongbtq/face-pipeline/internal/queue"
	"github.com/cuongbtq/face-pipeline/internal/session"
	"github.com/cuongbtq/face-pipeline/shared/logger"
	"github.com/cuongbtq/face-pipeline/shared/mongodb"
	"github.com/cuongbtq/face-pipeline/shared/postgresql"
	"github.com/cuongbtq/face-pipeline/shared/rabbitmq"
	"github.com/cuongbtq/face-pipeline/shared/redisclient"
	"github.com/cuongbtq/face-pipeline/shared/s3store"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
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

	metadataQueue, err := queue.New(cfg.Pipeline.MetadataQueue, rabbitClient, appLogger.Component("queue"),
		queue.NewLogListener(appLogger.Component("queue")),
		joblog.NewListener(ledger, appLogger.Logger),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize metadata queue: %w", err)
	}

	// Initialize MongoDB client
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

	metadataStore := intake.NewMongoMetadataStore(mongoClient.Collection(intake.MetadataCollectionName))
	if err := metadataStore.EnsureIndexes(startCtx); err != nil {
		return fmt.Errorf("failed to create image metadata indexes: %w", err)
	}

	appLogger.Info("MongoDB connection established")

	// Initialize the content store
	contentStore, err := s3store.New(startCtx, &s3store.Config{
		Bucket:          cfg.Storage.Bucket,
		Region:          cfg.Storage.Region,
		Endpoint:        cfg.Storage.Endpoint,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize content store: %w", err)
	}

	// Initialize the optional summary cache
	var summaryCache session.Cache
	if cfg.Redis.Addr != "" {
		redisClient, err := initRedis(&cfg.Redis, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		defer redisClient.Close()
		summaryCache = session.NewRedisCache(redisClient, cfg.Redis.SummaryTTL)
	} else {
		appLogger.Info("Summary cache disabled")
	}

	intakeService := intake.NewService(&intake.Config{
		Logger:             appLogger.Logger,
		Sessions:           sessionStore,
		Metadata:           metadataStore,
		Content:            contentStore,
		Queue:              metadataQueue,
		JobName:            cfg.Pipeline.MetadataJobName,
		JobOptions:         cfg.Pipeline.MetadataJob.Options(),
		MaxFilesPerRequest: cfg.Intake.MaxFilesPerRequest,
		UploadLimit:        cfg.Intake.UploadLimit,
		AllowedExtensions:  cfg.Intake.AllowedExtensions,
	})
	summaryService := session.NewSummaryService(sessionStore, contentStore, summaryCache, appLogger.Logger)

	// Initialize router
	r := initRouter(cfg, &handler.Dependencies{
		Logger:      appLogger.Logger,
		ServiceName: cfg.App.Name,
		Sessions:    intakeService,
		Summaries:   summaryService,
		Jobs:        ledger,
		HealthChecks: []handler.HealthCheck{
			{Name: "mongodb", Check: mongoClient.Ping},
			{Name: "postgresql", Check: dbClient.HealthCheck},
			{Name: "rabbitmq", Check: func(ctx context.Context) error {
				if !rabbitClient.IsConnected() {
					return rabbitmq.ErrNotConnected
				}
				return nil
			}},
		},
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down server",
			slog.String("signal", sig.String()),
		)
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	r := router.SetupRouter(deps)
	r.MaxMultipartMemory = cfg.Intake.MaxUploadMemory
	return r
}
