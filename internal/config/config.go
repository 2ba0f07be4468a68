package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuongbtq/face-pipeline/internal/queue"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Worker stages
const (
	StageProcessing  = "processing"
	StageAggregation = "aggregation"
	StageAll         = "all"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	MongoDB  MongoDBConfig  `yaml:"mongodb"`
	Storage  StorageConfig  `yaml:"storage"`
	Redis    RedisConfig    `yaml:"redis"`
	Encoder  EncoderConfig  `yaml:"encoder"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Intake   IntakeConfig   `yaml:"intake"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration.
// Job queues are declared per pipeline queue name.
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds settings shared by every declared job queue
type QueueConfig struct {
	Durable bool `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// MongoDBConfig holds document store configuration
type MongoDBConfig struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	MaxPoolSize    uint64        `yaml:"max_pool_size"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// StorageConfig holds S3 content store configuration
type StorageConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// RedisConfig holds summary cache configuration. An empty Addr disables the cache.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	SummaryTTL  time.Duration `yaml:"summary_ttl"`
}

// EncoderConfig holds face encoding service configuration
type EncoderConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds circuit breaker settings for the encoder
type BreakerConfig struct {
	MaxRequests  uint32        `yaml:"max_requests"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
}

// PipelineConfig names the queues and jobs of the pipeline
type PipelineConfig struct {
	MetadataQueue     string    `yaml:"metadata_queue"`
	SummaryQueue      string    `yaml:"summary_queue"`
	MetadataJobName   string    `yaml:"metadata_job_name"`
	SummaryJobName    string    `yaml:"summary_job_name"`
	MetadataJob       JobConfig `yaml:"metadata_job"`
	SummaryJob        JobConfig `yaml:"summary_job"`
	MaxParallelImages int       `yaml:"max_parallel_images"`
}

// JobConfig holds per-job retry options
type JobConfig struct {
	Attempts int           `yaml:"attempts"`
	Backoff  queue.Backoff `yaml:"backoff"`
}

// Options converts the job config into enqueue options
func (j JobConfig) Options() queue.Options {
	return queue.Options{
		MaxAttempts: j.Attempts,
		Backoff:     j.Backoff,
	}
}

// IntakeConfig holds upload admission limits
type IntakeConfig struct {
	MaxFilesPerRequest int      `yaml:"max_files_per_request"`
	UploadLimit        int      `yaml:"upload_limit"`
	AllowedExtensions  []string `yaml:"allowed_extensions"`
	MaxUploadMemory    int64    `yaml:"max_upload_memory"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Stage           string        `yaml:"stage"`
	Concurrency     int           `yaml:"concurrency"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Load reads the configuration file, expands ${ENV} references and applies defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "direct"
	}
	if c.MongoDB.ConnectTimeout == 0 {
		c.MongoDB.ConnectTimeout = 10 * time.Second
	}
	if c.Redis.SummaryTTL == 0 {
		c.Redis.SummaryTTL = 5 * time.Minute
	}
	if c.Encoder.Timeout == 0 {
		c.Encoder.Timeout = 30 * time.Second
	}
	if c.Pipeline.MetadataQueue == "" {
		c.Pipeline.MetadataQueue = "image-metadata"
	}
	if c.Pipeline.SummaryQueue == "" {
		c.Pipeline.SummaryQueue = "session-summary"
	}
	if c.Pipeline.MetadataJobName == "" {
		c.Pipeline.MetadataJobName = "process-image-metadata"
	}
	if c.Pipeline.SummaryJobName == "" {
		c.Pipeline.SummaryJobName = "merge-session-summary"
	}
	c.Pipeline.MetadataJob.applyDefaults()
	c.Pipeline.SummaryJob.applyDefaults()
	if c.Intake.MaxFilesPerRequest == 0 {
		c.Intake.MaxFilesPerRequest = 5
	}
	if c.Intake.UploadLimit == 0 {
		c.Intake.UploadLimit = 20
	}
	if c.Intake.MaxUploadMemory == 0 {
		c.Intake.MaxUploadMemory = 32 << 20
	}
	if c.Worker.Stage == "" {
		c.Worker.Stage = StageAll
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 1
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
}

func (j *JobConfig) applyDefaults() {
	if j.Attempts == 0 {
		j.Attempts = 3
	}
	if j.Backoff.Type == "" {
		j.Backoff.Type = queue.BackoffExponential
	}
	if j.Backoff.Delay == 0 {
		j.Backoff.Delay = time.Second
	}
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateCommon(); err != nil {
		return err
	}

	if c.Intake.MaxFilesPerRequest < 0 {
		return fmt.Errorf("intake max_files_per_request must not be negative")
	}

	if c.Intake.UploadLimit < 0 {
		return fmt.Errorf("intake upload_limit must not be negative")
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateCommon(); err != nil {
		return err
	}

	switch c.Worker.Stage {
	case StageProcessing, StageAggregation, StageAll:
	default:
		return fmt.Errorf("invalid worker stage: %q", c.Worker.Stage)
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout < 0 {
		return fmt.Errorf("worker job_timeout must not be negative")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.Stage != StageAggregation && c.Encoder.URL == "" {
		return fmt.Errorf("encoder url is required")
	}

	return nil
}

func (c *Config) validateCommon() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.MongoDB.URI == "" {
		return fmt.Errorf("mongodb uri is required")
	}

	if c.MongoDB.Database == "" {
		return fmt.Errorf("mongodb database is required")
	}

	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage bucket is required")
	}

	if c.Storage.Region == "" {
		return fmt.Errorf("storage region is required")
	}

	if c.Pipeline.MetadataQueue == c.Pipeline.SummaryQueue {
		return fmt.Errorf("pipeline metadata_queue and summary_queue must differ")
	}

	if c.Pipeline.MetadataJobName == c.Pipeline.SummaryJobName {
		return fmt.Errorf("pipeline metadata_job_name and summary_job_name must differ")
	}

	for name, job := range map[string]JobConfig{"metadata_job": c.Pipeline.MetadataJob, "summary_job": c.Pipeline.SummaryJob} {
		if job.Attempts < 1 {
			return fmt.Errorf("pipeline %s attempts must be at least 1", name)
		}
		if job.Backoff.Type != queue.BackoffFixed && job.Backoff.Type != queue.BackoffExponential {
			return fmt.Errorf("pipeline %s backoff type %q is invalid", name, job.Backoff.Type)
		}
	}

	return nil
}
