package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	RabbitMQ      RabbitMQConfig      `yaml:"rabbitmq"`
	ObjectStorage ObjectStorageConfig `yaml:"object_storage"`
	Extractor     ExtractorConfig     `yaml:"extractor"`
	Queues        QueuesConfig        `yaml:"queues"`
	Retry         RetryConfig         `yaml:"retry"`
	Similarity    SimilarityConfig    `yaml:"similarity"`
	RPC           RPCConfig           `yaml:"rpc"`
	Logging       LoggingConfig       `yaml:"logging"`
	App           AppConfig           `yaml:"app"`
	Worker        WorkerConfig        `yaml:"worker"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host" envconfig:"DB_HOST"`
	Port            int           `yaml:"port" envconfig:"DB_PORT"`
	User            string        `yaml:"user" envconfig:"DB_USER"`
	Password        string        `yaml:"password" envconfig:"DB_PASSWORD"`
	Database        string        `yaml:"database" envconfig:"DB_NAME"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host" envconfig:"RABBITMQ_HOST"`
	Port       int              `yaml:"port" envconfig:"RABBITMQ_PORT"`
	User       string           `yaml:"user" envconfig:"RABBITMQ_USER"`
	Password   string           `yaml:"password" envconfig:"RABBITMQ_PASSWORD"`
	VHost      string           `yaml:"vhost"`
	Connection ConnectionConfig `yaml:"connection"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// ObjectStorageConfig holds S3-compatible object storage configuration
type ObjectStorageConfig struct {
	Endpoint  string `yaml:"endpoint" envconfig:"OBJECT_STORAGE_ENDPOINT"`
	AccessKey string `yaml:"access_key" envconfig:"OBJECT_STORAGE_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" envconfig:"OBJECT_STORAGE_SECRET_KEY"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

// ExtractorConfig holds the feature extraction sidecar settings
type ExtractorConfig struct {
	BaseURL string        `yaml:"base_url" envconfig:"EXTRACTOR_BASE_URL"`
	Timeout time.Duration `yaml:"timeout"`
}

// QueuesConfig names the work queues. Empty values fall back to the
// package defaults in internal/dispatch.
type QueuesConfig struct {
	Extraction string `yaml:"extraction"`
	Similarity string `yaml:"similarity"`
}

// RetryConfig holds failed-job retry settings
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Delay      time.Duration `yaml:"delay"`
}

// SimilarityConfig holds similarity search settings
type SimilarityConfig struct {
	Metric      string `yaml:"metric"`
	Normalize   bool   `yaml:"normalize"`
	DefaultTopK int    `yaml:"default_top_k"`
}

// RPCConfig holds submit-and-wait settings for the API service
type RPCConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableSource bool   `yaml:"enable_source"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID              string        `yaml:"id"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Load reads the configuration file and applies environment overrides.
// Credentials may live in the environment instead of the file.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := envconfig.Process("", &config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return &config, nil
}

// ValidateAPIConfig checks the fields the API service depends on
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.RPC.Timeout <= 0 {
		return fmt.Errorf("rpc timeout must be greater than 0")
	}

	if err := c.validateObjectStorage(); err != nil {
		return err
	}

	return c.validateRabbitMQ()
}

// ValidateWorkerConfig checks the fields the worker service depends on
func (c *Config) ValidateWorkerConfig() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.Extractor.BaseURL == "" {
		return fmt.Errorf("extractor base_url is required")
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max_retries must not be negative")
	}

	if err := c.validateObjectStorage(); err != nil {
		return err
	}

	return c.validateRabbitMQ()
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	return nil
}

func (c *Config) validateObjectStorage() error {
	if c.ObjectStorage.Endpoint == "" {
		return fmt.Errorf("object storage endpoint is required")
	}

	if c.ObjectStorage.Bucket == "" {
		return fmt.Errorf("object storage bucket is required")
	}

	return nil
}
