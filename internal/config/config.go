package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Backends
const (
	ArtifactBackendLocal = "local"
	ArtifactBackendS3    = "s3"

	SignalBackendRedis  = "redis"
	SignalBackendMemory = "memory"
)

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	RabbitMQ     RabbitMQConfig     `yaml:"rabbitmq"`
	Logging      LoggingConfig      `yaml:"logging"`
	App          AppConfig          `yaml:"app"`
	Worker       WorkerConfig       `yaml:"worker"`
	Download     DownloadConfig     `yaml:"download"`
	Sweeper      SweeperConfig      `yaml:"sweeper"`
	Artifacts    ArtifactsConfig    `yaml:"artifacts"`
	CancelSignal CancelSignalConfig `yaml:"cancel_signal"`
	Auth         AuthConfig         `yaml:"auth"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds job store connection configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Path            string        `yaml:"path"`
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

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host               string           `yaml:"host"`
	Port               int              `yaml:"port"`
	User               string           `yaml:"user"`
	Password           string           `yaml:"password"`
	VHost              string           `yaml:"vhost"`
	Exchange           ExchangeConfig   `yaml:"exchange"`
	Queue              QueueConfig      `yaml:"queue"`
	RoutingKey         string           `yaml:"routing_key"`
	DeadLetterExchange string           `yaml:"dead_letter_exchange"`
	Connection         ConnectionConfig `yaml:"connection"`
	Publish            PublishConfig    `yaml:"publish"`
	Consumer           ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
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

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// DownloadConfig holds archive build and retention settings
type DownloadConfig struct {
	RetentionTTL        time.Duration `yaml:"retention_ttl"`
	CancelSignalTTL     time.Duration `yaml:"cancel_signal_ttl"`
	ChunkSize           int           `yaml:"chunk_size"`
	ProgressEveryChunks int           `yaml:"progress_every_chunks"`
	ArtifactPrefix      string        `yaml:"artifact_prefix"`
	StaleAfter          time.Duration `yaml:"stale_after"`
	DefaultExtendHours  int           `yaml:"default_extend_hours"`
}

// SweeperConfig holds expiry sweeper settings
type SweeperConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

// ArtifactsConfig selects and configures the artifact store
type ArtifactsConfig struct {
	Backend string        `yaml:"backend"`
	Local   LocalFSConfig `yaml:"local"`
	S3      S3Config      `yaml:"s3"`
}

// LocalFSConfig holds the local artifact root
type LocalFSConfig struct {
	Root string `yaml:"root"`
}

// S3Config holds S3 artifact store settings
type S3Config struct {
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	MaxRetries      int           `yaml:"max_retries"`
	Timeout         time.Duration `yaml:"timeout"`
	SpoolDir        string        `yaml:"spool_dir"`
}

// CancelSignalConfig selects and configures the cancellation signal store
type CancelSignalConfig struct {
	Backend    string      `yaml:"backend"`
	Redis      RedisConfig `yaml:"redis"`
	MaxEntries int         `yaml:"max_entries"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// AuthConfig holds caller identity settings
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret"`
	AdminClaim string `yaml:"admin_claim"`
}

// MetricsConfig holds Prometheus endpoint settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Load reads and parses the configuration file, applies environment
// overrides and fills defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	config.ApplyDefaults()

	return &config, nil
}

// applyEnv overrides secrets and tunables from the environment
func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	setString("DATABASE_PASSWORD", &c.Database.Password)
	setString("RABBITMQ_PASSWORD", &c.RabbitMQ.Password)
	setString("REDIS_PASSWORD", &c.CancelSignal.Redis.Password)
	setString("JWT_SECRET", &c.Auth.JWTSecret)
	setString("S3_ACCESS_KEY_ID", &c.Artifacts.S3.AccessKeyID)
	setString("S3_SECRET_ACCESS_KEY", &c.Artifacts.S3.SecretAccessKey)

	if v, ok := os.LookupEnv("DOWNLOAD_JOB_TTL_HOURS"); ok && v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours <= 0 {
			return fmt.Errorf("invalid DOWNLOAD_JOB_TTL_HOURS %q: must be a positive integer", v)
		}
		c.Download.RetentionTTL = time.Duration(hours) * time.Hour
	}

	return nil
}

// ApplyDefaults fills unset values
func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Worker.ShutdownTimeout <= 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.Worker.HeartbeatInterval <= 0 {
		c.Worker.HeartbeatInterval = 30 * time.Second
	}

	d := &c.Download
	if d.RetentionTTL <= 0 {
		d.RetentionTTL = 72 * time.Hour
	}
	if d.CancelSignalTTL <= 0 {
		d.CancelSignalTTL = 24 * time.Hour
	}
	if d.ChunkSize <= 0 {
		d.ChunkSize = 1 << 20
	}
	if d.ProgressEveryChunks <= 0 {
		d.ProgressEveryChunks = 8
	}
	if d.ArtifactPrefix == "" {
		d.ArtifactPrefix = "download-jobs"
	}
	if d.StaleAfter == 0 {
		d.StaleAfter = 6 * time.Hour
	}
	if d.DefaultExtendHours <= 0 {
		d.DefaultExtendHours = 48
	}

	if c.Sweeper.Interval <= 0 {
		c.Sweeper.Interval = time.Hour
	}
	if c.Sweeper.BatchSize <= 0 {
		c.Sweeper.BatchSize = 500
	}

	if c.Artifacts.Backend == "" {
		c.Artifacts.Backend = ArtifactBackendLocal
	}
	if c.CancelSignal.Backend == "" {
		c.CancelSignal.Backend = SignalBackendRedis
	}
	if c.CancelSignal.MaxEntries <= 0 {
		c.CancelSignal.MaxEntries = 100_000
	}
	if c.Auth.AdminClaim == "" {
		c.Auth.AdminClaim = "is_staff"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "archive"
	}
}

// Validate checks settings shared by every service
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	switch c.Artifacts.Backend {
	case ArtifactBackendLocal:
		if c.Artifacts.Local.Root == "" {
			return fmt.Errorf("artifacts local root is required")
		}
	case ArtifactBackendS3:
		if c.Artifacts.S3.Bucket == "" {
			return fmt.Errorf("artifacts s3 bucket is required")
		}
	default:
		return fmt.Errorf("unsupported artifacts backend: %q", c.Artifacts.Backend)
	}

	switch c.CancelSignal.Backend {
	case SignalBackendRedis:
		if c.CancelSignal.Redis.Addr == "" {
			return fmt.Errorf("cancel_signal redis addr is required")
		}
	case SignalBackendMemory:
	default:
		return fmt.Errorf("unsupported cancel_signal backend: %q", c.CancelSignal.Backend)
	}

	if c.Download.StaleAfter < 0 {
		return fmt.Errorf("download stale_after must not be negative")
	}

	if c.Metrics.Enabled && (c.Metrics.Port < MinPort || c.Metrics.Port > MaxPort) {
		return fmt.Errorf("invalid metrics port: %d (must be between %d and %d)", c.Metrics.Port, MinPort, MaxPort)
	}

	return nil
}

// validateRabbitMQ checks broker settings
func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.Validate(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret is required")
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return nil
}
