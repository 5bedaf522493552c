// Package bootstrap turns a loaded configuration into the clients the archive
// binaries share.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/ostdata-archive/internal/artifact"
	"github.com/cuongbtq/ostdata-archive/internal/cancelsignal"
	"github.com/cuongbtq/ostdata-archive/internal/config"
	"github.com/cuongbtq/ostdata-archive/shared/database"
	"github.com/cuongbtq/ostdata-archive/shared/logger"
	"github.com/cuongbtq/ostdata-archive/shared/rabbitmq"
)

// NewLogger initializes and configures the application logger
func NewLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// OpenDatabase connects to the job record store
func OpenDatabase(cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Client, error) {
	return database.NewClient(&database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
}

// RabbitMQConfig maps the service configuration onto the client configuration
func RabbitMQConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		DeadLetterExchange: cfg.DeadLetterExchange,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}
}

// OpenRabbitMQ connects to the build queue
func OpenRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(RabbitMQConfig(cfg), logger)
}

// OpenSignals builds the cancellation signal store selected by cfg
func OpenSignals(ctx context.Context, cfg *config.Config, logger *slog.Logger) (cancelsignal.Store, error) {
	switch cfg.CancelSignal.Backend {
	case config.SignalBackendRedis:
		return cancelsignal.NewRedisStore(ctx, cancelsignal.RedisConfig{
			Addr:        cfg.CancelSignal.Redis.Addr,
			Password:    cfg.CancelSignal.Redis.Password,
			DB:          cfg.CancelSignal.Redis.DB,
			DialTimeout: cfg.CancelSignal.Redis.DialTimeout,
			TTL:         cfg.Download.CancelSignalTTL,
		}, logger)
	case config.SignalBackendMemory:
		logger.Warn("Using in-process cancellation signals; builders in other processes will not see them")
		return cancelsignal.NewMemoryStore(cfg.CancelSignal.MaxEntries, cfg.Download.CancelSignalTTL), nil
	default:
		return nil, fmt.Errorf("unsupported cancel_signal backend: %s", cfg.CancelSignal.Backend)
	}
}

// OpenArtifacts builds the artifact store selected by cfg
func OpenArtifacts(ctx context.Context, cfg *config.ArtifactsConfig, logger *slog.Logger) (artifact.Store, error) {
	switch cfg.Backend {
	case config.ArtifactBackendLocal:
		store, err := artifact.NewLocalFS(cfg.Local.Root)
		if err != nil {
			return nil, err
		}
		logger.Info("Local artifact store configured", slog.String("root", cfg.Local.Root))
		return store, nil
	case config.ArtifactBackendS3:
		return artifact.NewS3Store(ctx, artifact.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
			MaxRetries:      cfg.S3.MaxRetries,
			Timeout:         cfg.S3.Timeout,
			SpoolDir:        cfg.S3.SpoolDir,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported artifacts backend: %s", cfg.Backend)
	}
}
