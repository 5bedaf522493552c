package cancelsignal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection settings for the flag store
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	TTL         time.Duration
}

// RedisStore keeps flags as expiring Redis keys
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.Info("Connected to Redis cancellation store",
		slog.String("addr", cfg.Addr),
		slog.Int("db", cfg.DB),
	)

	return NewRedisStoreFromClient(client, cfg.TTL, logger), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

// Raise sets the flag for one job
func (s *RedisStore) Raise(ctx context.Context, jobID string) error {
	if err := s.client.Set(ctx, Key(jobID), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to raise cancel signal: %w", err)
	}
	return nil
}

// RaiseMany sets the flags for several jobs in one round trip
func (s *RedisStore) RaiseMany(ctx context.Context, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range jobIDs {
			pipe.Set(ctx, Key(id), "1", s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to raise cancel signals: %w", err)
	}
	return nil
}

// IsRaised checks the flag for one job
func (s *RedisStore) IsRaised(ctx context.Context, jobID string) (bool, error) {
	n, err := s.client.Exists(ctx, Key(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check cancel signal: %w", err)
	}
	return n > 0, nil
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// HealthCheck pings Redis
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
