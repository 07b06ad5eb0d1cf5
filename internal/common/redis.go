package common

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var ErrRedisURLMissing = errors.New("REDIS_URL must be provided")

// ConnectRedis parses REDIS_URL and pings the server with the same retry
// policy as ConnectPostgres.
func ConnectRedis(ctx context.Context, cfg *Config, logger zerolog.Logger) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, ErrRedisURLMissing
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	attempts := cfg.DatabaseConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx)
	notify := func(err error, wait time.Duration) {
		logger.Warn().Err(err).Dur("retry_in", wait).Msg("redis not reachable yet")
	}
	ping := func() error { return client.Ping(ctx).Err() }
	if err := backoff.RetryNotify(ping, retry, notify); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}
