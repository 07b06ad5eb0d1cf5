package common

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	ServiceName string

	HTTPPort    int    `env:"HTTP_PORT" envDefault:"8080"`
	MetricsPort int    `env:"METRICS_PORT"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseURL             string `env:"DATABASE_URL"`
	DatabaseConnectAttempts int    `env:"DATABASE_CONNECT_ATTEMPTS" envDefault:"5"`
	MigrateOnStart          bool   `env:"MIGRATE_ON_START" envDefault:"true"`

	RedisURL           string `env:"REDIS_URL"`
	IdempotencyBackend string `env:"IDEMPOTENCY_BACKEND" envDefault:"postgres"`

	KafkaBrokers    []string `env:"KAFKA_BROKERS" envSeparator:","`
	AuditTopic      string   `env:"AUDIT_TOPIC" envDefault:"notification.audit"`
	DeadLetterTopic string   `env:"DLQ_TOPIC" envDefault:"dlq.notification.retry"`

	OTLPEndpoint     string  `env:"OTLP_ENDPOINT"`
	TraceSampleRatio float64 `env:"TRACE_SAMPLE_RATIO" envDefault:"1"`

	SendTimeout     time.Duration `env:"SEND_TIMEOUT" envDefault:"5s"`
	GatewayCacheTTL time.Duration `env:"GATEWAY_CACHE_TTL" envDefault:"30s"`
	AuditBuffer     int           `env:"AUDIT_BUFFER" envDefault:"1024"`

	Retry RetryConfig `envPrefix:"RETRY_"`
}

// RetryConfig carries the retry queue tunables. The backoff constants are
// configuration because older deployments disagreed on them.
type RetryConfig struct {
	BaseDelay  time.Duration `env:"BASE_DELAY" envDefault:"30m"`
	MaxDelay   time.Duration `env:"MAX_DELAY" envDefault:"24h"`
	MaxRetries int           `env:"MAX_RETRIES" envDefault:"3"`
	StaleAfter time.Duration `env:"STALE_AFTER" envDefault:"10m"`
	Retention  time.Duration `env:"RETENTION" envDefault:"168h"`
	BatchSize  int           `env:"BATCH_SIZE" envDefault:"50"`
	Workers    int           `env:"WORKERS" envDefault:"1"`
	Schedule   string        `env:"SCHEDULE" envDefault:"@every 2m"`
}

func LoadConfig(service string) (*Config, error) {
	// a missing .env file is the normal case outside local development
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.ServiceName = service

	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = cfg.HTTPPort + 1000
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.IdempotencyBackend {
	case "postgres", "memory":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required when IDEMPOTENCY_BACKEND=redis")
		}
	default:
		return fmt.Errorf("invalid value for IDEMPOTENCY_BACKEND: %q", c.IdempotencyBackend)
	}
	if c.SendTimeout <= 0 {
		return errors.New("SEND_TIMEOUT must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return errors.New("TRACE_SAMPLE_RATIO must be within [0,1]")
	}
	return c.Retry.validate()
}

func (r RetryConfig) validate() error {
	if r.BaseDelay <= 0 {
		return errors.New("RETRY_BASE_DELAY must be positive")
	}
	if r.MaxDelay < r.BaseDelay {
		return errors.New("RETRY_MAX_DELAY must not be lower than RETRY_BASE_DELAY")
	}
	if r.MaxRetries < 1 {
		return errors.New("RETRY_MAX_RETRIES must be at least 1")
	}
	if r.BatchSize < 1 || r.Workers < 1 {
		return errors.New("RETRY_BATCH_SIZE and RETRY_WORKERS must be at least 1")
	}
	return nil
}

// KafkaEnabled reports whether audit and dead-letter events are published.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}
