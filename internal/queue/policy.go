package queue

import (
	"time"

	"github.com/example/notification-dispatch/internal/common"
)

// Policy holds the retry tunables.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
	StaleAfter time.Duration
	Retention  time.Duration
	BatchSize  int
	Workers    int
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  30 * time.Minute,
		MaxDelay:   24 * time.Hour,
		MaxRetries: 3,
		StaleAfter: 10 * time.Minute,
		Retention:  7 * 24 * time.Hour,
		BatchSize:  50,
		Workers:    1,
	}
}

func PolicyFromConfig(cfg common.RetryConfig) Policy {
	return Policy{
		BaseDelay:  cfg.BaseDelay,
		MaxDelay:   cfg.MaxDelay,
		MaxRetries: cfg.MaxRetries,
		StaleAfter: cfg.StaleAfter,
		Retention:  cfg.Retention,
		BatchSize:  cfg.BatchSize,
		Workers:    cfg.Workers,
	}
}

// Delay is min(BaseDelay * 2^retryCount, MaxDelay).
func (p Policy) Delay(retryCount int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		if d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
