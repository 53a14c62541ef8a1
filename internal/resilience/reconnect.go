package resilience

import (
	"context"
	"fmt"
	"time"
)

// ReconnectConfig holds configuration for supervised reconnection logic
type ReconnectConfig struct {
	MaxAttempts  int           // Consecutive failures before giving up
	Backoff      time.Duration // Backoff before the first restart
	Multiplier   float64       // Backoff multiplier for exponential backoff
	MaxBackoff   time.Duration // Maximum backoff duration
	HealthyAfter time.Duration // Session runtime that resets the failure budget
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts:  5,
		Backoff:      1 * time.Second,
		Multiplier:   2.0,
		MaxBackoff:   30 * time.Second,
		HealthyAfter: time.Minute,
	}
}

// SessionFunc runs one connection session. It returns nil on clean shutdown
// and an error when the session died and should be restarted.
type SessionFunc func(ctx context.Context) error

// Supervise runs fn repeatedly, restarting it with exponential backoff after
// failures. A session that stays up past HealthyAfter resets the backoff and
// the failure budget, so a long-lived connection can fail and recover
// indefinitely. Supervise returns nil when fn returns nil or ctx is
// cancelled, and the last error after MaxAttempts consecutive failures.
func Supervise(ctx context.Context, fn SessionFunc, config *ReconnectConfig) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}

	backoff := config.Backoff
	failures := 0

	for {
		started := time.Now()
		err := fn(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		if time.Since(started) >= config.HealthyAfter {
			failures = 0
			backoff = config.Backoff
		}

		failures++
		if failures >= config.MaxAttempts {
			return fmt.Errorf("giving up after %d consecutive session failures: %w", failures, err)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}
}
