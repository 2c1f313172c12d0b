package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	Name        string        // Used in log lines
	MaxAttempts int           // Zero or negative retries forever
	Backoff     time.Duration // Wait between attempts
	Multiplier  float64       // 1.0 keeps the backoff fixed
	MaxBackoff  time.Duration // Cap for a growing backoff
	Logger      *zerolog.Logger
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		Name:        "reconnect",
		MaxAttempts: 5,
		Backoff:     1 * time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// FixedBackoffForever retries at a constant interval with no attempt limit.
func FixedBackoffForever(name string, backoff time.Duration, logger *zerolog.Logger) *ReconnectConfig {
	return &ReconnectConfig{
		Name:       name,
		Backoff:    backoff,
		Multiplier: 1.0,
		MaxBackoff: backoff,
		Logger:     logger,
	}
}

// ReconnectFunc attempts to (re)establish a resource. attempt starts at 1.
type ReconnectFunc func(attempt int) error

// Reconnect calls fn until it succeeds, the attempts run out or ctx is done.
func Reconnect(ctx context.Context, fn ReconnectFunc, config *ReconnectConfig) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	multiplier := config.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	backoff := config.Backoff
	for attempt := 1; config.MaxAttempts <= 0 || attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				logger.Info().Str("target", config.Name).Int("attempt", attempt).Msg("Reconnection successful")
			}
			return nil
		}

		if config.MaxAttempts > 0 && attempt == config.MaxAttempts {
			logger.Error().Err(err).Str("target", config.Name).Int("attempt", attempt).Msg("Reconnection attempts exhausted")
			break
		}

		logger.Warn().Err(err).
			Str("target", config.Name).
			Int("attempt", attempt).
			Dur("retry_in", backoff).
			Msg("Reconnection attempt failed")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * multiplier)
		if config.MaxBackoff > 0 && backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return fmt.Errorf("%s: failed to reconnect after %d attempts", config.Name, config.MaxAttempts)
}
