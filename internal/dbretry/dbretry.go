// Package dbretry wraps database operations with exponential-backoff retries
// for transient connection-layer failures. Non-retryable errors surface
// immediately.
package dbretry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Config controls the retry behavior.
type Config struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	RetryableCodes []string
}

// DefaultRetryableCodes covers common connection-layer error strings plus the
// PostgreSQL connection-class SQLSTATEs.
var DefaultRetryableCodes = []string{
	"ECONNREFUSED",
	"ECONNRESET",
	"EPIPE",
	"ETIMEDOUT",
	"08000", // connection_exception
	"08003", // connection_does_not_exist
	"08006", // connection_failure
	"57P03", // cannot_connect_now
}

// DefaultConfig returns the default retry configuration: 3 retries starting
// at 100ms, doubling up to a 5s cap.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2,
		RetryableCodes: DefaultRetryableCodes,
	}
}

func (c Config) normalized() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2
	}
	if c.RetryableCodes == nil {
		c.RetryableCodes = DefaultRetryableCodes
	}
	return c
}

// IsRetryable reports whether err carries one of the configured codes, either
// as a PostgreSQL SQLSTATE or as a substring of the error message.
func IsRetryable(err error, codes []string) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		for _, code := range codes {
			if pgErr.Code == code {
				return true
			}
		}
	}

	msg := err.Error()
	for _, code := range codes {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

// Do invokes op, retrying transient failures with exponentially growing
// delays. The context cancels both the operation and the sleeps between
// retries.
func Do(ctx context.Context, cfg Config, logger *slog.Logger, op func(context.Context) error) error {
	cfg = cfg.normalized()
	if logger == nil {
		logger = slog.Default()
	}

	delay := cfg.InitialDelay
	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err, cfg.RetryableCodes) {
			return err
		}
		if attempt >= cfg.MaxRetries {
			return fmt.Errorf("retries exhausted after %d attempts: %w", attempt+1, err)
		}

		logger.WarnContext(ctx, "transient database error, retrying",
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}
