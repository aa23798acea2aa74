package mail

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/textproto"
	"strings"
	"time"
)

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxRetries     int           // Maximum number of retry attempts (0 = no retries)
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	BackoffFactor  float64       // Multiplier for exponential backoff
}

// DefaultRetryConfig returns the retry policy used for provider sends.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
	}
}

var nonRetryableMarkers = []string{
	"not verified",
	"validation error",
	"invalid",
	"malformed",
	"recipient is required",
}

var retryableMarkers = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"temporary",
	"rate limit",
	"throttl",
	"503",
	"502",
	"504",
	"too many requests",
	"try again",
}

// IsRetryable reports whether err is a transient failure worth another attempt.
// SMTP 4xx replies and network timeouts are transient; 5xx replies and validation failures
// are not. A cancelled or expired context is never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code >= 400 && tpErr.Code < 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, s := range nonRetryableMarkers {
		if strings.Contains(errStr, s) {
			return false
		}
	}
	for _, s := range retryableMarkers {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

// WithRetry executes fn with exponential backoff, retrying only transient errors.
func WithRetry(ctx context.Context, cfg RetryConfig, operation string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 0 {
				slog.Info("Operation succeeded after retry",
					"operation", operation,
					"attempt", attempt+1,
				)
			}
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if attempt >= cfg.MaxRetries {
			slog.Warn("Max retries exceeded",
				"operation", operation,
				"attempts", attempt+1,
				"error", err,
			)
			return err
		}

		backoff := calculateBackoff(cfg, attempt)
		slog.Warn("Operation failed, retrying",
			"operation", operation,
			"attempt", attempt+1,
			"max_attempts", cfg.MaxRetries+1,
			"backoff", backoff,
			"error", err,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return lastErr
}

// calculateBackoff returns initial * factor^attempt capped at MaxBackoff, with ±25% jitter.
func calculateBackoff(cfg RetryConfig, attempt int) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffFactor, float64(attempt))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	jitter := backoff * 0.25 * (rand.Float64()*2 - 1)
	return time.Duration(backoff + jitter)
}
