package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/kilupskalvis/revec/internal/index"
	"github.com/kilupskalvis/revec/internal/store"
)

// RetryConfig bounds the exponential backoff used for revision conflicts and
// transient backend failures.
type RetryConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig returns the default policy: 5 attempts starting at 10ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		BaseDelay:      10 * time.Millisecond,
		MaxDelay:       500 * time.Millisecond,
		JitterFraction: 0.2,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = max(d.MaxDelay, c.BaseDelay)
	}
	if c.JitterFraction < 0 || c.JitterFraction > 1 {
		c.JitterFraction = d.JitterFraction
	}
	return c
}

// backoff computes the delay before retry number attempt (0-based) with jitter.
func (c RetryConfig) backoff(attempt int) time.Duration {
	base := float64(c.BaseDelay) * math.Pow(2, float64(attempt))
	if base > float64(c.MaxDelay) {
		base = float64(c.MaxDelay)
	}
	jitter := base * c.JitterFraction * (rand.Float64()*2 - 1) // +/- jitter
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// sleep waits for the given duration or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isTransient reports whether a backend failure is worth retrying.
func isTransient(err error) bool {
	return errors.Is(err, store.ErrUnavailable) || errors.Is(err, index.ErrUnavailable)
}

// retryTransient runs fn until it succeeds, fails with a non-transient error,
// or the attempts are used up. The last error is returned unchanged.
func (e *Engine) retryTransient(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < e.retry.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isTransient(lastErr) {
			return lastErr
		}
		if attempt < e.retry.MaxAttempts-1 {
			e.logger.Debug("retrying transient backend failure",
				slog.String("op", op),
				slog.Int("attempt", attempt+1),
				slog.Any("error", lastErr))
			if err := sleep(ctx, e.retry.backoff(attempt)); err != nil {
				return err
			}
		}
	}
	return lastErr
}
