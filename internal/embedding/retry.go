package embedding

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoffDelay is base * 2^(attempt-1) for attempt >= 1.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// retryWithBackoff runs op up to maxAttempts times. Validation errors stop
// immediately; otherwise the last error is returned.
func retryWithBackoff(ctx context.Context, sleep Sleeper, maxAttempts int, base time.Duration, op func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op()
		if lastErr == nil {
			if attempt > 1 {
				slog.DebugContext(ctx, "embedding succeeded after retry", "attempt", attempt)
			}
			return nil
		}
		if errors.Is(lastErr, ErrValidation) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}

		delay := backoffDelay(base, attempt)
		slog.WarnContext(ctx, "embedding failed, retrying", "attempt", attempt, "max_attempts", maxAttempts, "delay", delay, "error", lastErr)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}
