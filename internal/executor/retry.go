package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// withRetry runs fn under the exponential-backoff envelope. Only
// retryable failures (transient exchange errors, rate limits) are
// retried; everything else returns immediately. Exhausting the budget
// wraps the last error in ErrRetryExhausted.
func (e *Executor) withRetry(ctx context.Context, fn func(context.Context) (*domain.OrderResult, error)) (*domain.OrderResult, error) {
	delay := e.cfg.RetryBaseDelay
	var lastErr error

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			jittered := delay + time.Duration(rand.Int63n(int64(delay)/4+1))
			timer := time.NewTimer(jittered)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("executor: retry wait: %w", ctx.Err())
			case <-timer.C:
			}
			delay *= 2
			if delay > e.cfg.RetryMaxDelay {
				delay = e.cfg.RetryMaxDelay
			}
		}

		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !domain.IsRetryable(err) {
			return nil, err
		}
		e.logger.WarnContext(ctx, "adapter call retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("max", e.cfg.MaxRetries),
			slog.String("error", err.Error()))
	}
	return nil, fmt.Errorf("executor: %w: %w", domain.ErrRetryExhausted, lastErr)
}

// outcome classifies the end state of a place call.
type outcome int

const (
	outcomeFilled outcome = iota
	outcomeRejected
	outcomeRateLimited
	outcomeAmbiguous
)

// outcomeOf maps a place error to its settlement path.
//
//   - nil → the venue returned a result.
//   - rate limit (even after budget exhaustion) → the order never left
//     this process; safe to cancel and requeue.
//   - non-retryable exchange rejection or validation error → definitive
//     failure.
//   - everything else (timeouts, context cancellation, exhausted
//     transient errors) → the order may exist on the venue; reconcile.
func outcomeOf(err error) outcome {
	if err == nil {
		return outcomeFilled
	}
	if errors.Is(err, domain.ErrRateLimited) {
		return outcomeRateLimited
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrContextDone) {
		return outcomeAmbiguous
	}
	if errors.Is(err, domain.ErrRetryExhausted) {
		return outcomeAmbiguous
	}
	var xerr *domain.ExchangeError
	if errors.As(err, &xerr) && !xerr.Retryable {
		return outcomeRejected
	}
	if errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrInsufficientBalance) {
		return outcomeRejected
	}
	return outcomeAmbiguous
}
