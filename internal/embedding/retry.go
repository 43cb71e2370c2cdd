package embedding

import (
	"context"
	"fmt"
	"math"
	"time"
)

// RetryProvider wraps a Provider with bounded exponential backoff. Only
// retryable failures are retried; fatal ones return immediately.
type RetryProvider struct {
	inner      Provider
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// WithRetry wraps p. maxRetries <= 0 selects 3.
func WithRetry(p Provider, maxRetries int, baseDelay time.Duration) *RetryProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	return &RetryProvider{
		inner:      p,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   30 * time.Second,
		sleep:      sleepCtx,
	}
}

// Name returns the wrapped provider's name.
func (r *RetryProvider) Name() string { return r.inner.Name() }

// Dim returns the wrapped provider's dimension.
func (r *RetryProvider) Dim() int { return r.inner.Dim() }

// Embed calls the wrapped provider, retrying retryable failures.
func (r *RetryProvider) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		vecs, err := r.inner.Embed(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if Classify(err) == Fatal || attempt == r.maxRetries {
			break
		}
		if err := r.sleep(ctx, r.backoff(attempt)); err != nil {
			return nil, lastErr
		}
	}
	if Classify(lastErr) == Fatal {
		return nil, lastErr
	}
	return nil, fmt.Errorf("after %d retries: %w", r.maxRetries, lastErr)
}

func (r *RetryProvider) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(r.baseDelay) * math.Pow(2, float64(attempt)))
	if delay > r.maxDelay {
		delay = r.maxDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
