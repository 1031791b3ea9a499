package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/loomrelay/loomrelay/internal/gatewayerr"
)

// HTTPError is a non-2xx provider response, carrying the status and any
// server-suggested retry delay.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status belongs to the transient class
// (429 and 5xx).
func (e *HTTPError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// ParseRetryAfter parses a Retry-After header value (delta seconds only).
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// RetryConfig tunes the provider-call retry loop.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig retries transient failures once with a short backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 2, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// RetryHook is notified before each retry sleep.
type RetryHook func(attempt, maxAttempts int, err error)

type retryHookKey struct{}

// WithRetryHook attaches a hook invoked on each retry.
func WithRetryHook(ctx context.Context, hook RetryHook) context.Context {
	return context.WithValue(ctx, retryHookKey{}, hook)
}

func retryHookFromContext(ctx context.Context) RetryHook {
	hook, _ := ctx.Value(retryHookKey{}).(RetryHook)
	return hook
}

// RetryDo runs fn, retrying transient errors (timeouts, 429, 5xx) with
// jittered exponential backoff up to cfg.MaxAttempts total attempts.
// Non-transient errors return immediately wrapped as upstream-rejected.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		retryable, delay := classify(err, cfg, attempt)
		if !retryable || attempt == cfg.MaxAttempts {
			break
		}
		if hook := retryHookFromContext(ctx); hook != nil {
			hook(attempt, cfg.MaxAttempts, err)
		}
		slog.Warn("provider call failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	var httpErr *HTTPError
	switch {
	case errors.Is(lastErr, context.DeadlineExceeded):
		return zero, fmt.Errorf("%w: %v", gatewayerr.ErrUpstreamTimeout, lastErr)
	case errors.As(lastErr, &httpErr):
		return zero, fmt.Errorf("%w: %v", gatewayerr.ErrUpstreamRejected, lastErr)
	}
	return zero, lastErr
}

func classify(err error, cfg RetryConfig, attempt int) (bool, time.Duration) {
	delay := cfg.BaseDelay << (attempt - 1)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	// jitter ±25%
	delay += time.Duration(rand.Int63n(int64(delay)/2+1)) - delay/4

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.RetryAfter > 0 && httpErr.RetryAfter < cfg.MaxDelay {
			delay = httpErr.RetryAfter
		}
		return httpErr.Retryable(), delay
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, delay
	}
	if errors.Is(err, context.Canceled) {
		return false, 0
	}
	// Transport-level failures (connection reset, DNS) are transient.
	return true, delay
}
