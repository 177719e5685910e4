// Package upstream implements the typed clients for every remote data
// source: the chain JSON-RPC node, the block explorer, the GraphQL indexer,
// the market-data HTTP API and the market-feed WebSocket.
//
// Every call composes the same protective stack, outermost first:
// rate limit -> circuit break -> retry with exponential backoff and jitter.
// Retry applies to transport errors, 429 and 5xx; 429 uses a longer base
// delay; other 4xx (except 408) are permanent.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"polymarket-sentinel/internal/guard"
	"polymarket-sentinel/pkg/types"
)

// RetryPolicy controls the innermost retry loop.
type RetryPolicy struct {
	MaxAttempts        int
	BaseDelay          time.Duration
	RateLimitBaseDelay time.Duration // longer base used after a 429
	MaxDelay           time.Duration
}

// DefaultRetryPolicy matches the pacing the venue tolerates.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        4,
		BaseDelay:          300 * time.Millisecond,
		RateLimitBaseDelay: 2 * time.Second,
		MaxDelay:           15 * time.Second,
	}
}

// Do retries fn on retry-worthy errors with exponential backoff and full
// jitter. On exhaustion the last error is wrapped as UpstreamUnavailable.
func (p RetryPolicy) Do(ctx context.Context, op string, logger *slog.Logger, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			base := p.BaseDelay
			if types.KindOf(lastErr) == types.KindRateLimited {
				base = p.RateLimitBaseDelay
			}
			delay := base << (attempt - 1)
			if delay > p.MaxDelay {
				delay = p.MaxDelay
			}
			// Full jitter: uniform in [delay/2, delay].
			delay = delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			logger.Debug("retrying upstream call", "op", op, "attempt", attempt+1, "last_error", lastErr)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !types.Retryable(lastErr) {
			return lastErr
		}
	}
	return types.NewFault(types.KindUpstreamUnavailable, op,
		fmt.Errorf("retries exhausted after %d attempts: %w", p.MaxAttempts, lastErr))
}

// guarded composes the full protective stack around one upstream call.
func guarded(ctx context.Context, lim *guard.Limiter, brk *guard.Breaker, policy RetryPolicy, op string, logger *slog.Logger, fn func() error) error {
	return lim.Do(ctx, func() error {
		return brk.Do(ctx, func() error {
			return policy.Do(ctx, op, logger, fn)
		})
	})
}

// classifyStatus maps an HTTP status to the error taxonomy. 2xx maps to nil.
func classifyStatus(op string, status int, body string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return types.NewFault(types.KindRateLimited, op, fmt.Errorf("status 429: %s", body))
	case status == http.StatusRequestTimeout:
		return types.NewFault(types.KindTimeout, op, fmt.Errorf("status 408: %s", body))
	case status == http.StatusNotFound:
		return types.NewFault(types.KindNotFound, op, fmt.Errorf("status 404"))
	case status >= 500:
		return types.NewFault(types.KindTransport, op, fmt.Errorf("status %d: %s", status, body))
	default:
		return types.NewFault(types.KindUpstreamBadData, op, fmt.Errorf("status %d: %s", status, body))
	}
}

// transportErr wraps a client-side failure (DNS, connect, TLS, read).
func transportErr(op string, err error) error {
	return types.NewFault(types.KindTransport, op, err)
}
