// Package cache wraps the shared Redis instance that backs the pipeline's
// cross-cutting state: the dedup store, the distributed lock store, funnel
// stat counters, circuit breaker state, and the orderbook / fingerprint
// caches. Every keyspace is prefixed "sentinel:".
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"polymarket-sentinel/pkg/types"
)

const (
	statsKey         = "sentinel:stats"
	breakerKeyPrefix = "sentinel:breaker:"
)

// Client wraps the Redis connection shared by all cache-backed components.
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New connects to Redis and verifies the connection with a ping. A failed
// ping is fatal at startup per the error-handling policy.
func New(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, types.NewFault(types.KindDependencyUnavailable, "cache.connect", err)
	}
	return &Client{rdb: rdb, logger: logger.With("component", "cache")}, nil
}

// NewFromRedis wraps an existing Redis client (used by tests with miniredis).
func NewFromRedis(rdb *redis.Client, logger *slog.Logger) *Client {
	return &Client{rdb: rdb, logger: logger.With("component", "cache")}
}

// Redis exposes the underlying client for components that own their keyspace.
func (c *Client) Redis() *redis.Client { return c.rdb }

// Ping reports cache liveness for the health snapshot.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return types.NewFault(types.KindDependencyUnavailable, "cache.ping", err)
	}
	return nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.rdb.Close() }

// Incr bumps a named funnel counter in the shared stats hash. Counter
// failures are logged and swallowed: observability must never fail the
// pipeline.
func (c *Client) Incr(ctx context.Context, name string) {
	if err := c.rdb.HIncrBy(ctx, statsKey, name, 1).Err(); err != nil {
		c.logger.Debug("counter increment failed", "counter", name, "error", err)
	}
}

// IncrBy bumps a named counter by n.
func (c *Client) IncrBy(ctx context.Context, name string, n int64) {
	if err := c.rdb.HIncrBy(ctx, statsKey, name, n).Err(); err != nil {
		c.logger.Debug("counter increment failed", "counter", name, "error", err)
	}
}

// Stats returns a read-only snapshot of all funnel counters.
func (c *Client) Stats(ctx context.Context) (map[string]int64, error) {
	raw, err := c.rdb.HGetAll(ctx, statsKey).Result()
	if err != nil {
		return nil, types.NewFault(types.KindDependencyUnavailable, "cache.stats", err)
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}

// LoadBreakerState implements guard.StateStore. A missing key or cache
// error reports ok=false so the breaker falls back to its local copy.
func (c *Client) LoadBreakerState(ctx context.Context, name string) (string, time.Time, bool) {
	vals, err := c.rdb.HGetAll(ctx, breakerKeyPrefix+name).Result()
	if err != nil || len(vals) == 0 {
		return "", time.Time{}, false
	}
	state := vals["state"]
	ms, err := strconv.ParseInt(vals["last_failure_ms"], 10, 64)
	if err != nil {
		return state, time.Time{}, state != ""
	}
	return state, time.UnixMilli(ms), true
}

// SaveBreakerState implements guard.StateStore.
func (c *Client) SaveBreakerState(ctx context.Context, name, state string, lastFailure time.Time) error {
	key := breakerKeyPrefix + name
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, "state", state, "last_failure_ms", lastFailure.UnixMilli())
	pipe.Expire(ctx, key, time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save breaker state: %w", err)
	}
	return nil
}

// SetJSON caches an opaque payload with a TTL (orderbook snapshots,
// fingerprints). The payload is stored as-is.
func (c *Client) SetJSON(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return types.NewFault(types.KindDependencyUnavailable, "cache.set", err)
	}
	return nil
}

// GetJSON fetches a cached payload. A cache miss returns a KindNotFound
// fault so callers can distinguish miss from outage.
func (c *Client) GetJSON(ctx context.Context, key string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, types.NewFault(types.KindNotFound, "cache.get", nil)
	}
	if err != nil {
		return nil, types.NewFault(types.KindDependencyUnavailable, "cache.get", err)
	}
	return data, nil
}
