// lock.go implements the Redis-backed distributed lock guarding
// identity-sensitive writes (one alert per trade id across processes).
//
// Acquire is an atomic set-if-absent with a random fencing token and a
// millisecond TTL. Release is a Lua compare-and-delete: a stale holder can
// never delete someone else's lock. An optional refresher extends the TTL
// while the holder still owns the token.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"polymarket-sentinel/pkg/types"
)

const lockKeyPrefix = "sentinel:lock:"

// Compare-and-delete: only the token holder may release.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Compare-and-expire: only the token holder may extend the TTL.
var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// LockManager acquires keyed distributed locks.
type LockManager struct {
	client *Client
	logger *slog.Logger
}

// NewLockManager creates a lock manager over the shared cache.
func NewLockManager(client *Client, logger *slog.Logger) *LockManager {
	return &LockManager{client: client, logger: logger.With("component", "lock")}
}

// Lease is a held lock. Release it exactly once.
type Lease struct {
	mgr   *LockManager
	key   string
	token string
	ttl   time.Duration

	refreshStop chan struct{}
	refreshOnce sync.Once
}

// Token returns the lease's fencing token.
func (l *Lease) Token() string { return l.token }

// Acquire attempts set-if-absent with a fencing token, retrying every
// retryDelay up to maxRetries. On exhaustion it returns a
// KindLockUnavailable fault carrying the current holder's token when known.
func (m *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (*Lease, error) {
	redisKey := lockKeyPrefix + key
	token := uuid.NewString()

	for attempt := 0; ; attempt++ {
		ok, err := m.client.Redis().SetNX(ctx, redisKey, token, ttl).Result()
		if err != nil {
			return nil, types.NewFault(types.KindDependencyUnavailable, "lock.acquire", err)
		}
		if ok {
			return &Lease{mgr: m, key: redisKey, token: token, ttl: ttl}, nil
		}
		if attempt >= maxRetries {
			holder, _ := m.client.Redis().Get(ctx, redisKey).Result()
			return nil, types.LockUnavailableFault("lock.acquire", holder,
				fmt.Errorf("key %q still held after %d retries", key, maxRetries))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

// Release deletes the lock iff the fencing token still matches. Releasing
// after TTL expiry (or after another holder took over) logs and no-ops.
func (l *Lease) Release(ctx context.Context) {
	l.StopRefresh()
	n, err := releaseScript.Run(ctx, l.mgr.client.Redis(), []string{l.key}, l.token).Int()
	if err != nil {
		l.mgr.logger.Warn("lock release failed", "key", l.key, "error", err)
		return
	}
	if n == 0 {
		l.mgr.logger.Warn("lock already expired or taken over at release", "key", l.key)
	}
}

// StartRefresh extends the TTL every interval while the token is still
// owned. interval must be shorter than the TTL. Refresh stops on its own
// if ownership is lost.
func (l *Lease) StartRefresh(ctx context.Context, interval time.Duration) {
	if interval >= l.ttl {
		l.mgr.logger.Warn("refresh interval >= ttl, auto-refresh disabled", "key", l.key)
		return
	}
	l.refreshStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.refreshStop:
				return
			case <-ticker.C:
				n, err := refreshScript.Run(ctx, l.mgr.client.Redis(),
					[]string{l.key}, l.token, l.ttl.Milliseconds()).Int()
				if err != nil {
					l.mgr.logger.Warn("lock refresh failed", "key", l.key, "error", err)
					continue
				}
				if n == 0 {
					l.mgr.logger.Warn("lock ownership lost, stopping refresh", "key", l.key)
					return
				}
			}
		}
	}()
}

// StopRefresh halts the auto-refresh goroutine if one is running.
func (l *Lease) StopRefresh() {
	if l.refreshStop == nil {
		return
	}
	l.refreshOnce.Do(func() { close(l.refreshStop) })
}
