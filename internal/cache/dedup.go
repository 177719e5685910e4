// dedup.go implements the processed-trade dedup store: a set with a TTL per
// member, Redis primary with a bounded in-memory fallback.
//
// The fallback keeps availability through a cache outage at the cost of
// precision: it is process-local and capped, so duplicates can slip through
// across restarts or after eviction. Every downstream write is idempotent
// for exactly that reason.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const dedupKeyPrefix = "sentinel:dedup:"

// DedupStore tracks which trade dedup-keys have already been accepted.
type DedupStore struct {
	client *Client
	ttl    time.Duration

	// In-memory fallback, FIFO-evicted at maxFallback entries.
	mu       sync.Mutex
	fallback map[string]struct{}
	order    []string
	maxSize  int

	logger *slog.Logger
}

// NewDedupStore creates a dedup store with the given member TTL and
// fallback capacity.
func NewDedupStore(client *Client, ttl time.Duration, maxFallback int, logger *slog.Logger) *DedupStore {
	if maxFallback <= 0 {
		maxFallback = 10000
	}
	return &DedupStore{
		client:   client,
		ttl:      ttl,
		fallback: make(map[string]struct{}),
		maxSize:  maxFallback,
		logger:   logger.With("component", "dedup"),
	}
}

// Contains reports whether key has been marked processed. On a Redis
// outage it degrades to the in-memory fallback and logs once per call.
func (d *DedupStore) Contains(ctx context.Context, key string) bool {
	n, err := d.client.Redis().Exists(ctx, dedupKeyPrefix+key).Result()
	if err != nil {
		d.logger.Warn("dedup primary unavailable, using in-memory fallback", "error", err)
		return d.fallbackContains(key)
	}
	if n > 0 {
		return true
	}
	// The primary may have restarted and lost state; the fallback still
	// remembers recently marked keys from this process.
	return d.fallbackContains(key)
}

// Mark records key as processed with the configured TTL. The in-memory
// fallback is always updated so a subsequent cache outage keeps recent
// history.
func (d *DedupStore) Mark(ctx context.Context, key string) {
	d.fallbackMark(key)
	if err := d.client.Redis().Set(ctx, dedupKeyPrefix+key, 1, d.ttl).Err(); err != nil {
		d.logger.Warn("dedup mark failed on primary, fallback only", "error", err)
	}
}

func (d *DedupStore) fallbackContains(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.fallback[key]
	return ok
}

func (d *DedupStore) fallbackMark(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.fallback[key]; ok {
		return
	}
	for len(d.order) >= d.maxSize {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.fallback, oldest)
	}
	d.fallback[key] = struct{}{}
	d.order = append(d.order, key)
}

// FallbackSize reports the in-memory set size, for health visibility.
func (d *DedupStore) FallbackSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fallback)
}
