// Package guard implements the protective wrappers every upstream call goes
// through: a sliding-window rate limiter and a circuit breaker. Both are
// created once per upstream by the engine and handed to the clients.
package guard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"polymarket-sentinel/pkg/types"
)

const (
	limiterWindow     = time.Second
	backoffBase       = 2 * time.Second
	backoffCap        = 2 * time.Minute
	limiterQueueDepth = 256
)

// request is one queued thunk waiting for a dispatch slot.
type request struct {
	ctx   context.Context
	ready chan struct{}
}

// Limiter enforces at most N operations per second against one upstream,
// dispatching queued submissions strictly FIFO. Callers submit a thunk via
// Do; the limiter surfaces the thunk's error unchanged and never originates
// errors of its own (context cancellation excepted).
//
// Sustained 429s from the wrapped upstream put the limiter into a backoff
// state, queryable via IsBackingOff. The poller uses that signal to skip or
// lengthen poll cycles; the limiter itself also delays dispatch until the
// backoff deadline passes.
type Limiter struct {
	name  string
	limit int

	reqCh chan request
	quit  chan struct{}
	once  sync.Once

	mu             sync.Mutex
	stamps         []time.Time // dispatch times inside the current window
	backoffUntil   time.Time
	consecutive429 int

	logger *slog.Logger
	now    func() time.Time
}

// NewLimiter creates a limiter allowing opsPerSecond dispatches and starts
// its dispatch loop. Close releases it.
func NewLimiter(name string, opsPerSecond int, logger *slog.Logger) *Limiter {
	if opsPerSecond <= 0 {
		opsPerSecond = 1
	}
	l := &Limiter{
		name:   name,
		limit:  opsPerSecond,
		reqCh:  make(chan request, limiterQueueDepth),
		quit:   make(chan struct{}),
		logger: logger.With("component", "ratelimit", "upstream", name),
		now:    time.Now,
	}
	go l.dispatch()
	return l
}

// Do queues fn and runs it once a dispatch slot is free. FIFO order is
// guaranteed by the queue. Pending submissions are abandoned when ctx is
// done; the thunk's error is returned unchanged.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	req := request{ctx: ctx, ready: make(chan struct{})}

	select {
	case l.reqCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.quit:
		return context.Canceled
	}

	select {
	case <-req.ready:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.quit:
		return context.Canceled
	}

	err := fn()
	l.observe(err)
	return err
}

// IsBackingOff reports whether the upstream has been rate-limiting us and
// the adaptive backoff window is still open.
func (l *Limiter) IsBackingOff() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Before(l.backoffUntil)
}

// Close stops the dispatch loop. Queued submissions return context.Canceled.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.quit) })
}

func (l *Limiter) dispatch() {
	for {
		select {
		case <-l.quit:
			return
		case req := <-l.reqCh:
			if req.ctx.Err() != nil {
				continue // caller already gone
			}
			if !l.waitForSlot(req.ctx) {
				continue
			}
			close(req.ready)
		}
	}
}

// waitForSlot blocks until the sliding window admits one more dispatch and
// any active backoff window has passed. Returns false if the request's
// context expired while waiting.
func (l *Limiter) waitForSlot(ctx context.Context) bool {
	for {
		l.mu.Lock()
		now := l.now()

		var wait time.Duration
		if now.Before(l.backoffUntil) {
			wait = l.backoffUntil.Sub(now)
		} else {
			// Prune stamps that slid out of the window.
			cutoff := now.Add(-limiterWindow)
			kept := l.stamps[:0]
			for _, s := range l.stamps {
				if s.After(cutoff) {
					kept = append(kept, s)
				}
			}
			l.stamps = kept

			if len(l.stamps) < l.limit {
				l.stamps = append(l.stamps, now)
				l.mu.Unlock()
				return true
			}
			wait = l.stamps[0].Add(limiterWindow).Sub(now)
		}
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-l.quit:
			timer.Stop()
			return false
		}
	}
}

// observe feeds thunk outcomes into the adaptive backoff: consecutive 429s
// double the backoff window up to a cap, anything else resets it.
func (l *Limiter) observe(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if types.KindOf(err) == types.KindRateLimited {
		l.consecutive429++
		shift := l.consecutive429 - 1
		if shift > 6 {
			shift = 6
		}
		backoff := backoffBase << shift
		if backoff > backoffCap {
			backoff = backoffCap
		}
		l.backoffUntil = l.now().Add(backoff)
		l.logger.Warn("upstream rate limiting, backing off",
			"consecutive", l.consecutive429,
			"backoff", backoff,
		)
		return
	}
	if l.consecutive429 > 0 {
		l.consecutive429 = 0
		l.backoffUntil = time.Time{}
	}
}
