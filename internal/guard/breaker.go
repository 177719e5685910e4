// breaker.go implements the per-upstream circuit breaker.
//
// Three states: closed (calls pass, failures recorded in a time-indexed
// window), open (calls fail fast with a typed circuit-open error carrying
// the next retry time), half-open (a bounded number of trial calls; a full
// run of consecutive successes closes the circuit, any failure re-opens it).
//
// State is written through to a shared store (Redis) so that sibling
// processes see an open circuit, with the local copy as fallback: a brief
// cache outage must not erase an open circuit.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"polymarket-sentinel/pkg/types"
)

// Breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// StateStore shares breaker state across processes. The cache package
// provides the Redis-backed implementation.
type StateStore interface {
	LoadBreakerState(ctx context.Context, name string) (state string, lastFailure time.Time, ok bool)
	SaveBreakerState(ctx context.Context, name, state string, lastFailure time.Time) error
}

// BreakerConfig holds the tunable thresholds.
type BreakerConfig struct {
	FailureThreshold    int           // failures within MonitoringPeriod that open the circuit
	MonitoringPeriod    time.Duration // sliding failure window
	RecoveryTimeout     time.Duration // open duration before a half-open trial
	HalfOpenMaxAttempts int           // trial calls in flight and successes needed to close
}

// Breaker tracks failures for one upstream and short-circuits calls while
// the upstream is considered down.
type Breaker struct {
	name  string
	cfg   BreakerConfig
	store StateStore // may be nil in tests

	mu              sync.Mutex
	state           string
	failures        []time.Time
	lastFailureTime time.Time
	halfOpenActive  int
	halfOpenSucc    int

	logger *slog.Logger
	now    func() time.Time
}

// NewBreaker creates a closed breaker. store may be nil, in which case state
// is purely local.
func NewBreaker(name string, cfg BreakerConfig, store StateStore, logger *slog.Logger) *Breaker {
	if cfg.HalfOpenMaxAttempts <= 0 {
		cfg.HalfOpenMaxAttempts = 1
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		store:  store,
		state:  StateClosed,
		logger: logger.With("component", "breaker", "upstream", name),
		now:    time.Now,
	}
}

// State returns the current state name, for health reporting.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs fn unless the circuit is open. An open circuit returns a
// KindCircuitOpen fault carrying NextRetry = lastFailureTime + RecoveryTimeout
// without touching the upstream.
func (b *Breaker) Do(ctx context.Context, fn func() error) error {
	if err := b.admit(ctx); err != nil {
		return err
	}

	err := fn()
	b.record(ctx, err)
	return err
}

// admit decides whether a call may proceed, transitioning open -> half-open
// when the recovery timeout has elapsed.
func (b *Breaker) admit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.syncFromStoreLocked(ctx)

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		nextRetry := b.lastFailureTime.Add(b.cfg.RecoveryTimeout)
		if b.now().Before(nextRetry) {
			return types.CircuitOpenFault(b.name, nextRetry)
		}
		b.transitionLocked(ctx, StateHalfOpen)
		b.halfOpenActive = 1
		b.halfOpenSucc = 0
		return nil

	case StateHalfOpen:
		if b.halfOpenActive >= b.cfg.HalfOpenMaxAttempts {
			return types.CircuitOpenFault(b.name, b.lastFailureTime.Add(b.cfg.RecoveryTimeout))
		}
		b.halfOpenActive++
		return nil
	}
	return nil
}

// record feeds a call outcome back into the state machine.
func (b *Breaker) record(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := countsAsFailure(err)

	switch b.state {
	case StateClosed:
		if !failed {
			return
		}
		now := b.now()
		b.failures = append(b.failures, now)
		cutoff := now.Add(-b.cfg.MonitoringPeriod)
		kept := b.failures[:0]
		for _, t := range b.failures {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		b.failures = kept
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.lastFailureTime = now
			b.transitionLocked(ctx, StateOpen)
		}

	case StateHalfOpen:
		b.halfOpenActive--
		if failed {
			b.lastFailureTime = b.now()
			b.transitionLocked(ctx, StateOpen)
			return
		}
		b.halfOpenSucc++
		if b.halfOpenSucc >= b.cfg.HalfOpenMaxAttempts {
			b.failures = nil
			b.transitionLocked(ctx, StateClosed)
		}
	}
}

// countsAsFailure excludes caller-side and permanent errors from tripping
// the breaker: cancelled contexts, invalid input and not-found say nothing
// about upstream health.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch types.KindOf(err) {
	case types.KindInvalidInput, types.KindNotFound, types.KindCircuitOpen:
		return false
	}
	return true
}

func (b *Breaker) transitionLocked(ctx context.Context, state string) {
	if b.state == state {
		return
	}
	b.logger.Warn("circuit state change", "from", b.state, "to", state)
	b.state = state

	if b.store != nil {
		if err := b.store.SaveBreakerState(ctx, b.name, state, b.lastFailureTime); err != nil {
			b.logger.Warn("failed to persist breaker state, keeping local copy", "error", err)
		}
	}
}

// syncFromStoreLocked adopts a sibling process's more pessimistic view: a
// shared open state overrides a local closed one. Store errors fall back to
// the local last-known state.
func (b *Breaker) syncFromStoreLocked(ctx context.Context) {
	if b.store == nil || b.state != StateClosed {
		return
	}
	state, lastFailure, ok := b.store.LoadBreakerState(ctx, b.name)
	if !ok {
		return
	}
	if state == StateOpen && lastFailure.Add(b.cfg.RecoveryTimeout).After(b.now()) {
		b.state = StateOpen
		b.lastFailureTime = lastFailure
	}
}
