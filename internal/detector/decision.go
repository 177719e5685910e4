// decision.go is the error classifier applied at the detection and
// forensics boundaries: it turns a Fault into one of proceed, skip, retry
// or abort, bumps the matching counter and logs at the matching severity.
// Per-item errors never propagate past the queue consumer; this is where
// they get absorbed.
package detector

import (
	"context"
	"log/slog"

	"polymarket-sentinel/pkg/types"
)

// Action is the consumer's next move for the current trade.
type Action int

const (
	ActionProceed Action = iota // continue, possibly with reduced confidence
	ActionSkip                  // drop this trade, no alert
	ActionRetry                 // transient, re-run the failing step once more
	ActionAbort                 // infrastructure gone, stop processing this trade
)

func (a Action) String() string {
	switch a {
	case ActionProceed:
		return "proceed"
	case ActionSkip:
		return "skip"
	case ActionRetry:
		return "retry"
	case ActionAbort:
		return "abort"
	}
	return "unknown"
}

// Decision carries the action plus its observability side channel.
type Decision struct {
	Action  Action
	Level   slog.Level
	Counter string
}

// Framework classifies errors with an injected counter, which keeps it free
// of any dependency on the components whose errors it judges.
type Framework struct {
	stats  counter
	logger *slog.Logger
}

// NewFramework builds the decision framework.
func NewFramework(stats counter, logger *slog.Logger) *Framework {
	return &Framework{stats: stats, logger: logger.With("component", "decision")}
}

// Decide classifies one error at a named boundary, increments the decision
// counter and logs. A nil error is a proceed with no side effects.
func (f *Framework) Decide(ctx context.Context, boundary string, err error) Decision {
	if err == nil {
		return Decision{Action: ActionProceed, Level: slog.LevelDebug}
	}

	d := classify(err)
	d.Counter = "decision_" + d.Action.String()
	f.stats.Incr(ctx, d.Counter)
	f.logger.Log(ctx, d.Level, "boundary decision",
		"boundary", boundary, "action", d.Action.String(),
		"kind", types.KindOf(err).String(), "error", err)
	return d
}

// classify maps the closed error taxonomy to actions:
//
//   - not-found: expected (unknown proxy, missing receipt), proceed;
//   - invalid input / bad data: this item cannot improve mid-flight, skip;
//   - transport / timeout / rate-limit: transient, retry;
//   - circuit open / upstream unavailable: the protective stack already gave
//     up, skip rather than hammer;
//   - lock unavailable: a sibling holds the write path, skip;
//   - dependency unavailable: cache or database down, abort.
func classify(err error) Decision {
	switch types.KindOf(err) {
	case types.KindNotFound:
		return Decision{Action: ActionProceed, Level: slog.LevelInfo}
	case types.KindInvalidInput, types.KindUpstreamBadData:
		return Decision{Action: ActionSkip, Level: slog.LevelWarn}
	case types.KindTransport, types.KindTimeout, types.KindRateLimited:
		return Decision{Action: ActionRetry, Level: slog.LevelWarn}
	case types.KindCircuitOpen, types.KindUpstreamUnavailable:
		return Decision{Action: ActionSkip, Level: slog.LevelWarn}
	case types.KindLockUnavailable:
		return Decision{Action: ActionSkip, Level: slog.LevelInfo}
	case types.KindDependencyUnavailable:
		return Decision{Action: ActionAbort, Level: slog.LevelError}
	}
	return Decision{Action: ActionSkip, Level: slog.LevelWarn}
}
