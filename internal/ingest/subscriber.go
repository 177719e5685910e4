// subscriber.go is the push producer: it receives market-feed events on the
// feed's reader goroutine and immediately hands them to a worker channel,
// keeping the feed handlers non-blocking.
package ingest

import (
	"context"
	"log/slog"

	"polymarket-sentinel/pkg/types"
)

const subscriberBuffer = 512

// priorityFetcher triggers an out-of-schedule single-market pull.
type priorityFetcher interface {
	PriorityFetch(ctx context.Context, conditionID string)
}

type feedEvent struct {
	trade       *types.WSTradeEvent
	priceChange *types.WSPriceChangeEvent
}

// Subscriber bridges feed events into the intake.
type Subscriber struct {
	norm    *Normalizer
	intake  *Intake
	fetcher priorityFetcher
	stats   counter
	logger  *slog.Logger

	events chan feedEvent
}

// NewSubscriber wires the push producer.
func NewSubscriber(norm *Normalizer, intake *Intake, fetcher priorityFetcher, stats counter, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		norm:    norm,
		intake:  intake,
		fetcher: fetcher,
		stats:   stats,
		logger:  logger.With("component", "subscriber"),
		events:  make(chan feedEvent, subscriberBuffer),
	}
}

// OnTrade is registered as the feed's trade handler. It only enqueues; all
// work happens on the subscriber's own goroutine.
func (s *Subscriber) OnTrade(ev types.WSTradeEvent) {
	select {
	case s.events <- feedEvent{trade: &ev}:
	default:
		s.logger.Warn("subscriber buffer full, push trade dropped", "trade", ev.ID)
	}
}

// OnPriceChange is registered as the feed's price-change handler. Price
// moves prompt a priority fetch for the affected market.
func (s *Subscriber) OnPriceChange(ev types.WSPriceChangeEvent) {
	select {
	case s.events <- feedEvent{priceChange: &ev}:
	default:
		// Price changes are only fetch prompts; losing one is harmless.
	}
}

// Run consumes feed events until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("subscriber stopped")
			return
		case ev := <-s.events:
			switch {
			case ev.trade != nil:
				s.handleTrade(ctx, *ev.trade)
			case ev.priceChange != nil:
				s.fetcher.PriorityFetch(ctx, ev.priceChange.Market)
			}
		}
	}
}

// handleTrade normalizes and submits one push trade. Events without a taker
// address carry no identity and cannot be fingerprinted; they are dropped
// here, not queued.
func (s *Subscriber) handleTrade(ctx context.Context, ev types.WSTradeEvent) {
	if ev.Taker == "" {
		s.logger.Info("push trade without taker dropped", "trade", ev.ID, "asset", ev.AssetID)
		s.stats.Incr(ctx, "push_no_identity")
		return
	}

	trade, err := s.norm.FromPush(ev)
	if err != nil {
		s.logger.Warn("invalid push trade dropped", "trade", ev.ID, "error", err)
		s.stats.Incr(ctx, "filtered_invalid")
		return
	}
	s.intake.Accept(ctx, trade)
}
