// Package ingest turns raw upstream trade payloads into validated,
// de-duplicated queue submissions. Two producers feed it: the market-feed
// subscriber (push) and the pull poller; both share the normalization and
// intake steps.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-sentinel/pkg/types"
)

// msEpochFloor separates second from millisecond epochs by magnitude:
// anything below is seconds. 1e12 ms is 2001, 1e12 s is the year 33658.
const msEpochFloor = int64(1e12)

// marketLookup is the registry slice the normalizer needs.
type marketLookup interface {
	ByCondition(conditionID string) (types.Market, bool)
	ByToken(tokenID string) (types.Market, bool)
}

// Normalizer resolves raw trades against the registry and converts them to
// canonical units.
type Normalizer struct {
	markets marketLookup
	logger  *slog.Logger
}

// NewNormalizer builds a normalizer over the market registry.
func NewNormalizer(markets marketLookup, logger *slog.Logger) *Normalizer {
	return &Normalizer{markets: markets, logger: logger.With("component", "normalizer")}
}

// FromPull normalizes a market-data API trade.
func (n *Normalizer) FromPull(dt types.DataTrade) (types.Trade, error) {
	market, ok := n.markets.ByCondition(dt.ConditionID)
	if !ok {
		// Token fallback: some rows carry only the asset id.
		market, ok = n.markets.ByToken(dt.Asset)
	}
	if !ok {
		return types.Trade{}, types.NewFault(types.KindInvalidInput, "normalize.pull",
			fmt.Errorf("unknown market for condition %q asset %q", dt.ConditionID, dt.Asset))
	}

	size, err := decimal.NewFromString(dt.Size)
	if err != nil {
		return types.Trade{}, types.NewFault(types.KindInvalidInput, "normalize.pull",
			fmt.Errorf("bad size %q: %w", dt.Size, err))
	}
	price, err := decimal.NewFromString(dt.Price)
	if err != nil {
		return types.Trade{}, types.NewFault(types.KindInvalidInput, "normalize.pull",
			fmt.Errorf("bad price %q: %w", dt.Price, err))
	}

	trade := types.Trade{
		ID:          "pull:" + dt.ID,
		MarketID:    market.ID,
		ConditionID: market.ConditionID,
		Side:        types.Side(strings.ToLower(dt.Side)),
		Outcome:     outcomeFor(market, dt.Asset, dt.Outcome),
		Size:        size,
		Price:       price,
		Wallet:      strings.ToLower(dt.ProxyWallet),
		TimestampMs: NormalizeTimestampMs(dt.Timestamp),
		Source:      types.SourcePull,
		TxHash:      strings.ToLower(dt.TransactionHash),
	}
	if err := trade.Validate(); err != nil {
		return types.Trade{}, err
	}
	return trade, nil
}

// FromPush normalizes a market-feed trade event. Events without a taker
// address cannot be normalized; the subscriber drops them before calling
// this.
func (n *Normalizer) FromPush(ev types.WSTradeEvent) (types.Trade, error) {
	market, ok := n.markets.ByToken(ev.AssetID)
	if !ok {
		market, ok = n.markets.ByCondition(ev.Market)
	}
	if !ok {
		return types.Trade{}, types.NewFault(types.KindInvalidInput, "normalize.push",
			fmt.Errorf("unknown market for asset %q condition %q", ev.AssetID, ev.Market))
	}

	size, err := decimal.NewFromString(ev.Size)
	if err != nil {
		return types.Trade{}, types.NewFault(types.KindInvalidInput, "normalize.push",
			fmt.Errorf("bad size %q: %w", ev.Size, err))
	}
	price, err := decimal.NewFromString(ev.Price)
	if err != nil {
		return types.Trade{}, types.NewFault(types.KindInvalidInput, "normalize.push",
			fmt.Errorf("bad price %q: %w", ev.Price, err))
	}

	tsRaw, err := strconv.ParseInt(ev.Timestamp, 10, 64)
	if err != nil {
		return types.Trade{}, types.NewFault(types.KindInvalidInput, "normalize.push",
			fmt.Errorf("bad timestamp %q: %w", ev.Timestamp, err))
	}

	trade := types.Trade{
		ID:          "push:" + ev.ID,
		MarketID:    market.ID,
		ConditionID: market.ConditionID,
		Side:        types.Side(strings.ToLower(ev.Side)),
		Outcome:     outcomeFor(market, ev.AssetID, ev.Outcome),
		Size:        size,
		Price:       price,
		Wallet:      strings.ToLower(ev.Taker),
		TimestampMs: NormalizeTimestampMs(tsRaw),
		Source:      types.SourcePush,
		TxHash:      strings.ToLower(ev.TxHash),
	}
	if err := trade.Validate(); err != nil {
		return types.Trade{}, err
	}
	return trade, nil
}

// outcomeFor prefers the registry's token mapping over the payload's own
// outcome string.
func outcomeFor(market types.Market, tokenID, fallback string) types.Outcome {
	if out, ok := market.OutcomeForToken(tokenID); ok {
		return out
	}
	if strings.EqualFold(fallback, "yes") {
		return types.OutcomeYes
	}
	return types.OutcomeNo
}

// NormalizeTimestampMs disambiguates second vs millisecond epochs by
// magnitude and returns milliseconds.
func NormalizeTimestampMs(ts int64) int64 {
	if ts < msEpochFloor {
		return ts * 1000
	}
	return ts
}

// dedupStore is the cache slice the intake needs.
type dedupStore interface {
	Contains(ctx context.Context, key string) bool
	Mark(ctx context.Context, key string)
}

// counter bumps funnel counters; failures are the counter's problem.
type counter interface {
	Incr(ctx context.Context, name string)
}

// submitter is the queue's producer surface.
type submitter interface {
	Submit(t types.Trade) bool
}

// Intake is the shared tail of both producers: dedup test, queue submit,
// mark-as-processed only after the queue accepted.
type Intake struct {
	dedup  dedupStore
	queue  submitter
	stats  counter
	logger *slog.Logger
}

// NewIntake wires the shared intake step.
func NewIntake(dedup dedupStore, q submitter, stats counter, logger *slog.Logger) *Intake {
	return &Intake{dedup: dedup, queue: q, stats: stats, logger: logger.With("component", "intake")}
}

// Accept submits a normalized trade unless it was already processed.
// Returns true when the queue took it. Trades rejected by a full queue are
// NOT marked processed, so a later pull can retry them.
func (in *Intake) Accept(ctx context.Context, t types.Trade) bool {
	key := t.DedupKey()
	if in.dedup.Contains(ctx, key) {
		in.stats.Incr(ctx, "duplicates_skipped")
		return false
	}
	if !in.queue.Submit(t) {
		in.stats.Incr(ctx, "queue_rejections")
		return false
	}
	in.dedup.Mark(ctx, key)
	in.stats.Incr(ctx, "trades_ingested")
	return true
}

// age reports how old a trade is relative to now.
func age(now time.Time, timestampMs int64) time.Duration {
	return now.Sub(time.UnixMilli(timestampMs))
}
