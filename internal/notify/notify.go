// Package notify is the outbound alert channel. Delivery targets (chat ops,
// webhooks) plug in behind the Notifier interface; the default sink writes
// structured log lines, which is enough for an operator tailing the process.
package notify

import (
	"context"
	"log/slog"

	"polymarket-sentinel/pkg/types"
)

// Payload is everything a delivery channel needs to render an alert.
type Payload struct {
	TradeID        string
	MarketSlug     string
	Question       string
	Wallet         string // already truncated for display
	USDValue       string
	Side           string
	Outcome        string
	Score          float64
	Classification types.Classification
	Tier           types.SizeTier
	Flags          []string
	Confidence     types.ConfidenceLevel
}

// Severity maps the classification to a delivery severity.
func (p Payload) Severity() string {
	switch p.Classification {
	case types.ClassStrongInsider:
		return "critical"
	case types.ClassHighConfidence:
		return "high"
	case types.ClassMediumConfidence:
		return "medium"
	}
	return "info"
}

// Notifier delivers one alert. Implementations must not block the caller
// for long; delivery is fire-and-forget upstream.
type Notifier interface {
	Notify(ctx context.Context, p Payload) error
}

// LogNotifier writes alerts to the process log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, p Payload) error {
	n.logger.Warn("insider alert",
		"severity", p.Severity(),
		"classification", string(p.Classification),
		"score", p.Score,
		"market", p.MarketSlug,
		"question", p.Question,
		"wallet", p.Wallet,
		"usd", p.USDValue,
		"side", p.Side,
		"outcome", p.Outcome,
		"tier", string(p.Tier),
		"flags", p.Flags,
		"confidence", string(p.Confidence))
	return nil
}

// PayloadFor assembles the delivery payload from the scored pieces.
func PayloadFor(alert types.Alert, trade types.Trade, market types.Market, fp types.WalletFingerprint, tier types.SizeTier) Payload {
	return Payload{
		TradeID:        alert.TradeID,
		MarketSlug:     market.Slug,
		Question:       market.Question,
		Wallet:         types.TruncateAddress(alert.Wallet),
		USDValue:       trade.USDValue().StringFixed(2),
		Side:           string(trade.Side),
		Outcome:        string(trade.Outcome),
		Score:          alert.Score,
		Classification: alert.Classification,
		Tier:           tier,
		Flags:          fp.Flags.Names(),
		Confidence:     fp.Confidence.Level,
	}
}
