// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the surveillance pipeline:
// monitored markets, normalized trades, detection signals, wallet
// fingerprints, and alerts. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the taker's direction on the outcome token.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Outcome identifies which side of a binary market a trade touched.
type Outcome string

const (
	OutcomeYes Outcome = "yes"
	OutcomeNo  Outcome = "no"
)

// Source tags which producer delivered a trade. Pull (Data API) is
// authoritative; push (WebSocket) is a latency hint that triggers
// out-of-schedule pulls.
type Source string

const (
	SourcePush Source = "push"
	SourcePull Source = "pull"
)

// Market is a monitored prediction market. Identity fields are immutable;
// OpenInterest and Volume are refreshed periodically by the registry.
type Market struct {
	ID          string // canonical market id
	ConditionID string // equivalence key across upstreams
	YesTokenID  string // outcome token id, may be empty
	NoTokenID   string // outcome token id, may be empty
	Question    string
	Slug        string
	Tier        int // 1 (highest priority) to 3
	Category    string
	Enabled     bool

	OpenInterest decimal.Decimal // current open interest in USD
	Volume       decimal.Decimal // lifetime volume in USD
}

// TokenIDs returns the market's non-empty outcome token ids.
func (m Market) TokenIDs() []string {
	ids := make([]string, 0, 2)
	if m.YesTokenID != "" {
		ids = append(ids, m.YesTokenID)
	}
	if m.NoTokenID != "" {
		ids = append(ids, m.NoTokenID)
	}
	return ids
}

// OutcomeForToken maps an outcome token id back to yes/no.
func (m Market) OutcomeForToken(tokenID string) (Outcome, bool) {
	switch tokenID {
	case m.YesTokenID:
		return OutcomeYes, m.YesTokenID != ""
	case m.NoTokenID:
		return OutcomeNo, m.NoTokenID != ""
	}
	return "", false
}

// Trade is a normalized taker fill in a monitored market.
//
// Invariants enforced by Validate: price in [0,1], size > 0, wallet is a
// 42-char lowercased 0x hex address.
type Trade struct {
	ID          string          // source-namespaced id, e.g. "pull:0xabc..."
	MarketID    string          // resolved registry market id
	ConditionID string
	Side        Side
	Outcome     Outcome
	Size        decimal.Decimal // outcome-token units (6-decimal tokens)
	Price       decimal.Decimal // probability in [0,1]
	Wallet      string          // taker address, lowercased 0x hex
	Maker       string          // optional maker address
	TimestampMs int64           // millisecond epoch
	Source      Source
	TxHash      string // optional transaction hash
}

// USDValue is the trade's notional: size * price.
func (t Trade) USDValue() decimal.Decimal {
	return t.Size.Mul(t.Price)
}

// DedupKey is the stable cross-source identity of a trade. The transaction
// hash is preferred; trades without one fall back to timestamp|wallet.
func (t Trade) DedupKey() string {
	if t.TxHash != "" {
		return t.TxHash
	}
	return fmt.Sprintf("%d|%s", t.TimestampMs, t.Wallet)
}

// Validate checks the trade invariants that every accepted trade must hold.
func (t Trade) Validate() error {
	if t.MarketID == "" {
		return NewFault(KindInvalidInput, "trade", fmt.Errorf("missing market id"))
	}
	if t.Price.IsNegative() || t.Price.GreaterThan(decimal.NewFromInt(1)) {
		return NewFault(KindInvalidInput, "trade", fmt.Errorf("price %s out of [0,1]", t.Price))
	}
	if !t.Size.IsPositive() {
		return NewFault(KindInvalidInput, "trade", fmt.Errorf("size %s not positive", t.Size))
	}
	if len(t.Wallet) != 42 || !strings.HasPrefix(t.Wallet, "0x") {
		return NewFault(KindInvalidInput, "trade", fmt.Errorf("wallet %q is not a 42-char 0x address", t.Wallet))
	}
	if t.Wallet != strings.ToLower(t.Wallet) {
		return NewFault(KindInvalidInput, "trade", fmt.Errorf("wallet %q not lowercased", t.Wallet))
	}
	switch t.Side {
	case SideBuy, SideSell:
	default:
		return NewFault(KindInvalidInput, "trade", fmt.Errorf("unknown side %q", t.Side))
	}
	return nil
}

// Time returns the trade timestamp as a time.Time.
func (t Trade) Time() time.Time {
	return time.UnixMilli(t.TimestampMs)
}

// SizeTier is the absolute-USD gate a trade cleared, if any.
type SizeTier string

const (
	TierNone        SizeTier = ""
	TierNotable     SizeTier = "notable"     // >= $10k
	TierSignificant SizeTier = "significant" // >= $25k
	TierLarge       SizeTier = "large"       // >= $50k
	TierWhale       SizeTier = "whale"       // >= $100k
)

// TierForUSD returns the highest absolute tier the USD value reaches.
func TierForUSD(usd decimal.Decimal) SizeTier {
	switch {
	case usd.GreaterThanOrEqual(decimal.NewFromInt(100_000)):
		return TierWhale
	case usd.GreaterThanOrEqual(decimal.NewFromInt(50_000)):
		return TierLarge
	case usd.GreaterThanOrEqual(decimal.NewFromInt(25_000)):
		return TierSignificant
	case usd.GreaterThanOrEqual(decimal.NewFromInt(10_000)):
		return TierNotable
	}
	return TierNone
}

// Signal is a trade that passed the detector's hybrid gate.
type Signal struct {
	Trade        Trade
	USDValue     decimal.Decimal
	ImpactPct    decimal.Decimal // impact percentage under Method
	Threshold    decimal.Decimal // the method threshold that was applied
	Method       string          // "liquidity", "volume" or "open_interest"
	AbsoluteTier SizeTier        // non-empty when the absolute gate fired
	ViaAbsolute  bool            // which gate admitted the trade
}

// DormancyMetrics describes how quiet a market has been before a trade.
type DormancyMetrics struct {
	HoursSinceLargeTrade float64 // hours since last large historical trade
	HoursSincePriceMove  float64 // hours since last significant price move
	IsDormant            bool
}

// ConfidenceLevel buckets the calibrated fingerprint confidence score.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"   // score >= 75
	ConfidenceMedium ConfidenceLevel = "medium" // score >= 40
	ConfidenceLow    ConfidenceLevel = "low"    // score > 0
	ConfidenceNone   ConfidenceLevel = "none"
)

// LevelForScore maps a 0-100 calibration score to a confidence level.
func LevelForScore(score int) ConfidenceLevel {
	switch {
	case score >= 75:
		return ConfidenceHigh
	case score >= 40:
		return ConfidenceMedium
	case score > 0:
		return ConfidenceLow
	}
	return ConfidenceNone
}

// WalletFlags are the boolean insider heuristics computed over a fingerprint.
type WalletFlags struct {
	LowTradeCount      bool `json:"low_trade_count"`
	YoungAccount       bool `json:"young_account"`
	LowVolume          bool `json:"low_volume"`
	HighConcentration  bool `json:"high_concentration"`
	FreshFatBet        bool `json:"fresh_fat_bet"`
	LowDiversification bool `json:"low_diversification"`
}

// Count returns how many flags are set.
func (f WalletFlags) Count() int {
	n := 0
	for _, b := range []bool{
		f.LowTradeCount, f.YoungAccount, f.LowVolume,
		f.HighConcentration, f.FreshFatBet, f.LowDiversification,
	} {
		if b {
			n++
		}
	}
	return n
}

// Names lists the set flags, for logging and alert breakdowns.
func (f WalletFlags) Names() []string {
	var names []string
	if f.LowTradeCount {
		names = append(names, "low_trade_count")
	}
	if f.YoungAccount {
		names = append(names, "young_account")
	}
	if f.LowVolume {
		names = append(names, "low_volume")
	}
	if f.HighConcentration {
		names = append(names, "high_concentration")
	}
	if f.FreshFatBet {
		names = append(names, "fresh_fat_bet")
	}
	if f.LowDiversification {
		names = append(names, "low_diversification")
	}
	return names
}

// ConfidenceEnvelope qualifies how much the fingerprint can be trusted.
type ConfidenceEnvelope struct {
	Completeness     float64 `json:"completeness"`      // 0-1 share of fields populated
	Consistency      float64 `json:"consistency"`       // 0-1 cross-source agreement
	FreshnessMinutes float64 `json:"freshness_minutes"` // age of the underlying data
	FromCache        bool    `json:"from_cache"`
	UpstreamErrors   int     `json:"upstream_errors"`

	Score int             `json:"score"` // calibrated 0-100
	Level ConfidenceLevel `json:"level"`
}

// FingerprintSource names which data path produced a fingerprint.
type FingerprintSource string

const (
	FingerprintIndexer FingerprintSource = "indexer"
	FingerprintOnChain FingerprintSource = "onchain"
)

// WalletFingerprint is the forensic profile of a taker wallet.
//
// AccountAgeDays is a pointer: a wallet with zero observable history has an
// unknown age, which is distinct from an age of zero days.
type WalletFingerprint struct {
	Address          string          `json:"address"` // lowercased 0x hex
	TradeCount       int             `json:"trade_count"`
	VolumeUSD        decimal.Decimal `json:"volume_usd"`
	AccountAgeDays   *float64        `json:"account_age_days,omitempty"`
	ConcentrationPct float64         `json:"concentration_pct"` // max single-market share, percent
	MarketsTraded    int             `json:"markets_traded"`
	CEXFunded        bool            `json:"cex_funded"`
	ProtocolCount    int             `json:"protocol_count"` // unique non-venue contracts touched

	Flags      WalletFlags        `json:"flags"`
	Confidence ConfidenceEnvelope `json:"confidence"`
	Source     FingerprintSource  `json:"source"`
	FetchedAt  time.Time          `json:"fetched_at"`
	FirstSeen  *time.Time         `json:"first_seen,omitempty"`
}

// Suspicious applies the per-path flag rule: indexer-derived fingerprints
// need two flags, on-chain ones three (the chain view is noisier).
func (fp WalletFingerprint) Suspicious() bool {
	min := 2
	if fp.Source == FingerprintOnChain {
		min = 3
	}
	return fp.Flags.Count() >= min
}

// Classification buckets a scored alert.
type Classification string

const (
	ClassStrongInsider    Classification = "strong-insider"
	ClassHighConfidence   Classification = "high-confidence"
	ClassMediumConfidence Classification = "medium-confidence"
	ClassLogOnly          Classification = "log-only"
)

// ScoreBreakdown records the weighted components of a composite score.
type ScoreBreakdown struct {
	Impact     float64 `json:"impact"`
	Dormancy   float64 `json:"dormancy"`
	Flags      float64 `json:"flags"`
	Confidence float64 `json:"confidence"`
}

// Alert is the persisted detection result. One alert per trade id.
type Alert struct {
	TradeID        string
	MarketID       string
	Wallet         string
	Score          float64
	Classification Classification
	Breakdown      ScoreBreakdown
	Timestamp      time.Time
}

// TruncateAddress shortens a 0x address for notifications: 0x1234...abcd.
func TruncateAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
