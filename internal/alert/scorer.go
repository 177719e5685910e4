// Package alert turns a signal, dormancy metrics and a wallet fingerprint
// into a composite 0-100 score, classifies it, and persists it exactly once
// per trade id.
package alert

import (
	"log/slog"
	"math"
	"time"

	"polymarket-sentinel/internal/config"
	"polymarket-sentinel/pkg/types"
)

// Component weights. Impact dominates, wallet flags and dormancy qualify it,
// confidence scales how much the forensic view can be trusted.
const (
	weightImpact     = 0.35
	weightDormancy   = 0.25
	weightFlags      = 0.25
	weightConfidence = 0.15
)

// Classification cutoffs on the composite score.
const (
	cutStrongInsider    = 85
	cutHighConfidence   = 70
	cutMediumConfidence = 50
)

// Scorer computes composite alert scores.
type Scorer struct {
	cfg    config.AlertingConfig
	det    config.DetectorConfig
	logger *slog.Logger

	now func() time.Time
}

// NewScorer builds the scorer. Detector config supplies the dormancy window
// sizes the dormancy component normalizes against.
func NewScorer(cfg config.AlertingConfig, det config.DetectorConfig, logger *slog.Logger) *Scorer {
	return &Scorer{
		cfg:    cfg,
		det:    det,
		logger: logger.With("component", "scorer"),
		now:    time.Now,
	}
}

// Score produces the alert row for one evaluated trade. Every component is
// on a 0-100 scale before weighting, so the composite is 0-100 too.
func (s *Scorer) Score(sig types.Signal, dorm types.DormancyMetrics, fp types.WalletFingerprint) types.Alert {
	breakdown := types.ScoreBreakdown{
		Impact:     s.impactComponent(sig),
		Dormancy:   s.dormancyComponent(dorm),
		Flags:      flagsComponent(fp),
		Confidence: float64(fp.Confidence.Score),
	}

	score := breakdown.Impact*weightImpact +
		breakdown.Dormancy*weightDormancy +
		breakdown.Flags*weightFlags +
		breakdown.Confidence*weightConfidence
	score = math.Round(score*100) / 100

	alert := types.Alert{
		TradeID:        sig.Trade.ID,
		MarketID:       sig.Trade.MarketID,
		Wallet:         fp.Address,
		Score:          score,
		Classification: classify(score),
		Breakdown:      breakdown,
		Timestamp:      s.now(),
	}
	s.logger.Info("scored trade",
		"trade", sig.Trade.ID, "score", score,
		"classification", string(alert.Classification),
		"impact", breakdown.Impact, "dormancy", breakdown.Dormancy,
		"flags", breakdown.Flags, "confidence", breakdown.Confidence)
	return alert
}

// ShouldAlert is the final persistence gate.
func (s *Scorer) ShouldAlert(a types.Alert) bool {
	return a.Score >= s.cfg.AlertThreshold
}

// impactComponent scales the relative impact against its threshold, then
// takes whichever is higher of that and the absolute-tier floor. A whale is
// a 100 regardless of how deep the market is.
func (s *Scorer) impactComponent(sig types.Signal) float64 {
	relative := 0.0
	if sig.Threshold.IsPositive() {
		ratio, _ := sig.ImpactPct.Div(sig.Threshold).Float64()
		relative = math.Min(100, ratio*25)
	}

	tier := 0.0
	switch sig.AbsoluteTier {
	case types.TierWhale:
		tier = 100
	case types.TierLarge:
		tier = 85
	case types.TierSignificant:
		tier = 70
	case types.TierNotable:
		tier = 55
	}
	return math.Max(relative, tier)
}

// dormancyComponent normalizes the two quietness measurements against their
// configured windows. A fully dormant market scores 100.
func (s *Scorer) dormancyComponent(dorm types.DormancyMetrics) float64 {
	largeWindow := float64(s.det.DormantHoursNoLargeTrades)
	moveWindow := float64(s.det.DormantHoursNoPriceMoves)
	if largeWindow <= 0 || moveWindow <= 0 {
		return 0
	}
	a := math.Min(1, dorm.HoursSinceLargeTrade/largeWindow)
	b := math.Min(1, dorm.HoursSincePriceMove/moveWindow)
	return (a + b) / 2 * 100
}

// flagsComponent gives 15 points per flag plus a CEX-funding bump, capped
// at 100.
func flagsComponent(fp types.WalletFingerprint) float64 {
	pts := float64(fp.Flags.Count()) * 15
	if fp.CEXFunded {
		pts += 10
	}
	return math.Min(100, pts)
}

func classify(score float64) types.Classification {
	switch {
	case score >= cutStrongInsider:
		return types.ClassStrongInsider
	case score >= cutHighConfidence:
		return types.ClassHighConfidence
	case score >= cutMediumConfidence:
		return types.ClassMediumConfidence
	}
	return types.ClassLogOnly
}
