// confidence.go calibrates how much a fingerprint can be trusted. The score
// is 0-100 and maps to {high, medium, low, none}; low and none analyses are
// logged at warn so operators can see when the pipeline is flying blind.
package forensics

import (
	"context"

	"polymarket-sentinel/pkg/types"
)

const confidenceBase = 50

// calibrate fills in the envelope's score and level. sources is how many
// data paths contributed (0 when the wallet has no observable history at
// all); agree is meaningful only when sources is 2.
func (a *Analyzer) calibrate(ctx context.Context, fp *types.WalletFingerprint, sources int, agree bool) {
	env := &fp.Confidence

	switch {
	case sources >= 2:
		if agree {
			env.Consistency = 1.0
		}
	case sources == 1:
		// Single source: nothing to cross-check against.
		env.Consistency = 0.5
	}

	score := confidenceBase
	switch {
	case sources >= 2:
		score += 10
	case sources == 0:
		score -= 30
	}
	score += int(env.Completeness * 20)
	score += int(env.Consistency * 10)
	if env.FromCache {
		score -= 5
	}
	if env.FreshnessMinutes > 60 {
		score -= 5
	}
	if env.UpstreamErrors > 0 {
		score -= 10
	}
	switch {
	case fp.TradeCount == 0:
		score -= 20
	case fp.TradeCount < 5:
		score -= 10
	case fp.TradeCount > 50:
		score += 10
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	env.Score = score
	env.Level = types.LevelForScore(score)

	if env.Level == types.ConfidenceLow || env.Level == types.ConfidenceNone {
		a.logger.Warn("low-confidence fingerprint",
			"wallet", types.TruncateAddress(fp.Address), "source", string(fp.Source),
			"score", score, "level", string(env.Level),
			"upstream_errors", env.UpstreamErrors, "from_cache", env.FromCache)
	}
}

// completeness is the share of core fingerprint facts actually populated.
func completeness(fp types.WalletFingerprint) float64 {
	n := 0
	if fp.TradeCount > 0 {
		n++
	}
	if fp.VolumeUSD.IsPositive() {
		n++
	}
	if fp.AccountAgeDays != nil {
		n++
	}
	if fp.ConcentrationPct > 0 {
		n++
	}
	if fp.MarketsTraded > 0 {
		n++
	}
	return float64(n) / 5
}
