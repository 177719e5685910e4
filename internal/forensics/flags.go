// flags.go turns a fingerprint's facts into the boolean insider heuristics.
// Thresholds differ per data path: the indexer view is precise enough for the
// subgraph_* thresholds, the chain view uses its own coarser limits.
package forensics

import (
	"github.com/shopspring/decimal"

	"polymarket-sentinel/internal/config"
	"polymarket-sentinel/pkg/types"
)

// computeFlags evaluates the six heuristics. Fresh-fat-bet is the only
// context-dependent one: it needs the current trade and the market it hit,
// so flags are recomputed per trade even when the facts come from cache.
func computeFlags(cfg config.ForensicsConfig, fp types.WalletFingerprint, trade types.Trade, market types.Market) types.WalletFlags {
	lowTrades := cfg.SubgraphLowTradeCount
	youngDays := cfg.SubgraphYoungAccountDays
	if fp.Source == types.FingerprintOnChain {
		lowTrades = cfg.MaxWalletTransactions
		youngDays = cfg.MinWalletAgeInDays
	}

	flags := types.WalletFlags{
		LowTradeCount:      fp.TradeCount <= lowTrades,
		LowVolume:          fp.VolumeUSD.LessThanOrEqual(decimal.NewFromFloat(cfg.SubgraphLowVolumeUSD)),
		HighConcentration:  fp.ConcentrationPct >= cfg.SubgraphHighConcentrationPct,
		LowDiversification: fp.MarketsTraded <= cfg.SubgraphLowDiversification,
	}

	// No observable first trade means the account is effectively brand new.
	if fp.AccountAgeDays == nil || *fp.AccountAgeDays <= float64(youngDays) {
		flags.YoungAccount = true
	}

	if fp.TradeCount <= cfg.SubgraphFreshFatBetPriorTrades &&
		trade.USDValue().GreaterThanOrEqual(decimal.NewFromFloat(cfg.SubgraphFreshFatBetSizeUSD)) &&
		market.OpenInterest.IsPositive() &&
		market.OpenInterest.LessThanOrEqual(decimal.NewFromFloat(cfg.SubgraphFreshFatBetMaxOI)) {
		flags.FreshFatBet = true
	}

	return flags
}
