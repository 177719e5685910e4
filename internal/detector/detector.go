// Package detector decides which trades are candidate signals: the hybrid
// relative-impact / absolute-size gate, plus the dormancy assessment the
// scorer consumes. Every decision lands in a funnel counter.
package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-sentinel/internal/cache"
	"polymarket-sentinel/internal/config"
	"polymarket-sentinel/internal/upstream"
	"polymarket-sentinel/pkg/types"
)

const orderbookCachePrefix = "sentinel:orderbook:"

var hundred = decimal.NewFromInt(100)

// Impact methods.
const (
	MethodLiquidity    = "liquidity"
	MethodVolume       = "volume"
	MethodOpenInterest = "open_interest"
)

// orderbookSource fetches a live book snapshot on cache miss.
type orderbookSource interface {
	Orderbook(ctx context.Context, tokenID string) (*types.OrderBookSnapshot, error)
}

// tradeHistory is the persisted-trades slice used for rolling volume and
// dormancy scans.
type tradeHistory interface {
	TradesForMarketSince(ctx context.Context, marketID string, since time.Time) ([]types.Trade, error)
}

// marketFills backfills rolling volume from the CLOB subgraph when local
// history has not accumulated yet (cold start, or a market that just entered
// the watchlist).
type marketFills interface {
	RecentFillsByTokens(ctx context.Context, tokenIDs []string, since time.Time, limit int) ([]upstream.CLOBFill, error)
}

// volumeFillsLimit caps the subgraph backfill per side of the book.
const volumeFillsLimit = 500

// counter bumps funnel counters.
type counter interface {
	Incr(ctx context.Context, name string)
}

// Detector gates trades into candidate signals.
type Detector struct {
	cfg      config.DetectorConfig
	books    orderbookSource
	history  tradeHistory
	fills    marketFills   // may be nil, then volume uses local history only
	cache    *cache.Client // may be nil, then every book fetch is live
	cacheTTL time.Duration
	stats    counter
	logger   *slog.Logger

	now func() time.Time
}

// New builds the detector.
func New(cfg config.DetectorConfig, books orderbookSource, history tradeHistory, fills marketFills,
	cacheClient *cache.Client, cacheTTL time.Duration, stats counter, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:      cfg,
		books:    books,
		history:  history,
		fills:    fills,
		cache:    cacheClient,
		cacheTTL: cacheTTL,
		stats:    stats,
		logger:   logger.With("component", "detector"),
		now:      time.Now,
	}
}

// Evaluate runs the hybrid gate. A nil signal with nil error means the trade
// was filtered; the counter names say why.
func (d *Detector) Evaluate(ctx context.Context, trade types.Trade, market types.Market) (*types.Signal, error) {
	d.stats.Incr(ctx, "trades_analyzed")
	usd := trade.USDValue()

	if d.cfg.MinTradeSize > 0 && usd.LessThan(decimal.NewFromFloat(d.cfg.MinTradeSize)) {
		d.stats.Incr(ctx, "filtered_min_trade_size")
		return nil, nil
	}

	method := d.cfg.OICalculationMethod
	impact, threshold, err := d.impact(ctx, method, trade, market, usd)
	if err != nil || impact.IsZero() && threshold.IsZero() {
		// Configured method produced nothing usable; optionally fall back to
		// open interest with its own threshold.
		if d.cfg.FallbackToOICalculation && method != MethodOpenInterest {
			d.logger.Debug("impact method fell back to open interest",
				"trade", trade.ID, "method", method, "error", err)
			fbImpact, fbThreshold, fbErr := d.impactOpenInterest(market, usd, d.cfg.FallbackOIPercentage)
			if fbErr == nil && !(fbImpact.IsZero() && fbThreshold.IsZero()) {
				method = MethodOpenInterest
				impact, threshold, err = fbImpact, fbThreshold, nil
			}
		}
		// A fault from the denominator source is not "no market data": the
		// caller's retry/abort policy owns it.
		if err != nil {
			return nil, err
		}
		if impact.IsZero() && threshold.IsZero() {
			d.stats.Incr(ctx, "filtered_no_market_data")
			return nil, nil
		}
	}

	// Hybrid gate: relative impact or absolute notional, either admits.
	relativeOK := impact.GreaterThanOrEqual(threshold)
	tier := types.TierForUSD(usd)
	if !relativeOK && tier == types.TierNone {
		d.stats.Incr(ctx, "filtered_oi_threshold")
		return nil, nil
	}
	d.stats.Incr(ctx, "passed_oi_filter")

	sig := &types.Signal{
		Trade:        trade,
		USDValue:     usd,
		ImpactPct:    impact,
		Threshold:    threshold,
		Method:       method,
		AbsoluteTier: tier,
		ViaAbsolute:  !relativeOK,
	}
	d.logger.Info("candidate signal",
		"trade", trade.ID, "market", market.ID, "usd", usd.StringFixed(2),
		"impact_pct", impact.StringFixed(3), "method", method,
		"tier", string(tier), "via_absolute", sig.ViaAbsolute)
	return sig, nil
}

// impact computes (impact%, threshold) under one method. A zero/zero return
// means the denominator was unusable.
func (d *Detector) impact(ctx context.Context, method string, trade types.Trade, market types.Market, usd decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	switch method {
	case MethodLiquidity:
		return d.impactLiquidity(ctx, trade, market, usd)
	case MethodVolume:
		return d.impactVolume(ctx, market, usd)
	case MethodOpenInterest:
		return d.impactOpenInterest(market, usd, d.cfg.MinOIPercentage)
	default:
		return decimal.Zero, decimal.Zero,
			types.NewFault(types.KindConfig, "detector.impact", fmt.Errorf("unknown method %q", method))
	}
}

// impactLiquidity divides the trade by the opposite-side depth over the top
// N book levels.
func (d *Detector) impactLiquidity(ctx context.Context, trade types.Trade, market types.Market, usd decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	tokenID := tokenForOutcome(market, trade.Outcome)
	if tokenID == "" {
		return decimal.Zero, decimal.Zero, nil
	}
	book, err := d.orderbook(ctx, tokenID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	// A buy consumes asks, a sell consumes bids.
	levels := book.Asks
	if trade.Side == types.SideSell {
		levels = book.Bids
	}
	available := depthUSD(levels, d.cfg.OrderbookDepthLevels)
	if !available.IsPositive() {
		return decimal.Zero, decimal.Zero, nil
	}
	impact := usd.Div(available).Mul(hundred)
	return impact, decimal.NewFromFloat(d.cfg.MinLiquidityImpactPct), nil
}

// impactVolume divides the trade by the market's rolling-window volume.
// Local history is the primary source; when it is still empty the CLOB
// subgraph supplies the window instead.
func (d *Detector) impactVolume(ctx context.Context, market types.Market, usd decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	since := d.now().Add(-time.Duration(d.cfg.VolumeLookbackHours) * time.Hour)
	trades, err := d.history.TradesForMarketSince(ctx, market.ID, since)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	volume := decimal.Zero
	for _, t := range trades {
		volume = volume.Add(t.USDValue())
	}
	if !volume.IsPositive() && d.fills != nil {
		fills, err := d.fills.RecentFillsByTokens(ctx, market.TokenIDs(), since, volumeFillsLimit)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		for _, f := range fills {
			volume = volume.Add(f.SizeUSD)
		}
	}
	if !volume.IsPositive() {
		return decimal.Zero, decimal.Zero, nil
	}
	impact := usd.Div(volume).Mul(hundred)
	return impact, decimal.NewFromFloat(d.cfg.MinVolumeImpactPct), nil
}

// impactOpenInterest divides the trade by current open interest.
func (d *Detector) impactOpenInterest(market types.Market, usd decimal.Decimal, thresholdPct float64) (decimal.Decimal, decimal.Decimal, error) {
	oi := market.OpenInterest
	if !oi.IsPositive() || oi.LessThan(decimal.NewFromFloat(d.cfg.MinOI)) {
		return decimal.Zero, decimal.Zero, nil
	}
	impact := usd.Div(oi).Mul(hundred)
	return impact, decimal.NewFromFloat(thresholdPct), nil
}

// orderbook returns the cached snapshot when fresh, otherwise fetches and
// caches a live one.
func (d *Detector) orderbook(ctx context.Context, tokenID string) (*types.OrderBookSnapshot, error) {
	key := orderbookCachePrefix + tokenID
	if d.cache != nil {
		if data, err := d.cache.GetJSON(ctx, key); err == nil {
			var book types.OrderBookSnapshot
			if json.Unmarshal(data, &book) == nil {
				return &book, nil
			}
		}
	}

	book, err := d.books.Orderbook(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if d.cache != nil {
		if data, err := json.Marshal(book); err == nil {
			if err := d.cache.SetJSON(ctx, key, data, d.cacheTTL); err != nil {
				d.logger.Debug("orderbook cache write failed", "token", tokenID, "error", err)
			}
		}
	}
	return book, nil
}

// depthUSD sums price*size across the top n levels.
func depthUSD(levels []types.PriceLevel, n int) decimal.Decimal {
	if n <= 0 {
		n = 10
	}
	if len(levels) < n {
		n = len(levels)
	}
	total := decimal.Zero
	for _, lvl := range levels[:n] {
		price, err1 := decimal.NewFromString(lvl.Price)
		size, err2 := decimal.NewFromString(lvl.Size)
		if err1 != nil || err2 != nil {
			continue
		}
		total = total.Add(price.Mul(size))
	}
	return total
}

func tokenForOutcome(market types.Market, outcome types.Outcome) string {
	if outcome == types.OutcomeYes {
		return market.YesTokenID
	}
	return market.NoTokenID
}
