// dormancy.go scans a market's recent history for quietness: no large
// trades in one window and no significant price moves in another. A dormant
// market that suddenly takes a big fill is what the scorer weights up.
package detector

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-sentinel/pkg/types"
)

// AssessDormancy computes the two quietness windows for a market. It never
// gates on its own; the result feeds the scorer.
func (d *Detector) AssessDormancy(ctx context.Context, market types.Market) (types.DormancyMetrics, error) {
	largeWindow := time.Duration(d.cfg.DormantHoursNoLargeTrades) * time.Hour
	moveWindow := time.Duration(d.cfg.DormantHoursNoPriceMoves) * time.Hour
	lookback := largeWindow
	if moveWindow > lookback {
		lookback = moveWindow
	}

	now := d.now()
	trades, err := d.history.TradesForMarketSince(ctx, market.ID, now.Add(-lookback))
	if err != nil {
		return types.DormancyMetrics{}, err
	}

	metrics := types.DormancyMetrics{
		HoursSinceLargeTrade: largeWindow.Hours(),
		HoursSincePriceMove:  moveWindow.Hours(),
	}

	largeThreshold := decimal.NewFromFloat(d.cfg.DormantLargeTradeThreshold)
	moveThreshold := decimal.NewFromFloat(d.cfg.DormantPriceMoveThreshold)

	// Trades arrive most recent first; walk chronologically for the
	// consecutive-move scan.
	chrono := make([]types.Trade, len(trades))
	for i, t := range trades {
		chrono[len(trades)-1-i] = t
	}

	for _, t := range chrono {
		if t.USDValue().GreaterThanOrEqual(largeThreshold) {
			hours := now.Sub(t.Time()).Hours()
			if hours < metrics.HoursSinceLargeTrade {
				metrics.HoursSinceLargeTrade = hours
			}
		}
	}

	for i := 1; i < len(chrono); i++ {
		prev, cur := chrono[i-1].Price, chrono[i].Price
		if !prev.IsPositive() {
			continue
		}
		movePct := cur.Sub(prev).Abs().Div(prev).Mul(hundred)
		if movePct.GreaterThanOrEqual(moveThreshold) {
			hours := now.Sub(chrono[i].Time()).Hours()
			if hours < metrics.HoursSincePriceMove {
				metrics.HoursSincePriceMove = hours
			}
		}
	}

	noLarge := metrics.HoursSinceLargeTrade >= largeWindow.Hours()
	noMoves := metrics.HoursSincePriceMove >= moveWindow.Hours()
	metrics.IsDormant = noLarge && noMoves
	return metrics, nil
}
