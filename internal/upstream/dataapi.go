// dataapi.go is the market-data HTTP client: the authoritative pull source
// for executed trades, plus orderbook snapshots and per-market stats for the
// registry refresh.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"polymarket-sentinel/internal/guard"
	"polymarket-sentinel/pkg/types"
)

// DataActivityRow is one row of a wallet's venue activity feed.
type DataActivityRow struct {
	Type        string  `json:"type"` // TRADE, SPLIT, MERGE, REDEEM
	ConditionID string  `json:"conditionId"`
	UsdcSize    float64 `json:"usdcSize"`
	Timestamp   int64   `json:"timestamp"`
}

// MarketStats is the per-market refresh payload for the registry.
type MarketStats struct {
	ConditionID  string          `json:"conditionId"`
	Liquidity    decimal.Decimal `json:"-"`
	Volume       decimal.Decimal `json:"-"`
	OpenInterest decimal.Decimal `json:"-"`

	LiquidityNum    float64 `json:"liquidityNum"`
	VolumeNum       float64 `json:"volumeNum"`
	OpenInterestNum float64 `json:"openInterest"`
}

// DataAPIClient talks to the venue's market-data REST API.
type DataAPIClient struct {
	http   *resty.Client
	lim    *guard.Limiter
	brk    *guard.Breaker
	policy RetryPolicy
	logger *slog.Logger
}

// NewDataAPIClient builds the market-data client.
func NewDataAPIClient(baseURL string, lim *guard.Limiter, brk *guard.Breaker, logger *slog.Logger) *DataAPIClient {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetHeader("Accept", "application/json")
	return &DataAPIClient{
		http:   http,
		lim:    lim,
		brk:    brk,
		policy: DefaultRetryPolicy(),
		logger: logger.With("component", "dataapi"),
	}
}

// get runs one GET through the protective stack decoding JSON into out.
func (d *DataAPIClient) get(ctx context.Context, op, path string, params map[string]string, out any) error {
	return guarded(ctx, d.lim, d.brk, d.policy, op, d.logger, func() error {
		resp, err := d.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetResult(out).
			Get(path)
		if err != nil {
			return transportErr(op, err)
		}
		return classifyStatus(op, resp.StatusCode(), string(resp.Body()))
	})
}

// Trades returns executed taker trades for the given condition ids, most
// recent first, filtered server-side to a minimum USD notional.
func (d *DataAPIClient) Trades(ctx context.Context, conditionIDs []string, minUSD float64, limit int) ([]types.DataTrade, error) {
	if len(conditionIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	params := map[string]string{
		"market":    strings.Join(conditionIDs, ","),
		"takerOnly": "true",
		"limit":     strconv.Itoa(limit),
	}
	if minUSD > 0 {
		params["filterType"] = "CASH"
		params["filterAmount"] = strconv.FormatFloat(minUSD, 'f', -1, 64)
	}

	var trades []types.DataTrade
	if err := d.get(ctx, "dataapi.trades", "/trades", params, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

// UserActivity returns a wallet's venue activity feed, most recent first.
func (d *DataAPIClient) UserActivity(ctx context.Context, address string, limit int) ([]DataActivityRow, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []DataActivityRow
	err := d.get(ctx, "dataapi.activity", "/activity", map[string]string{
		"user":  address,
		"limit": strconv.Itoa(limit),
	}, &rows)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Orderbook fetches the current book snapshot for one token.
func (d *DataAPIClient) Orderbook(ctx context.Context, tokenID string) (*types.OrderBookSnapshot, error) {
	var book types.OrderBookSnapshot
	err := d.get(ctx, "dataapi.orderbook", "/book", map[string]string{
		"token_id": tokenID,
	}, &book)
	if err != nil {
		return nil, err
	}
	if book.AssetID == "" {
		book.AssetID = tokenID
	}
	return &book, nil
}

// MarketStats fetches current liquidity, volume and open interest for a set
// of condition ids, keyed by condition id.
func (d *DataAPIClient) MarketStats(ctx context.Context, conditionIDs []string) (map[string]MarketStats, error) {
	if len(conditionIDs) == 0 {
		return map[string]MarketStats{}, nil
	}
	var raw []MarketStats
	err := d.get(ctx, "dataapi.market_stats", "/markets", map[string]string{
		"condition_ids": strings.Join(conditionIDs, ","),
	}, &raw)
	if err != nil {
		return nil, err
	}

	out := make(map[string]MarketStats, len(raw))
	for _, m := range raw {
		if m.ConditionID == "" {
			return nil, types.NewFault(types.KindUpstreamBadData, "dataapi.market_stats",
				fmt.Errorf("market row without condition id"))
		}
		m.Liquidity = decimal.NewFromFloat(m.LiquidityNum)
		m.Volume = decimal.NewFromFloat(m.VolumeNum)
		m.OpenInterest = decimal.NewFromFloat(m.OpenInterestNum)
		out[m.ConditionID] = m
	}
	return out, nil
}
