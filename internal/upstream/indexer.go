// indexer.go is the GraphQL client for the venue's subgraph indexer: wallet
// activity, positions, CLOB fills and the proxy-to-signer mapping. It is the
// primary forensics source; the chain client is its fallback.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"polymarket-sentinel/internal/guard"
	"polymarket-sentinel/pkg/types"
)

// collateralAssetID is the asset id the indexer uses for the 6-decimal
// collateral token. Fills always have collateral on exactly one side.
const collateralAssetID = "0"

var collateralScale = decimal.New(1, 6)

// UserActivity counts the non-CLOB position operations a wallet performed.
type UserActivity struct {
	Splits      int
	Merges      int
	Redemptions int
}

// Total is the wallet's overall non-CLOB operation count.
func (a UserActivity) Total() int { return a.Splits + a.Merges + a.Redemptions }

// Position is a wallet's standing in one condition.
type Position struct {
	ConditionID   string
	ValueUSD      decimal.Decimal // current position value
	ValueBought   decimal.Decimal // lifetime buy-side notional
	ValueSold     decimal.Decimal // lifetime sell-side notional
	RealizedPnl   decimal.Decimal
	UnrealizedPnl decimal.Decimal
}

// FillRole tags which side of a fill the queried wallet was on.
type FillRole string

const (
	RoleMaker FillRole = "maker"
	RoleTaker FillRole = "taker"
)

// CLOBFill is one order-fill event normalized to USD terms.
type CLOBFill struct {
	EventID   string
	TokenID   string // the non-collateral asset
	SizeUSD   decimal.Decimal
	Timestamp time.Time
	Role      FillRole
}

// IndexerClient posts GraphQL queries to the subgraph endpoint.
type IndexerClient struct {
	http   *resty.Client
	lim    *guard.Limiter
	brk    *guard.Breaker
	policy RetryPolicy
	logger *slog.Logger
}

// NewIndexerClient builds the indexer client.
func NewIndexerClient(url string, lim *guard.Limiter, brk *guard.Breaker, logger *slog.Logger) *IndexerClient {
	http := resty.New().
		SetBaseURL(url).
		SetTimeout(20 * time.Second).
		SetHeader("Content-Type", "application/json")
	return &IndexerClient{
		http:   http,
		lim:    lim,
		brk:    brk,
		policy: DefaultRetryPolicy(),
		logger: logger.With("component", "indexer"),
	}
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

// query posts one GraphQL document through the protective stack and decodes
// the data object into out. GraphQL-level errors are permanent bad-data.
func (ic *IndexerClient) query(ctx context.Context, op, document string, vars map[string]any, out any) error {
	return guarded(ctx, ic.lim, ic.brk, ic.policy, op, ic.logger, func() error {
		resp, err := ic.http.R().
			SetContext(ctx).
			SetBody(gqlRequest{Query: document, Variables: vars}).
			Post("")
		if err != nil {
			return transportErr(op, err)
		}
		if err := classifyStatus(op, resp.StatusCode(), string(resp.Body())); err != nil {
			return err
		}

		var envelope struct {
			Data   json.RawMessage `json:"data"`
			Errors []gqlError      `json:"errors"`
		}
		if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
			return types.NewFault(types.KindUpstreamBadData, op, err)
		}
		if len(envelope.Errors) > 0 {
			return types.NewFault(types.KindUpstreamBadData, op,
				fmt.Errorf("graphql: %s", envelope.Errors[0].Message))
		}
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return types.NewFault(types.KindUpstreamBadData, op, err)
		}
		return nil
	})
}

const activityQuery = `query($user: String!) {
  splits(where: {stakeholder: $user}, first: 1000) { id }
  merges(where: {stakeholder: $user}, first: 1000) { id }
  redemptions(where: {redeemer: $user}, first: 1000) { id }
}`

// Activity returns the wallet's split/merge/redemption counts.
func (ic *IndexerClient) Activity(ctx context.Context, address string) (UserActivity, error) {
	var data struct {
		Splits      []struct{ ID string } `json:"splits"`
		Merges      []struct{ ID string } `json:"merges"`
		Redemptions []struct{ ID string } `json:"redemptions"`
	}
	err := ic.query(ctx, "indexer.activity", activityQuery,
		map[string]any{"user": address}, &data)
	if err != nil {
		return UserActivity{}, err
	}
	return UserActivity{
		Splits:      len(data.Splits),
		Merges:      len(data.Merges),
		Redemptions: len(data.Redemptions),
	}, nil
}

const positionsQuery = `query($user: String!) {
  marketPositions(where: {user: $user}, first: 1000) {
    market { conditionId }
    netValue
    valueBought
    valueSold
    realizedPnl
    unrealizedPnl
  }
}`

// Positions returns the wallet's per-condition standings.
func (ic *IndexerClient) Positions(ctx context.Context, address string) ([]Position, error) {
	var data struct {
		MarketPositions []struct {
			Market struct {
				ConditionID string `json:"conditionId"`
			} `json:"market"`
			NetValue      string `json:"netValue"`
			ValueBought   string `json:"valueBought"`
			ValueSold     string `json:"valueSold"`
			RealizedPnl   string `json:"realizedPnl"`
			UnrealizedPnl string `json:"unrealizedPnl"`
		} `json:"marketPositions"`
	}
	err := ic.query(ctx, "indexer.positions", positionsQuery,
		map[string]any{"user": address}, &data)
	if err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(data.MarketPositions))
	for _, p := range data.MarketPositions {
		positions = append(positions, Position{
			ConditionID:   p.Market.ConditionID,
			ValueUSD:      scaledDecimal(p.NetValue),
			ValueBought:   scaledDecimal(p.ValueBought),
			ValueSold:     scaledDecimal(p.ValueSold),
			RealizedPnl:   scaledDecimal(p.RealizedPnl),
			UnrealizedPnl: scaledDecimal(p.UnrealizedPnl),
		})
	}
	return positions, nil
}

type rawFill struct {
	ID                string `json:"id"`
	Timestamp         string `json:"timestamp"`
	MakerAssetID      string `json:"makerAssetId"`
	TakerAssetID      string `json:"takerAssetId"`
	MakerAmountFilled string `json:"makerAmountFilled"`
	TakerAmountFilled string `json:"takerAmountFilled"`
}

const fillsByUserQuery = `query($user: String!, $first: Int!) {
  orderFilledEvents(where: {%s: $user}, first: $first, orderBy: timestamp, orderDirection: desc) {
    id
    timestamp
    makerAssetId
    takerAssetId
    makerAmountFilled
    takerAmountFilled
  }
}`

// Fills returns the wallet's CLOB fills as maker and as taker. The two
// queries run in parallel and are merged with de-duplication by event id
// (self-trades appear in both result sets).
func (ic *IndexerClient) Fills(ctx context.Context, address string, limit int) ([]CLOBFill, error) {
	if limit <= 0 {
		limit = 500
	}

	type result struct {
		fills []rawFill
		role  FillRole
		err   error
	}
	results := make([]result, 2)

	var wg sync.WaitGroup
	for i, role := range []FillRole{RoleMaker, RoleTaker} {
		wg.Add(1)
		go func(i int, role FillRole) {
			defer wg.Done()
			var data struct {
				OrderFilledEvents []rawFill `json:"orderFilledEvents"`
			}
			q := fmt.Sprintf(fillsByUserQuery, string(role))
			err := ic.query(ctx, "indexer.fills_"+string(role), q,
				map[string]any{"user": address, "first": limit}, &data)
			results[i] = result{fills: data.OrderFilledEvents, role: role, err: err}
		}(i, role)
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil {
			return nil, r.err
		}
	}

	seen := make(map[string]struct{})
	var merged []CLOBFill
	for _, r := range results {
		for _, raw := range r.fills {
			if _, dup := seen[raw.ID]; dup {
				continue
			}
			seen[raw.ID] = struct{}{}
			merged = append(merged, normalizeFill(raw, r.role))
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})
	return merged, nil
}

const fillsByTokensQuery = `query($tokens: [String!]!, $since: Int!, $first: Int!) {
  orderFilledEvents(where: {%s_in: $tokens, timestamp_gte: $since}, first: $first, orderBy: timestamp, orderDirection: desc) {
    id
    timestamp
    makerAssetId
    takerAssetId
    makerAmountFilled
    takerAmountFilled
  }
}`

// RecentFillsByTokens returns fills since the given time touching any of the
// token ids, on either side of the book. Two queries (token as maker asset,
// token as taker asset) merged by event id.
func (ic *IndexerClient) RecentFillsByTokens(ctx context.Context, tokenIDs []string, since time.Time, limit int) ([]CLOBFill, error) {
	if len(tokenIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 1000
	}

	seen := make(map[string]struct{})
	var merged []CLOBFill
	for _, field := range []string{"makerAssetId", "takerAssetId"} {
		var data struct {
			OrderFilledEvents []rawFill `json:"orderFilledEvents"`
		}
		q := fmt.Sprintf(fillsByTokensQuery, field)
		err := ic.query(ctx, "indexer.fills_by_tokens", q, map[string]any{
			"tokens": tokenIDs,
			"since":  since.Unix(),
			"first":  limit,
		}, &data)
		if err != nil {
			return nil, err
		}
		for _, raw := range data.OrderFilledEvents {
			if _, dup := seen[raw.ID]; dup {
				continue
			}
			seen[raw.ID] = struct{}{}
			merged = append(merged, normalizeFill(raw, RoleTaker))
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})
	return merged, nil
}

const proxyQuery = `query($proxy: String!) {
  proxyWallet(id: $proxy) { signer }
}`

// ResolveProxy maps an observed proxy-contract address to its signer. An
// unknown proxy returns KindNotFound; callers treat that as "address is
// already the signer".
func (ic *IndexerClient) ResolveProxy(ctx context.Context, proxy string) (string, error) {
	var data struct {
		ProxyWallet *struct {
			Signer string `json:"signer"`
		} `json:"proxyWallet"`
	}
	err := ic.query(ctx, "indexer.resolve_proxy", proxyQuery,
		map[string]any{"proxy": proxy}, &data)
	if err != nil {
		return "", err
	}
	if data.ProxyWallet == nil || data.ProxyWallet.Signer == "" {
		return "", types.NewFault(types.KindNotFound, "indexer.resolve_proxy",
			fmt.Errorf("no proxy mapping for %s", proxy))
	}
	return data.ProxyWallet.Signer, nil
}

// normalizeFill converts a raw fill to USD terms. The collateral side gives
// the notional; the other side names the outcome token.
func normalizeFill(raw rawFill, role FillRole) CLOBFill {
	fill := CLOBFill{EventID: raw.ID, Role: role}

	if raw.MakerAssetID == collateralAssetID {
		fill.TokenID = raw.TakerAssetID
		fill.SizeUSD = scaledDecimal(raw.MakerAmountFilled)
	} else {
		fill.TokenID = raw.MakerAssetID
		fill.SizeUSD = scaledDecimal(raw.TakerAmountFilled)
	}

	if secs, err := strconv.ParseInt(raw.Timestamp, 10, 64); err == nil {
		fill.Timestamp = time.Unix(secs, 0).UTC()
	}
	return fill
}

// scaledDecimal parses a raw 6-decimal integer amount into USD. Malformed
// values scale to zero rather than failing a whole result set.
func scaledDecimal(raw string) decimal.Decimal {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d.Div(collateralScale)
}
