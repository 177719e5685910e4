// explorer.go is the block-explorer HTTP client, the alternative source of
// first-transfer timestamps and method-id-keyed transaction history when the
// node's transfer extension is unavailable or disagrees.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-sentinel/internal/guard"
	"polymarket-sentinel/pkg/types"
)

// ExplorerTx is one row of the explorer's normal-transaction history.
type ExplorerTx struct {
	Hash      string `json:"hash"`
	From      string `json:"from"`
	To        string `json:"to"`
	Value     string `json:"value"`
	Input     string `json:"input"`
	TimeStamp string `json:"timeStamp"` // unix seconds, decimal string
	IsError   string `json:"isError"`
}

// MethodID returns the 4-byte selector of the call, empty for plain
// transfers.
func (t ExplorerTx) MethodID() string {
	if len(t.Input) < 10 {
		return ""
	}
	return t.Input[:10]
}

// Time parses the transaction timestamp, zero when malformed.
func (t ExplorerTx) Time() time.Time {
	secs, err := strconv.ParseInt(t.TimeStamp, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

type explorerEnvelope struct {
	Status  string `json:"status"` // "1" ok, "0" error or empty result
	Message string `json:"message"`
	Result  []ExplorerTx
}

// ExplorerClient talks to the Etherscan-compatible explorer API.
type ExplorerClient struct {
	http   *resty.Client
	apiKey string
	lim    *guard.Limiter
	brk    *guard.Breaker
	policy RetryPolicy
	logger *slog.Logger
}

// NewExplorerClient builds the explorer client. Retries are handled by the
// shared policy rather than resty's, so resty's own retry count stays zero.
func NewExplorerClient(baseURL, apiKey string, lim *guard.Limiter, brk *guard.Breaker, logger *slog.Logger) *ExplorerClient {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetHeader("Accept", "application/json")
	return &ExplorerClient{
		http:   http,
		apiKey: apiKey,
		lim:    lim,
		brk:    brk,
		policy: DefaultRetryPolicy(),
		logger: logger.With("component", "explorer"),
	}
}

// NormalTransactions returns the address's normal-transaction history,
// oldest first, up to limit rows.
func (e *ExplorerClient) NormalTransactions(ctx context.Context, address string, limit int) ([]ExplorerTx, error) {
	const op = "explorer.txlist"
	if limit <= 0 {
		limit = 100
	}

	var env explorerEnvelope
	err := guarded(ctx, e.lim, e.brk, e.policy, op, e.logger, func() error {
		resp, err := e.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"module":  "account",
				"action":  "txlist",
				"address": address,
				"page":    "1",
				"offset":  strconv.Itoa(limit),
				"sort":    "asc",
				"apikey":  e.apiKey,
			}).
			SetResult(&env).
			Get("/api")
		if err != nil {
			return transportErr(op, err)
		}
		return classifyStatus(op, resp.StatusCode(), string(resp.Body()))
	})
	if err != nil {
		return nil, err
	}

	// Status "0" with "No transactions found" is an empty history, not an
	// error; any other "0" is a structured API failure.
	if env.Status == "0" && len(env.Result) == 0 {
		if env.Message == "No transactions found" {
			return nil, nil
		}
		return nil, types.NewFault(types.KindUpstreamBadData, op,
			fmt.Errorf("explorer: %s", env.Message))
	}
	return env.Result, nil
}

// FirstTransferTimestamp returns the timestamp of the address's earliest
// transaction, nil for a fresh address.
func (e *ExplorerClient) FirstTransferTimestamp(ctx context.Context, address string) (*time.Time, error) {
	txs, err := e.NormalTransactions(ctx, address, 1)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	ts := txs[0].Time()
	if ts.IsZero() {
		return nil, nil
	}
	return &ts, nil
}
