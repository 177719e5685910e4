// chain.go is the JSON-RPC client for the venue's chain. Besides the
// standard eth_ namespace it uses the node vendor's alchemy_getAssetTransfers
// extension for transfer history, which is the only practical way to see
// inbound transfers without an archive indexer.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"polymarket-sentinel/internal/guard"
	"polymarket-sentinel/pkg/types"
)

// orderFilledTopic is topic0 of the match engine's OrderFilled event. The
// indexed params are (orderHash, maker, taker); the taker is the last topic.
const orderFilledTopic = "0xd0a08e8c493f9c94f29311604c9de1b4e8c8d4c06bd0c789af57f2d65bfec0f6"

// Transfer categories understood by alchemy_getAssetTransfers.
var (
	TransferCategoriesAll   = []string{"external", "erc20", "erc721", "erc1155"}
	TransferCategoriesFunds = []string{"external", "erc20"}
)

const (
	transfersPageSize = 1000
	transfersMaxPages = 10
)

// ChainClient wraps the JSON-RPC node behind the protective stack.
type ChainClient struct {
	rpc    *rpc.Client
	lim    *guard.Limiter
	brk    *guard.Breaker
	policy RetryPolicy
	logger *slog.Logger
}

// NewChainClient dials the node. Dialing is lazy for HTTP endpoints, so this
// does not fail on an unreachable node; the first call does.
func NewChainClient(url string, lim *guard.Limiter, brk *guard.Breaker, logger *slog.Logger) (*ChainClient, error) {
	client, err := rpc.Dial(url)
	if err != nil {
		return nil, types.NewFault(types.KindConfig, "chain.dial", err)
	}
	return &ChainClient{
		rpc:    client,
		lim:    lim,
		brk:    brk,
		policy: DefaultRetryPolicy(),
		logger: logger.With("component", "chain"),
	}, nil
}

// Close releases the underlying connection.
func (c *ChainClient) Close() { c.rpc.Close() }

// call runs one RPC method through the full protective stack.
func (c *ChainClient) call(ctx context.Context, op string, result any, method string, args ...any) error {
	return guarded(ctx, c.lim, c.brk, c.policy, op, c.logger, func() error {
		if err := c.rpc.CallContext(ctx, result, method, args...); err != nil {
			return classifyRPCError(op, err)
		}
		return nil
	})
}

// classifyRPCError separates node-reported JSON-RPC errors (permanent) from
// transport-level failures (retryable) and HTTP throttling.
func classifyRPCError(op string, err error) error {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return classifyStatus(op, httpErr.StatusCode, string(httpErr.Body))
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return types.NewFault(types.KindUpstreamBadData, op,
			fmt.Errorf("rpc error %d: %w", rpcErr.ErrorCode(), err))
	}
	return transportErr(op, err)
}

// BlockNumber returns the node's current head block.
func (c *ChainClient) BlockNumber(ctx context.Context) (uint64, error) {
	var hex string
	if err := c.call(ctx, "chain.block_number", &hex, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return parseHexUint(hex, "chain.block_number")
}

// BlockTimestamp returns the timestamp of a block by number.
func (c *ChainClient) BlockTimestamp(ctx context.Context, number uint64) (time.Time, error) {
	var block struct {
		Timestamp string `json:"timestamp"`
	}
	arg := "0x" + strconv.FormatUint(number, 16)
	if err := c.call(ctx, "chain.block_timestamp", &block, "eth_getBlockByNumber", arg, false); err != nil {
		return time.Time{}, err
	}
	if block.Timestamp == "" {
		return time.Time{}, types.NewFault(types.KindNotFound, "chain.block_timestamp",
			fmt.Errorf("block %d not found", number))
	}
	secs, err := parseHexUint(block.Timestamp, "chain.block_timestamp")
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(secs), 0).UTC(), nil
}

// SentTransactionCount returns the address nonce. This counts sent
// transactions only; forensics derives total activity from transfer history
// instead and uses this purely as a lower bound.
func (c *ChainClient) SentTransactionCount(ctx context.Context, address string) (uint64, error) {
	var hex string
	if err := c.call(ctx, "chain.tx_count", &hex, "eth_getTransactionCount", address, "latest"); err != nil {
		return 0, err
	}
	return parseHexUint(hex, "chain.tx_count")
}

// AssetTransfer is one row of the vendor transfer history.
type AssetTransfer struct {
	BlockNum string  `json:"blockNum"` // hex
	Hash     string  `json:"hash"`
	From     string  `json:"from"`
	To       string  `json:"to"`
	Value    float64 `json:"value"`
	Asset    string  `json:"asset"`
	Category string  `json:"category"`
	Metadata struct {
		BlockTimestamp string `json:"blockTimestamp"` // RFC3339
	} `json:"metadata"`
}

// Time parses the transfer's block timestamp, zero when absent.
func (t AssetTransfer) Time() time.Time {
	ts, err := time.Parse(time.RFC3339, t.Metadata.BlockTimestamp)
	if err != nil {
		return time.Time{}
	}
	return ts
}

type assetTransfersParams struct {
	FromBlock    string   `json:"fromBlock,omitempty"`
	ToBlock      string   `json:"toBlock,omitempty"`
	FromAddress  string   `json:"fromAddress,omitempty"`
	ToAddress    string   `json:"toAddress,omitempty"`
	Category     []string `json:"category"`
	WithMetadata bool     `json:"withMetadata"`
	MaxCount     string   `json:"maxCount,omitempty"` // hex
	Order        string   `json:"order,omitempty"`
	PageKey      string   `json:"pageKey,omitempty"`
}

type assetTransfersResult struct {
	Transfers []AssetTransfer `json:"transfers"`
	PageKey   string          `json:"pageKey"`
}

// TransferDirection selects which side of the transfer the address is on.
type TransferDirection int

const (
	TransfersIn TransferDirection = iota
	TransfersOut
)

// AssetTransfers pages through the vendor transfer history for one address
// and direction. fromBlock may be empty for "from genesis". Pagination stops
// after transfersMaxPages pages; wallets busier than that are not the quiet
// accounts forensics cares about anyway.
func (c *ChainClient) AssetTransfers(ctx context.Context, address string, dir TransferDirection, fromBlock string, categories []string) ([]AssetTransfer, error) {
	params := assetTransfersParams{
		FromBlock:    fromBlock,
		Category:     categories,
		WithMetadata: true,
		MaxCount:     "0x" + strconv.FormatInt(transfersPageSize, 16),
		Order:        "asc",
	}
	if dir == TransfersIn {
		params.ToAddress = address
	} else {
		params.FromAddress = address
	}

	var all []AssetTransfer
	for page := 0; page < transfersMaxPages; page++ {
		var res assetTransfersResult
		if err := c.call(ctx, "chain.asset_transfers", &res, "alchemy_getAssetTransfers", params); err != nil {
			return nil, err
		}
		all = append(all, res.Transfers...)
		if res.PageKey == "" {
			break
		}
		params.PageKey = res.PageKey
	}
	return all, nil
}

// FirstTransferTimestamp returns when the address first received anything,
// nil when it never has. This is the primary account-age source.
func (c *ChainClient) FirstTransferTimestamp(ctx context.Context, address string) (*time.Time, error) {
	params := assetTransfersParams{
		ToAddress:    address,
		Category:     TransferCategoriesAll,
		WithMetadata: true,
		MaxCount:     "0x1",
		Order:        "asc",
	}
	var res assetTransfersResult
	if err := c.call(ctx, "chain.first_transfer", &res, "alchemy_getAssetTransfers", params); err != nil {
		return nil, err
	}
	if len(res.Transfers) == 0 {
		return nil, nil
	}
	ts := res.Transfers[0].Time()
	if ts.IsZero() {
		return nil, nil
	}
	return &ts, nil
}

// ChainLog is one receipt log entry.
type ChainLog struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

// TxReceipt is a transaction receipt with its logs.
type TxReceipt struct {
	TransactionHash string     `json:"transactionHash"`
	BlockNumber     string     `json:"blockNumber"`
	Status          string     `json:"status"`
	Logs            []ChainLog `json:"logs"`
}

// Receipt fetches a transaction receipt. A missing receipt (pending or
// unknown hash) returns KindNotFound.
func (c *ChainClient) Receipt(ctx context.Context, txHash string) (*TxReceipt, error) {
	var receipt *TxReceipt
	if err := c.call(ctx, "chain.receipt", &receipt, "eth_getTransactionReceipt", txHash); err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, types.NewFault(types.KindNotFound, "chain.receipt",
			fmt.Errorf("no receipt for %s", txHash))
	}
	return receipt, nil
}

// TakerFromLogs extracts the taker address from a receipt's match-engine
// OrderFilled log. The taker is the last indexed topic; topics encode
// addresses as 32-byte words, so the address is the low 20 bytes.
func TakerFromLogs(logs []ChainLog) (string, bool) {
	for _, l := range logs {
		if len(l.Topics) < 2 || !strings.EqualFold(l.Topics[0], orderFilledTopic) {
			continue
		}
		word := l.Topics[len(l.Topics)-1]
		if len(word) != 66 || !strings.HasPrefix(word, "0x") {
			continue
		}
		return "0x" + strings.ToLower(word[26:]), true
	}
	return "", false
}

func parseHexUint(s, op string) (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, types.NewFault(types.KindUpstreamBadData, op,
			fmt.Errorf("bad hex quantity %q: %w", s, err))
	}
	return n, nil
}
