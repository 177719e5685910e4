package forensics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"polymarket-sentinel/internal/cache"
	"polymarket-sentinel/internal/config"
	"polymarket-sentinel/internal/upstream"
	"polymarket-sentinel/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFakeCounter() *fakeCounter { return &fakeCounter{counts: make(map[string]int)} }

func (f *fakeCounter) Incr(ctx context.Context, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[name]++
}

func (f *fakeCounter) get(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[name]
}

type fakeIndexer struct {
	mu         sync.Mutex
	activity   upstream.UserActivity
	positions  []upstream.Position
	fills      []upstream.CLOBFill
	queryErr   error
	resolveTo  string
	resolveErr error
	fillCalls  int
}

func (f *fakeIndexer) ResolveProxy(ctx context.Context, proxy string) (string, error) {
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	if f.resolveTo != "" {
		return f.resolveTo, nil
	}
	return "", types.NewFault(types.KindNotFound, "indexer.proxy", errors.New("no mapping"))
}

func (f *fakeIndexer) Activity(ctx context.Context, address string) (upstream.UserActivity, error) {
	return f.activity, f.queryErr
}

func (f *fakeIndexer) Positions(ctx context.Context, address string) ([]upstream.Position, error) {
	return f.positions, f.queryErr
}

func (f *fakeIndexer) Fills(ctx context.Context, address string, limit int) ([]upstream.CLOBFill, error) {
	f.mu.Lock()
	f.fillCalls++
	f.mu.Unlock()
	return f.fills, f.queryErr
}

type fakeChain struct {
	in    []upstream.AssetTransfer
	out   []upstream.AssetTransfer
	first *time.Time
	err   error
}

func (f *fakeChain) AssetTransfers(ctx context.Context, address string, dir upstream.TransferDirection, fromBlock string, categories []string) ([]upstream.AssetTransfer, error) {
	if f.err != nil {
		return nil, f.err
	}
	if dir == upstream.TransfersIn {
		return f.in, nil
	}
	return f.out, nil
}

func (f *fakeChain) FirstTransferTimestamp(ctx context.Context, address string) (*time.Time, error) {
	return f.first, f.err
}

type fakeExplorer struct {
	txs []upstream.ExplorerTx
	err error
}

func (f *fakeExplorer) NormalTransactions(ctx context.Context, address string, limit int) ([]upstream.ExplorerTx, error) {
	return f.txs, f.err
}

func forensicsConfig() config.ForensicsConfig {
	return config.ForensicsConfig{
		SubgraphLowTradeCount:        10,
		SubgraphYoungAccountDays:     30,
		SubgraphLowVolumeUSD:         5000,
		SubgraphHighConcentrationPct: 70,
		SubgraphLowDiversification:   3,

		SubgraphFreshFatBetSizeUSD:     10_000,
		SubgraphFreshFatBetMaxOI:       100_000,
		SubgraphFreshFatBetPriorTrades: 5,

		CEXFundingWindowDays:  30,
		MinWalletAgeInDays:    7,
		MaxWalletTransactions: 20,
		MinNetflowPercentage:  50,

		SubgraphCacheTTLHours: 6,
		OnChainCacheTTLHours:  24,
	}
}

func whaleTrade() types.Trade {
	return types.Trade{
		ID:          "pull:t1",
		MarketID:    "m1",
		Side:        types.SideBuy,
		Outcome:     types.OutcomeYes,
		Size:        decimal.NewFromInt(200_000),
		Price:       decimal.RequireFromString("0.50"),
		Wallet:      "0x1111111111111111111111111111111111111111",
		TimestampMs: time.Now().UnixMilli(),
	}
}

func smallMarket() types.Market {
	return types.Market{ID: "m1", ConditionID: "0xc1", OpenInterest: decimal.NewFromInt(50_000)}
}

func fill(id string, usd int64, age time.Duration) upstream.CLOBFill {
	return upstream.CLOBFill{
		EventID:   id,
		TokenID:   "tok",
		SizeUSD:   decimal.NewFromInt(usd),
		Timestamp: time.Now().Add(-age),
		Role:      upstream.RoleTaker,
	}
}

func transfer(hash, from, asset string, value float64, age time.Duration) upstream.AssetTransfer {
	t := upstream.AssetTransfer{Hash: hash, From: from, Asset: asset, Value: value}
	t.Metadata.BlockTimestamp = time.Now().Add(-age).UTC().Format(time.RFC3339)
	return t
}

func newAnalyzer(idx *fakeIndexer, ch *fakeChain, ex *fakeExplorer, c *cache.Client) (*Analyzer, *fakeCounter) {
	stats := newFakeCounter()
	return New(forensicsConfig(), idx, ch, ex, c, stats, testLogger()), stats
}

func TestFingerprint_IndexerPathFreshWallet(t *testing.T) {
	idx := &fakeIndexer{
		fills: []upstream.CLOBFill{
			fill("f1", 2000, 6*24*time.Hour),
			fill("f2", 1000, 3*24*time.Hour),
			fill("f3", 1000, 24*time.Hour),
		},
		positions: []upstream.Position{
			{ConditionID: "0xc1", ValueUSD: decimal.NewFromInt(850)},
			{ConditionID: "0xc2", ValueUSD: decimal.NewFromInt(150)},
		},
	}
	a, _ := newAnalyzer(idx, &fakeChain{}, &fakeExplorer{}, nil)

	fp, err := a.Fingerprint(context.Background(), whaleTrade(), smallMarket())
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fp.Source != types.FingerprintIndexer {
		t.Errorf("source = %s", fp.Source)
	}
	if fp.TradeCount != 3 {
		t.Errorf("trade count = %d, want 3", fp.TradeCount)
	}
	if !fp.VolumeUSD.Equal(decimal.NewFromInt(4000)) {
		t.Errorf("volume = %s, want 4000", fp.VolumeUSD)
	}
	if fp.AccountAgeDays == nil || *fp.AccountAgeDays < 5.9 || *fp.AccountAgeDays > 6.1 {
		t.Errorf("account age = %v, want ~6 days", fp.AccountAgeDays)
	}
	if fp.ConcentrationPct < 84.9 || fp.ConcentrationPct > 85.1 {
		t.Errorf("concentration = %.2f, want ~85", fp.ConcentrationPct)
	}

	f := fp.Flags
	if !f.LowTradeCount || !f.YoungAccount || !f.LowVolume || !f.HighConcentration {
		t.Errorf("expected the four core insider flags, got %+v", f)
	}
	if !f.FreshFatBet {
		t.Error("a $100k bet from a 3-trade wallet into a $50k market is a fresh fat bet")
	}
	if !fp.Suspicious() {
		t.Error("fingerprint should be suspicious")
	}
}

func TestFingerprint_EstablishedWalletHighConfidence(t *testing.T) {
	fills := make([]upstream.CLOBFill, 0, 60)
	for i := 0; i < 60; i++ {
		fills = append(fills, fill(fmt.Sprintf("fill-%d", i), 5000, time.Duration(i+1)*24*time.Hour))
	}
	positions := make([]upstream.Position, 0, 10)
	for i := 0; i < 10; i++ {
		positions = append(positions, upstream.Position{ConditionID: "0xc", ValueUSD: decimal.NewFromInt(1000)})
	}
	idx := &fakeIndexer{fills: fills, positions: positions}
	a, _ := newAnalyzer(idx, &fakeChain{}, &fakeExplorer{}, nil)

	fp, err := a.Fingerprint(context.Background(), whaleTrade(), smallMarket())
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fp.Suspicious() {
		t.Errorf("established wallet flagged: %v", fp.Flags.Names())
	}
	if fp.Confidence.Level != types.ConfidenceHigh {
		t.Errorf("confidence = %s (%d), want high", fp.Confidence.Level, fp.Confidence.Score)
	}
}

func TestFingerprint_OnChainFallback(t *testing.T) {
	now := time.Now()
	first := now.Add(-5 * 24 * time.Hour)
	ch := &fakeChain{
		in: []upstream.AssetTransfer{
			transfer("0xh1", "0xf977814e90dA44bFA03b6295A0616a897441aceC", "USDC", 500, 10*24*time.Hour),
			transfer("0xh2", "0xaaa0000000000000000000000000000000000aaa", "USDC", 100, 2*24*time.Hour),
		},
		out: []upstream.AssetTransfer{
			transfer("0xh2", "", "USDC", 100, 2*24*time.Hour),
			transfer("0xh3", "", "MATIC", 1, 24*time.Hour),
		},
		first: &first,
	}
	ex := &fakeExplorer{txs: []upstream.ExplorerTx{
		{Hash: "0x1", To: "0x4bFb41d5b3570DeFd03C39a9A4D8dE6Bd8B8982E", Input: "0xa9059cbb00", IsError: "0"},
		{Hash: "0x2", To: "0xbbb0000000000000000000000000000000000bbb", Input: "0x12345678aa", IsError: "0"},
		{Hash: "0x3", To: "0xccc0000000000000000000000000000000000ccc", Input: "0xdeadbeef00", IsError: "1"},
	}}
	a, stats := newAnalyzer(&fakeIndexer{}, ch, ex, nil)

	fp, err := a.Fingerprint(context.Background(), whaleTrade(), smallMarket())
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fp.Source != types.FingerprintOnChain {
		t.Errorf("source = %s, want onchain", fp.Source)
	}
	// h2 appears on both sides; the unique set is {h1, h2, h3}.
	if fp.TradeCount != 3 {
		t.Errorf("tx count = %d, want 3 unique hashes", fp.TradeCount)
	}
	if !fp.CEXFunded {
		t.Error("inbound Binance transfer inside the window must set cex_funded")
	}
	// Venue contract and failed tx excluded; one real protocol remains.
	if fp.ProtocolCount != 1 {
		t.Errorf("protocol count = %d, want 1", fp.ProtocolCount)
	}
	if fp.AccountAgeDays == nil || *fp.AccountAgeDays > 5.1 {
		t.Errorf("account age = %v, want ~5 days", fp.AccountAgeDays)
	}
	if !fp.Flags.YoungAccount || !fp.Flags.LowTradeCount || !fp.Flags.LowVolume {
		t.Errorf("flags = %+v", fp.Flags)
	}
	if !fp.Suspicious() {
		t.Error("three flags on the chain path is suspicious")
	}
	if stats.get("indexer_fallback_onchain") != 1 {
		t.Errorf("counters = %v", stats.counts)
	}
}

func TestFingerprint_ProxyResolution(t *testing.T) {
	t.Run("resolved signer is used", func(t *testing.T) {
		idx := &fakeIndexer{
			resolveTo: "0xABCD111111111111111111111111111111111111",
			fills:     []upstream.CLOBFill{fill("f1", 100, 24*time.Hour)},
		}
		a, _ := newAnalyzer(idx, &fakeChain{}, &fakeExplorer{}, nil)
		fp, err := a.Fingerprint(context.Background(), whaleTrade(), smallMarket())
		if err != nil {
			t.Fatalf("fingerprint: %v", err)
		}
		if fp.Address != "0xabcd111111111111111111111111111111111111" {
			t.Errorf("address = %s, want lowercased signer", fp.Address)
		}
	})

	t.Run("structured error skips when configured", func(t *testing.T) {
		idx := &fakeIndexer{
			resolveErr: types.NewFault(types.KindUpstreamBadData, "indexer.proxy", errors.New("schema drift")),
		}
		stats := newFakeCounter()
		cfg := forensicsConfig()
		cfg.SkipTradesOnProxyError = true
		a := New(cfg, idx, &fakeChain{}, &fakeExplorer{}, nil, stats, testLogger())

		if _, err := a.Fingerprint(context.Background(), whaleTrade(), smallMarket()); err == nil {
			t.Fatal("expected the proxy error to surface")
		}
	})

	t.Run("structured error proceeds when not configured to skip", func(t *testing.T) {
		idx := &fakeIndexer{
			resolveErr: types.NewFault(types.KindUpstreamBadData, "indexer.proxy", errors.New("schema drift")),
			fills:      []upstream.CLOBFill{fill("f1", 100, 24*time.Hour)},
		}
		a, _ := newAnalyzer(idx, &fakeChain{}, &fakeExplorer{}, nil)
		fp, err := a.Fingerprint(context.Background(), whaleTrade(), smallMarket())
		if err != nil {
			t.Fatalf("fingerprint: %v", err)
		}
		if fp.Address != whaleTrade().Wallet {
			t.Errorf("address = %s, want the raw trade wallet", fp.Address)
		}
	})
}

func TestFingerprint_CacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	cacheClient := cache.NewFromRedis(rdb, testLogger())

	firstSeen := time.Now().Add(-6 * 24 * time.Hour)
	idx := &fakeIndexer{fills: []upstream.CLOBFill{
		{EventID: "f1", SizeUSD: decimal.NewFromInt(2000), Timestamp: firstSeen, Role: upstream.RoleTaker},
	}}
	a, stats := newAnalyzer(idx, &fakeChain{}, &fakeExplorer{}, cacheClient)
	ctx := context.Background()

	live, err := a.Fingerprint(ctx, whaleTrade(), smallMarket())
	if err != nil {
		t.Fatalf("first fingerprint: %v", err)
	}
	cached, err := a.Fingerprint(ctx, whaleTrade(), smallMarket())
	if err != nil {
		t.Fatalf("second fingerprint: %v", err)
	}

	if idx.fillCalls != 1 {
		t.Errorf("indexer fill queries = %d, want 1 (second call from cache)", idx.fillCalls)
	}
	if !cached.Confidence.FromCache {
		t.Error("cached fingerprint must carry the cache marker")
	}
	if stats.get("fingerprint_cache_hits") != 1 {
		t.Errorf("counters = %v", stats.counts)
	}
	// Typed timestamps survive the round trip.
	if cached.FirstSeen == nil || !cached.FirstSeen.Equal(*live.FirstSeen) {
		t.Errorf("first seen lost in cache: %v vs %v", cached.FirstSeen, live.FirstSeen)
	}
	// Flags are recomputed against the current trade on the cached facts.
	if cached.Flags != live.Flags {
		t.Errorf("flags diverged across the cache: %+v vs %+v", cached.Flags, live.Flags)
	}
}

func TestFingerprint_NoHistoryAnywhere(t *testing.T) {
	a, _ := newAnalyzer(&fakeIndexer{}, &fakeChain{}, &fakeExplorer{}, nil)
	fp, err := a.Fingerprint(context.Background(), whaleTrade(), smallMarket())
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fp.Source != types.FingerprintOnChain {
		t.Errorf("source = %s", fp.Source)
	}
	if fp.Confidence.Level != types.ConfidenceNone && fp.Confidence.Level != types.ConfidenceLow {
		t.Errorf("confidence for a ghost wallet = %s (%d), want low or none",
			fp.Confidence.Level, fp.Confidence.Score)
	}
}
