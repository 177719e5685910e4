package detector

import (
	"context"
	"errors"
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

type fakeBooks struct {
	mu    sync.Mutex
	book  *types.OrderBookSnapshot
	err   error
	calls int
}

func (f *fakeBooks) Orderbook(ctx context.Context, tokenID string) (*types.OrderBookSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.book, f.err
}

type fakeHistory struct {
	trades []types.Trade
	err    error
}

func (f *fakeHistory) TradesForMarketSince(ctx context.Context, marketID string, since time.Time) ([]types.Trade, error) {
	return f.trades, f.err
}

type fakeFills struct {
	fills []upstream.CLOBFill
	err   error

	gotTokens []string
	gotSince  time.Time
	gotLimit  int
}

func (f *fakeFills) RecentFillsByTokens(ctx context.Context, tokenIDs []string, since time.Time, limit int) ([]upstream.CLOBFill, error) {
	f.gotTokens = tokenIDs
	f.gotSince = since
	f.gotLimit = limit
	return f.fills, f.err
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

func detectorConfig(method string) config.DetectorConfig {
	return config.DetectorConfig{
		OICalculationMethod:        method,
		MinOIPercentage:            1.0,
		MinLiquidityImpactPct:      5.0,
		MinVolumeImpactPct:         10.0,
		FallbackToOICalculation:    true,
		FallbackOIPercentage:       2.0,
		OrderbookDepthLevels:       10,
		VolumeLookbackHours:        24,
		MinTradeSize:               500.0,
		MinOI:                      1000.0,
		DormantHoursNoLargeTrades:  24,
		DormantHoursNoPriceMoves:   24,
		DormantLargeTradeThreshold: 5000.0,
		DormantPriceMoveThreshold:  5.0,
	}
}

func testMarket(oi int64) types.Market {
	return types.Market{
		ID:           "m1",
		ConditionID:  "0xc1",
		YesTokenID:   "tok-yes",
		NoTokenID:    "tok-no",
		OpenInterest: decimal.NewFromInt(oi),
	}
}

func buyTrade(size, price string) types.Trade {
	return types.Trade{
		ID:          "pull:t1",
		MarketID:    "m1",
		Side:        types.SideBuy,
		Outcome:     types.OutcomeYes,
		Size:        mustDec(size),
		Price:       mustDec(price),
		Wallet:      "0x1111111111111111111111111111111111111111",
		TimestampMs: time.Now().UnixMilli(),
	}
}

func mustDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newDetector(cfg config.DetectorConfig, books *fakeBooks, hist *fakeHistory, c *cache.Client) (*Detector, *fakeCounter) {
	stats := newFakeCounter()
	return New(cfg, books, hist, nil, c, 30*time.Second, stats, testLogger()), stats
}

func TestEvaluate_WhaleOnSmallOI(t *testing.T) {
	d, stats := newDetector(detectorConfig(MethodOpenInterest), &fakeBooks{}, &fakeHistory{}, nil)
	// $100k into $50k open interest: 200% impact and an absolute whale.
	sig, err := d.Evaluate(context.Background(), buyTrade("200000", "0.50"), testMarket(50_000))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if sig == nil {
		t.Fatal("expected a signal")
	}
	if !sig.ImpactPct.Equal(decimal.NewFromInt(200)) {
		t.Errorf("impact = %s, want 200", sig.ImpactPct)
	}
	if sig.AbsoluteTier != types.TierWhale {
		t.Errorf("tier = %s, want whale", sig.AbsoluteTier)
	}
	if sig.ViaAbsolute {
		t.Error("relative gate fired first; via_absolute should be false")
	}
	if stats.get("trades_analyzed") != 1 || stats.get("passed_oi_filter") != 1 {
		t.Errorf("counters = %v", stats.counts)
	}
}

func TestEvaluate_BelowAllThresholds(t *testing.T) {
	d, stats := newDetector(detectorConfig(MethodOpenInterest), &fakeBooks{}, &fakeHistory{}, nil)
	// $500 into $5M open interest: 0.01% impact, no absolute tier.
	sig, err := d.Evaluate(context.Background(), buyTrade("1000", "0.50"), testMarket(5_000_000))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if sig != nil {
		t.Fatalf("expected filter, got %+v", sig)
	}
	if stats.get("filtered_oi_threshold") != 1 {
		t.Errorf("filtered_oi_threshold = %d", stats.get("filtered_oi_threshold"))
	}
}

func TestEvaluate_AbsoluteTierBoundary(t *testing.T) {
	d, _ := newDetector(detectorConfig(MethodOpenInterest), &fakeBooks{}, &fakeHistory{}, nil)
	// Exactly $10k with negligible impact: the absolute gate admits it.
	sig, err := d.Evaluate(context.Background(), buyTrade("20000", "0.50"), testMarket(100_000_000))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if sig == nil {
		t.Fatal("trade at the exact $10k boundary must pass the absolute gate")
	}
	if !sig.ViaAbsolute || sig.AbsoluteTier != types.TierNotable {
		t.Errorf("gate = via_absolute=%v tier=%s", sig.ViaAbsolute, sig.AbsoluteTier)
	}
}

func TestEvaluate_RelativeThresholdBoundary(t *testing.T) {
	d, _ := newDetector(detectorConfig(MethodOpenInterest), &fakeBooks{}, &fakeHistory{}, nil)
	// Impact exactly 1.0%: 1000/100000. Below every absolute tier.
	sig, err := d.Evaluate(context.Background(), buyTrade("2000", "0.50"), testMarket(100_000))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if sig == nil {
		t.Fatal("impact exactly at the threshold must pass the relative gate")
	}
	if sig.ViaAbsolute {
		t.Error("should be admitted by the relative gate")
	}
}

func TestEvaluate_MinTradeSize(t *testing.T) {
	d, stats := newDetector(detectorConfig(MethodOpenInterest), &fakeBooks{}, &fakeHistory{}, nil)
	sig, _ := d.Evaluate(context.Background(), buyTrade("100", "0.50"), testMarket(50_000))
	if sig != nil {
		t.Fatal("trade below min size must be filtered")
	}
	if stats.get("filtered_min_trade_size") != 1 {
		t.Errorf("counters = %v", stats.counts)
	}
}

func TestEvaluate_ImpactMonotoneInUSD(t *testing.T) {
	d, _ := newDetector(detectorConfig(MethodOpenInterest), &fakeBooks{}, &fakeHistory{}, nil)
	market := testMarket(1_000_000)

	small, _ := d.Evaluate(context.Background(), buyTrade("40000", "0.50"), market)
	large, _ := d.Evaluate(context.Background(), buyTrade("80000", "0.50"), market)
	if small == nil || large == nil {
		t.Fatal("both trades should signal")
	}
	if !large.ImpactPct.GreaterThan(small.ImpactPct) {
		t.Errorf("impact not monotone: %s then %s", small.ImpactPct, large.ImpactPct)
	}
}

func TestEvaluate_LiquidityMethod(t *testing.T) {
	books := &fakeBooks{book: &types.OrderBookSnapshot{
		AssetID: "tok-yes",
		Asks: []types.PriceLevel{
			{Price: "0.52", Size: "10000"},
			{Price: "0.55", Size: "20000"},
		},
		Bids: []types.PriceLevel{{Price: "0.48", Size: "1000000"}},
	}}
	d, _ := newDetector(detectorConfig(MethodLiquidity), books, &fakeHistory{}, nil)

	// Ask depth = 0.52*10000 + 0.55*20000 = 16200. Buy of $2000 = 12.34%.
	sig, err := d.Evaluate(context.Background(), buyTrade("4000", "0.50"), testMarket(0))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if sig == nil {
		t.Fatal("expected a liquidity signal")
	}
	if sig.Method != MethodLiquidity {
		t.Errorf("method = %s", sig.Method)
	}
	want := mustDec("2000").Div(mustDec("16200")).Mul(decimal.NewFromInt(100))
	if !sig.ImpactPct.Equal(want) {
		t.Errorf("impact = %s, want %s", sig.ImpactPct, want)
	}
}

func TestEvaluate_LiquidityFallsBackToOI(t *testing.T) {
	// Empty book: liquidity denominator unusable, falls back to OI with the
	// fallback threshold.
	books := &fakeBooks{book: &types.OrderBookSnapshot{AssetID: "tok-yes"}}
	d, _ := newDetector(detectorConfig(MethodLiquidity), books, &fakeHistory{}, nil)

	sig, err := d.Evaluate(context.Background(), buyTrade("8000", "0.50"), testMarket(50_000))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if sig == nil {
		t.Fatal("expected a fallback signal")
	}
	if sig.Method != MethodOpenInterest {
		t.Errorf("method = %s, want open_interest after fallback", sig.Method)
	}
	if !sig.Threshold.Equal(decimal.NewFromInt(2)) {
		t.Errorf("threshold = %s, want the fallback threshold 2", sig.Threshold)
	}
}

func TestEvaluate_NoMarketData(t *testing.T) {
	// OI below the minimum and no fallback possible (method already OI).
	d, stats := newDetector(detectorConfig(MethodOpenInterest), &fakeBooks{}, &fakeHistory{}, nil)
	sig, err := d.Evaluate(context.Background(), buyTrade("2000", "0.50"), testMarket(0))
	if err != nil || sig != nil {
		t.Fatalf("expected quiet filter, got (%+v, %v)", sig, err)
	}
	if stats.get("filtered_no_market_data") != 1 {
		t.Errorf("counters = %v", stats.counts)
	}
}

func TestEvaluate_HistoryFaultSurfaces(t *testing.T) {
	// The volume window comes from storage; a database outage must surface
	// as a fault, not vanish into the no-market-data filter.
	hist := &fakeHistory{err: types.NewFault(types.KindDependencyUnavailable,
		"storage.trades_for_market", errors.New("pool closed"))}
	d, stats := newDetector(detectorConfig(MethodVolume), &fakeBooks{}, hist, nil)

	sig, err := d.Evaluate(context.Background(), buyTrade("4000", "0.50"), testMarket(0))
	if sig != nil {
		t.Fatalf("expected no signal, got %+v", sig)
	}
	if err == nil {
		t.Fatal("storage fault must propagate out of Evaluate")
	}
	if types.KindOf(err) != types.KindDependencyUnavailable {
		t.Errorf("fault kind = %v, want dependency-unavailable", types.KindOf(err))
	}
	if stats.get("filtered_no_market_data") != 0 {
		t.Error("an outage must not count as missing market data")
	}
}

func TestEvaluate_BookFaultSurfaces(t *testing.T) {
	// Transient orderbook failure with no usable OI fallback: the transport
	// kind must reach the caller so its retry policy can run.
	books := &fakeBooks{err: types.NewFault(types.KindTransport,
		"dataapi.orderbook", errors.New("connection reset"))}
	d, stats := newDetector(detectorConfig(MethodLiquidity), books, &fakeHistory{}, nil)

	_, err := d.Evaluate(context.Background(), buyTrade("4000", "0.50"), testMarket(0))
	if types.KindOf(err) != types.KindTransport {
		t.Fatalf("fault kind = %v (%v), want transport", types.KindOf(err), err)
	}
	if stats.get("filtered_no_market_data") != 0 {
		t.Errorf("counters = %v", stats.counts)
	}
}

func TestEvaluate_BookFaultRecoveredByOIFallback(t *testing.T) {
	// When the fallback denominator is usable the trade is still evaluated;
	// the book fault is absorbed, not surfaced.
	books := &fakeBooks{err: types.NewFault(types.KindTransport,
		"dataapi.orderbook", errors.New("connection reset"))}
	d, _ := newDetector(detectorConfig(MethodLiquidity), books, &fakeHistory{}, nil)

	sig, err := d.Evaluate(context.Background(), buyTrade("8000", "0.50"), testMarket(50_000))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if sig == nil {
		t.Fatal("expected a fallback signal")
	}
	if sig.Method != MethodOpenInterest {
		t.Errorf("method = %s, want open_interest after fallback", sig.Method)
	}
}

func TestEvaluate_VolumeColdStartUsesSubgraphFills(t *testing.T) {
	// No local history yet: the rolling window comes from recent CLOB fills.
	fills := &fakeFills{fills: []upstream.CLOBFill{
		{EventID: "f1", TokenID: "tok-yes", SizeUSD: decimal.NewFromInt(15_000)},
		{EventID: "f2", TokenID: "tok-no", SizeUSD: decimal.NewFromInt(5_000)},
	}}
	stats := newFakeCounter()
	d := New(detectorConfig(MethodVolume), &fakeBooks{}, &fakeHistory{}, fills,
		nil, 30*time.Second, stats, testLogger())

	// $4000 over a $20k window = 20%, above the 10% volume threshold.
	sig, err := d.Evaluate(context.Background(), buyTrade("8000", "0.50"), testMarket(0))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if sig == nil {
		t.Fatal("expected a volume signal from the backfilled window")
	}
	if sig.Method != MethodVolume {
		t.Errorf("method = %s, want volume", sig.Method)
	}
	if !sig.ImpactPct.Equal(decimal.NewFromInt(20)) {
		t.Errorf("impact = %s, want 20", sig.ImpactPct)
	}
	if len(fills.gotTokens) != 2 || fills.gotTokens[0] != "tok-yes" || fills.gotTokens[1] != "tok-no" {
		t.Errorf("queried tokens = %v", fills.gotTokens)
	}
	if fills.gotLimit != volumeFillsLimit {
		t.Errorf("limit = %d, want %d", fills.gotLimit, volumeFillsLimit)
	}
	if since := time.Since(fills.gotSince); since < 23*time.Hour || since > 25*time.Hour {
		t.Errorf("window start %s not ~24h ago", fills.gotSince)
	}
}

func TestEvaluate_VolumeLocalHistorySkipsSubgraph(t *testing.T) {
	fills := &fakeFills{err: types.NewFault(types.KindUpstreamUnavailable,
		"indexer.fills_by_tokens", errors.New("unreachable"))}
	hist := &fakeHistory{trades: []types.Trade{
		buyTrade("40000", "0.50"), // $20k of local window volume
	}}
	stats := newFakeCounter()
	d := New(detectorConfig(MethodVolume), &fakeBooks{}, hist, fills,
		nil, 30*time.Second, stats, testLogger())

	sig, err := d.Evaluate(context.Background(), buyTrade("8000", "0.50"), testMarket(0))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if sig == nil || sig.Method != MethodVolume {
		t.Fatalf("signal = %+v", sig)
	}
	if fills.gotLimit != 0 {
		t.Error("subgraph must not be queried when local history has volume")
	}
}

func TestOrderbookCaching(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	cacheClient := cache.NewFromRedis(rdb, testLogger())

	books := &fakeBooks{book: &types.OrderBookSnapshot{
		AssetID: "tok-yes",
		Asks:    []types.PriceLevel{{Price: "0.50", Size: "100000"}},
	}}
	d, _ := newDetector(detectorConfig(MethodLiquidity), books, &fakeHistory{}, cacheClient)
	ctx := context.Background()
	market := testMarket(0)

	d.Evaluate(ctx, buyTrade("4000", "0.50"), market)
	d.Evaluate(ctx, buyTrade("4000", "0.50"), market)
	if books.calls != 1 {
		t.Errorf("live fetches = %d, want 1 (second read from cache)", books.calls)
	}

	// TTL expiry forces a fresh snapshot.
	mr.FastForward(time.Minute)
	d.Evaluate(ctx, buyTrade("4000", "0.50"), market)
	if books.calls != 2 {
		t.Errorf("live fetches after expiry = %d, want 2", books.calls)
	}
}
