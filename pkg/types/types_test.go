package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validTrade() Trade {
	return Trade{
		ID:          "pull:t1",
		MarketID:    "m1",
		ConditionID: "0xcond",
		Side:        SideBuy,
		Outcome:     OutcomeYes,
		Size:        decimal.NewFromInt(100),
		Price:       decimal.RequireFromString("0.5"),
		Wallet:      "0x1111111111111111111111111111111111111111",
		TimestampMs: time.Now().UnixMilli(),
		Source:      SourcePull,
	}
}

func TestTradeValidate(t *testing.T) {
	if err := validTrade().Validate(); err != nil {
		t.Fatalf("valid trade rejected: %v", err)
	}

	bad := validTrade()
	bad.Price = decimal.RequireFromString("1.01")
	if err := bad.Validate(); KindOf(err) != KindInvalidInput {
		t.Errorf("price > 1 should be invalid input, got %v", err)
	}

	bad = validTrade()
	bad.Size = decimal.Zero
	if err := bad.Validate(); err == nil {
		t.Error("zero size should be rejected")
	}

	bad = validTrade()
	bad.Wallet = "0xABCD"
	if err := bad.Validate(); err == nil {
		t.Error("short wallet should be rejected")
	}

	bad = validTrade()
	bad.Wallet = "0x1111111111111111111111111111111111111ABC"
	if err := bad.Validate(); err == nil {
		t.Error("uppercase wallet should be rejected")
	}

	// Boundary: price exactly 0 and exactly 1 are both legal.
	edge := validTrade()
	edge.Price = decimal.Zero
	if err := edge.Validate(); err != nil {
		t.Errorf("price 0 should be valid: %v", err)
	}
	edge.Price = decimal.NewFromInt(1)
	if err := edge.Validate(); err != nil {
		t.Errorf("price 1 should be valid: %v", err)
	}
}

func TestTradeDedupKey(t *testing.T) {
	tr := validTrade()
	tr.TxHash = "0xhash"
	if tr.DedupKey() != "0xhash" {
		t.Errorf("tx hash should win: got %s", tr.DedupKey())
	}

	tr.TxHash = ""
	want := fmt.Sprintf("%d|%s", tr.TimestampMs, tr.Wallet)
	if tr.DedupKey() != want {
		t.Errorf("fallback key = %s, want %s", tr.DedupKey(), want)
	}
}

func TestTierForUSD(t *testing.T) {
	cases := []struct {
		usd  int64
		want SizeTier
	}{
		{500, TierNone},
		{9999, TierNone},
		{10000, TierNotable}, // exact boundary passes
		{25000, TierSignificant},
		{50000, TierLarge},
		{99999, TierLarge},
		{100000, TierWhale},
		{250000, TierWhale},
	}
	for _, c := range cases {
		if got := TierForUSD(decimal.NewFromInt(c.usd)); got != c.want {
			t.Errorf("TierForUSD(%d) = %q, want %q", c.usd, got, c.want)
		}
	}
}

func TestLevelForScore(t *testing.T) {
	cases := []struct {
		score int
		want  ConfidenceLevel
	}{
		{100, ConfidenceHigh},
		{75, ConfidenceHigh},
		{74, ConfidenceMedium},
		{40, ConfidenceMedium},
		{39, ConfidenceLow},
		{1, ConfidenceLow},
		{0, ConfidenceNone},
		{-10, ConfidenceNone},
	}
	for _, c := range cases {
		if got := LevelForScore(c.score); got != c.want {
			t.Errorf("LevelForScore(%d) = %q, want %q", c.score, got, c.want)
		}
	}
}

func TestWalletFlagsCount(t *testing.T) {
	f := WalletFlags{LowTradeCount: true, YoungAccount: true, LowVolume: true, HighConcentration: true}
	if f.Count() != 4 {
		t.Errorf("expected 4 flags, got %d", f.Count())
	}
	if len(f.Names()) != 4 {
		t.Errorf("expected 4 names, got %v", f.Names())
	}
}

func TestSuspiciousThresholdPerSource(t *testing.T) {
	two := WalletFlags{LowTradeCount: true, LowVolume: true}

	fp := WalletFingerprint{Source: FingerprintIndexer, Flags: two}
	if !fp.Suspicious() {
		t.Error("two flags on indexer path should be suspicious")
	}

	fp.Source = FingerprintOnChain
	if fp.Suspicious() {
		t.Error("two flags on on-chain path should not be suspicious")
	}

	fp.Flags.YoungAccount = true
	if !fp.Suspicious() {
		t.Error("three flags on on-chain path should be suspicious")
	}
}

func TestFaultKindOf(t *testing.T) {
	base := CircuitOpenFault("indexer", time.Now().Add(time.Minute))
	wrapped := fmt.Errorf("analyze wallet: %w", base)

	if KindOf(wrapped) != KindCircuitOpen {
		t.Errorf("KindOf through wrap = %v", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("plain error should classify unknown")
	}

	var f *Fault
	if !errors.As(wrapped, &f) || f.NextRetry.IsZero() {
		t.Error("NextRetry should survive wrapping")
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(NewFault(KindTransport, "x", errors.New("conn reset"))) {
		t.Error("transport errors are retryable")
	}
	if !Retryable(NewFault(KindRateLimited, "x", nil)) {
		t.Error("429 is retryable")
	}
	if Retryable(NewFault(KindInvalidInput, "x", nil)) {
		t.Error("invalid input is never retryable")
	}
	if Retryable(NewFault(KindUpstreamBadData, "x", nil)) {
		t.Error("bad data is never retryable")
	}
}

func TestTruncateAddress(t *testing.T) {
	got := TruncateAddress("0x1111111111111111111111111111111111111111")
	if got != "0x1111...1111" {
		t.Errorf("TruncateAddress = %q", got)
	}
	if TruncateAddress("0xshort") != "0xshort" {
		t.Error("short addresses pass through")
	}
}
