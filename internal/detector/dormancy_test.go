package detector

import (
	"context"
	"testing"
	"time"

	"polymarket-sentinel/pkg/types"
)

func histTrade(id string, ageHours float64, size, price string, now time.Time) types.Trade {
	return types.Trade{
		ID:          id,
		MarketID:    "m1",
		Side:        types.SideBuy,
		Outcome:     types.OutcomeYes,
		Size:        mustDec(size),
		Price:       mustDec(price),
		Wallet:      "0x1111111111111111111111111111111111111111",
		TimestampMs: now.Add(-time.Duration(ageHours * float64(time.Hour))).UnixMilli(),
	}
}

func TestAssessDormancy_QuietMarket(t *testing.T) {
	now := time.Now()
	// Only small fills, prices flat: dormant on both windows.
	hist := &fakeHistory{trades: []types.Trade{
		histTrade("t2", 2, "100", "0.50", now),
		histTrade("t1", 10, "120", "0.51", now),
	}}
	d, _ := newDetector(detectorConfig(MethodOpenInterest), &fakeBooks{}, hist, nil)
	d.now = func() time.Time { return now }

	m, err := d.AssessDormancy(context.Background(), testMarket(50_000))
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if !m.IsDormant {
		t.Errorf("quiet market should be dormant: %+v", m)
	}
	if m.HoursSinceLargeTrade != 24 || m.HoursSincePriceMove != 24 {
		t.Errorf("untouched windows should default to their size: %+v", m)
	}
}

func TestAssessDormancy_RecentLargeTrade(t *testing.T) {
	now := time.Now()
	// One $6k fill three hours ago breaks the large-trade window.
	hist := &fakeHistory{trades: []types.Trade{
		histTrade("t2", 3, "12000", "0.50", now),
		histTrade("t1", 20, "100", "0.50", now),
	}}
	d, _ := newDetector(detectorConfig(MethodOpenInterest), &fakeBooks{}, hist, nil)
	d.now = func() time.Time { return now }

	m, err := d.AssessDormancy(context.Background(), testMarket(50_000))
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if m.IsDormant {
		t.Error("recent large trade must clear dormancy")
	}
	if m.HoursSinceLargeTrade < 2.9 || m.HoursSinceLargeTrade > 3.1 {
		t.Errorf("hours since large trade = %.2f, want ~3", m.HoursSinceLargeTrade)
	}
}

func TestAssessDormancy_PriceMove(t *testing.T) {
	now := time.Now()
	// 0.50 to 0.56 is a 12% move between consecutive fills, five hours ago.
	hist := &fakeHistory{trades: []types.Trade{
		histTrade("t3", 5, "100", "0.56", now),
		histTrade("t2", 6, "100", "0.50", now),
		histTrade("t1", 22, "100", "0.50", now),
	}}
	d, _ := newDetector(detectorConfig(MethodOpenInterest), &fakeBooks{}, hist, nil)
	d.now = func() time.Time { return now }

	m, err := d.AssessDormancy(context.Background(), testMarket(50_000))
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if m.IsDormant {
		t.Error("recent price move must clear dormancy")
	}
	if m.HoursSincePriceMove < 4.9 || m.HoursSincePriceMove > 5.1 {
		t.Errorf("hours since price move = %.2f, want ~5", m.HoursSincePriceMove)
	}
	if m.HoursSinceLargeTrade != 24 {
		t.Errorf("large-trade window should be untouched, got %.2f", m.HoursSinceLargeTrade)
	}
}

func TestAssessDormancy_EmptyHistory(t *testing.T) {
	now := time.Now()
	d, _ := newDetector(detectorConfig(MethodOpenInterest), &fakeBooks{}, &fakeHistory{}, nil)
	d.now = func() time.Time { return now }

	m, err := d.AssessDormancy(context.Background(), testMarket(50_000))
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if !m.IsDormant {
		t.Error("a market with no history at all is dormant")
	}
}
