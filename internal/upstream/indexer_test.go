package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-sentinel/pkg/types"
)

func decimalFromString(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", s, err)
	}
	return d
}

func newIndexer(t *testing.T, handler http.HandlerFunc) *IndexerClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	lim, brk := newTestGuards(t)
	c := NewIndexerClient(srv.URL, lim, brk, testLogger())
	c.policy = fastPolicy()
	return c
}

func gqlFill(id, makerAsset, takerAsset, makerAmt, takerAmt, ts string) map[string]string {
	return map[string]string{
		"id":                id,
		"timestamp":         ts,
		"makerAssetId":      makerAsset,
		"takerAssetId":      takerAsset,
		"makerAmountFilled": makerAmt,
		"takerAmountFilled": takerAmt,
	}
}

func TestIndexer_FillsMergesMakerAndTaker(t *testing.T) {
	client := newIndexer(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req gqlRequest
		json.Unmarshal(body, &req)

		// The self-trade fill "f2" appears in both result sets and must be
		// de-duplicated by event id.
		var fills []map[string]string
		switch {
		case strings.Contains(req.Query, "{maker:"):
			fills = []map[string]string{
				gqlFill("f1", "0", "tok-a", "5000000", "10000000", "1700000100"),
				gqlFill("f2", "tok-a", "0", "2000000", "1000000", "1700000200"),
			}
		case strings.Contains(req.Query, "{taker:"):
			fills = []map[string]string{
				gqlFill("f2", "tok-a", "0", "2000000", "1000000", "1700000200"),
				gqlFill("f3", "0", "tok-b", "42000000", "80000000", "1700000300"),
			}
		default:
			t.Errorf("unexpected query: %s", req.Query)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"orderFilledEvents": fills},
		})
	})

	fills, err := client.Fills(context.Background(), "0xwallet", 100)
	if err != nil {
		t.Fatalf("fills: %v", err)
	}
	if len(fills) != 3 {
		t.Fatalf("merged fills = %d, want 3 (f2 de-duplicated)", len(fills))
	}
	// Most recent first.
	if fills[0].EventID != "f3" || fills[2].EventID != "f1" {
		t.Errorf("fills out of order: %s, %s, %s",
			fills[0].EventID, fills[1].EventID, fills[2].EventID)
	}
	// f1: collateral is the maker asset, so notional = makerAmountFilled/1e6.
	for _, f := range fills {
		if f.EventID == "f1" {
			if !f.SizeUSD.Equal(decimalFromString(t, "5")) {
				t.Errorf("f1 size = %s, want 5", f.SizeUSD)
			}
			if f.TokenID != "tok-a" {
				t.Errorf("f1 token = %s", f.TokenID)
			}
		}
		if f.EventID == "f2" {
			// Collateral on the taker side: notional = takerAmountFilled/1e6.
			if !f.SizeUSD.Equal(decimalFromString(t, "1")) {
				t.Errorf("f2 size = %s, want 1", f.SizeUSD)
			}
		}
	}
}

func TestIndexer_RecentFillsByTokens(t *testing.T) {
	since := time.Unix(1_700_000_000, 0)
	var queries []string
	client := newIndexer(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req gqlRequest
		json.Unmarshal(body, &req)
		queries = append(queries, req.Query)

		if toks, _ := req.Variables["tokens"].([]any); len(toks) != 2 || toks[0] != "tok-a" || toks[1] != "tok-b" {
			t.Errorf("tokens variable = %v", req.Variables["tokens"])
		}
		if s, _ := req.Variables["since"].(float64); int64(s) != since.Unix() {
			t.Errorf("since variable = %v, want %d", req.Variables["since"], since.Unix())
		}
		if first, _ := req.Variables["first"].(float64); int(first) != 250 {
			t.Errorf("first variable = %v, want 250", req.Variables["first"])
		}

		// The crossing fill "x1" shows up on both sides of the book and must
		// be de-duplicated by event id.
		var fills []map[string]string
		switch {
		case strings.Contains(req.Query, "makerAssetId_in: $tokens"):
			fills = []map[string]string{
				gqlFill("x1", "tok-a", "0", "2000000", "1000000", "1700000100"),
			}
		case strings.Contains(req.Query, "takerAssetId_in: $tokens"):
			fills = []map[string]string{
				gqlFill("x1", "tok-a", "0", "2000000", "1000000", "1700000100"),
				gqlFill("x2", "0", "tok-b", "5000000", "10000000", "1700000200"),
			}
		default:
			t.Errorf("unexpected query: %s", req.Query)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"orderFilledEvents": fills},
		})
	})

	fills, err := client.RecentFillsByTokens(context.Background(), []string{"tok-a", "tok-b"}, since, 250)
	if err != nil {
		t.Fatalf("recent fills: %v", err)
	}
	if len(queries) != 2 {
		t.Fatalf("queries issued = %d, want one per book side", len(queries))
	}
	if len(fills) != 2 {
		t.Fatalf("merged fills = %d, want 2 (x1 de-duplicated)", len(fills))
	}
	if fills[0].EventID != "x2" || fills[1].EventID != "x1" {
		t.Errorf("fills out of order: %s, %s", fills[0].EventID, fills[1].EventID)
	}

	// An empty token set never reaches the subgraph.
	if fills, err := client.RecentFillsByTokens(context.Background(), nil, since, 250); err != nil || fills != nil {
		t.Errorf("empty token set = (%v, %v), want (nil, nil)", fills, err)
	}
	if len(queries) != 2 {
		t.Errorf("empty token set must not issue queries, total = %d", len(queries))
	}
}

func TestIndexer_ResolveProxyNotFound(t *testing.T) {
	client := newIndexer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"proxyWallet": nil},
		})
	})
	_, err := client.ResolveProxy(context.Background(), "0xproxy")
	if types.KindOf(err) != types.KindNotFound {
		t.Fatalf("unknown proxy should be not-found, got %v", err)
	}
}

func TestIndexer_ResolveProxy(t *testing.T) {
	client := newIndexer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"proxyWallet": map[string]string{"signer": "0xsigner"}},
		})
	})
	signer, err := client.ResolveProxy(context.Background(), "0xproxy")
	if err != nil || signer != "0xsigner" {
		t.Fatalf("resolve = (%q, %v)", signer, err)
	}
}

func TestIndexer_GraphQLErrorIsPermanent(t *testing.T) {
	calls := 0
	client := newIndexer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{
			"errors": []map[string]string{{"message": "field does not exist"}},
		})
	})
	_, err := client.Activity(context.Background(), "0xwallet")
	if types.KindOf(err) != types.KindUpstreamBadData {
		t.Fatalf("graphql error should be bad-data, got %v", err)
	}
	if calls != 1 {
		t.Errorf("graphql errors must not be retried, calls = %d", calls)
	}
}

func TestIndexer_Activity(t *testing.T) {
	client := newIndexer(t, func(w http.ResponseWriter, r *http.Request) {
		ids := func(n int) []map[string]string {
			out := make([]map[string]string, n)
			for i := range out {
				out[i] = map[string]string{"id": fmt.Sprintf("a%d", i)}
			}
			return out
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"splits":      ids(2),
				"merges":      ids(1),
				"redemptions": ids(3),
			},
		})
	})

	activity, err := client.Activity(context.Background(), "0xwallet")
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if activity.Splits != 2 || activity.Merges != 1 || activity.Redemptions != 3 {
		t.Errorf("activity = %+v", activity)
	}
	if activity.Total() != 6 {
		t.Errorf("total = %d, want 6", activity.Total())
	}
}
