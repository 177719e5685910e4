// Package registry holds the in-memory authoritative set of monitored
// markets, backed by the relational store. All market lookups during trade
// processing hit this map, never the database.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-sentinel/internal/cache"
	"polymarket-sentinel/internal/upstream"
	"polymarket-sentinel/pkg/types"
)

const (
	marketCachePrefix = "sentinel:market:"
	marketCacheTTL    = 15 * time.Minute
)

// marketStore is the slice of the relational store the registry needs.
type marketStore interface {
	EnabledMarkets(ctx context.Context) ([]types.Market, error)
	UpsertMarket(ctx context.Context, m types.Market) error
	UpdateMarketStats(ctx context.Context, marketID string, openInterest, volume decimal.Decimal) error
}

// statsSource provides the periodic liquidity/volume refresh payload.
type statsSource interface {
	MarketStats(ctx context.Context, conditionIDs []string) (map[string]upstream.MarketStats, error)
}

// subscriptionFeed is the WebSocket surface the registry keeps in sync with
// its market set.
type subscriptionFeed interface {
	Subscribe(tokenIDs ...string) error
	Unsubscribe(tokenIDs ...string)
}

// Registry is the in-memory market set with its lookup indexes.
type Registry struct {
	store  marketStore
	stats  statsSource
	feed   subscriptionFeed
	cache  *cache.Client // may be nil
	logger *slog.Logger

	mu          sync.RWMutex
	byID        map[string]*types.Market
	byCondition map[string]*types.Market
	byToken     map[string]*types.Market
}

// New builds an empty registry. Load populates it.
func New(store marketStore, stats statsSource, feed subscriptionFeed, cacheClient *cache.Client, logger *slog.Logger) *Registry {
	return &Registry{
		store:       store,
		stats:       stats,
		feed:        feed,
		cache:       cacheClient,
		logger:      logger.With("component", "registry"),
		byID:        make(map[string]*types.Market),
		byCondition: make(map[string]*types.Market),
		byToken:     make(map[string]*types.Market),
	}
}

// Load reads the enabled watch list from the store, indexes it and
// subscribes the feed to every outcome token.
func (r *Registry) Load(ctx context.Context) error {
	markets, err := r.store.EnabledMarkets(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	var tokens []string
	for i := range markets {
		m := &markets[i]
		r.indexLocked(m)
		tokens = append(tokens, m.TokenIDs()...)
	}
	count := len(r.byID)
	r.mu.Unlock()

	if len(tokens) > 0 {
		if err := r.feed.Subscribe(tokens...); err != nil {
			return err
		}
	}
	r.logger.Info("registry loaded", "markets", count, "tokens", len(tokens))
	return nil
}

func (r *Registry) indexLocked(m *types.Market) {
	r.byID[m.ID] = m
	r.byCondition[m.ConditionID] = m
	for _, tok := range m.TokenIDs() {
		r.byToken[tok] = m
	}
}

func (r *Registry) unindexLocked(m *types.Market) {
	delete(r.byID, m.ID)
	delete(r.byCondition, m.ConditionID)
	for _, tok := range m.TokenIDs() {
		delete(r.byToken, tok)
	}
}

// ByID looks a market up by its canonical id.
func (r *Registry) ByID(id string) (types.Market, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	if !ok {
		return types.Market{}, false
	}
	return *m, true
}

// ByCondition looks a market up by condition id.
func (r *Registry) ByCondition(conditionID string) (types.Market, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byCondition[conditionID]
	if !ok {
		return types.Market{}, false
	}
	return *m, true
}

// ByToken looks a market up by either outcome token id.
func (r *Registry) ByToken(tokenID string) (types.Market, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byToken[tokenID]
	if !ok {
		return types.Market{}, false
	}
	return *m, true
}

// ByTier enumerates markets in one priority tier.
func (r *Registry) ByTier(tier int) []types.Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.Market
	for _, m := range r.byID {
		if m.Tier == tier {
			out = append(out, *m)
		}
	}
	return out
}

// ByCategory enumerates markets in one category.
func (r *Registry) ByCategory(category string) []types.Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.Market
	for _, m := range r.byID {
		if m.Category == category {
			out = append(out, *m)
		}
	}
	return out
}

// ConditionIDs returns the full set of monitored condition ids, the pull
// poller's fetch list.
func (r *Registry) ConditionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byCondition))
	for id := range r.byCondition {
		out = append(out, id)
	}
	return out
}

// TokenIDs returns the full set of monitored outcome token ids, the feed's
// subscription list.
func (r *Registry) TokenIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byToken))
	for id := range r.byToken {
		out = append(out, id)
	}
	return out
}

// Len reports the number of monitored markets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Add persists a market, indexes it and subscribes its tokens. The map and
// the subscription set move together.
func (r *Registry) Add(ctx context.Context, m types.Market) error {
	if err := r.store.UpsertMarket(ctx, m); err != nil {
		return err
	}

	r.mu.Lock()
	local := m
	r.indexLocked(&local)
	r.mu.Unlock()

	if tokens := m.TokenIDs(); len(tokens) > 0 {
		if err := r.feed.Subscribe(tokens...); err != nil {
			return err
		}
	}
	r.logger.Info("market added", "market", m.ID, "condition", m.ConditionID)
	return nil
}

// Remove drops a market from the indexes and unsubscribes its tokens.
func (r *Registry) Remove(ctx context.Context, marketID string) {
	r.mu.Lock()
	m, ok := r.byID[marketID]
	if ok {
		r.unindexLocked(m)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if tokens := m.TokenIDs(); len(tokens) > 0 {
		r.feed.Unsubscribe(tokens...)
	}
	r.logger.Info("market removed", "market", marketID)
}

// StartRefresh runs the periodic stats refresh until ctx is cancelled.
func (r *Registry) StartRefresh(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Refresh(ctx); err != nil {
					r.logger.Warn("stats refresh failed", "error", err)
				}
			}
		}
	}()
}

// Refresh fetches current liquidity/volume/open-interest for every monitored
// market, persists it, caches the market payload and updates the in-memory
// copy.
func (r *Registry) Refresh(ctx context.Context) error {
	conditions := r.ConditionIDs()
	if len(conditions) == 0 {
		return nil
	}

	stats, err := r.stats.MarketStats(ctx, conditions)
	if err != nil {
		return err
	}

	updated := 0
	for conditionID, st := range stats {
		r.mu.Lock()
		m, ok := r.byCondition[conditionID]
		if ok {
			m.OpenInterest = st.OpenInterest
			m.Volume = st.Volume
		}
		var snapshot types.Market
		if ok {
			snapshot = *m
		}
		r.mu.Unlock()
		if !ok {
			continue
		}

		if err := r.store.UpdateMarketStats(ctx, snapshot.ID, st.OpenInterest, st.Volume); err != nil {
			r.logger.Warn("persist stats failed", "market", snapshot.ID, "error", err)
			continue
		}
		r.cacheMarket(ctx, snapshot)
		updated++
	}
	r.logger.Info("market stats refreshed", "updated", updated, "monitored", len(conditions))
	return nil
}

// cacheMarket writes the refreshed market payload to the shared cache so
// sibling tools can read current stats without a database round trip.
func (r *Registry) cacheMarket(ctx context.Context, m types.Market) {
	if r.cache == nil {
		return
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := r.cache.SetJSON(ctx, marketCachePrefix+m.ID, payload, marketCacheTTL); err != nil {
		r.logger.Debug("market cache write failed", "market", m.ID, "error", err)
	}
}
