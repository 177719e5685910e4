// Package storage is the relational store for markets, trades, wallet
// fingerprints and alerts. Every write is an idempotent upsert: the dedup
// layer is allowed to admit duplicates after a cache outage, so the database
// is the last line that keeps them harmless.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"polymarket-sentinel/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS markets (
	id            TEXT PRIMARY KEY,
	condition_id  TEXT NOT NULL,
	yes_token_id  TEXT NOT NULL DEFAULT '',
	no_token_id   TEXT NOT NULL DEFAULT '',
	question      TEXT NOT NULL DEFAULT '',
	slug          TEXT NOT NULL DEFAULT '',
	tier          INT  NOT NULL DEFAULT 3,
	category      TEXT NOT NULL DEFAULT '',
	enabled       BOOLEAN NOT NULL DEFAULT TRUE,
	open_interest NUMERIC NOT NULL DEFAULT 0,
	volume        NUMERIC NOT NULL DEFAULT 0,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_markets_condition ON markets (condition_id);

CREATE TABLE IF NOT EXISTS trades (
	id           TEXT PRIMARY KEY,
	market_id    TEXT NOT NULL,
	condition_id TEXT NOT NULL,
	side         TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	size         NUMERIC NOT NULL,
	price        NUMERIC NOT NULL,
	usd_value    NUMERIC NOT NULL,
	wallet       TEXT NOT NULL,
	tx_hash      TEXT NOT NULL DEFAULT '',
	source       TEXT NOT NULL,
	ts           TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_trades_market_ts ON trades (market_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_trades_wallet ON trades (wallet);

CREATE TABLE IF NOT EXISTS wallet_fingerprints (
	address    TEXT NOT NULL,
	source     TEXT NOT NULL,
	payload    JSONB NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (address, source)
);

CREATE TABLE IF NOT EXISTS alerts (
	trade_id       TEXT PRIMARY KEY,
	market_id      TEXT NOT NULL,
	wallet         TEXT NOT NULL,
	score          DOUBLE PRECISION NOT NULL,
	classification TEXT NOT NULL,
	breakdown      JSONB NOT NULL,
	ts             TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_wallet ON alerts (wallet);
`

const stmtRetries = 2

// Store wraps the connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects and pings. A failed ping is fatal at startup.
func New(ctx context.Context, url string, logger *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, types.NewFault(types.KindConfig, "db.connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, types.NewFault(types.KindDependencyUnavailable, "db.connect", err)
	}
	return &Store{pool: pool, logger: logger.With("component", "storage")}, nil
}

// Bootstrap applies the schema. Idempotent.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return types.NewFault(types.KindDependencyUnavailable, "db.bootstrap", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Ping reports database liveness for the health snapshot.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return types.NewFault(types.KindDependencyUnavailable, "db.ping", err)
	}
	return nil
}

// exec runs one statement with a small bounded retry. Anything still failing
// surfaces as dependency-unavailable.
func (s *Store) exec(ctx context.Context, op, sql string, args ...any) error {
	var err error
	for attempt := 0; attempt <= stmtRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		if _, err = s.pool.Exec(ctx, sql, args...); err == nil {
			return nil
		}
	}
	return types.NewFault(types.KindDependencyUnavailable, op, err)
}

// UpsertMarket writes a market's identity and current stats.
func (s *Store) UpsertMarket(ctx context.Context, m types.Market) error {
	return s.exec(ctx, "db.upsert_market", `
		INSERT INTO markets (id, condition_id, yes_token_id, no_token_id, question,
			slug, tier, category, enabled, open_interest, volume, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, now())
		ON CONFLICT (id) DO UPDATE SET
			condition_id = EXCLUDED.condition_id,
			yes_token_id = EXCLUDED.yes_token_id,
			no_token_id  = EXCLUDED.no_token_id,
			question     = EXCLUDED.question,
			slug         = EXCLUDED.slug,
			tier         = EXCLUDED.tier,
			category     = EXCLUDED.category,
			enabled      = EXCLUDED.enabled,
			open_interest = EXCLUDED.open_interest,
			volume       = EXCLUDED.volume,
			updated_at   = now()`,
		m.ID, m.ConditionID, m.YesTokenID, m.NoTokenID, m.Question,
		m.Slug, m.Tier, m.Category, m.Enabled,
		m.OpenInterest.String(), m.Volume.String())
}

// UpdateMarketStats refreshes a market's open interest and volume.
func (s *Store) UpdateMarketStats(ctx context.Context, marketID string, openInterest, volume decimal.Decimal) error {
	return s.exec(ctx, "db.update_market_stats", `
		UPDATE markets SET open_interest = $2, volume = $3, updated_at = now()
		WHERE id = $1`,
		marketID, openInterest.String(), volume.String())
}

// EnabledMarkets loads the watch list.
func (s *Store) EnabledMarkets(ctx context.Context) ([]types.Market, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, condition_id, yes_token_id, no_token_id, question, slug,
			tier, category, enabled, open_interest::text, volume::text
		FROM markets WHERE enabled`)
	if err != nil {
		return nil, types.NewFault(types.KindDependencyUnavailable, "db.enabled_markets", err)
	}
	defer rows.Close()

	var markets []types.Market
	for rows.Next() {
		var m types.Market
		var oi, vol string
		if err := rows.Scan(&m.ID, &m.ConditionID, &m.YesTokenID, &m.NoTokenID,
			&m.Question, &m.Slug, &m.Tier, &m.Category, &m.Enabled, &oi, &vol); err != nil {
			return nil, types.NewFault(types.KindDependencyUnavailable, "db.enabled_markets", err)
		}
		m.OpenInterest = mustDecimal(oi)
		m.Volume = mustDecimal(vol)
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewFault(types.KindDependencyUnavailable, "db.enabled_markets", err)
	}
	return markets, nil
}

// InsertTrade persists a normalized trade. Conflicting ids are silently
// ignored: the same trade may legitimately arrive twice.
func (s *Store) InsertTrade(ctx context.Context, t types.Trade) error {
	return s.exec(ctx, "db.insert_trade", `
		INSERT INTO trades (id, market_id, condition_id, side, outcome, size,
			price, usd_value, wallet, tx_hash, source, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.MarketID, t.ConditionID, string(t.Side), string(t.Outcome),
		t.Size.String(), t.Price.String(), t.USDValue().String(),
		t.Wallet, t.TxHash, string(t.Source), t.Time())
}

// TradesForMarketSince returns a market's persisted trades newer than since,
// most recent first. The dormancy scan runs on this.
func (s *Store) TradesForMarketSince(ctx context.Context, marketID string, since time.Time) ([]types.Trade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, market_id, condition_id, side, outcome, size::text,
			price::text, wallet, tx_hash, source, ts
		FROM trades
		WHERE market_id = $1 AND ts >= $2
		ORDER BY ts DESC`,
		marketID, since)
	if err != nil {
		return nil, types.NewFault(types.KindDependencyUnavailable, "db.trades_for_market", err)
	}
	defer rows.Close()

	var trades []types.Trade
	for rows.Next() {
		var t types.Trade
		var side, outcome, source, size, price string
		var ts time.Time
		if err := rows.Scan(&t.ID, &t.MarketID, &t.ConditionID, &side, &outcome,
			&size, &price, &t.Wallet, &t.TxHash, &source, &ts); err != nil {
			return nil, types.NewFault(types.KindDependencyUnavailable, "db.trades_for_market", err)
		}
		t.Side = types.Side(side)
		t.Outcome = types.Outcome(outcome)
		t.Source = types.Source(source)
		t.Size = mustDecimal(size)
		t.Price = mustDecimal(price)
		t.TimestampMs = ts.UnixMilli()
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewFault(types.KindDependencyUnavailable, "db.trades_for_market", err)
	}
	return trades, nil
}

// UpsertFingerprint persists a wallet fingerprint keyed by address and path.
func (s *Store) UpsertFingerprint(ctx context.Context, fp types.WalletFingerprint) error {
	payload, err := json.Marshal(fp)
	if err != nil {
		return types.NewFault(types.KindInvalidInput, "db.upsert_fingerprint", err)
	}
	return s.exec(ctx, "db.upsert_fingerprint", `
		INSERT INTO wallet_fingerprints (address, source, payload, fetched_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (address, source) DO UPDATE SET
			payload = EXCLUDED.payload,
			fetched_at = EXCLUDED.fetched_at`,
		fp.Address, string(fp.Source), payload, fp.FetchedAt)
}

// UpsertAlert writes an alert keyed by trade id. Re-processing the same
// trade overwrites rather than duplicating.
func (s *Store) UpsertAlert(ctx context.Context, a types.Alert) error {
	breakdown, err := json.Marshal(a.Breakdown)
	if err != nil {
		return types.NewFault(types.KindInvalidInput, "db.upsert_alert", err)
	}
	return s.exec(ctx, "db.upsert_alert", `
		INSERT INTO alerts (trade_id, market_id, wallet, score, classification, breakdown, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (trade_id) DO UPDATE SET
			score = EXCLUDED.score,
			classification = EXCLUDED.classification,
			breakdown = EXCLUDED.breakdown,
			ts = EXCLUDED.ts`,
		a.TradeID, a.MarketID, a.Wallet, a.Score, string(a.Classification), breakdown, a.Timestamp)
}

// AlertByTradeID loads one alert, KindNotFound when absent.
func (s *Store) AlertByTradeID(ctx context.Context, tradeID string) (*types.Alert, error) {
	var a types.Alert
	var class string
	var breakdown []byte
	err := s.pool.QueryRow(ctx, `
		SELECT trade_id, market_id, wallet, score, classification, breakdown, ts
		FROM alerts WHERE trade_id = $1`, tradeID).
		Scan(&a.TradeID, &a.MarketID, &a.Wallet, &a.Score, &class, &breakdown, &a.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewFault(types.KindNotFound, "db.alert_by_trade", nil)
	}
	if err != nil {
		return nil, types.NewFault(types.KindDependencyUnavailable, "db.alert_by_trade", err)
	}
	a.Classification = types.Classification(class)
	if err := json.Unmarshal(breakdown, &a.Breakdown); err != nil {
		return nil, types.NewFault(types.KindUpstreamBadData, "db.alert_by_trade", err)
	}
	return &a, nil
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
