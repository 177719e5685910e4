// persister.go writes scored alerts exactly once per trade id. A distributed
// lock keyed by trade id guards the upsert so push+pull duplicates racing
// through two processes cannot double-emit; delivery to the notification
// channel is fire-and-forget.
package alert

import (
	"context"
	"log/slog"
	"strings"

	"polymarket-sentinel/internal/cache"
	"polymarket-sentinel/internal/config"
	"polymarket-sentinel/internal/notify"
	"polymarket-sentinel/pkg/types"
)

const alertLockPrefix = "sentinel:lock:alert:"

type alertStore interface {
	UpsertAlert(ctx context.Context, a types.Alert) error
}

type counter interface {
	Incr(ctx context.Context, name string)
}

// Persister owns the alert write path.
type Persister struct {
	cfg      config.CacheConfig
	store    alertStore
	locks    *cache.LockManager
	notifier notify.Notifier
	stats    counter
	logger   *slog.Logger
}

// NewPersister builds the persister. locks may be nil in tests that do not
// exercise the duplicate-writer path.
func NewPersister(cfg config.CacheConfig, store alertStore, locks *cache.LockManager,
	notifier notify.Notifier, stats counter, logger *slog.Logger) *Persister {
	return &Persister{
		cfg:      cfg,
		store:    store,
		locks:    locks,
		notifier: notifier,
		stats:    stats,
		logger:   logger.With("component", "persister"),
	}
}

// Persist upserts the alert under a trade-id lock and kicks off delivery.
// A held lock means a sibling is already writing this trade; the typed
// lock error propagates so the decision framework can skip quietly.
func (p *Persister) Persist(ctx context.Context, alert types.Alert, trade types.Trade,
	market types.Market, fp types.WalletFingerprint, tier types.SizeTier) error {
	if p.locks != nil {
		lease, err := p.locks.Acquire(ctx, alertLockPrefix+alert.TradeID,
			p.cfg.LockTTL, p.cfg.LockMaxRetries, p.cfg.LockRetryDelay)
		if err != nil {
			return err
		}
		defer lease.Release(ctx)
	}

	if err := p.store.UpsertAlert(ctx, alert); err != nil {
		return err
	}
	p.stats.Incr(ctx, "alerts_"+counterName(alert.Classification))
	p.logger.Info("alert persisted",
		"trade", alert.TradeID, "market", alert.MarketID,
		"classification", string(alert.Classification), "score", alert.Score)

	if p.notifier != nil {
		payload := notify.PayloadFor(alert, trade, market, fp, tier)
		go func() {
			if err := p.notifier.Notify(context.WithoutCancel(ctx), payload); err != nil {
				p.logger.Warn("alert delivery failed", "trade", alert.TradeID, "error", err)
			}
		}()
	}
	return nil
}

func counterName(c types.Classification) string {
	return strings.ReplaceAll(string(c), "-", "_")
}
