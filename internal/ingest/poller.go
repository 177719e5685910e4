// poller.go is the pull producer: the authoritative periodic sweep of the
// market-data API across every monitored condition id. It also serves
// priority fetches prompted by the push subscriber.
package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"polymarket-sentinel/internal/config"
	"polymarket-sentinel/pkg/types"
)

const batchDelayMaxFactor = 8

// tradeSource is the market-data slice the poller needs.
type tradeSource interface {
	Trades(ctx context.Context, conditionIDs []string, minUSD float64, limit int) ([]types.DataTrade, error)
}

// conditionLister enumerates the watch list.
type conditionLister interface {
	ConditionIDs() []string
}

// pressureGauge is the queue's backpressure signal.
type pressureGauge interface {
	IsUnderPressure() bool
}

// backoffGauge is the indexer rate limiter's backoff signal. The consumer
// leans on the indexer for every trade, so polling while it is throttled
// only deepens the hole.
type backoffGauge interface {
	IsBackingOff() bool
}

// Poller sweeps recent trades into the intake on a fixed interval.
type Poller struct {
	cfg      config.IngestConfig
	source   tradeSource
	markets  conditionLister
	norm     *Normalizer
	intake   *Intake
	pressure pressureGauge
	backoff  backoffGauge
	stats    counter
	logger   *slog.Logger

	// Adaptive inter-batch delay, widened while upstream pushes back.
	delayMu    sync.Mutex
	batchDelay time.Duration

	// Priority-fetch debounce, per condition id.
	prioMu   sync.Mutex
	lastPrio map[string]time.Time

	now func() time.Time
}

// NewPoller wires the pull producer.
func NewPoller(cfg config.IngestConfig, source tradeSource, markets conditionLister,
	norm *Normalizer, intake *Intake, pressure pressureGauge, backoff backoffGauge,
	stats counter, logger *slog.Logger) *Poller {
	return &Poller{
		cfg:        cfg,
		source:     source,
		markets:    markets,
		norm:       norm,
		intake:     intake,
		pressure:   pressure,
		backoff:    backoff,
		stats:      stats,
		logger:     logger.With("component", "poller"),
		batchDelay: cfg.BatchDelay,
		lastPrio:   make(map[string]time.Time),
		now:        time.Now,
	}
}

// Run polls until ctx is cancelled. The first cycle waits out the startup
// grace window so the registry and feed are warm.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("poller starting", "interval", p.cfg.PollInterval(), "grace", p.cfg.StartupGrace)
	select {
	case <-ctx.Done():
		return
	case <-time.After(p.cfg.StartupGrace):
	}

	ticker := time.NewTicker(p.cfg.PollInterval())
	defer ticker.Stop()

	p.pollCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case <-ticker.C:
			p.pollCycle(ctx)
		}
	}
}

// pollCycle sweeps all monitored conditions in chunks, honoring the
// backpressure gates.
func (p *Poller) pollCycle(ctx context.Context) {
	if skip, reason := p.gated(); skip {
		p.logger.Info("poll cycle skipped", "reason", reason)
		p.stats.Incr(ctx, "poll_cycles_skipped")
		return
	}

	conditions := p.markets.ConditionIDs()
	if len(conditions) == 0 {
		return
	}

	chunkSize := p.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 20
	}

	accepted := 0
	for start := 0; start < len(conditions); start += chunkSize {
		if ctx.Err() != nil {
			return
		}
		// Gates re-checked between chunks: pressure can build mid-cycle.
		if skip, reason := p.gated(); skip {
			p.logger.Info("poll cycle aborted mid-sweep", "reason", reason, "done", start)
			return
		}

		end := start + chunkSize
		if end > len(conditions) {
			end = len(conditions)
		}
		accepted += p.fetchChunk(ctx, conditions[start:end])

		if end < len(conditions) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.currentBatchDelay()):
			}
		}
	}
	p.stats.Incr(ctx, "poll_cycles")
	p.logger.Info("poll cycle complete", "conditions", len(conditions), "accepted", accepted)
}

// fetchChunk pulls one condition chunk and feeds the intake. Upstream
// pushback widens the adaptive batch delay; success resets it.
func (p *Poller) fetchChunk(ctx context.Context, conditionIDs []string) int {
	trades, err := p.source.Trades(ctx, conditionIDs, p.cfg.MinTradeUSDPrefilter, 200)
	if err != nil {
		switch types.KindOf(err) {
		case types.KindRateLimited, types.KindUpstreamUnavailable, types.KindCircuitOpen:
			p.widenBatchDelay()
		}
		p.logger.Warn("chunk fetch failed", "conditions", len(conditionIDs), "error", err)
		p.stats.Incr(ctx, "poll_chunk_errors")
		return 0
	}
	p.resetBatchDelay()

	maxAge := time.Duration(p.cfg.MaxTradeAgeMinutes) * time.Minute
	accepted := 0
	for _, dt := range trades {
		ms := NormalizeTimestampMs(dt.Timestamp)
		if maxAge > 0 && age(p.now(), ms) > maxAge {
			p.stats.Incr(ctx, "filtered_stale")
			continue
		}
		trade, err := p.norm.FromPull(dt)
		if err != nil {
			// Not marked processed: a later cycle may see better data.
			p.logger.Warn("invalid pull trade dropped", "trade", dt.ID, "error", err)
			p.stats.Incr(ctx, "filtered_invalid")
			continue
		}
		if p.intake.Accept(ctx, trade) {
			accepted++
		}
	}
	return accepted
}

// PriorityFetch pulls a single condition out of schedule, debounced per
// condition id and behind the same gates as the sweep. Errors are logged
// and discarded.
func (p *Poller) PriorityFetch(ctx context.Context, conditionID string) {
	if skip, reason := p.gated(); skip {
		p.logger.Debug("priority fetch skipped", "condition", conditionID, "reason", reason)
		return
	}

	p.prioMu.Lock()
	last, seen := p.lastPrio[conditionID]
	now := p.now()
	if seen && now.Sub(last) < p.cfg.PriorityFetchDebounce {
		p.prioMu.Unlock()
		return
	}
	p.lastPrio[conditionID] = now
	p.prioMu.Unlock()

	p.stats.Incr(ctx, "priority_fetches")
	p.fetchChunk(ctx, []string{conditionID})
}

func (p *Poller) gated() (bool, string) {
	if p.pressure.IsUnderPressure() {
		return true, "queue_pressure"
	}
	if p.backoff.IsBackingOff() {
		return true, "indexer_backoff"
	}
	return false, ""
}

func (p *Poller) currentBatchDelay() time.Duration {
	p.delayMu.Lock()
	defer p.delayMu.Unlock()
	return p.batchDelay
}

func (p *Poller) widenBatchDelay() {
	p.delayMu.Lock()
	defer p.delayMu.Unlock()
	widened := p.batchDelay * 2
	if max := p.cfg.BatchDelay * batchDelayMaxFactor; widened > max {
		widened = max
	}
	if widened > p.batchDelay {
		p.logger.Info("widening inter-batch delay", "from", p.batchDelay, "to", widened)
		p.batchDelay = widened
	}
}

func (p *Poller) resetBatchDelay() {
	p.delayMu.Lock()
	defer p.delayMu.Unlock()
	if p.batchDelay != p.cfg.BatchDelay {
		p.batchDelay = p.cfg.BatchDelay
	}
}
