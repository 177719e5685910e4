// Package engine wires the surveillance pipeline together and owns its
// lifecycle: startup (fatal on cache, database or feed failure), the single
// consumer loop with per-trade error containment, graceful drain on
// shutdown, and the operator health snapshot.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"polymarket-sentinel/internal/alert"
	"polymarket-sentinel/internal/cache"
	"polymarket-sentinel/internal/config"
	"polymarket-sentinel/internal/detector"
	"polymarket-sentinel/internal/forensics"
	"polymarket-sentinel/internal/guard"
	"polymarket-sentinel/internal/ingest"
	"polymarket-sentinel/internal/notify"
	"polymarket-sentinel/internal/queue"
	"polymarket-sentinel/internal/registry"
	"polymarket-sentinel/internal/storage"
	"polymarket-sentinel/internal/upstream"
	"polymarket-sentinel/pkg/types"
)

const registryRefreshInterval = 10 * time.Minute

// Engine owns every component and the goroutines between them.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	cache      *cache.Client
	store      *storage.Store
	feed       *upstream.Feed
	registry   *registry.Registry
	queue      *queue.Queue
	poller     *ingest.Poller
	subscriber *ingest.Subscriber
	detector   *detector.Detector
	decisions  *detector.Framework
	forensics  *forensics.Analyzer
	scorer     *alert.Scorer
	persister  *alert.Persister
	chain      *upstream.ChainClient

	limiters []*guard.Limiter
	breakers map[string]*guard.Breaker

	processed       atomic.Int64
	shutdownDrained atomic.Int64

	prodCancel context.CancelFunc
	consCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New builds an unstarted engine.
func New(cfg *config.Config, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		breakers: make(map[string]*guard.Breaker),
	}
}

// Start brings up infrastructure, wires the pipeline and launches the
// producer and consumer goroutines. Cache, database and feed failures are
// fatal; everything downstream degrades per the decision framework instead.
func (e *Engine) Start(ctx context.Context) error {
	cfg := e.cfg

	c, err := cache.New(ctx, cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB, e.logger)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	e.cache = c

	store, err := storage.New(ctx, cfg.Database.URL, e.logger)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := store.Bootstrap(ctx); err != nil {
		return fmt.Errorf("schema bootstrap: %w", err)
	}
	e.store = store

	breakerCfg := guard.BreakerConfig{
		FailureThreshold:    cfg.Upstream.FailureThreshold,
		MonitoringPeriod:    cfg.Upstream.MonitoringPeriod,
		RecoveryTimeout:     cfg.Upstream.RecoveryTimeout,
		HalfOpenMaxAttempts: cfg.Upstream.HalfOpenMaxAttempts,
	}
	newGuards := func(name string, rps int) (*guard.Limiter, *guard.Breaker) {
		lim := guard.NewLimiter(name, rps, e.logger)
		brk := guard.NewBreaker(name, breakerCfg, c, e.logger)
		e.limiters = append(e.limiters, lim)
		e.breakers[name] = brk
		return lim, brk
	}

	chainLim, chainBrk := newGuards("chain", cfg.Upstream.ChainRPS)
	explorerLim, explorerBrk := newGuards("explorer", cfg.Upstream.ExplorerRPS)
	indexerLim, indexerBrk := newGuards("indexer", cfg.Upstream.IndexerRPS)
	dataLim, dataBrk := newGuards("dataapi", cfg.Upstream.DataAPIRPS)

	chain, err := upstream.NewChainClient(cfg.Upstream.ChainRPCURL, chainLim, chainBrk, e.logger)
	if err != nil {
		return fmt.Errorf("chain rpc: %w", err)
	}
	e.chain = chain
	explorer := upstream.NewExplorerClient(cfg.Upstream.ExplorerURL, cfg.Upstream.ExplorerAPIKey,
		explorerLim, explorerBrk, e.logger)
	indexer := upstream.NewIndexerClient(cfg.Upstream.IndexerURL, indexerLim, indexerBrk, e.logger)
	dataAPI := upstream.NewDataAPIClient(cfg.Upstream.DataAPIURL, dataLim, dataBrk, e.logger)

	// The feed handlers close over e.subscriber, which is wired below; the
	// feed cannot deliver events before Connect.
	e.feed = upstream.NewFeed(cfg.Upstream.WSMarketURL, cfg.Upstream.WSMaxReconnectAttempts,
		upstream.FeedHandlers{
			OnTrade: func(ev types.WSTradeEvent) {
				if e.subscriber != nil {
					e.subscriber.OnTrade(ev)
				}
			},
			OnPriceChange: func(ev types.WSPriceChangeEvent) {
				if e.subscriber != nil {
					e.subscriber.OnPriceChange(ev)
				}
			},
		}, e.logger)

	e.registry = registry.New(store, dataAPI, e.feed, c, e.logger)
	e.queue = queue.New(cfg.Queue.MaxQueueSize, cfg.Queue.DLQSize, cfg.Queue.PressurePct, e.logger)

	dedup := cache.NewDedupStore(c, cfg.Cache.DedupTTL, cfg.Cache.MaxFallbackSize, e.logger)
	norm := ingest.NewNormalizer(e.registry, e.logger)
	intake := ingest.NewIntake(dedup, e.queue, c, e.logger)
	e.poller = ingest.NewPoller(cfg.Ingest, dataAPI, e.registry, norm, intake,
		e.queue, indexerLim, c, e.logger)
	e.subscriber = ingest.NewSubscriber(norm, intake, e.poller, c, e.logger)

	e.detector = detector.New(cfg.Detector, dataAPI, store, indexer, c, cfg.Cache.OrderbookTTL(), c, e.logger)
	e.decisions = detector.NewFramework(c, e.logger)
	e.forensics = forensics.New(cfg.Forensics, indexer, chain, explorer, c, c, e.logger)
	e.scorer = alert.NewScorer(cfg.Alerting, cfg.Detector, e.logger)
	locks := cache.NewLockManager(c, e.logger)
	e.persister = alert.NewPersister(cfg.Cache, store, locks, notify.NewLogNotifier(e.logger), c, e.logger)

	if err := e.feed.Connect(ctx); err != nil {
		return fmt.Errorf("market feed: %w", err)
	}
	if err := e.registry.Load(ctx); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	e.logger.Info("watch list loaded", "markets", e.registry.Len())

	prodCtx, prodCancel := context.WithCancel(context.Background())
	consCtx, consCancel := context.WithCancel(context.Background())
	e.prodCancel = prodCancel
	e.consCancel = consCancel

	e.registry.StartRefresh(prodCtx, registryRefreshInterval)

	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		e.poller.Run(prodCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.subscriber.Run(prodCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.consume(consCtx)
	}()

	e.logger.Info("engine started")
	return nil
}

// consume is the single consumer loop. Sequential processing is what bounds
// concurrent upstream load from wallet forensics.
func (e *Engine) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case trade := <-e.queue.Items():
			e.process(ctx, trade)
			e.processed.Add(1)
		}
	}
}

// runStep executes one pipeline step under the decision framework. Retryable
// failures get exactly one more attempt; a second transient failure becomes
// a skip. The last error is returned for dead-lettering.
func (e *Engine) runStep(ctx context.Context, boundary string, fn func() error) (detector.Action, error) {
	err := fn()
	d := e.decisions.Decide(ctx, boundary, err)
	if d.Action == detector.ActionRetry {
		err = fn()
		d = e.decisions.Decide(ctx, boundary, err)
		if d.Action == detector.ActionRetry {
			d.Action = detector.ActionSkip
		}
	}
	return d.Action, err
}

// process runs one trade through detection, forensics, scoring and
// persistence. Errors never escape; they become skips, retries or
// dead letters.
func (e *Engine) process(ctx context.Context, trade types.Trade) {
	market, ok := e.registry.ByID(trade.MarketID)
	if !ok {
		e.cache.Incr(ctx, "consumer_unknown_market")
		return
	}

	// Trade history feeds rolling volume and dormancy; persistence failures
	// degrade those inputs but do not block detection.
	if err := e.store.InsertTrade(ctx, trade); err != nil {
		e.decisions.Decide(ctx, "storage.trade", err)
	}

	var sig *types.Signal
	action, err := e.runStep(ctx, "detector", func() error {
		var stepErr error
		sig, stepErr = e.detector.Evaluate(ctx, trade, market)
		return stepErr
	})
	switch {
	case action == detector.ActionAbort:
		e.queue.DeadLetter(trade, err)
		return
	case action == detector.ActionSkip:
		return
	}
	if sig == nil {
		return // filtered, counters already bumped
	}

	var dorm types.DormancyMetrics
	action, err = e.runStep(ctx, "dormancy", func() error {
		var stepErr error
		dorm, stepErr = e.detector.AssessDormancy(ctx, market)
		return stepErr
	})
	if action == detector.ActionAbort {
		e.queue.DeadLetter(trade, err)
		return
	}
	// A skipped dormancy read proceeds with zero metrics; dormancy qualifies
	// the score, it never gates alone.

	var fp types.WalletFingerprint
	action, err = e.runStep(ctx, "forensics", func() error {
		var stepErr error
		fp, stepErr = e.forensics.Fingerprint(ctx, trade, market)
		return stepErr
	})
	switch {
	case action == detector.ActionAbort:
		e.queue.DeadLetter(trade, err)
		return
	case action == detector.ActionSkip:
		return
	}

	if err := e.store.UpsertFingerprint(ctx, fp); err != nil {
		e.decisions.Decide(ctx, "storage.fingerprint", err)
	}

	alertRow := e.scorer.Score(*sig, dorm, fp)
	if !e.scorer.ShouldAlert(alertRow) {
		e.cache.Incr(ctx, "alerts_below_threshold")
		return
	}

	action, err = e.runStep(ctx, "persister", func() error {
		return e.persister.Persist(ctx, alertRow, trade, market, fp, sig.AbsoluteTier)
	})
	if action == detector.ActionAbort {
		e.queue.DeadLetter(trade, err)
	}
}

// Stop shuts the pipeline down in dependency order: producers first, then a
// bounded drain of the queue, then the consumer and the infrastructure.
func (e *Engine) Stop(ctx context.Context) {
	e.logger.Info("engine stopping")
	if e.prodCancel != nil {
		e.prodCancel()
	}
	if e.feed != nil {
		e.feed.Close()
	}

	e.drain(ctx)

	if e.consCancel != nil {
		e.consCancel()
	}
	e.wg.Wait()

	for _, lim := range e.limiters {
		lim.Close()
	}
	if e.chain != nil {
		e.chain.Close()
	}
	if e.store != nil {
		e.store.Close()
	}
	if e.cache != nil {
		e.cache.Close()
	}
	e.logger.Info("engine stopped",
		"processed", e.processed.Load(),
		"drained_during_shutdown", e.shutdownDrained.Load())
}

// drain lets the consumer work the queue down, bounded by the configured
// drain timeout.
func (e *Engine) drain(ctx context.Context) {
	if e.queue == nil {
		return
	}
	deadline := time.Now().Add(e.cfg.Queue.DrainTimeout())
	poll := e.cfg.Queue.DrainPoll
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	before := e.processed.Load()
	for e.queue.Depth() > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			e.logger.Warn("drain cut short", "remaining", e.queue.Depth())
			return
		case <-time.After(poll):
		}
	}
	e.shutdownDrained.Store(e.processed.Load() - before)
	if depth := e.queue.Depth(); depth > 0 {
		e.logger.Warn("drain timeout with items remaining", "remaining", depth)
	}
}

// Health is the operator snapshot of every moving part.
type Health struct {
	CacheOK      bool              `json:"cache_ok"`
	DatabaseOK   bool              `json:"database_ok"`
	FeedState    string            `json:"feed_state"`
	Breakers     map[string]string `json:"breakers"`
	QueueDepth   int               `json:"queue_depth"`
	QueueDropped int64             `json:"queue_dropped"`
	DLQDepth     int               `json:"dlq_depth"`
	Processed    int64             `json:"processed"`
	Markets      int               `json:"markets"`
}

// Health reports current component states. Safe to call at any time after
// Start.
func (e *Engine) Health(ctx context.Context) Health {
	h := Health{
		Breakers:  make(map[string]string, len(e.breakers)),
		Processed: e.processed.Load(),
	}
	if e.cache != nil {
		h.CacheOK = e.cache.Ping(ctx) == nil
	}
	if e.store != nil {
		h.DatabaseOK = e.store.Ping(ctx) == nil
	}
	if e.feed != nil {
		h.FeedState = e.feed.State()
	}
	for name, brk := range e.breakers {
		h.Breakers[name] = brk.State()
	}
	if e.queue != nil {
		h.QueueDepth = e.queue.Depth()
		h.QueueDropped = e.queue.Dropped()
		h.DLQDepth = e.queue.DLQDepth()
	}
	if e.registry != nil {
		h.Markets = e.registry.Len()
	}
	return h
}
