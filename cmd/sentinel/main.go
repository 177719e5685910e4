// Polymarket Sentinel — real-time insider-trading surveillance for Polymarket
// prediction markets.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires ingest → queue → detector → forensics → alert
//	ingest/              — pull poller (Data API) + push subscriber (WebSocket), dedup intake
//	queue/queue.go       — bounded trade queue with backpressure and a dead-letter side channel
//	detector/            — impact gating (liquidity/volume/OI), dormancy, decision framework
//	forensics/           — wallet fingerprinting: indexer-first, on-chain fallback, flags
//	alert/               — composite scoring, classification, locked persistence
//	registry/            — watch-list of markets with by-id/condition/token indexes
//	upstream/            — chain RPC, explorer, GraphQL indexer, Data API, market feed
//	guard/, cache/       — rate limiter, circuit breaker, Redis dedup/lock/counters
//	storage/postgres.go  — markets, trades, wallet fingerprints and alerts
//
// How it detects:
//
//	Every taker fill in a watched market is normalized and deduplicated across
//	the push and pull sources, then gated on market impact (relative to
//	liquidity, volume or open interest, or absolute notional). Trades that
//	pass are correlated with market dormancy and a forensic profile of the
//	taker wallet. A weighted composite score classifies the trade; alerts
//	above the threshold are persisted once per trade id and delivered.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"polymarket-sentinel/internal/config"
	"polymarket-sentinel/internal/engine"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SENTINEL_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng := engine.New(cfg, logger)

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("polymarket sentinel started",
		"detector_method", cfg.Detector.OICalculationMethod,
		"alert_threshold", cfg.Alerting.AlertThreshold,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop(ctx)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
