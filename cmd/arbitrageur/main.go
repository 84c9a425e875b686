// Arbitrageur is the core of an arbitrage trading engine for binary
// prediction markets. It continuously consumes streaming order-book
// updates for correlated YES/NO market pairs, detects cross-side
// arbitrage opportunities, gates each one through a multi-stage
// risk/edge pipeline, and either simulates or executes two-leg trades on
// a central limit order book backed by an EVM chain.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts the engine, waits for SIGINT/SIGTERM
//	internal/engine         — orchestrator: wires every component and owns their goroutines
//	internal/book           — order-book mirror (C1)
//	internal/feed           — WebSocket market-data ingestor (C2)
//	internal/detect         — cross-side opportunity detector (C3)
//	internal/edge           — fee/slippage/gas/latency accounting (C4)
//	internal/risk           — position/balance/daily-loss/anomaly gating (C5)
//	internal/breaker        — circuit breaker guarding live execution (C6)
//	internal/nonce          — nonce allocation and reuse-on-failure (C7)
//	internal/retry          — exponential backoff with jitter (C8)
//	internal/idempotency    — exactly-once signal submission (C9)
//	internal/chain          — injected signing/submission capability (EIP-712 + HMAC + REST)
//	internal/execution      — simulated and live two-leg executors (C10-C12)
//	internal/pnl            — realized/settlement PnL tracking (C13)
//	internal/telemetry      — structured events, Prometheus metrics, latency buckets (C14)
//	internal/store          — crash-recovery snapshot persistence
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"arbitrageur/internal/chain"
	"arbitrageur/internal/config"
	"arbitrageur/internal/engine"
	"arbitrageur/internal/telemetry"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARB_CONFIG"); p != "" {
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	wallet, err := chain.NewWallet(cfg.Wallet.PrivateKey, cfg.Wallet.ChainID, chain.Credentials{
		ApiKey:     cfg.Chain.ApiKey,
		Secret:     cfg.Chain.Secret,
		Passphrase: cfg.Chain.Passphrase,
	})
	if err != nil {
		logger.Error("failed to derive wallet from private key", "error", err)
		os.Exit(1)
	}

	submitter := chain.NewRESTClient(cfg.Chain.CLOBBaseURL, wallet, logger)

	eventLogDir := cfg.Store.EventLogDir
	if eventLogDir == "" {
		eventLogDir = "data/events"
	}
	bus := telemetry.New(eventLogDir, prometheus.DefaultRegisterer, logger)
	defer bus.Close()

	eng, err := engine.New(*cfg, submitter, wallet.Address().Hex(), bus, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: ":9090", Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no live orders will be submitted")
	}

	logger.Info("arbitrageur started",
		"markets", len(cfg.MarketPairs),
		"trade_size", cfg.Strategy.TradeSizeUSDC,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := metricsServer.Shutdown(context.Background()); err != nil {
		logger.Error("failed to stop metrics server", "error", err)
	}

	eng.Stop()
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
