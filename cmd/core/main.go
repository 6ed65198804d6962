// Trading Execution Core — the order execution and risk control layer of
// an algorithmic trading platform. Strategies produce order intents; the
// core decides whether they may trade, routes them to the broker, and
// keeps positions honest.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: intent pipeline, update pump, equity monitor, reconciler, kill watcher
//	risk/manager.go       — pre-trade gate: kill switch → breaker → portfolio → strategy → order limits
//	risk/killswitch.go    — global and per-producer halt with audit log and admin-code deactivation
//	risk/breaker.go       — drawdown circuit breaker (CLOSED / HALF_OPEN / OPEN), trips the kill switch
//	oms/oms.go            — order state machine with idempotent create and monotonic fills
//	position/tracker.go   — weighted-average positions, realized/unrealized P&L per producer
//	position/reconcile.go — read-only compare of local positions against the broker's
//	broker/alpaca.go      — Alpaca REST adapter (paper and live endpoints)
//	broker/stream.go      — Alpaca trade_updates WebSocket with auto-reconnect
//	broker/paper.go       — in-memory simulator for development and tests
//	store/store.go        — JSON file persistence for orders and positions (survives restarts)
//
// How it protects capital:
//
//	Every intent passes five ordered checks before it may reach the
//	broker; the first error-class violation rejects it. Realized
//	drawdowns feed a circuit breaker that halts all trading past
//	configured thresholds. A kill switch, thrown automatically by the
//	breaker or manually by an operator, cancels open orders and blocks
//	new ones until someone with the admin code clears it.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tradecore/internal/config"
	"tradecore/internal/engine"
)

func main() {
	// Empty path runs on defaults (paper broker); CORE_CONFIG selects
	// a YAML file.
	cfgPath := os.Getenv("CORE_CONFIG")

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

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	// Mirror the event stream into the log. A host application would
	// consume Events() itself (dashboard, alerting); the standalone
	// binary just makes the flow visible.
	go func() {
		for ev := range eng.Events() {
			logger.Info("event", "type", ev.Type, "data", ev.Data)
		}
	}()

	logger.Info("execution core started",
		"paper", cfg.Broker.Paper,
		"max_notional", cfg.Risk.Order.MaxNotional,
		"daily_halt_pct", cfg.Risk.Breaker.DailyHaltPct,
		"total_halt_pct", cfg.Risk.Breaker.TotalHaltPct,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

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
