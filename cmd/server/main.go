// Execution Desk — a chat-driven trading engine with a deterministic truth
// pipeline between user text and exchange orders.
//
// Architecture:
//
//	main.go              — entry point: env + config, storage, broker wiring, HTTP server
//	api/                 — chat command, confirmations, run evidence reads, SSE/WS streams
//	tradectx/            — one consistent snapshot of balances, rules, and prices per intent
//	resolve/             — symbol → product classification against holdings and the catalog
//	preflight/           — deterministic pre-trade checks (READY / ADJUSTED / BLOCKED)
//	confirm/             — TTL-bounded confirmation handles, atomic confirm/cancel
//	run/                 — the execution DAG: portfolio → policy → approval → execution → reconciliation
//	broker/              — Coinbase Advanced Trade adapter plus the paper simulator
//	catalog/, metadata/  — product listing and the rule-resolution precedence chain
//	balance/             — executable-state fetcher with snapshot fallback
//	store/               — SQLite persistence and migrations
//
// Nothing executes without an explicit confirmation, and everything that
// executes leaves a run, node, event, order, and artifact trail in SQLite.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"executiondesk/internal/api"
	"executiondesk/internal/balance"
	"executiondesk/internal/broker"
	"executiondesk/internal/catalog"
	"executiondesk/internal/confirm"
	"executiondesk/internal/config"
	"executiondesk/internal/metadata"
	"executiondesk/internal/preflight"
	"executiondesk/internal/reasoner"
	"executiondesk/internal/run"
	"executiondesk/internal/store"
	"executiondesk/internal/tradectx"
)

// catalogRefreshInterval is how often the background loop re-checks the
// product listing for staleness.
const catalogRefreshInterval = 30 * time.Minute

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRADE_CONFIG"); p != "" {
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

	st, err := store.Open(cfg.Database.URL)
	if err != nil {
		logger.Error("failed to open database", "error", err, "url", cfg.Database.URL)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Migrate(cfg.Database.MigrationsDir); err != nil {
		logger.Error("failed to apply migrations", "error", err)
		os.Exit(1)
	}

	// The public Coinbase client serves prices and the product listing with
	// no credentials. Signed calls (orders, balances, authoritative rules)
	// only happen when a key is configured.
	var auth *broker.Auth
	if cfg.Broker.Credentialed() {
		pem, err := cfg.Broker.PrivateKeyPEM()
		if err != nil {
			logger.Error("failed to read broker key", "error", err)
			os.Exit(1)
		}
		auth, err = broker.NewAuth(cfg.Broker.KeyName, pem)
		if err != nil {
			logger.Error("failed to parse broker key", "error", err)
			os.Exit(1)
		}
	}
	coinbase := broker.NewCoinbase(cfg.Broker.APIBase, auth, logger)

	cat := catalog.New(st, coinbase, logger)
	var metaFetcher metadata.Fetcher
	if coinbase.Authenticated() {
		metaFetcher = coinbase
	}
	meta := metadata.New(st, cat, metaFetcher, logger)

	var accounts balance.AccountReader
	if coinbase.Authenticated() {
		accounts = coinbase
	}
	balances := balance.New(st, accounts, logger)
	builder := tradectx.NewBuilder(balances, meta, coinbase, logger)

	// The runner routes per run: LIVE runs reach Coinbase only when
	// credentials exist and live trading is switched on; PAPER and REPLAY
	// runs always fill against the simulator.
	paper := broker.NewPaper(coinbase.GetPrice)
	var live broker.Broker
	if coinbase.Authenticated() && cfg.Trading.EnableLiveTrading && !cfg.Trading.DisableLive {
		live = coinbase
	}
	runner := run.New(st, live, paper, balances, cfg.Trading, logger)

	server := api.NewServer(api.Deps{
		Config:    cfg,
		Store:     st,
		Confirms:  confirm.New(st, cfg.Trading.ConfirmationTTL, logger),
		Builder:   builder,
		Preflight: preflight.New(st),
		Catalog:   cat,
		Balances:  balances,
		Runner:    runner,
		Advisor:   reasoner.New(cfg.Reasoner.APIKey, cfg.Reasoner.Model, logger),
		Logger:    logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go refreshCatalog(ctx, cat, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server failed", "error", err)
			os.Exit(1)
		}
	}()

	liveBroker := "disabled"
	if live != nil {
		liveBroker = live.Name()
	}
	logger.Info("execution desk started",
		"url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port),
		"live_broker", liveBroker,
		"live_trading", cfg.Trading.EnableLiveTrading && !cfg.Trading.DisableLive,
		"demo_safe_mode", cfg.Trading.DemoSafeMode,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	if err := server.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
}

// refreshCatalog keeps the product listing warm so chat commands rarely pay
// the refresh on the request path.
func refreshCatalog(ctx context.Context, cat *catalog.Service, logger *slog.Logger) {
	if err := cat.RefreshIfStale(ctx); err != nil {
		logger.Warn("initial catalog refresh failed", "error", err)
	}
	ticker := time.NewTicker(catalogRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cat.RefreshIfStale(ctx); err != nil {
				logger.Warn("catalog refresh failed", "error", err)
			}
		}
	}
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
