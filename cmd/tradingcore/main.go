// Command tradingcore is the entry point for the automated crypto day-trading
// core: a single process that ingests market data, evaluates volatility
// regime and staleness state, generates and executes signals, and drives one
// isolated control loop per active campaign under a shared risk ledger.
//
// Architecture:
//
//	main.go                    — entry point: loads config, wires every module, waits for SIGINT/SIGTERM
//	internal/marketdata        — ingests ticks/quotes/books, aggregates 1s/1m/1h bars, drives REST fallback
//	internal/staleness         — per-(symbol,feed) staleness state machine (warn/hard/kill/quarantine)
//	internal/vre               — volatility regime engine (low/normal/high/extreme) gating signal generation
//	internal/breaker           — asset/cluster/global loss breakers with auto-reset
//	internal/signal            — EMA/ATR long/short signal generation, one pending signal per (portfolio,symbol)
//	internal/campaign          — one Robot per active campaign: OCO bracket entries, drawdown kill-switch
//	internal/campaignmgr       — fleet-wide sweep: expiration, drawdown safety net, rebalance, daily reset
//	internal/durable           — SQLite-backed relational store + hash-chained audit trail
//	internal/audit             — typed event recorder over the audit trail
//	internal/exchange          — REST + WebSocket client for the venue, with auth and rate limiting
//
// How it makes money:
//
//	Each campaign goes long when price runs more than an ATR multiple above
//	its EMA12 (short when it falls that far below), sized by ATR, gated by
//	the volatility regime (the conservative and moderate profiles take no
//	new entries during extreme volatility) and staleness guard (no entries
//	against stale data). Every entry is bracketed by a stop-loss and
//	take-profit OCO pair; losses are tracked in R-units per pair, and
//	realized USD losses per asset and per cluster drive the circuit breakers
//	that protect the rest of the portfolio when one cluster turns hostile.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"tradingcore/internal/audit"
	"tradingcore/internal/breaker"
	"tradingcore/internal/campaign"
	"tradingcore/internal/campaignmgr"
	"tradingcore/internal/config"
	"tradingcore/internal/durable"
	"tradingcore/internal/exchange"
	"tradingcore/internal/marketdata"
	signalengine "tradingcore/internal/signal"
	"tradingcore/internal/staleness"
	"tradingcore/internal/vre"
	"tradingcore/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRADINGCORE_CONFIG"); p != "" {
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

	store, err := durable.Open(cfg.Store.DSN)
	if err != nil {
		logger.Error("failed to open durable store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	recorder := audit.New(store, logger)

	auth := exchange.NewAuth(cfg.Exchange)
	client := exchange.NewClient(cfg.Exchange, auth, cfg.DryRun, logger)
	marketFeed := exchange.NewMarketFeed(cfg.Exchange.WSMarketURL, logger)

	stalenessMgr := staleness.New(cfg.Staleness, logger, func(ev staleness.Event) {
		if err := store.AppendStalenessLog(context.Background(), ev.Exchange, ev.Symbol, ev.Feed, ev.StalenessSeconds, ev.Severity, ev.ActionTaken, ev.Timestamp); err != nil {
			logger.Error("failed to append staleness log", "error", err, "symbol", ev.Symbol)
		}
	})

	pipeline := marketdata.New(cfg.MarketData, "default", cfg.Exchange.RESTBaseURL, marketFeed, client, stalenessMgr, store, logger)
	pipeline.Subscribe(cfg.MarketData.Symbols)

	regimeEngine := vre.New(cfg.VRE)

	breakerMgr := breaker.New(cfg.Breaker, logger, func(ev types.CircuitBreakerEvent) {
		if err := store.AppendBreakerEvent(context.Background(), ev); err != nil {
			logger.Error("failed to append breaker event", "error", err, "portfolio", ev.PortfolioID)
		}
		ctx := context.Background()
		var recErr error
		switch ev.EventType {
		case types.BreakerTriggered:
			recErr = recorder.RecordBreakerTriggered(ctx, ev)
		case types.BreakerReset, types.BreakerAutoReset:
			recErr = recorder.RecordBreakerReset(ctx, ev)
		}
		if recErr != nil {
			logger.Error("failed to audit breaker event", "error", recErr, "portfolio", ev.PortfolioID)
		}
	})

	signalEngine := signalengine.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := marketFeed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("market feed terminated", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pipeline.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("market data pipeline terminated", "error", err)
		}
	}()

	campaigns, err := store.ListActiveCampaigns(ctx)
	if err != nil {
		logger.Error("failed to list active campaigns at startup", "error", err)
		os.Exit(1)
	}

	exchAdapter := campaign.NewExchangeAdapter(client)

	for _, c := range campaigns {
		robot := campaign.New(c, cfg.Campaign, pipeline, breakerMgr, regimeEngine, stalenessMgr,
			signalEngine, exchAdapter, store, recorder, symbolCluster, logger)

		wg.Add(1)
		go func(campaignID string) {
			defer wg.Done()
			if err := robot.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("campaign robot terminated", "error", err, "campaign_id", campaignID)
			}
		}(c.ID)
	}

	manager := campaignmgr.New(store, pipeline, exchAdapter, breakerMgr, recorder, nil, symbolCluster, cfg.Manager, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := manager.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("campaign manager terminated", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				stalenessMgr.Evaluate(now)
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(max(cfg.Breaker.AutoResetInterval, time.Second))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				breakerMgr.AutoReset(now)
			}
		}
	}()

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("trading core started",
		"symbols", cfg.MarketData.Symbols,
		"active_campaigns", len(campaigns),
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	if err := marketFeed.Close(); err != nil {
		logger.Error("failed to close market feed", "error", err)
	}
	wg.Wait()

	logger.Info("trading core stopped")
}

// symbolCluster assigns symbols to a coarse correlation cluster for the
// circuit breaker's cluster-level loss aggregation. Majors are split out
// from the long tail of alts, which is the only grouping the breaker's
// cluster tier needs until per-portfolio cluster config exists.
func symbolCluster(symbol string) string {
	base := strings.ToUpper(strings.SplitN(symbol, "/", 2)[0])
	switch base {
	case "BTC", "ETH":
		return "majors"
	default:
		return "alts"
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
