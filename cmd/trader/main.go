// Quorum Trader — an autonomous multi-agent prediction-market trading
// engine. Five model-backed firms each manage an allocated bankroll: on
// a daily cycle they inspect the venue's open binary markets, derive a
// calibrated probability per event, size stakes under a 4-tier adaptive
// risk guard, and submit signed orders through a shared custody wallet.
//
// Architecture:
//
//	main.go                — entry point: config, wiring, lifecycle
//	cycle/cycle.go         — orchestrator: firms × markets, sequential, per-step persistence
//	markets/fetcher.go     — paginated market discovery + tradability filter
//	analysis/assembler.go  — collector reports → persona prompt → model call
//	decision/validator.go  — untrusted model JSON → canonical prediction
//	sizing/engine.go       — side selection, net-EV screen, five sizing strategies
//	risk/guard.go          — 4-tier bankroll guard + daily caps
//	orders/                — submission state machine, 3-strike monitor, reconciliation
//	venue/                 — signed-order REST client, errno taxonomy, fills feed
//	store/                 — embedded SQLite (WAL), re-entrant transactions
//	api/                   — admin + read-only HTTP surface
//	scheduler/             — cron: daily cycle, 30-minute monitor pass
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

	"quorum-trader/internal/analysis"
	"quorum-trader/internal/api"
	"quorum-trader/internal/collect"
	"quorum-trader/internal/config"
	"quorum-trader/internal/cycle"
	"quorum-trader/internal/datacache"
	"quorum-trader/internal/decision"
	"quorum-trader/internal/markets"
	"quorum-trader/internal/model"
	"quorum-trader/internal/orders"
	"quorum-trader/internal/risk"
	"quorum-trader/internal/scheduler"
	"quorum-trader/internal/sizing"
	"quorum-trader/internal/store"
	"quorum-trader/internal/venue"
	"quorum-trader/pkg/types"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("QT_CONFIG"); p != "" {
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

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	auth, err := venue.NewAuth(cfg.Wallet.PrivateKey, cfg.Venue.APIKey)
	if err != nil {
		return fmt.Errorf("venue auth: %w", err)
	}
	client := venue.NewClient(cfg.Venue.BaseURL, cfg.Venue.HTTPTimeout, auth, cfg.DryRun, logger)

	// One-shot session activation; trading cannot proceed without it.
	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = client.EnableTrading(startCtx)
	startCancel()
	if err != nil {
		return fmt.Errorf("enable trading: %w", err)
	}
	logger.Info("trading enabled", "wallet", auth.Address().Hex())

	// Register firms and seed portfolios if absent.
	firms := cfg.FirmList()
	h := st.Handle()
	initCtx := context.Background()
	err = h.Tx(initCtx, func() error {
		for _, f := range firms {
			if err := h.RegisterFirm(initCtx, f); err != nil {
				return err
			}
			if err := h.InitPortfolio(initCtx, f.Name, cfg.InitialBalance(), time.Now().UTC()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("initialize portfolios: %w", err)
	}

	collectors := collect.Set{}
	for src, url := range map[collect.Source]string{
		collect.SourceTechnical:   cfg.Collectors.TechnicalURL,
		collect.SourceNews:        cfg.Collectors.NewsURL,
		collect.SourceSentiment:   cfg.Collectors.SentimentURL,
		collect.SourceFundamental: cfg.Collectors.FundamentalURL,
		collect.SourceVolatility:  cfg.Collectors.VolatilityURL,
	} {
		if url == "" {
			continue
		}
		collectors[src] = collect.NewHTTPCollector(src, url, cfg.Collectors.APIKey, cfg.Collectors.Timeout, logger)
	}

	cache := datacache.New()
	assembler := analysis.NewAssembler(collectors, cache, logger)

	models := make(map[string]model.Client, len(cfg.Firms))
	personas := make(map[string]string, len(cfg.Firms))
	for _, fc := range cfg.Firms {
		models[fc.Name] = model.NewHTTPClient(fc.ModelID, fc.Endpoint, fc.APIKey, logger)
		personas[fc.Name] = fc.Persona
	}

	engine := sizing.NewEngine(cfg.Sizing, cfg.Venue.TakerFee, client, logger)
	guard := risk.NewGuard(risk.Limits{
		DailySpendCap:       cfg.DailySpendCap(),
		DailyBetLimit:       cfg.Risk.DailyBetLimit,
		CategoryExposureCap: cfg.Risk.CategoryExposureCap,
		MinBet:              cfg.Sizing.MinBet,
	}, logger)
	submitter := orders.NewSubmitter(h, client, logger)
	reconciler := orders.NewReconciler(h, client, cfg.Venue.TakerFee, logger)

	// The monitor's AI-contradiction factor re-runs the firm's own
	// pipeline against the market and reads back just the probability.
	reevaluate := func(ctx context.Context, firmName, marketID string) (float64, error) {
		detail, err := client.Market(ctx, marketID)
		if err != nil || detail == nil {
			return 0, fmt.Errorf("market %s unavailable", marketID)
		}
		var firm types.Firm
		for _, f := range firms {
			if f.Name == firmName {
				firm = f
			}
		}
		mc, ok := models[firmName]
		if !ok || firm.Name == "" {
			return 0, fmt.Errorf("unknown firm %s", firmName)
		}
		ask, _ := venue.ParsePrice(detail.AskPrice)
		bid, _ := venue.ParsePrice(detail.BidPrice)
		blob, _, err := assembler.Analyze(ctx, firm, personas[firmName], mc, types.Market{
			ID: marketID, Title: detail.Title,
			Category: types.CategoryOther, AskPrice: ask, BidPrice: bid,
		})
		if err != nil {
			return 0, err
		}
		pred, err := decision.Validate(firmName, marketID, blob, time.Now().UTC())
		if err != nil {
			return 0, err
		}
		return pred.Probability, nil
	}

	// The monitor runs on the periodic worker concurrently with cycles,
	// so it gets its own store handle.
	monitor := orders.NewMonitor(st.Handle(), client, reevaluate, orders.MonitorConfig{
		PriceMovePct:  cfg.Monitor.PriceMovePct,
		StagnationAge: cfg.Monitor.StagnationAge,
		Interval:      cfg.Monitor.Interval,
	}, logger)

	orchestrator := cycle.New(cycle.Deps{
		Store:      h,
		Fetcher:    markets.NewFetcher(client, cfg.Fetcher.PageSize, cfg.Fetcher.MaxMarkets, logger),
		Cache:      cache,
		Assembler:  assembler,
		Engine:     engine,
		Guard:      guard,
		Submitter:  submitter,
		Reconciler: reconciler,
		Firms:      firms,
		Models:     models,
		Personas:   personas,
		Deadline:   cfg.Cycle.Deadline,
		Logger:     logger,
	})

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Fills feed: near-real-time FILLED transitions; reconciliation
	// remains authoritative.
	var feed *venue.Feed
	if cfg.Venue.WSFeedURL != "" {
		feed = venue.NewFeed(cfg.Venue.WSFeedURL, auth, logger)
		go func() {
			if err := feed.Run(rootCtx); err != nil && rootCtx.Err() == nil {
				logger.Error("fills feed stopped", "error", err)
			}
		}()
		go consumeFills(rootCtx, st.Handle(), feed, logger)
	}

	sched := scheduler.New(logger)
	if cfg.SystemEnabled {
		err = sched.Add(scheduler.Job{
			Name:     "daily-cycle",
			Schedule: cfg.Cycle.CronSchedule,
			Run: func(ctx context.Context) error {
				_, err := orchestrator.RunCycle(ctx)
				return err
			},
		})
		if err != nil {
			return fmt.Errorf("register cycle job: %w", err)
		}
		err = sched.Add(scheduler.Job{
			Name:     "order-monitor",
			Schedule: cfg.Cycle.MonitorCron,
			Run: func(ctx context.Context) error {
				_, err := monitor.RunPass(ctx)
				return err
			},
		})
		if err != nil {
			return fmt.Errorf("register monitor job: %w", err)
		}
		sched.Start()
	} else {
		logger.Warn("SYSTEM_ENABLED is false — scheduler not started")
	}

	server := api.NewServer(api.Config{
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MonitorSecret:  cfg.Monitor.Secret,
		InitialBalance: cfg.InitialBalance(),
		Firms:          firms,
		SystemEnabled:  cfg.SystemEnabled,
		ConfiguredKeys: map[string]bool{
			"venue_api_key":  cfg.Venue.APIKey != "",
			"wallet_key":     cfg.Wallet.PrivateKey != "",
			"monitor_secret": cfg.Monitor.Secret != "",
			"collector_key":  cfg.Collectors.APIKey != "",
		},
	}, st, orchestrator, monitor, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("quorum trader started",
		"mode", string(cfg.BankrollMode),
		"firms", len(firms),
		"initial_balance", cfg.InitialBalance(),
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if cfg.SystemEnabled {
		sched.Stop()
	}
	rootCancel()
	if feed != nil {
		feed.Close()
	}

	logger.Info("shutdown complete")
	return nil
}

// consumeFills applies pushed fill events and logs pushed resolution
// events without settling them. Errors are logged and dropped; the
// poll-based reconciler recovers anything missed and does all settlement.
func consumeFills(ctx context.Context, h *store.Handle, feed *venue.Feed, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case fill := <-feed.Fills():
			bets, err := h.OpenBets(ctx)
			if err != nil {
				logger.Error("open bets read failed", "error", err)
				continue
			}
			for _, b := range bets {
				if b.OrderID != fill.OrderID {
					continue
				}
				stamp := time.Now().UTC().Format(time.RFC3339Nano)
				if err := h.TransitionBet(ctx, b.ID, types.BetFilled, "", "", stamp); err != nil {
					logger.Error("fill transition failed", "bet", b.ID, "error", err)
				} else {
					logger.Info("order filled (feed)", "firm", b.Firm, "order_id", b.OrderID)
				}
				break
			}
		case res := <-feed.Resolutions():
			// Settlement stays with the reconciler; the event is just a
			// breadcrumb for operators tailing logs.
			logger.Info("market resolved (feed)", "market", res.MarketID, "winner", res.WinnerTokenID)
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
