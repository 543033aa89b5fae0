package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"signal-trading-core/config"
	"signal-trading-core/internal/broker"
	"signal-trading-core/internal/calendar"
	"signal-trading-core/internal/database"
	"signal-trading-core/internal/events"
	"signal-trading-core/internal/logging"
	"signal-trading-core/internal/monitor"
	"signal-trading-core/internal/notification"
	"signal-trading-core/internal/portfolio"
	"signal-trading-core/internal/signals"
	"signal-trading-core/internal/trader"
)

func main() {
	// .env is optional; real deployments set the environment directly
	if err := godotenv.Load(); err == nil {
		log.Println("[MAIN] Loaded environment from .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[MAIN] Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		Component:  "main",
		JSONFormat: cfg.Logging.JSONFormat,
	})
	logging.SetDefault(logger)
	logger.Info("signal trading core starting",
		"trading_mode", cfg.Broker.TradingMode,
		"dry_run", cfg.Broker.DryRun,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDB(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		log.Fatalf("[MAIN] Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("[MAIN] Failed to run migrations: %v", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	positionRepo := database.NewPositionRepository(db)
	tradeRepo := database.NewTradeRepository(db)
	reevalRepo := database.NewReEvaluationRepository(db)
	settingsRepo := database.NewSettingsRepository(db)
	signalRepo := database.NewSignalRepository(db)

	mirror := database.NewRedisPositionMirror(rdb)
	store := monitor.NewStore(positionRepo, mirror, logger)

	bus := events.NewEventBus()
	audit := monitor.NewAuditLogger(nil)

	alerts := notification.NewManager()
	alerts.AddNotifier(notification.NewLogNotifier())
	if cfg.Notification.Telegram.Enabled {
		alerts.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
			BotToken: cfg.Notification.Telegram.BotToken,
			ChatID:   cfg.Notification.Telegram.ChatID,
			Enabled:  true,
		}))
		logger.Info("telegram notifications enabled")
	}

	monitorCfg := monitor.DefaultConfig()
	monitorCfg.Interval = cfg.MonitorInterval()
	monitorCfg.TrailingActivation = cfg.Monitor.TrailingActivation
	monitorCfg.TrailingDistance = cfg.Monitor.TrailingDistance
	monitorCfg.LiquidationWarnPct = cfg.Monitor.LiquidationWarnPct
	monitorCfg.LiquidationClosePct = cfg.Monitor.LiquidationClosePct
	monitorCfg.GhostGrace = cfg.GhostGrace()
	if len(cfg.Monitor.PartialTPLevels) > 0 {
		levels := make([]monitor.PartialTPLevel, 0, len(cfg.Monitor.PartialTPLevels))
		for _, l := range cfg.Monitor.PartialTPLevels {
			levels = append(levels, monitor.PartialTPLevel{TargetPct: l.TargetPct, Fraction: l.Fraction})
		}
		monitorCfg.PartialTPLevels = levels
	}

	mon := monitor.New(store, monitorCfg, settingsRepo, tradeRepo, reevalRepo, alerts, bus, audit, logger)

	var calendarProvider calendar.Provider
	if cfg.Calendar.Enabled && cfg.Calendar.FeedURL != "" {
		calendarProvider = calendar.NewHTTPProvider(cfg.Calendar.FeedURL, logger)
		logger.Info("economic calendar gate enabled", "feed_url", cfg.Calendar.FeedURL)
	}

	reader := signals.NewReader(signalRepo, cfg.Signals.Sources, logger)
	validator := signals.NewValidator(cfg.Signals.MinConfidence, tradeRepo, logger)
	portfolioMgr := portfolio.NewManager(logger)

	// One price cache shared by every user's adapter so a symbol's
	// quote is fetched once per window regardless of user count.
	prices := broker.NewPriceCache(rdb)

	factory := func(ctx context.Context, userID string, settings *database.TradingSettings) (broker.Broker, error) {
		var client broker.Client
		if cfg.Broker.DryRun {
			client = broker.NewMockClient()
		} else {
			client = broker.NewRESTClient(broker.RESTClientConfig{
				Exchange:        cfg.Broker.Exchange,
				APIKey:          cfg.Broker.APIKey,
				Secret:          cfg.Broker.APISecret,
				BaseURL:         cfg.Broker.BaseURL,
				MaxWeightPerMin: cfg.Broker.RequestsPerMinute,
			})
		}
		mode := broker.TradingMode(settings.TradingMode)
		return broker.NewAdapter(client, mode, prices, logger), nil
	}

	traderCfg := trader.DefaultConfig()
	traderCfg.CycleInterval = cfg.CycleInterval()
	traderCfg.MaxTradesPerCycle = cfg.Trader.MaxTradesPerCycle
	traderCfg.MinNotionalUSD = cfg.Trader.MinNotionalUSD

	supervisor := trader.NewSupervisor(traderCfg, trader.SupervisorDeps{
		Monitor:   mon,
		Reader:    reader,
		Validator: validator,
		Portfolio: portfolioMgr,
		Calendar:  calendarProvider,
		Settings:  settingsRepo,
		Stats:     tradeRepo,
		Users:     settingsRepo,
		Factory:   factory,
		Bus:       bus,
		Alerts:    alerts,
		Audit:     audit,
		Logger:    logger,
	})

	monitorDone := make(chan error, 1)
	go func() {
		monitorDone <- mon.Run(ctx)
	}()

	if err := supervisor.StartAll(ctx); err != nil {
		logger.Error("failed to start traders", "error", err)
	}

	logger.Info("signal trading core running")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		supervisor.Shutdown()
		if err := <-monitorDone; err != nil {
			logger.Error("monitor exited with error", "error", err)
		}
	case err := <-monitorDone:
		// Monitor cannot recover on its own; bring the process down
		logger.Error("position monitor exited", "error", err)
		stop()
		supervisor.Shutdown()
	}

	logger.Info("signal trading core stopped")
}
