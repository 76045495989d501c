package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pumptrader/internal/api"
	"pumptrader/internal/bot"
	"pumptrader/internal/config"
	"pumptrader/internal/exchange"
	"pumptrader/internal/market"
	"pumptrader/internal/models"
	"pumptrader/internal/repository"
	"pumptrader/internal/service"
	sig "pumptrader/internal/signal"
	"pumptrader/internal/websocket"
	"pumptrader/pkg/ratelimit"
	"pumptrader/pkg/retry"
	"pumptrader/pkg/utils"
)

var (
	runDevLog         bool
	runSkipMigrate    bool
	runDashboardEvery time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the trading engine",
	Long: `Start the trading engine together with the admin API and dashboard websocket.

Startup order:
  1. configuration, logger, database (migrations unless --skip-migrate)
  2. exchange clock sync and risk baseline
  3. recovery of open trades from the journal and exchange positions
  4. symbol universe and kline history
  5. kline stream, background tasks, notifications, HTTP server

SIGINT/SIGTERM stop accepting new entries and wait for in-flight orders.`,
	Args: cobra.NoArgs,
	RunE: runTrader,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runDevLog, "dev-log", false, "human-readable development logging")
	runCmd.Flags().BoolVar(&runSkipMigrate, "skip-migrate", false, "do not apply database migrations on startup")
	runCmd.Flags().DurationVar(&runDashboardEvery, "dashboard-interval", 5*time.Second, "period of trades/risk pushes to dashboard clients")
}

func runTrader(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg := cfg.Logging.LogConfig()
	logCfg.Development = runDevLog
	logger := utils.InitLogger(logCfg)
	utils.SetGlobalLogger(logger)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repository.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("connected to database", zap.String("dsn", cfg.Database.DSNWithoutPassword()))

	if !runSkipMigrate {
		if err := repository.Migrate(ctx, db); err != nil {
			return err
		}
	}

	app, err := newTrader(cfg, db, logger)
	if err != nil {
		return err
	}
	return app.run(ctx)
}

// trader - собранное приложение
type trader struct {
	cfg    *config.Config
	logger *utils.Logger

	bybit      *exchange.Bybit
	stream     *exchange.StreamClient
	gateway    *bot.Gateway
	engine     *bot.Engine
	risk       *bot.RiskManager
	reconciler *bot.Reconciler
	recovery   *bot.RecoveryManager
	notifier   *service.NotificationService
	hub        *websocket.Hub
	server     *api.Server
	journal    *repository.JournalRepository
}

func newTrader(cfg *config.Config, db *sql.DB, logger *utils.Logger) (*trader, error) {
	t := &trader{cfg: cfg, logger: logger}

	// ============================================================
	// Хранилища и уведомления
	// ============================================================

	t.journal = repository.NewJournalRepository(db)
	equityRepo := repository.NewEquityRepository(db)
	blacklistRepo := repository.NewBlacklistRepository(db)

	t.notifier = service.NewNotificationService(cfg.Notify, logger)
	t.hub = websocket.NewHub(websocket.NewOriginChecker(cfg.Server.AllowedOrigins), logger)
	t.notifier.SetWebSocketHub(t.hub)

	// ============================================================
	// Биржа
	// ============================================================

	httpCfg := exchange.DefaultHTTPClientConfig()
	if cfg.Exchange.HTTPTimeout > 0 {
		httpCfg.TotalTimeout = cfg.Exchange.HTTPTimeout
	}
	t.bybit = exchange.NewBybit(exchange.BybitConfig{
		BaseURL:       cfg.Exchange.RESTURL,
		APIKey:        cfg.Exchange.APIKey,
		APISecret:     cfg.Exchange.APISecret,
		RecvWindow:    cfg.Exchange.RecvWindow,
		TimeSyncEvery: cfg.Exchange.TimeSyncEvery,
		HTTPClient:    exchange.NewHTTPClient(httpCfg),
		Limiter:       ratelimit.BybitDefaults(),
		Retry:         retry.RequestConfig(),
		Logger:        logger,
	})

	streamCfg := exchange.DefaultStreamConfig()
	streamCfg.URL = cfg.Exchange.StreamURL
	streamCfg.Interval = cfg.Trading.Timeframe
	streamCfg.ReconnectDelay = cfg.Exchange.WSReconnectDelay
	streamCfg.PingInterval = cfg.Exchange.WSPingInterval
	streamCfg.ReadTimeout = cfg.Exchange.WSReadTimeout
	t.stream = exchange.NewStreamClient(streamCfg, logger)

	marketData, err := market.NewManager(t.bybit, market.Config{
		Interval:    cfg.Trading.Timeframe,
		Capacity:    cfg.Trading.HistoryCapacity,
		MinTurnover: cfg.Trading.VolumeFilterUSD,
		Concurrency: cfg.Trading.ConcurrentRequests,
		PageLimit:   1000,
		MaxPages:    10,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("market data: %w", err)
	}

	// ============================================================
	// Торговля
	// ============================================================

	t.gateway = bot.NewGateway(t.bybit, bot.GatewayConfig{
		BasePositionSizeUSD:   cfg.Trading.BasePositionSizeUSD,
		StopLossPct:           cfg.Trading.StopLossPct,
		TakeProfitPct:         cfg.Trading.TakeProfitPct,
		TrailActivationPct:    cfg.Trading.TrailActivationPct,
		TrailOffsetPct:        cfg.Trading.TrailOffsetPct,
		TradeExpiry:           cfg.Trading.TradeExpiry,
		BreakevenBufferPct:    cfg.Risk.BreakevenBufferPct,
		BreakevenTolerancePct: cfg.Risk.BreakevenTolerancePct,
		RequestTimeout:        cfg.Trading.OrderTimeout,
		StopRetry:             retry.StopOrderConfig(),
		CloseRetry:            retry.LiquidationConfig(),
	}, logger)
	t.gateway.OnStopsFailed(func(rec models.TradeRecord, err error) {
		t.notifier.Send(&models.Notification{
			Timestamp: time.Now().UTC(),
			Type:      models.NotificationTypeError,
			Severity:  models.SeverityError,
			Symbol:    rec.Symbol,
			Message:   fmt.Sprintf("⚠️ Protective orders not set for %s (%s): %v", rec.Symbol, rec.RuleID, err),
		})
	})

	evaluator := sig.NewEvaluator(sig.Config{
		MinBars:            cfg.Trading.MinDataBars,
		PumpLookback:       cfg.Trading.PumpLookback,
		PumpThreshold:      cfg.Trading.PumpThreshold,
		RSIPeriod:          cfg.Trading.RSIPeriod,
		VolatilityPeriod:   cfg.Trading.VolatilityPeriod,
		PriceChangePeriod:  cfg.Trading.PriceChangePeriod,
		VolumeChangePeriod: cfg.Trading.VolumeChangePeriod,
	})

	t.engine = bot.NewEngine(bot.EngineConfig{
		MinDataBars:       cfg.Trading.MinDataBars,
		MaxActiveTrades:   cfg.Trading.MaxActiveTrades,
		TradeExpiry:       cfg.Trading.TradeExpiry,
		AdoptedHold:       cfg.Trading.AdoptedHold,
		CooldownInterval:  cfg.Trading.CooldownInterval,
		CooldownStartHour: cfg.Trading.CooldownStartHour,
		DedupCapacity:     cfg.Trading.DedupCapacity,
		DedupWindow:       cfg.Trading.DedupWindow,
		OrderTimeout:      cfg.Trading.OrderTimeout,
		NegativePnlAge:    cfg.Risk.NegativePnlAge,
		WatchdogTimeout:   cfg.Risk.WatchdogTimeout,
		JournalRetention:  cfg.Schedule.JournalRetention,
	}, bot.EngineDeps{
		Market:    marketData,
		Stream:    t.stream,
		Evaluator: evaluator,
		Trader:    t.gateway,
		Journal:   t.journal,
		Notifier:  t.notifier,
		Blacklist: blacklistRepo,
		Logger:    logger,
	})
	t.stream.OnMessage(t.engine.HandleKline)

	t.risk = bot.NewRiskManager(bot.RiskConfig{
		BasePositionSizeUSD:      cfg.Trading.BasePositionSizeUSD,
		UnrealizedActivationMult: cfg.Risk.UnrealizedActivationMult,
		UnrealizedRetracePct:     cfg.Risk.UnrealizedRetracePct,
		DailyLossPct:             cfg.Risk.DailyLossPct,
		WeeklyReducePct:          cfg.Risk.WeeklyReducePct,
		WeeklyHaltPct:            cfg.Risk.WeeklyHaltPct,
		WeeklyReduceFactor:       cfg.Risk.WeeklyReduceFactor,
		RecoveryPct:              cfg.Risk.RecoveryPct,
		BreakevenThresholdPct:    cfg.Risk.BreakevenThresholdPct,
	}, t.gateway, t.engine, equityRepo, t.journal, t.notifier, logger)
	t.engine.SetRiskGate(t.risk)

	t.reconciler = bot.NewReconciler(t.gateway, t.engine, cfg.Trading.AdoptedHold, t.notifier, logger)
	t.recovery = bot.NewRecoveryManager(bot.RecoveryConfig{
		ReplayWindow: cfg.Schedule.JournalReplay,
		TradeExpiry:  cfg.Trading.TradeExpiry,
		AdoptedHold:  cfg.Trading.AdoptedHold,
		StaleAge:     cfg.Trading.TradeExpiry,
	}, t.journal, t.gateway, t.engine, t.notifier, logger)

	// ============================================================
	// Admin API
	// ============================================================

	blacklist := service.NewBlacklistService(blacklistRepo, t.refreshDetached, logger)
	stats := service.NewStatsService(t.journal, equityRepo)

	router := api.SetupRoutes(&api.Dependencies{
		Engine:         t.engine,
		Risk:           t.risk,
		Stream:         t.stream,
		Blacklist:      blacklist,
		Notifications:  t.notifier,
		Stats:          stats,
		WebSocket:      t.hub.ServeWS,
		AdminTokenHash: cfg.Server.AdminTokenHash,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})
	t.server = api.NewServer(cfg.Server, router, logger)

	return t, nil
}

// symbolRefreshTimeout - предел фонового обновления вселенной после правки черного списка
const symbolRefreshTimeout = 5 * time.Minute

// refreshDetached обновляет вселенную символов в фоне: загрузка истории
// не должна задерживать ответ admin API
func (t *trader) refreshDetached(ctx context.Context) error {
	go func() {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), symbolRefreshTimeout)
		defer cancel()
		if err := t.engine.RefreshSymbols(refreshCtx); err != nil {
			t.logger.Warn("symbol refresh after blacklist change failed", zap.Error(err))
		}
	}()
	return nil
}

// run выполняет стартовую последовательность и блокируется до отмены ctx
func (t *trader) run(ctx context.Context) error {
	if err := t.bybit.TimeSync().Sync(ctx); err != nil {
		return fmt.Errorf("exchange time sync: %w", err)
	}
	t.logger.Info("exchange clock synced", zap.Duration("offset", t.bybit.TimeSync().Offset()))

	if err := t.risk.Init(ctx); err != nil {
		return fmt.Errorf("risk init: %w", err)
	}

	summary, err := t.recovery.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	t.logger.Info("recovery finished",
		zap.Int("restored", summary.Restored),
		zap.Int("expired", summary.Expired),
		zap.Int("adopted", summary.Adopted),
		zap.Int("stale_closed", summary.StaleClosed))

	if err := t.engine.Start(ctx); err != nil {
		return err
	}

	scheduler := bot.NewTradingScheduler(t.cfg.Schedule, t.engine, t.risk, t.reconciler, t.notifier, t.logger)
	scheduler.Every("time_sync", t.cfg.Exchange.TimeSyncEvery, func(ctx context.Context) error {
		t.bybit.TimeSync().MaybeSync(ctx)
		return nil
	})
	scheduler.Every("dashboard", runDashboardEvery, func(ctx context.Context) error {
		if t.hub.ClientCount() == 0 {
			return nil
		}
		t.hub.BroadcastTrades(t.engine.Trades())
		t.hub.BroadcastRisk(t.risk.State())
		return nil
	})

	go t.hub.Run()
	defer t.hub.Stop()

	t.logger.Info("trader started",
		zap.Int("symbols", len(t.engine.Symbols())),
		zap.Int("trades", len(t.engine.Trades())),
		zap.String("api", t.server.Addr()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.engine.Run(gctx) })
	g.Go(func() error { return t.stream.Run(gctx, t.engine.Symbols()) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return t.notifier.Run(gctx) })
	g.Go(func() error { return t.server.Run(gctx) })

	err = g.Wait()

	// защитные ордера уже начатых входов дописываются до выхода
	t.gateway.WaitStops()
	t.logger.Info("trader stopped")

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
