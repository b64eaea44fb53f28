package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/quantfold/autotrade/internal/api"
	"github.com/quantfold/autotrade/internal/api/handlers"
	"github.com/quantfold/autotrade/internal/broker"
	"github.com/quantfold/autotrade/internal/config"
	"github.com/quantfold/autotrade/internal/exchange"
	"github.com/quantfold/autotrade/internal/feedback"
	"github.com/quantfold/autotrade/internal/llm"
	zaplogrus "github.com/quantfold/autotrade/internal/logging/zaplogrus"
	"github.com/quantfold/autotrade/internal/market"
	"github.com/quantfold/autotrade/internal/metrics"
	"github.com/quantfold/autotrade/internal/middleware"
	"github.com/quantfold/autotrade/internal/pipeline"
	"github.com/quantfold/autotrade/internal/portfolio"
	"github.com/quantfold/autotrade/internal/repository"
	"github.com/quantfold/autotrade/internal/runtime"
	"github.com/quantfold/autotrade/internal/scheduler"
	"github.com/quantfold/autotrade/internal/tools"
	"github.com/quantfold/autotrade/internal/utils"
)

const defaultPortfolioID = "sim-default"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "autotrade failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := zaplogrus.New()
	logger.SetLevel(zaplogrus.ParseLevel(cfg.LogLevel))
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis backs the market-data cache and the tick stream. The service can
	// start without it; cached reads degrade until it comes back.
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("invalid redis URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	marketCache := market.NewCacheFromClient(redisClient, logger)
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := marketCache.Ping(pingCtx); err != nil {
		logger.WithError(err).Warn("Redis unreachable at startup, continuing degraded")
	}
	cancelPing()

	ticks := market.NewTickStream(redisClient, cfg.MarketData.TickMaxEntries, cfg.MarketData.TickRetention, logger)

	venue := exchange.NewOKXClient(exchange.OKXConfig{
		APIKey:     cfg.Exchange.APIKey,
		SecretKey:  cfg.Exchange.SecretKey,
		Passphrase: cfg.Exchange.Passphrase,
		BaseURL:    cfg.Exchange.BaseURL,
		DemoMode:   cfg.Exchange.DemoMode,
		Timeout:    cfg.Exchange.Timeout,
		Retry: exchange.RetryConfig{
			MaxRetries: cfg.Exchange.MaxRetries,
			Backoff:    cfg.Exchange.Backoff,
			BackoffMax: cfg.Exchange.BackoffMax,
		},
	}, logger)

	// Postgres is optional. Without it the service runs simulator-only:
	// no decision logs, no learned rules, no persisted runtime mode.
	var repo *repository.Repository
	if cfg.Database.DatabaseURL != "" {
		repo, err = repository.New(ctx, cfg.Database.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer repo.Close()
		if err := repo.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	} else {
		logger.Warn("No database configured, running without persistence")
	}

	chat, err := llm.NewClient(llm.ClientConfig{
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.Model,
		Timeout:    cfg.LLM.Timeout,
		MaxRetries: cfg.LLM.MaxRetries,
		Backoff:    cfg.LLM.Backoff,
		BackoffMax: cfg.LLM.BackoffMax,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to build LLM client: %w", err)
	}

	var tracker *feedback.Tracker
	if cfg.Feedback.Enabled && repo != nil {
		engine := feedback.NewEngine(chat, repo, feedback.EngineConfig{
			MaxRulesInPrompt:   cfg.Feedback.MaxRulesInPrompt,
			MaxHistoryTrades:   cfg.Feedback.MaxHistoryTrades,
			MinRuleLength:      cfg.Feedback.RuleMinLength,
			MaxRuleLength:      cfg.Feedback.RuleMaxLength,
			DuplicateThreshold: cfg.Feedback.SimilarityThreshold,
		}, logger)
		tracker = feedback.NewTracker(engine, repo, logger)
	}

	latency := metrics.NewLatencyWindow()

	brokerFactory := func(mode runtime.Mode) (broker.Broker, error) {
		switch mode {
		case runtime.ModeSimulator:
			pf, err := portfolio.Load(cfg.Simulation.StatePath, logger)
			if err != nil {
				return nil, err
			}
			if pf == nil {
				pf, err = portfolio.CreateInitialState(defaultPortfolioID, cfg.Simulation.StartingCash, cfg.Simulation.StatePath, logger)
				if err != nil {
					return nil, err
				}
			}
			var recorder broker.OutcomeRecorder
			if tracker != nil {
				recorder = tracker
			}
			return broker.NewSimulatedBroker(pf, broker.SimulatedBrokerConfig{
				MaxSlippageBps:       cfg.Simulation.MaxSlippageBps,
				PositionSizeLimitPct: cfg.Simulation.PositionSizeLimitPct,
				StatePath:            cfg.Simulation.StatePath,
			}, recorder, logger), nil

		case runtime.ModePaper, runtime.ModeLive:
			client := exchange.NewOKXClient(exchange.OKXConfig{
				APIKey:     cfg.Exchange.APIKey,
				SecretKey:  cfg.Exchange.SecretKey,
				Passphrase: cfg.Exchange.Passphrase,
				BaseURL:    cfg.Exchange.BaseURL,
				DemoMode:   mode == runtime.ModePaper,
				Timeout:    cfg.Exchange.Timeout,
				Retry: exchange.RetryConfig{
					MaxRetries: cfg.Exchange.MaxRetries,
					Backoff:    cfg.Exchange.Backoff,
					BackoffMax: cfg.Exchange.BackoffMax,
				},
			}, logger)
			var recorder broker.OutcomeRecorder
			if tracker != nil {
				recorder = tracker
			}
			return broker.NewExchangeBroker(client, broker.ExchangeBrokerConfig{
				SymbolMapping:    cfg.Exchange.SymbolMapping,
				ReferenceBalance: cfg.Simulation.StartingCash,
				PortfolioID:      defaultPortfolioID,
			}, recorder, latency, logger), nil

		default:
			return nil, fmt.Errorf("unknown runtime mode %q", mode)
		}
	}

	initialMode, err := runtime.ParseMode(cfg.Decision.Broker)
	if err != nil {
		return fmt.Errorf("invalid trading broker %q: %w", cfg.Decision.Broker, err)
	}
	var settings runtime.SettingsStore
	if repo != nil {
		settings = repo
	}
	controller := runtime.NewController(initialMode, settings, brokerFactory, logger)
	defer controller.Close()
	if err := controller.Restore(ctx); err != nil {
		logger.WithError(err).Warn("Failed to restore persisted runtime mode")
	}

	registry := tools.NewRegistry(marketCache, venue, tools.NewCache(time.Minute), tools.RegistryConfig{
		SymbolMapping:         cfg.Exchange.SymbolMapping,
		ShortTimeframe:        cfg.MarketData.ShortTimeframe,
		ShortCandleLimit:      cfg.MarketData.ShortCandleLimit,
		LongTimeframe:         cfg.MarketData.LongTimeframe,
		LongCandleLimit:       cfg.MarketData.LongCandleLimit,
		ShortTimeframeSeconds: cfg.Indicator.TimeframeSeconds,
		VolumeRatioPeriod:     cfg.Indicator.VolumeRatioPeriod,
		HighTimeframeSeconds:  cfg.Indicator.HighTimeframeSeconds,
		HighVolumeRatioPeriod: cfg.Indicator.HighVolumeRatioPeriod,
		HighMACDSeriesPoints:  cfg.Indicator.HighMACDSeriesPoints,
	}, logger)

	agent := llm.NewAgent(chat, registry, cfg.LLM.SystemPrompt, cfg.LLM.MaxToolLoops, logger)

	var feedbackSource pipeline.FeedbackSource
	if repo != nil {
		feedbackSource = repo
	}
	pipe := pipeline.New(agent, registry, marketCache, feedbackSource, pipeline.Config{
		Symbols:               cfg.TradingSymbols(),
		SymbolMapping:         cfg.Exchange.SymbolMapping,
		ShortTimeframe:        cfg.MarketData.ShortTimeframe,
		LongTimeframe:         cfg.MarketData.LongTimeframe,
		ShortTimeframeSeconds: cfg.Indicator.TimeframeSeconds,
		VolumeRatioPeriod:     cfg.Indicator.VolumeRatioPeriod,
		HighTimeframeSeconds:  cfg.Indicator.HighTimeframeSeconds,
		HighVolumeRatioPeriod: cfg.Indicator.HighVolumeRatioPeriod,
		HighMACDSeriesPoints:  cfg.Indicator.HighMACDSeriesPoints,
		MaxRulesInPrompt:      cfg.Feedback.MaxRulesInPrompt,
		MaxHistoryTrades:      cfg.Feedback.MaxHistoryTrades,
		TraceLogPath:          cfg.Decision.TraceLogPath,
	}, logger)

	hub := handlers.NewHub(logger)
	defer hub.Stop()

	marketSched := scheduler.NewMarketDataScheduler(venue, marketCache, ticks, hub, scheduler.MarketDataConfig{
		Symbols:          cfg.MarketData.Symbols,
		RefreshInterval:  cfg.MarketData.RefreshInterval,
		ShortTimeframe:   cfg.MarketData.ShortTimeframe,
		ShortCandleLimit: cfg.MarketData.ShortCandleLimit,
		LongTimeframe:    cfg.MarketData.LongTimeframe,
		LongCandleLimit:  cfg.MarketData.LongCandleLimit,
		TickerTTL:        cfg.MarketData.TickerTTL,
		OrderbookTTL:     cfg.MarketData.OrderbookTTL,
		FundingTTL:       cfg.MarketData.FundingTTL,
		ShortOHLCVTTL:    cfg.MarketData.ShortTTL,
		LongOHLCVTTL:     cfg.MarketData.LongTTL,
		IndicatorsTTL:    cfg.MarketData.IndicatorTTL,
	}, logger)

	var decisionStore scheduler.DecisionStore
	if repo != nil {
		decisionStore = repo
	}
	decisionSched := scheduler.NewDecisionScheduler(pipe, controller, decisionStore, hub, scheduler.DecisionSchedulerConfig{
		Interval:      time.Duration(cfg.Decision.IntervalMinutes * float64(time.Minute)),
		PortfolioID:   defaultPortfolioID,
		SymbolMapping: cfg.Exchange.SymbolMapping,
		SystemPrompt:  cfg.LLM.SystemPrompt,
	}, logger)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(api.CORS(cfg.Server.AllowedOrigins))

	api.SetupRoutes(router, api.Dependencies{
		Logger:           logger,
		Runtime:          controller,
		Decision:         decisionSched,
		MarketData:       marketSched,
		Repo:             repo,
		Cache:            marketCache,
		Venue:            venue,
		Latency:          latency,
		Hub:              hub,
		TriggerLimit:     middleware.NewRateLimiter(middleware.RateLimitConfig{}, redisClient, logger),
		CronTriggerToken: cfg.Server.CronTriggerToken,
		SymbolMapping:    cfg.Exchange.SymbolMapping,
		ShortTimeframe:   cfg.MarketData.ShortTimeframe,
		ShortCandleLimit: cfg.MarketData.ShortCandleLimit,
		TimeframeSeconds: cfg.Indicator.TimeframeSeconds,
		VolumeRatioPct:   cfg.Indicator.VolumeRatioPeriod,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.WithFields(zaplogrus.Fields{
		"port":    cfg.Server.Port,
		"mode":    string(controller.Mode()),
		"env":     cfg.Environment,
		"okx_key": utils.MaskKey(cfg.Exchange.APIKey),
	}).Info("Starting autotrade service")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return marketSched.Run(gctx) })
	g.Go(func() error { return decisionSched.Run(gctx) })
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}
