package main

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	bookpkg "github.com/dappboris-dev/polymarket-trading-bot/book"
	"github.com/dappboris-dev/polymarket-trading-bot/bot"
	"github.com/dappboris-dev/polymarket-trading-bot/detector"
	"github.com/dappboris-dev/polymarket-trading-bot/engine"
	"github.com/dappboris-dev/polymarket-trading-bot/exec"
	"github.com/dappboris-dev/polymarket-trading-bot/feeds"
	"github.com/dappboris-dev/polymarket-trading-bot/internal/config"
	"github.com/dappboris-dev/polymarket-trading-bot/ledger"
	"github.com/dappboris-dev/polymarket-trading-bot/limiter"
	"github.com/dappboris-dev/polymarket-trading-bot/oracle"
	"github.com/dappboris-dev/polymarket-trading-bot/storage"
	"github.com/dappboris-dev/polymarket-trading-bot/types"
)

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msgf("          POLYMARKET TRADING BOT — %s UP/DOWN", cfg.TradingAsset)
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	// 1. Storage
	db, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Warn().Err(err).Msg("Database unavailable, continuing without persistence")
		db = nil
	}

	// 2. Rate-limited API caller, shared by every venue consumer
	caller := limiter.New(limiter.Options{
		MinInterval: cfg.APIMinInterval,
		MaxRetries:  cfg.APIMaxRetries,
		BaseDelay:   cfg.APIBackoffBase,
		MaxDelay:    cfg.APIBackoffLimit,
	})

	// 3. Venue client
	client, err := exec.NewClient(exec.Config{
		BaseURL:    cfg.CLOBBaseURL,
		PrivateKey: cfg.WalletPrivateKey,
		APIKey:     cfg.CLOBApiKey,
		APISecret:  cfg.CLOBApiSecret,
		Passphrase: cfg.CLOBPassphrase,
		DryRun:     cfg.DryRun,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize venue client")
	}
	log.Info().Bool("dry_run", cfg.DryRun).Msg("✅ Venue client initialized")

	// 4. Price oracle over independent spot sources
	oracleOpts := oracle.DefaultOptions()
	oracleOpts.FetchInterval = cfg.OracleFetchInterval
	oracleOpts.HistorySize = cfg.OracleHistorySize
	oracleOpts.MomentumWindow = cfg.OracleMomentumWindow
	oracleOpts.VolatilityWindow = cfg.OracleVolatilityWindow

	symbol := cfg.TradingAsset + "USDT"
	priceOracle := oracle.New([]oracle.PriceSource{
		feeds.NewBinanceSource(symbol),
		feeds.NewCryptoCompareSource(cfg.TradingAsset),
		feeds.NewCoinbaseSource(cfg.TradingAsset),
	}, oracleOpts)
	log.Info().Msg("✅ Price oracle initialized")

	// 5. Orderbook tracker fed by the market stream
	bookOpts := bookpkg.DefaultOptions()
	bookOpts.MaxAge = cfg.BookMaxAge
	bookOpts.MinLiquidityMultiplier = cfg.BookLiquidityMultiplier
	bookOpts.WideSpreadPercent = cfg.BookWideSpreadPercent
	books := bookpkg.NewTracker(bookOpts)

	marketFeed := feeds.NewMarketFeed(feeds.Handlers{
		OnDepth: func(instrumentID string, bids, asks []types.OrderLevel) {
			books.Update(instrumentID, bids, asks)
		},
		OnTopOfBook: func(instrumentID string, price decimal.Decimal) {
			books.Touch(instrumentID, price)
		},
		OnOracle: func(probUp, probDown float64) {
			log.Debug().
				Float64("prob_up", probUp).
				Float64("prob_down", probDown).
				Msg("Venue oracle update")
		},
	})
	log.Info().Msg("✅ Orderbook tracker initialized")

	// 6. P&L ledger
	pnl := ledger.New()

	// 7. Opportunity detector
	detOpts := detector.DefaultOptions()
	detOpts.Cooldown = cfg.TradeCooldown
	detOpts.MinBalance = cfg.MinBalance
	detOpts.MinEdge = cfg.MinEdge
	detOpts.MaxSpreadPercent = cfg.MaxSpreadPercent
	detOpts.MaxSlippage = cfg.MaxSlippage
	detOpts.BaseSize = cfg.BaseSize
	detOpts.DynamicSizing = cfg.DynamicSizing
	det := detector.New(priceOracle, books, client, caller, detOpts)

	// 8. Execution engine
	engineOpts := engine.DefaultOptions()
	engineOpts.EntryBuffer = cfg.EntryBuffer
	engineOpts.TakeProfitOffset = cfg.TakeProfitOffset
	engineOpts.StopLossOffset = cfg.StopLossOffset
	engineOpts.EntryTimeout = cfg.EntryTimeout
	engineOpts.MonitorInterval = cfg.MonitorInterval
	engineOpts.SweepInterval = cfg.SweepInterval
	engineOpts.MaxTradeAge = cfg.MaxTradeAge

	eng := engine.New(client, caller, pnl, engineOpts)
	eng.SetTradeMarker(det)
	if db != nil {
		eng.SetStore(db)
	}

	// 9. Telegram bot with pause/resume control
	var paused atomic.Bool
	tg, err := bot.New(cfg.TelegramToken, cfg.TelegramChatID, pnl, client, cfg.DryRun)
	if err != nil {
		log.Warn().Err(err).Msg("Telegram unavailable, notifications disabled")
	} else {
		tg.SetControlCallbacks(
			func() { paused.Store(true) },
			func() { paused.Store(false) },
		)
		tg.SetTradeCloser(eng)
		eng.SetNotifier(tg)
	}

	// 10. Window scanner keeps the detector pointed at the live pair
	scanner := feeds.NewWindowScanner(cfg.TradingAsset)
	windowCh := scanner.Subscribe()

	// ═══════════════════════════════════════════════════════════════════════════════
	// START
	// ═══════════════════════════════════════════════════════════════════════════════

	priceOracle.Start(ctx)
	marketFeed.Start()
	scanner.Start()
	eng.Start(ctx)
	if tg != nil {
		tg.Start()
		tg.NotifyStartup()
	}

	go func() {
		for w := range windowCh {
			det.SetInstruments(w.UpTokenID, w.DownTokenID)
			marketFeed.SetAssets([]string{w.UpTokenID, w.DownTokenID})
			log.Info().
				Str("window", w.ID).
				Str("question", w.Question).
				Msg("🎯 Trading window switched")
		}
	}()

	go evaluationLoop(ctx, det, eng, &paused)

	log.Info().Msg("🚀 Bot running, Ctrl+C to stop")

	// ═══════════════════════════════════════════════════════════════════════════════
	// SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down...")
	cancel()

	if tg != nil {
		tg.Stop()
	}
	scanner.Stop()
	marketFeed.Stop()
	eng.Stop()
	priceOracle.Stop()
	if db != nil {
		db.Close()
	}

	stats := pnl.Stats()
	log.Info().
		Int("trades", stats.TotalTrades).
		Str("total_pnl", stats.TotalPnL.StringFixed(2)).
		Str("max_drawdown", stats.MaxDrawdown.StringFixed(2)).
		Msg("📊 Final session stats")
}

// evaluationLoop ticks the detector and hands opportunities to the engine.
func evaluationLoop(ctx context.Context, det *detector.Detector, eng *engine.Engine, paused *atomic.Bool) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if paused.Load() {
				continue
			}

			opp := det.Evaluate(ctx)
			if opp == nil {
				continue
			}

			log.Info().
				Str("instrument", opp.InstrumentID).
				Str("side", opp.Side).
				Str("edge", opp.Edge.StringFixed(4)).
				Float64("confidence", opp.Confidence).
				Str("size", opp.RecommendedSize.StringFixed(2)).
				Msg("⚡ Opportunity detected")

			if _, err := eng.ExecuteTrade(ctx, opp); err != nil {
				log.Error().Err(err).Msg("Trade execution failed")
			}
		}
	}
}
