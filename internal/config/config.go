package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the bot, loaded from the environment.
type Config struct {
	// Mode
	TradingAsset string
	DryRun       bool
	Debug        bool

	// Venue API
	CLOBBaseURL    string
	CLOBApiKey     string
	CLOBApiSecret  string
	CLOBPassphrase string

	// Wallet
	WalletPrivateKey string

	// Oracle
	OracleFetchInterval    time.Duration
	OracleHistorySize      int
	OracleMomentumWindow   time.Duration
	OracleVolatilityWindow time.Duration

	// Orderbook
	BookMaxAge              time.Duration
	BookLiquidityMultiplier decimal.Decimal
	BookWideSpreadPercent   decimal.Decimal

	// Detection
	MinEdge          decimal.Decimal
	MaxSpreadPercent decimal.Decimal
	MaxSlippage      decimal.Decimal
	BaseSize         decimal.Decimal
	MinBalance       decimal.Decimal
	TradeCooldown    time.Duration
	DynamicSizing    bool

	// Execution
	EntryBuffer      decimal.Decimal
	TakeProfitOffset decimal.Decimal
	StopLossOffset   decimal.Decimal
	EntryTimeout     time.Duration
	MonitorInterval  time.Duration
	SweepInterval    time.Duration
	MaxTradeAge      time.Duration

	// Rate limiting
	APIMinInterval  time.Duration
	APIMaxRetries   int
	APIBackoffBase  time.Duration
	APIBackoffLimit time.Duration

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Database
	DatabasePath string
}

// Load reads configuration from environment variables with sane defaults.
func Load() (*Config, error) {
	cfg := &Config{
		TradingAsset: getEnv("TRADING_ASSET", "BTC"),
		DryRun:       getEnvBool("DRY_RUN", true),
		Debug:        getEnvBool("DEBUG", false),

		CLOBBaseURL:    getEnv("POLYMARKET_CLOB_URL", "https://clob.polymarket.com"),
		CLOBApiKey:     os.Getenv("CLOB_API_KEY"),
		CLOBApiSecret:  os.Getenv("CLOB_API_SECRET"),
		CLOBPassphrase: os.Getenv("CLOB_PASSPHRASE"),

		WalletPrivateKey: os.Getenv("WALLET_PRIVATE_KEY"),

		OracleFetchInterval:    getEnvDuration("ORACLE_FETCH_INTERVAL", 2*time.Second),
		OracleHistorySize:      getEnvInt("ORACLE_HISTORY_SIZE", 300),
		OracleMomentumWindow:   getEnvDuration("ORACLE_MOMENTUM_WINDOW", 60*time.Second),
		OracleVolatilityWindow: getEnvDuration("ORACLE_VOLATILITY_WINDOW", 120*time.Second),

		BookMaxAge:              getEnvDuration("BOOK_MAX_AGE", 10*time.Second),
		BookLiquidityMultiplier: getEnvDecimal("BOOK_LIQUIDITY_MULTIPLIER", decimal.NewFromInt(2)),
		BookWideSpreadPercent:   getEnvDecimal("BOOK_WIDE_SPREAD_PCT", decimal.NewFromInt(5)),

		MinEdge:          getEnvDecimal("MIN_EDGE", decimal.NewFromFloat(0.015)),
		MaxSpreadPercent: getEnvDecimal("MAX_SPREAD_PCT", decimal.NewFromInt(5)),
		MaxSlippage:      getEnvDecimal("MAX_SLIPPAGE", decimal.NewFromFloat(0.02)),
		BaseSize:         getEnvDecimal("BASE_SIZE", decimal.NewFromInt(50)),
		MinBalance:       getEnvDecimal("MIN_BALANCE", decimal.NewFromInt(10)),
		TradeCooldown:    getEnvDuration("TRADE_COOLDOWN", 30*time.Second),
		DynamicSizing:    getEnvBool("DYNAMIC_SIZING", true),

		EntryBuffer:      getEnvDecimal("ENTRY_BUFFER", decimal.NewFromFloat(0.01)),
		TakeProfitOffset: getEnvDecimal("TAKE_PROFIT_OFFSET", decimal.NewFromFloat(0.01)),
		StopLossOffset:   getEnvDecimal("STOP_LOSS_OFFSET", decimal.NewFromFloat(0.005)),
		EntryTimeout:     getEnvDuration("ENTRY_TIMEOUT", 15*time.Second),
		MonitorInterval:  getEnvDuration("MONITOR_INTERVAL", 2*time.Second),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", time.Minute),
		MaxTradeAge:      getEnvDuration("MAX_TRADE_AGE", time.Hour),

		APIMinInterval:  getEnvDuration("API_MIN_INTERVAL", 200*time.Millisecond),
		APIMaxRetries:   getEnvInt("API_MAX_RETRIES", 4),
		APIBackoffBase:  getEnvDuration("API_BACKOFF_BASE", time.Second),
		APIBackoffLimit: getEnvDuration("API_BACKOFF_LIMIT", 16*time.Second),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DatabasePath: getEnv("DATABASE_PATH", "data/polybot.db"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if !cfg.DryRun && cfg.WalletPrivateKey == "" {
		return nil, fmt.Errorf("WALLET_PRIVATE_KEY is required for live trading")
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
