package storage

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dappboris-dev/polymarket-trading-bot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Trade and result persistence
// ═══════════════════════════════════════════════════════════════════════════════
//
// SQLite by default, PostgreSQL when the connection string says so.
// Trades are upserted as their status evolves; results are append-only.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Database struct {
	db *gorm.DB
}

// TradeRecord mirrors types.Trade for persistence.
type TradeRecord struct {
	ID           string `gorm:"primaryKey"`
	InstrumentID string `gorm:"index"`
	Side         string
	EntryOrderID string
	TakeProfitID string
	StopLossID   string
	EntryPrice   decimal.Decimal `gorm:"type:decimal(10,6)"`
	TargetPrice  decimal.Decimal `gorm:"type:decimal(10,6)"`
	StopPrice    decimal.Decimal `gorm:"type:decimal(10,6)"`
	Shares       decimal.Decimal `gorm:"type:decimal(20,6)"`
	Notional     decimal.Decimal `gorm:"type:decimal(20,6)"`
	Status       string          `gorm:"index"`
	ExitReason   string
	OpenedAt     time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ResultRecord mirrors types.TradeResult for persistence.
type ResultRecord struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	TradeID      string `gorm:"index"`
	InstrumentID string `gorm:"index"`
	EntryPrice   decimal.Decimal `gorm:"type:decimal(10,6)"`
	ExitPrice    decimal.Decimal `gorm:"type:decimal(10,6)"`
	Shares       decimal.Decimal `gorm:"type:decimal(20,6)"`
	PnL          decimal.Decimal `gorm:"column:pnl;type:decimal(20,6)"`
	PnLPercent   decimal.Decimal `gorm:"column:pnl_percent;type:decimal(10,4)"`
	ExitReason   string
	EnteredAt    time.Time
	ExitedAt     time.Time
	HoldingSecs  float64
	CreatedAt    time.Time
}

// New opens the database at dbPath. A postgres:// prefix selects PostgreSQL,
// anything else is treated as a SQLite file path.
func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&TradeRecord{}, &ResultRecord{}); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// SaveTrade upserts the trade. Called on placement and on every status change.
func (d *Database) SaveTrade(trade *types.Trade) error {
	rec := TradeRecord{
		ID:           trade.ID,
		InstrumentID: trade.InstrumentID,
		Side:         trade.Side,
		EntryOrderID: trade.EntryOrderID,
		TakeProfitID: trade.TakeProfitID,
		StopLossID:   trade.StopLossID,
		EntryPrice:   trade.EntryPrice,
		TargetPrice:  trade.TargetPrice,
		StopPrice:    trade.StopPrice,
		Shares:       trade.Shares,
		Notional:     trade.Notional,
		Status:       trade.Status,
		ExitReason:   trade.ExitReason,
		OpenedAt:     trade.CreatedAt,
	}
	return d.db.Save(&rec).Error
}

// SaveResult appends a realized result.
func (d *Database) SaveResult(result types.TradeResult) error {
	rec := ResultRecord{
		TradeID:      result.TradeID,
		InstrumentID: result.InstrumentID,
		EntryPrice:   result.EntryPrice,
		ExitPrice:    result.ExitPrice,
		Shares:       result.Shares,
		PnL:          result.PnL,
		PnLPercent:   result.PnLPercent,
		ExitReason:   result.ExitReason,
		EnteredAt:    result.EnteredAt,
		ExitedAt:     result.ExitedAt,
		HoldingSecs:  result.HoldingTime.Seconds(),
	}
	return d.db.Create(&rec).Error
}

// RecentTrades returns the most recently opened trades.
func (d *Database) RecentTrades(limit int) ([]TradeRecord, error) {
	var trades []TradeRecord
	err := d.db.Order("opened_at DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

// OpenTrades returns trades whose exits have not resolved yet.
func (d *Database) OpenTrades() ([]TradeRecord, error) {
	var trades []TradeRecord
	err := d.db.Where("status IN ?", []string{types.StatusPending, types.StatusFilled}).
		Order("opened_at DESC").Find(&trades).Error
	return trades, err
}

// RecentResults returns the most recently realized results.
func (d *Database) RecentResults(limit int) ([]ResultRecord, error) {
	var results []ResultRecord
	err := d.db.Order("exited_at DESC").Limit(limit).Find(&results).Error
	return results, err
}

// TotalPnL sums realized P&L across all results.
func (d *Database) TotalPnL() (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal
	}
	err := d.db.Model(&ResultRecord{}).Select("COALESCE(SUM(pnl), 0) as total").Scan(&result).Error
	return result.Total, err
}

// Close releases the underlying connection pool.
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
