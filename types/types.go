package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Trade status lifecycle: pending → filled → closed, or cancelled when the
// entry never confirms.
const (
	StatusPending = "pending"
	StatusFilled  = "filled"
	// StatusPartial is reserved: the venue's open-order set only says whether
	// an order is open or gone, so partial fills cannot be observed yet.
	StatusPartial   = "partial"
	StatusClosed    = "closed"
	StatusCancelled = "cancelled"
)

// Exit reasons recorded when a trade closes.
const (
	ExitTakeProfit = "take_profit"
	ExitStopLoss   = "stop_loss"
	ExitManual     = "manual"
	ExitTimeout    = "timeout"
)

// Order sides accepted by the venue client.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// OrderLevel is one price level on one side of a book, best-to-worst ordered.
type OrderLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// TradeOpportunity is produced by the detector and consumed by the engine
// within a single evaluation tick. It is never stored.
type TradeOpportunity struct {
	InstrumentID    string
	Side            string // "UP" or "DOWN"
	OracleProb      decimal.Decimal
	MarketPrice     decimal.Decimal
	Edge            decimal.Decimal // OracleProb - MarketPrice
	Confidence      float64
	SpreadPercent   decimal.Decimal
	LiquidityScore  float64
	RecommendedSize decimal.Decimal // notional in USDC
}

// Trade is an open or recently closed position with its OCO exit pair.
type Trade struct {
	ID           string
	InstrumentID string
	Side         string
	EntryOrderID string
	TakeProfitID string
	StopLossID   string
	EntryPrice   decimal.Decimal
	TargetPrice  decimal.Decimal
	StopPrice    decimal.Decimal
	Shares       decimal.Decimal
	Notional     decimal.Decimal
	CreatedAt    time.Time
	Status       string
	ExitReason   string
}

// TradeResult is the realized outcome of a closed trade. Append-only.
type TradeResult struct {
	TradeID      string
	InstrumentID string
	EntryPrice   decimal.Decimal
	ExitPrice    decimal.Decimal
	Shares       decimal.Decimal
	PnL          decimal.Decimal
	PnLPercent   decimal.Decimal
	ExitReason   string
	EnteredAt    time.Time
	ExitedAt     time.Time
	HoldingTime  time.Duration
}

// Balance is the funding snapshot returned by the balance collaborator.
type Balance struct {
	USDC  decimal.Decimal // trade currency
	Matic decimal.Decimal // gas currency
}
