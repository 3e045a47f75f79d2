package ledger

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dappboris-dev/polymarket-trading-bot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PNL LEDGER - Append-only record of realized results
// ═══════════════════════════════════════════════════════════════════════════════
//
// Running P&L, peak and max drawdown are maintained incrementally; everything
// else in Stats is derived on demand from the full trade sequence so there is
// only one source of truth.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Stats is the aggregate view derived from all recorded results.
type Stats struct {
	TotalTrades    int
	Wins           int
	Losses         int
	WinRate        float64
	TotalPnL       decimal.Decimal
	MaxDrawdown    decimal.Decimal
	AvgWin         decimal.Decimal
	AvgLoss        decimal.Decimal
	ProfitFactor   float64 // total wins / total losses
	BestTrade      decimal.Decimal
	WorstTrade     decimal.Decimal
	AvgHoldingTime time.Duration
}

// Ledger accumulates realized trade results.
type Ledger struct {
	mu      sync.RWMutex
	results []types.TradeResult

	totalPnL    decimal.Decimal
	peak        decimal.Decimal
	maxDrawdown decimal.Decimal
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		totalPnL:    decimal.Zero,
		peak:        decimal.Zero,
		maxDrawdown: decimal.Zero,
	}
}

// Record appends a result and advances running P&L, peak and drawdown.
// Drawdown only ever grows or stays flat.
func (l *Ledger) Record(result types.TradeResult) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.results = append(l.results, result)
	l.totalPnL = l.totalPnL.Add(result.PnL)

	if l.totalPnL.GreaterThan(l.peak) {
		l.peak = l.totalPnL
	}
	drawdown := l.peak.Sub(l.totalPnL)
	if drawdown.GreaterThan(l.maxDrawdown) {
		l.maxDrawdown = drawdown
	}

	log.Info().
		Str("trade_id", result.TradeID).
		Str("pnl", result.PnL.StringFixed(4)).
		Str("total_pnl", l.totalPnL.StringFixed(4)).
		Str("exit", result.ExitReason).
		Msg("📊 Result recorded")
}

// TotalPnL returns the running cumulative P&L.
func (l *Ledger) TotalPnL() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalPnL
}

// MaxDrawdown returns the largest observed peak-to-current gap.
func (l *Ledger) MaxDrawdown() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.maxDrawdown
}

// Results returns a copy of all recorded results in order.
func (l *Ledger) Results() []types.TradeResult {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]types.TradeResult, len(l.results))
	copy(out, l.results)
	return out
}

// Stats derives aggregate statistics from the full sequence.
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Stats{
		TotalTrades: len(l.results),
		TotalPnL:    l.totalPnL,
		MaxDrawdown: l.maxDrawdown,
	}
	if len(l.results) == 0 {
		return stats
	}

	winTotal := decimal.Zero
	lossTotal := decimal.Zero
	var holding time.Duration
	stats.BestTrade = l.results[0].PnL
	stats.WorstTrade = l.results[0].PnL

	for _, r := range l.results {
		if r.PnL.IsPositive() {
			stats.Wins++
			winTotal = winTotal.Add(r.PnL)
		} else {
			stats.Losses++
			lossTotal = lossTotal.Add(r.PnL.Abs())
		}
		if r.PnL.GreaterThan(stats.BestTrade) {
			stats.BestTrade = r.PnL
		}
		if r.PnL.LessThan(stats.WorstTrade) {
			stats.WorstTrade = r.PnL
		}
		holding += r.HoldingTime
	}

	stats.WinRate = float64(stats.Wins) / float64(stats.TotalTrades)
	if stats.Wins > 0 {
		stats.AvgWin = winTotal.Div(decimal.NewFromInt(int64(stats.Wins)))
	}
	if stats.Losses > 0 {
		stats.AvgLoss = lossTotal.Div(decimal.NewFromInt(int64(stats.Losses)))
	}
	if lossTotal.IsPositive() {
		stats.ProfitFactor = winTotal.Div(lossTotal).InexactFloat64()
	}
	stats.AvgHoldingTime = holding / time.Duration(stats.TotalTrades)

	return stats
}
