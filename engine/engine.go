package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dappboris-dev/polymarket-trading-bot/limiter"
	"github.com/dappboris-dev/polymarket-trading-bot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION ENGINE - Entry + OCO exit pair
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow per trade:
//   submit entry → wait for fill → place take-profit + stop-loss →
//   monitor open-order set → cancel the losing leg → record the result
//
// An order leaving the open set is the only fill signal the venue gives us.
// There are no transactional guarantees across the three orders; a failed
// exit placement is logged and the position is left for the cleanup sweep.
//
// ═══════════════════════════════════════════════════════════════════════════════

// VenueClient is the trading venue surface the engine calls, always through
// the rate limited caller.
type VenueClient interface {
	SubmitOrder(ctx context.Context, tokenID, side string, price, size decimal.Decimal) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	ListOpenOrders(ctx context.Context) (map[string]bool, error)
}

// Recorder receives realized results (the P&L ledger).
type Recorder interface {
	Record(types.TradeResult)
}

// Store persists trades and results. Optional.
type Store interface {
	SaveTrade(trade *types.Trade) error
	SaveResult(result types.TradeResult) error
}

// Notifier pushes trade events to an operator channel. Optional.
type Notifier interface {
	NotifyTrade(action, instrument, side string, price, size decimal.Decimal)
}

// TradeMarker is told when an entry confirms, for the detector's cooldown.
type TradeMarker interface {
	MarkTraded(at time.Time)
}

// Options tunes order placement and monitoring.
type Options struct {
	EntryBuffer       decimal.Decimal // unfavorable buffer on entry, e.g. 0.01 = 1%
	TakeProfitOffset  decimal.Decimal // added to the market price
	StopLossOffset    decimal.Decimal // subtracted from the market price
	PriceFloor        decimal.Decimal // valid price domain lower bound
	PriceCeil         decimal.Decimal // valid price domain upper bound
	EntryTimeout      time.Duration
	EntryPollInterval time.Duration
	SettleDelay       time.Duration // pause between entry fill and exit placement
	MonitorInterval   time.Duration
	SweepInterval     time.Duration
	MaxTradeAge       time.Duration
}

// DefaultOptions returns the production execution parameters.
func DefaultOptions() Options {
	return Options{
		EntryBuffer:       decimal.RequireFromString("0.01"),
		TakeProfitOffset:  decimal.RequireFromString("0.01"),
		StopLossOffset:    decimal.RequireFromString("0.005"),
		PriceFloor:        decimal.RequireFromString("0.01"),
		PriceCeil:         decimal.RequireFromString("0.99"),
		EntryTimeout:      15 * time.Second,
		EntryPollInterval: 500 * time.Millisecond,
		SettleDelay:       500 * time.Millisecond,
		MonitorInterval:   2 * time.Second,
		SweepInterval:     time.Minute,
		MaxTradeAge:       time.Hour,
	}
}

// Engine places entries, manages the OCO exit pair and records outcomes.
type Engine struct {
	mu sync.RWMutex

	venue    VenueClient
	caller   *limiter.Caller
	ledger   Recorder
	store    Store
	notifier Notifier
	marker   TradeMarker
	opts     Options

	trades  map[string]*types.Trade
	running bool
	stopCh  chan struct{}

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an engine. store, notifier and marker may be nil.
func New(venue VenueClient, caller *limiter.Caller, ledger Recorder, opts Options) *Engine {
	return &Engine{
		venue:  venue,
		caller: caller,
		ledger: ledger,
		opts:   opts,
		trades: make(map[string]*types.Trade),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// SetStore attaches the persistence layer.
func (e *Engine) SetStore(s Store) { e.store = s }

// SetNotifier attaches the operator notification channel.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// SetTradeMarker attaches the detector's cooldown hook.
func (e *Engine) SetTradeMarker(m TradeMarker) { e.marker = m }

// Start launches the OCO monitor and the cleanup sweep.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	stopCh := e.stopCh
	e.mu.Unlock()

	go e.monitorLoop(ctx, stopCh)
	go e.sweepLoop(ctx, stopCh)
	log.Info().Msg("⚡ Execution engine started")
}

// Stop halts the loops. In-flight operations complete; nothing new starts.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}
	e.running = false
	close(e.stopCh)
	log.Info().Msg("Execution engine stopped")
}

func (e *Engine) monitorLoop(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(e.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollExits(ctx)
		}
	}
}

func (e *Engine) sweepLoop(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

// ExecuteTrade runs the full entry sequence for an opportunity.
func (e *Engine) ExecuteTrade(ctx context.Context, opp *types.TradeOpportunity) (*types.Trade, error) {
	entryPrice := e.clampPrice(opp.MarketPrice.Mul(decimal.NewFromInt(1).Add(e.opts.EntryBuffer)))
	if !entryPrice.IsPositive() {
		return nil, fmt.Errorf("invalid entry price for %s", opp.InstrumentID)
	}
	shares := opp.RecommendedSize.Div(entryPrice).Truncate(2)
	if !shares.IsPositive() {
		return nil, fmt.Errorf("size %s too small at price %s", opp.RecommendedSize.StringFixed(2), entryPrice.StringFixed(4))
	}

	trade := &types.Trade{
		ID:           uuid.NewString(),
		InstrumentID: opp.InstrumentID,
		Side:         opp.Side,
		EntryPrice:   entryPrice,
		TargetPrice:  e.clampPrice(opp.MarketPrice.Add(e.opts.TakeProfitOffset)),
		StopPrice:    e.clampPrice(opp.MarketPrice.Sub(e.opts.StopLossOffset)),
		Shares:       shares,
		Notional:     opp.RecommendedSize,
		CreatedAt:    e.now(),
		Status:       types.StatusPending,
	}

	entryID, err := limiter.Do(ctx, e.caller, "orders", func() (string, error) {
		return e.venue.SubmitOrder(ctx, opp.InstrumentID, types.SideBuy, entryPrice, shares)
	})
	if err != nil {
		return nil, fmt.Errorf("entry order: %w", err)
	}
	trade.EntryOrderID = entryID

	e.mu.Lock()
	e.trades[trade.ID] = trade
	e.mu.Unlock()

	log.Info().
		Str("trade_id", trade.ID).
		Str("token", opp.InstrumentID).
		Str("side", opp.Side).
		Str("entry", entryPrice.StringFixed(4)).
		Str("shares", shares.StringFixed(2)).
		Msg("📥 Entry submitted")

	if err := e.awaitEntryFill(ctx, trade); err != nil {
		return trade, err
	}

	if e.marker != nil {
		e.marker.MarkTraded(e.now())
	}
	if e.notifier != nil {
		e.notifier.NotifyTrade("OPEN", trade.InstrumentID, trade.Side, entryPrice, shares)
	}

	// Let the venue settle the fill before attaching exits.
	if err := e.sleep(ctx, e.opts.SettleDelay); err != nil {
		return trade, err
	}

	e.placeExitOrders(ctx, trade)
	e.persist(trade)

	return trade, nil
}

// awaitEntryFill polls the open-order set until the entry leaves it or the
// timeout passes, in which case the entry is cancelled.
func (e *Engine) awaitEntryFill(ctx context.Context, trade *types.Trade) error {
	deadline := e.now().Add(e.opts.EntryTimeout)

	for {
		open, err := limiter.Do(ctx, e.caller, "orders", func() (map[string]bool, error) {
			return e.venue.ListOpenOrders(ctx)
		})
		if err == nil && !open[trade.EntryOrderID] {
			e.mu.Lock()
			trade.Status = types.StatusFilled
			e.mu.Unlock()
			log.Info().Str("trade_id", trade.ID).Msg("✅ Entry filled")
			return nil
		}
		if err != nil {
			log.Warn().Err(err).Str("trade_id", trade.ID).Msg("Open-order poll failed")
		}

		if e.now().After(deadline) {
			break
		}
		if err := e.sleep(ctx, e.opts.EntryPollInterval); err != nil {
			return err
		}
	}

	if cancelErr := e.caller.Call(ctx, "orders", func() error {
		return e.venue.CancelOrder(ctx, trade.EntryOrderID)
	}); cancelErr != nil {
		log.Error().Err(cancelErr).Str("trade_id", trade.ID).Msg("Entry cancel failed")
	}

	e.mu.Lock()
	trade.Status = types.StatusCancelled
	e.mu.Unlock()

	return fmt.Errorf("entry for %s not filled within %s", trade.InstrumentID, e.opts.EntryTimeout)
}

// placeExitOrders attaches the take-profit and stop-loss sells. Failures are
// logged with full context; the position stays for the sweep and the
// operator, never silently dropped.
func (e *Engine) placeExitOrders(ctx context.Context, trade *types.Trade) {
	tpID, err := limiter.Do(ctx, e.caller, "orders", func() (string, error) {
		return e.venue.SubmitOrder(ctx, trade.InstrumentID, types.SideSell, trade.TargetPrice, trade.Shares)
	})
	if err != nil {
		log.Error().Err(err).
			Str("trade_id", trade.ID).
			Str("token", trade.InstrumentID).
			Str("price", trade.TargetPrice.StringFixed(4)).
			Msg("🚨 Take-profit placement failed, position unprotected")
	}

	slID, err := limiter.Do(ctx, e.caller, "orders", func() (string, error) {
		return e.venue.SubmitOrder(ctx, trade.InstrumentID, types.SideSell, trade.StopPrice, trade.Shares)
	})
	if err != nil {
		log.Error().Err(err).
			Str("trade_id", trade.ID).
			Str("token", trade.InstrumentID).
			Str("price", trade.StopPrice.StringFixed(4)).
			Msg("🚨 Stop-loss placement failed, position unprotected")
	}

	e.mu.Lock()
	trade.TakeProfitID = tpID
	trade.StopLossID = slID
	e.mu.Unlock()

	if tpID != "" && slID != "" {
		log.Info().
			Str("trade_id", trade.ID).
			Str("tp", trade.TargetPrice.StringFixed(4)).
			Str("sl", trade.StopPrice.StringFixed(4)).
			Msg("🎯 OCO exit pair placed")
	}
}

// pollExits checks the open-order set for every filled trade and resolves
// the OCO pair.
func (e *Engine) pollExits(ctx context.Context) {
	e.mu.RLock()
	filled := make([]*types.Trade, 0, len(e.trades))
	for _, t := range e.trades {
		if t.Status == types.StatusFilled && t.TakeProfitID != "" && t.StopLossID != "" {
			filled = append(filled, t)
		}
	}
	e.mu.RUnlock()

	if len(filled) == 0 {
		return
	}

	open, err := limiter.Do(ctx, e.caller, "orders", func() (map[string]bool, error) {
		return e.venue.ListOpenOrders(ctx)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Exit poll failed")
		return
	}

	for _, trade := range filled {
		tpOpen := open[trade.TakeProfitID]
		slOpen := open[trade.StopLossID]

		switch {
		case !tpOpen && slOpen:
			e.cancelLeg(ctx, trade, trade.StopLossID, "stop-loss")
			e.closeTrade(trade, trade.TargetPrice, types.ExitTakeProfit)
		case !slOpen && tpOpen:
			e.cancelLeg(ctx, trade, trade.TakeProfitID, "take-profit")
			e.closeTrade(trade, trade.StopPrice, types.ExitStopLoss)
		case !tpOpen && !slOpen:
			// Both legs left the open set in the same interval. The venue gives
			// no ordering, so the race is resolved in favor of the take-profit.
			log.Warn().Str("trade_id", trade.ID).Msg("Both exit legs resolved simultaneously")
			e.closeTrade(trade, trade.TargetPrice, types.ExitTakeProfit)
		}
	}
}

// cancelLeg cancels the losing exit order. Failure is logged, not fatal: the
// resting order either fills (operator reviews) or expires with the window.
func (e *Engine) cancelLeg(ctx context.Context, trade *types.Trade, orderID, leg string) {
	err := e.caller.Call(ctx, "orders", func() error {
		return e.venue.CancelOrder(ctx, orderID)
	})
	if err != nil {
		log.Error().Err(err).
			Str("trade_id", trade.ID).
			Str("order_id", orderID).
			Str("leg", leg).
			Msg("⚠️ Sibling cancel failed")
	}
}

// closeTrade records the realized result exactly once.
func (e *Engine) closeTrade(trade *types.Trade, exitPrice decimal.Decimal, reason string) {
	e.mu.Lock()
	if trade.Status == types.StatusClosed {
		e.mu.Unlock()
		return
	}
	trade.Status = types.StatusClosed
	trade.ExitReason = reason
	e.mu.Unlock()

	now := e.now()
	pnl := exitPrice.Sub(trade.EntryPrice).Mul(trade.Shares)
	pnlPct := decimal.Zero
	if trade.EntryPrice.IsPositive() {
		pnlPct = exitPrice.Sub(trade.EntryPrice).Div(trade.EntryPrice).Mul(decimal.NewFromInt(100))
	}

	result := types.TradeResult{
		TradeID:      trade.ID,
		InstrumentID: trade.InstrumentID,
		EntryPrice:   trade.EntryPrice,
		ExitPrice:    exitPrice,
		Shares:       trade.Shares,
		PnL:          pnl,
		PnLPercent:   pnlPct,
		ExitReason:   reason,
		EnteredAt:    trade.CreatedAt,
		ExitedAt:     now,
		HoldingTime:  now.Sub(trade.CreatedAt),
	}

	log.Info().
		Str("trade_id", trade.ID).
		Str("entry", trade.EntryPrice.StringFixed(4)).
		Str("exit", exitPrice.StringFixed(4)).
		Str("pnl", pnl.StringFixed(4)).
		Str("reason", reason).
		Msg("📊 Position closed")

	e.ledger.Record(result)
	e.persist(trade)
	if e.store != nil {
		if err := e.store.SaveResult(result); err != nil {
			log.Warn().Err(err).Str("trade_id", trade.ID).Msg("Result persist failed")
		}
	}
	if e.notifier != nil {
		e.notifier.NotifyTrade(reason, trade.InstrumentID, trade.Side, exitPrice, trade.Shares)
	}
}

// sweep evicts trades older than MaxTradeAge regardless of exit state, so
// orphaned positions cannot grow the active set forever. A still-open trade
// is closed as a timeout at its entry price.
func (e *Engine) sweep() {
	cutoff := e.now().Add(-e.opts.MaxTradeAge)

	type aged struct {
		trade *types.Trade
		open  bool
	}

	// Status is read under the same lock closeTrade writes it under.
	e.mu.RLock()
	expired := make([]aged, 0)
	for _, t := range e.trades {
		if t.CreatedAt.Before(cutoff) {
			open := t.Status == types.StatusFilled || t.Status == types.StatusPending || t.Status == types.StatusPartial
			expired = append(expired, aged{trade: t, open: open})
		}
	}
	e.mu.RUnlock()

	for _, a := range expired {
		trade := a.trade
		if a.open {
			log.Warn().
				Str("trade_id", trade.ID).
				Str("token", trade.InstrumentID).
				Msg("⏰ Trade aged out, closing as timeout")
			e.closeTrade(trade, trade.EntryPrice, types.ExitTimeout)
		}

		e.mu.Lock()
		delete(e.trades, trade.ID)
		e.mu.Unlock()
	}
}

// CloseTrade force-closes a tracked trade at its entry price, cancelling any
// resting orders first. It backs the operator's manual close.
func (e *Engine) CloseTrade(ctx context.Context, tradeID string) error {
	e.mu.RLock()
	trade := e.trades[tradeID]
	if trade == nil {
		// Operator channels show truncated IDs, so a unique prefix works too.
		for _, t := range e.trades {
			if strings.HasPrefix(t.ID, tradeID) {
				if trade != nil {
					e.mu.RUnlock()
					return fmt.Errorf("trade id %s is ambiguous", tradeID)
				}
				trade = t
			}
		}
	}
	var entryOpen bool
	var tpID, slID string
	if trade != nil {
		entryOpen = trade.Status == types.StatusPending
		tpID = trade.TakeProfitID
		slID = trade.StopLossID
	}
	e.mu.RUnlock()

	if trade == nil {
		return fmt.Errorf("no active trade %s", tradeID)
	}

	if entryOpen {
		e.cancelLeg(ctx, trade, trade.EntryOrderID, "entry")
	}
	if tpID != "" {
		e.cancelLeg(ctx, trade, tpID, "take-profit")
	}
	if slID != "" {
		e.cancelLeg(ctx, trade, slID, "stop-loss")
	}

	log.Info().Str("trade_id", trade.ID).Msg("📝 Manual close requested")
	e.closeTrade(trade, trade.EntryPrice, types.ExitManual)
	return nil
}

// ActiveTrades returns copies of all tracked trades.
func (e *Engine) ActiveTrades() []types.Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]types.Trade, 0, len(e.trades))
	for _, t := range e.trades {
		out = append(out, *t)
	}
	return out
}

func (e *Engine) persist(trade *types.Trade) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveTrade(trade); err != nil {
		log.Warn().Err(err).Str("trade_id", trade.ID).Msg("Trade persist failed")
	}
}

func (e *Engine) clampPrice(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(e.opts.PriceFloor) {
		return e.opts.PriceFloor
	}
	if p.GreaterThan(e.opts.PriceCeil) {
		return e.opts.PriceCeil
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
