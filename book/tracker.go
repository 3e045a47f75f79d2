package book

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dappboris-dev/polymarket-trading-bot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER BOOK TRACKER - Depth state per instrument
// ═══════════════════════════════════════════════════════════════════════════════
//
// Snapshots are replaced wholesale on each depth update; there is no
// incremental patching. All liquidity judgments are pure reads over the
// latest snapshot.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// Snapshot is the stored state of one instrument's book.
type Snapshot struct {
	InstrumentID  string
	Bids          []types.OrderLevel // best (highest) first
	Asks          []types.OrderLevel // best (lowest) first
	LastUpdate    time.Time
	MidPrice      decimal.Decimal
	Spread        decimal.Decimal
	SpreadPercent decimal.Decimal
}

// LiquidityCheck is the result of walking one side of the book for a
// candidate order. Warnings flag borderline conditions without aborting;
// callers decide which of them are disqualifying.
type LiquidityCheck struct {
	Sufficient         bool
	AvailableLiquidity decimal.Decimal // walkable notional on the relevant side
	RequiredLiquidity  decimal.Decimal
	EstimatedSlippage  decimal.Decimal // fractional, vs best price
	EffectivePrice     decimal.Decimal // size-weighted fill price
	Warnings           []string
}

// Options tunes staleness and sufficiency thresholds.
type Options struct {
	MaxAge                 time.Duration   // snapshot age before stale
	MinLiquidityMultiplier decimal.Decimal // walkable liquidity vs notional
	WideSpreadPercent      decimal.Decimal // warning threshold
	HighSlippage           decimal.Decimal // warning threshold, fractional
}

// DefaultOptions returns the production thresholds.
func DefaultOptions() Options {
	return Options{
		MaxAge:                 10 * time.Second,
		MinLiquidityMultiplier: decimal.NewFromInt(2),
		WideSpreadPercent:      decimal.NewFromInt(5),
		HighSlippage:           decimal.NewFromFloat(0.02),
	}
}

// Tracker holds the latest book snapshot per instrument.
type Tracker struct {
	mu    sync.RWMutex
	books map[string]*Snapshot
	opts  Options

	now func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker(opts Options) *Tracker {
	return &Tracker{
		books: make(map[string]*Snapshot),
		opts:  opts,
		now:   time.Now,
	}
}

// Update replaces the stored snapshot for an instrument and derives
// mid/spread. Mid is zero when either side is empty.
func (t *Tracker) Update(instrumentID string, bids, asks []types.OrderLevel) {
	snap := &Snapshot{
		InstrumentID: instrumentID,
		Bids:         bids,
		Asks:         asks,
		LastUpdate:   t.now(),
	}

	if len(bids) > 0 && len(asks) > 0 {
		bestBid := bids[0].Price
		bestAsk := asks[0].Price
		snap.MidPrice = bestBid.Add(bestAsk).Div(two)
		snap.Spread = bestAsk.Sub(bestBid)
		if snap.MidPrice.IsPositive() {
			snap.SpreadPercent = snap.Spread.Div(snap.MidPrice).Mul(hundred)
		}
	}

	t.mu.Lock()
	t.books[instrumentID] = snap
	t.mu.Unlock()
}

// Touch refreshes an instrument's snapshot from a top-of-book trade print.
// The traded price replaces the mid and the snapshot's age resets; depth
// levels are only ever replaced by a full Update, so a print for an unknown
// instrument is dropped.
func (t *Tracker) Touch(instrumentID string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	snap, ok := t.books[instrumentID]
	if !ok {
		return
	}
	snap.MidPrice = price
	snap.LastUpdate = t.now()
}

// Snapshot returns a copy of the stored state, or nil if none exists.
func (t *Tracker) Snapshot(instrumentID string) *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap, ok := t.books[instrumentID]
	if !ok {
		return nil
	}
	cp := *snap
	return &cp
}

// IsStale reports whether no snapshot exists or it is older than MaxAge.
func (t *Tracker) IsStale(instrumentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap, ok := t.books[instrumentID]
	if !ok {
		return true
	}
	return t.now().Sub(snap.LastUpdate) > t.opts.MaxAge
}

// BestAsk returns the lowest ask for an instrument, zero if unknown.
func (t *Tracker) BestAsk(instrumentID string) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap, ok := t.books[instrumentID]
	if !ok || len(snap.Asks) == 0 {
		return decimal.Zero
	}
	return snap.Asks[0].Price
}

// CheckLiquidity walks the relevant side of the book for the requested
// notional and judges whether the order can fill without excessive slippage.
// Buying walks asks, selling walks bids.
func (t *Tracker) CheckLiquidity(instrumentID, side string, notional decimal.Decimal) LiquidityCheck {
	check := LiquidityCheck{
		RequiredLiquidity: notional.Mul(t.opts.MinLiquidityMultiplier),
	}

	t.mu.RLock()
	snap, ok := t.books[instrumentID]
	t.mu.RUnlock()

	if !ok {
		check.Warnings = append(check.Warnings, "no orderbook data")
		return check
	}

	if t.now().Sub(snap.LastUpdate) > t.opts.MaxAge {
		check.Warnings = append(check.Warnings, "orderbook data is stale")
	}
	if snap.SpreadPercent.GreaterThan(t.opts.WideSpreadPercent) {
		check.Warnings = append(check.Warnings, fmt.Sprintf("wide spread: %s%%", snap.SpreadPercent.StringFixed(2)))
	}

	levels := snap.Asks
	if side == types.SideSell {
		levels = snap.Bids
	}

	remaining := notional
	filledNotional := decimal.Zero
	filledShares := decimal.Zero
	total := decimal.Zero

	for _, lvl := range levels {
		levelNotional := lvl.Price.Mul(lvl.Size)
		total = total.Add(levelNotional)

		if remaining.IsPositive() {
			take := decimal.Min(remaining, levelNotional)
			filledNotional = filledNotional.Add(take)
			if lvl.Price.IsPositive() {
				filledShares = filledShares.Add(take.Div(lvl.Price))
			}
			remaining = remaining.Sub(take)
		}
	}

	check.AvailableLiquidity = total

	if filledShares.IsPositive() {
		check.EffectivePrice = filledNotional.Div(filledShares)

		best := levels[0].Price
		if best.IsPositive() {
			check.EstimatedSlippage = check.EffectivePrice.Sub(best).Abs().Div(best)
		}
	}

	fullyFillable := !remaining.IsPositive()
	check.Sufficient = fullyFillable && total.GreaterThanOrEqual(check.RequiredLiquidity)

	if !fullyFillable {
		check.Warnings = append(check.Warnings, fmt.Sprintf("thin liquidity: %s of %s fillable",
			filledNotional.StringFixed(2), notional.StringFixed(2)))
	} else if total.LessThan(check.RequiredLiquidity) {
		check.Warnings = append(check.Warnings, fmt.Sprintf("thin liquidity: %s available, %s required",
			total.StringFixed(2), check.RequiredLiquidity.StringFixed(2)))
	}
	if check.EstimatedSlippage.GreaterThan(t.opts.HighSlippage) {
		check.Warnings = append(check.Warnings, fmt.Sprintf("high slippage: %s%%",
			check.EstimatedSlippage.Mul(hundred).StringFixed(2)))
	}

	return check
}
