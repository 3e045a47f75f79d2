package detector

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dappboris-dev/polymarket-trading-bot/book"
	"github.com/dappboris-dev/polymarket-trading-bot/limiter"
	"github.com/dappboris-dev/polymarket-trading-bot/oracle"
	"github.com/dappboris-dev/polymarket-trading-bot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// OPPORTUNITY DETECTOR - Oracle edge vs market price
// ═══════════════════════════════════════════════════════════════════════════════
//
// Evaluated on a fixed tick. Gates run in order and short-circuit with no
// side effects beyond a debug log:
//
//   cooldown → oracle freshness → balance → per-instrument
//   (book staleness, edge, spread, liquidity, slippage)
//
// The first qualifying instrument wins; UP is always scanned before DOWN.
//
// ═══════════════════════════════════════════════════════════════════════════════

// OracleView is the oracle surface the detector reads.
type OracleView interface {
	Snapshot() oracle.Snapshot
}

// BookView is the order book surface the detector reads.
type BookView interface {
	IsStale(instrumentID string) bool
	Snapshot(instrumentID string) *book.Snapshot
	CheckLiquidity(instrumentID, side string, notional decimal.Decimal) book.LiquidityCheck
}

// BalanceProvider is the external funding balance collaborator.
type BalanceProvider interface {
	GetBalance(ctx context.Context) (types.Balance, error)
}

// Options tunes the detector's gates and sizing.
type Options struct {
	Cooldown         time.Duration
	OracleMaxAge     time.Duration
	MinBalance       decimal.Decimal
	MinEdge          decimal.Decimal
	MaxSpreadPercent decimal.Decimal
	MaxSlippage      decimal.Decimal
	BaseSize         decimal.Decimal // notional per trade
	DynamicSizing    bool
}

// DefaultOptions returns the production gate thresholds.
func DefaultOptions() Options {
	return Options{
		Cooldown:         30 * time.Second,
		OracleMaxAge:     10 * time.Second,
		MinBalance:       decimal.NewFromInt(10),
		MinEdge:          decimal.RequireFromString("0.015"),
		MaxSpreadPercent: decimal.NewFromInt(5),
		MaxSlippage:      decimal.RequireFromString("0.02"),
		BaseSize:         decimal.NewFromInt(50),
		DynamicSizing:    true,
	}
}

// Instruments is the tradable UP/DOWN token pair for the active window.
type Instruments struct {
	UpToken   string
	DownToken string
}

// Detector combines oracle output and book state into trade opportunities.
type Detector struct {
	mu sync.RWMutex

	oracle  OracleView
	books   BookView
	balance BalanceProvider
	caller  *limiter.Caller
	opts    Options

	instruments   Instruments
	lastTradeTime time.Time

	now func() time.Time
}

// New creates a detector over the given collaborators.
func New(o OracleView, b BookView, bal BalanceProvider, caller *limiter.Caller, opts Options) *Detector {
	return &Detector{
		oracle:  o,
		books:   b,
		balance: bal,
		caller:  caller,
		opts:    opts,
		now:     time.Now,
	}
}

// SetInstruments replaces the tradable pair, typically on window rollover.
func (d *Detector) SetInstruments(up, down string) {
	d.mu.Lock()
	d.instruments = Instruments{UpToken: up, DownToken: down}
	d.mu.Unlock()
}

// MarkTraded records the entry time for the cooldown gate. Called by the
// engine once an entry actually confirms, not when an opportunity is emitted.
func (d *Detector) MarkTraded(at time.Time) {
	d.mu.Lock()
	d.lastTradeTime = at
	d.mu.Unlock()
}

// Evaluate runs one detection tick. Returns nil when any gate rejects.
func (d *Detector) Evaluate(ctx context.Context) *types.TradeOpportunity {
	now := d.now()

	d.mu.RLock()
	last := d.lastTradeTime
	pair := d.instruments
	d.mu.RUnlock()

	// 1. Cooldown.
	if !last.IsZero() && now.Sub(last) < d.opts.Cooldown {
		return nil
	}

	// 2. Oracle freshness. A zero timestamp means no data was ever
	// aggregated; trading on the default 0.5 estimate would be blind.
	snap := d.oracle.Snapshot()
	if snap.Timestamp.IsZero() {
		log.Debug().Msg("Oracle has no data")
		return nil
	}
	if now.Sub(snap.Timestamp) > d.opts.OracleMaxAge {
		log.Debug().Dur("age", now.Sub(snap.Timestamp)).Msg("Oracle snapshot stale")
		return nil
	}

	// 3. Balance. A failed lookup degrades to "no opportunity".
	bal, err := limiter.Do(ctx, d.caller, "balance", func() (types.Balance, error) {
		return d.balance.GetBalance(ctx)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Balance check failed, skipping tick")
		return nil
	}
	if bal.USDC.LessThan(d.opts.MinBalance) {
		log.Debug().Str("balance", bal.USDC.StringFixed(2)).Msg("Balance below minimum")
		return nil
	}

	// 4. Per-instrument gates, UP before DOWN.
	candidates := []struct {
		id   string
		side string
		prob float64
	}{
		{pair.UpToken, "UP", snap.ProbUp},
		{pair.DownToken, "DOWN", snap.ProbDown},
	}

	for _, c := range candidates {
		if c.id == "" {
			continue
		}
		if opp := d.evaluateInstrument(c.id, c.side, c.prob, snap, bal.USDC, now); opp != nil {
			return opp
		}
	}
	return nil
}

func (d *Detector) evaluateInstrument(id, side string, prob float64, snap oracle.Snapshot, balance decimal.Decimal, now time.Time) *types.TradeOpportunity {
	if d.books.IsStale(id) {
		log.Debug().Str("token", id).Msg("Orderbook stale")
		return nil
	}

	bookSnap := d.books.Snapshot(id)
	if bookSnap == nil || len(bookSnap.Asks) == 0 {
		return nil
	}
	marketPrice := bookSnap.Asks[0].Price
	if !marketPrice.IsPositive() {
		return nil
	}

	oracleProb := decimal.NewFromFloat(prob)
	edge := oracleProb.Sub(marketPrice)
	if edge.LessThan(d.opts.MinEdge) {
		return nil
	}

	if bookSnap.SpreadPercent.GreaterThan(d.opts.MaxSpreadPercent) {
		log.Debug().Str("token", id).Str("spread_pct", bookSnap.SpreadPercent.StringFixed(2)).Msg("Spread too wide")
		return nil
	}

	liq := d.books.CheckLiquidity(id, types.SideBuy, d.opts.BaseSize)
	if !liq.Sufficient {
		log.Debug().Str("token", id).Strs("warnings", liq.Warnings).Msg("Liquidity insufficient")
		return nil
	}
	if liq.EstimatedSlippage.GreaterThan(d.opts.MaxSlippage) {
		log.Debug().Str("token", id).Str("slippage", liq.EstimatedSlippage.StringFixed(4)).Msg("Slippage too high")
		return nil
	}

	confidence, liqScore := d.confidence(edge, bookSnap.SpreadPercent, liq.AvailableLiquidity, now.Sub(snap.Timestamp))
	size := d.size(confidence, liq.AvailableLiquidity, balance)

	log.Info().
		Str("token", id).
		Str("side", side).
		Str("oracle_prob", oracleProb.StringFixed(4)).
		Str("market", marketPrice.StringFixed(4)).
		Str("edge", edge.StringFixed(4)).
		Float64("confidence", confidence).
		Str("size", size.StringFixed(2)).
		Msg("🎯 Opportunity detected")

	return &types.TradeOpportunity{
		InstrumentID:    id,
		Side:            side,
		OracleProb:      oracleProb,
		MarketPrice:     marketPrice,
		Edge:            edge,
		Confidence:      confidence,
		SpreadPercent:   bookSnap.SpreadPercent,
		LiquidityScore:  liqScore,
		RecommendedSize: size,
	}
}

// confidence is a weighted sum of four independently clamped factors:
// edge strength 0.4, spread quality 0.2, liquidity depth 0.2, oracle
// freshness 0.2.
func (d *Detector) confidence(edge, spreadPct, available decimal.Decimal, oracleAge time.Duration) (float64, float64) {
	// Edge at twice the threshold scores 1.0.
	edgeFactor := clamp01(edge.Div(d.opts.MinEdge.Mul(decimal.NewFromInt(2))).InexactFloat64())

	spreadFactor := 0.0
	if d.opts.MaxSpreadPercent.IsPositive() {
		spreadFactor = clamp01(1 - spreadPct.Div(d.opts.MaxSpreadPercent).InexactFloat64())
	}

	// Depth relative to four times the target size.
	liqFactor := 0.0
	if d.opts.BaseSize.IsPositive() {
		liqFactor = clamp01(available.Div(d.opts.BaseSize.Mul(decimal.NewFromInt(4))).InexactFloat64())
	}

	freshFactor := 0.0
	if d.opts.OracleMaxAge > 0 {
		freshFactor = clamp01(1 - oracleAge.Seconds()/d.opts.OracleMaxAge.Seconds())
	}

	conf := 0.4*edgeFactor + 0.2*spreadFactor + 0.2*liqFactor + 0.2*freshFactor
	return conf, liqFactor
}

// size applies dynamic sizing and caps: a third of available liquidity, 10%
// of balance, and twice the base size, whichever is smallest.
func (d *Detector) size(confidence float64, available, balance decimal.Decimal) decimal.Decimal {
	size := d.opts.BaseSize
	if d.opts.DynamicSizing {
		size = size.Mul(decimal.NewFromFloat(0.5 + 1.5*confidence))
	}

	size = decimal.Min(size,
		available.Div(decimal.NewFromInt(3)),
		balance.Mul(decimal.RequireFromString("0.1")),
		d.opts.BaseSize.Mul(decimal.NewFromInt(2)),
	)
	return size
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
