package detector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dappboris-dev/polymarket-trading-bot/book"
	"github.com/dappboris-dev/polymarket-trading-bot/limiter"
	"github.com/dappboris-dev/polymarket-trading-bot/oracle"
	"github.com/dappboris-dev/polymarket-trading-bot/types"
)

type fakeOracle struct {
	snap oracle.Snapshot
}

func (f *fakeOracle) Snapshot() oracle.Snapshot { return f.snap }

type fakeBooks struct {
	stale map[string]bool
	snaps map[string]*book.Snapshot
	liq   map[string]book.LiquidityCheck
}

func (f *fakeBooks) IsStale(id string) bool            { return f.stale[id] }
func (f *fakeBooks) Snapshot(id string) *book.Snapshot { return f.snaps[id] }
func (f *fakeBooks) CheckLiquidity(id, _ string, _ decimal.Decimal) book.LiquidityCheck {
	return f.liq[id]
}

type fakeBalance struct {
	bal types.Balance
	err error
}

func (f *fakeBalance) GetBalance(context.Context) (types.Balance, error) { return f.bal, f.err }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// newFixture wires a detector whose gates all pass: UP asked at 0.70 with the
// oracle at 0.75 and plenty of liquidity.
func newFixture(now time.Time) (*Detector, *fakeOracle, *fakeBooks, *fakeBalance) {
	o := &fakeOracle{snap: oracle.Snapshot{
		ProbUp:    0.75,
		ProbDown:  0.25,
		Timestamp: now,
	}}
	books := &fakeBooks{
		stale: map[string]bool{},
		snaps: map[string]*book.Snapshot{
			"up-token": {
				InstrumentID:  "up-token",
				Asks:          []types.OrderLevel{{Price: dec("0.70"), Size: dec("1000")}},
				Bids:          []types.OrderLevel{{Price: dec("0.69"), Size: dec("1000")}},
				SpreadPercent: dec("1.44"),
			},
			"down-token": {
				InstrumentID:  "down-token",
				Asks:          []types.OrderLevel{{Price: dec("0.30"), Size: dec("1000")}},
				Bids:          []types.OrderLevel{{Price: dec("0.29"), Size: dec("1000")}},
				SpreadPercent: dec("3.39"),
			},
		},
		liq: map[string]book.LiquidityCheck{
			"up-token": {
				Sufficient:         true,
				AvailableLiquidity: dec("700"),
				EstimatedSlippage:  dec("0.001"),
				EffectivePrice:     dec("0.701"),
			},
			"down-token": {
				Sufficient:         true,
				AvailableLiquidity: dec("300"),
				EstimatedSlippage:  dec("0.001"),
				EffectivePrice:     dec("0.301"),
			},
		},
	}
	bal := &fakeBalance{bal: types.Balance{USDC: dec("500")}}

	caller := limiter.New(limiter.Options{MinInterval: 0, MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	d := New(o, books, bal, caller, DefaultOptions())
	d.now = func() time.Time { return now }
	d.SetInstruments("up-token", "down-token")
	return d, o, books, bal
}

func TestDetectsUpOpportunity(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d, _, _, _ := newFixture(now)

	opp := d.Evaluate(context.Background())
	require.NotNil(t, opp)

	assert.Equal(t, "up-token", opp.InstrumentID)
	assert.Equal(t, "UP", opp.Side)
	assert.True(t, opp.Edge.Equal(dec("0.05")), "edge = 0.75 - 0.70")
	assert.True(t, opp.OracleProb.Equal(dec("0.75")))
	assert.True(t, opp.MarketPrice.Equal(dec("0.70")))
	assert.Greater(t, opp.Confidence, 0.0)
	assert.True(t, opp.RecommendedSize.IsPositive())
}

func TestCooldownGate(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	now := t0
	d, _, _, _ := newFixture(t0)
	d.now = func() time.Time { return now }

	d.MarkTraded(t0)

	now = t0.Add(29 * time.Second)
	assert.Nil(t, d.Evaluate(context.Background()), "still cooling down at t0+29s")

	// Past the cooldown, with a fresh oracle snapshot.
	now = t0.Add(31 * time.Second)
	d.oracle.(*fakeOracle).snap.Timestamp = now
	assert.NotNil(t, d.Evaluate(context.Background()))
}

func TestOracleStalenessGate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d, o, _, _ := newFixture(now)
	o.snap.Timestamp = now.Add(-11 * time.Second)

	assert.Nil(t, d.Evaluate(context.Background()))
}

func TestOracleWithoutDataGate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d, o, books, _ := newFixture(now)

	// An oracle that never aggregated a price reports the default 0.5
	// estimate with a zero timestamp. Even a deeply discounted ask must
	// not read as edge against that default.
	o.snap = oracle.Snapshot{ProbUp: 0.5, ProbDown: 0.5}
	books.snaps["up-token"].Asks[0].Price = dec("0.40")

	assert.Nil(t, d.Evaluate(context.Background()))
}

func TestBalanceGates(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	d, _, _, bal := newFixture(now)
	bal.err = errors.New("rpc down")
	assert.Nil(t, d.Evaluate(context.Background()), "balance failure degrades to no opportunity")

	d, _, _, bal = newFixture(now)
	bal.bal = types.Balance{USDC: dec("5")}
	assert.Nil(t, d.Evaluate(context.Background()), "below minimum balance")
}

func TestBookStalenessGate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d, _, books, _ := newFixture(now)
	books.stale["up-token"] = true
	books.stale["down-token"] = true

	assert.Nil(t, d.Evaluate(context.Background()))
}

func TestEdgeGate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d, o, books, _ := newFixture(now)

	// Ask at 0.74 leaves only one cent of edge on UP, and DOWN has none.
	books.snaps["up-token"].Asks[0].Price = dec("0.74")
	o.snap.ProbDown = 0.25

	assert.Nil(t, d.Evaluate(context.Background()))
}

func TestSpreadGate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d, _, books, _ := newFixture(now)
	books.snaps["up-token"].SpreadPercent = dec("6")
	books.snaps["down-token"] = nil

	assert.Nil(t, d.Evaluate(context.Background()))
}

func TestLiquidityAndSlippageGates(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	d, _, books, _ := newFixture(now)
	books.liq["up-token"] = book.LiquidityCheck{Sufficient: false}
	books.snaps["down-token"] = nil
	assert.Nil(t, d.Evaluate(context.Background()))

	d, _, books, _ = newFixture(now)
	books.liq["up-token"] = book.LiquidityCheck{
		Sufficient:         true,
		AvailableLiquidity: dec("700"),
		EstimatedSlippage:  dec("0.05"),
	}
	books.snaps["down-token"] = nil
	assert.Nil(t, d.Evaluate(context.Background()))
}

func TestUpScannedBeforeDown(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d, o, _, _ := newFixture(now)

	// Both sides carry a qualifying edge; UP must win.
	o.snap.ProbUp = 0.75
	o.snap.ProbDown = 0.40

	opp := d.Evaluate(context.Background())
	require.NotNil(t, opp)
	assert.Equal(t, "UP", opp.Side)
}

func TestDownOpportunityWhenUpFails(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d, o, _, _ := newFixture(now)

	o.snap.ProbUp = 0.60 // edge -0.10 on UP
	o.snap.ProbDown = 0.40

	opp := d.Evaluate(context.Background())
	require.NotNil(t, opp)
	assert.Equal(t, "DOWN", opp.Side)
	assert.True(t, opp.Edge.Equal(dec("0.1")), "edge = 0.40 - 0.30")
}

func TestSizeCaps(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d, _, _, _ := newFixture(now)

	// Confidence 1.0 wants base*2; thin liquidity caps at available/3.
	size := d.size(1.0, dec("60"), dec("1000"))
	assert.True(t, size.Equal(dec("20")))

	// Small balance caps at 10%.
	size = d.size(1.0, dec("9000"), dec("100"))
	assert.True(t, size.Equal(dec("10")))

	// Otherwise dynamic sizing caps at twice the base size.
	size = d.size(1.0, dec("9000"), dec("10000"))
	assert.True(t, size.Equal(dec("100")))
}

func TestNoInstrumentsNoOpportunity(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d, _, _, _ := newFixture(now)
	d.SetInstruments("", "")

	assert.Nil(t, d.Evaluate(context.Background()))
}
