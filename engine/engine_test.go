package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dappboris-dev/polymarket-trading-bot/limiter"
	"github.com/dappboris-dev/polymarket-trading-bot/types"
)

type submitted struct {
	ID    string
	Token string
	Side  string
	Price decimal.Decimal
	Size  decimal.Decimal
}

// fakeVenue simulates the venue's eventually consistent open-order set.
// BUY orders fill instantly (never enter the open set) unless holdBuys is
// set; SELL orders rest in the open set until removed by the test.
type fakeVenue struct {
	mu        sync.Mutex
	nextID    int
	open      map[string]bool
	orders    []submitted
	cancelled []string

	holdBuys  bool
	cancelErr error
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{open: make(map[string]bool)}
}

func (v *fakeVenue) SubmitOrder(_ context.Context, token, side string, price, size decimal.Decimal) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.nextID++
	id := fmt.Sprintf("ord-%d", v.nextID)
	v.orders = append(v.orders, submitted{ID: id, Token: token, Side: side, Price: price, Size: size})

	if side == types.SideSell || v.holdBuys {
		v.open[id] = true
	}
	return id, nil
}

func (v *fakeVenue) CancelOrder(_ context.Context, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cancelErr != nil {
		return v.cancelErr
	}
	v.cancelled = append(v.cancelled, orderID)
	delete(v.open, orderID)
	return nil
}

func (v *fakeVenue) ListOpenOrders(context.Context) (map[string]bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make(map[string]bool, len(v.open))
	for k := range v.open {
		out[k] = true
	}
	return out, nil
}

func (v *fakeVenue) fill(orderID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.open, orderID)
}

type fakeLedger struct {
	mu      sync.Mutex
	results []types.TradeResult
}

func (l *fakeLedger) Record(r types.TradeResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
}

type fakeMarker struct {
	marked []time.Time
}

func (m *fakeMarker) MarkTraded(at time.Time) { m.marked = append(m.marked, at) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// newTestEngine returns an engine whose sleeps advance a virtual clock.
func newTestEngine(venue *fakeVenue) (*Engine, *fakeLedger, *time.Time) {
	led := &fakeLedger{}
	caller := limiter.New(limiter.Options{MinInterval: 0, MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	e := New(venue, caller, led, DefaultOptions())

	now := time.Unix(1_700_000_000, 0)
	e.now = func() time.Time { return now }
	e.sleep = func(_ context.Context, d time.Duration) error {
		now = now.Add(d)
		return nil
	}
	return e, led, &now
}

func upOpportunity() *types.TradeOpportunity {
	return &types.TradeOpportunity{
		InstrumentID:    "up-token",
		Side:            "UP",
		OracleProb:      dec("0.75"),
		MarketPrice:     dec("0.70"),
		Edge:            dec("0.05"),
		Confidence:      0.8,
		RecommendedSize: dec("50"),
	}
}

func TestExecuteTradePlacesEntryAndExits(t *testing.T) {
	venue := newFakeVenue()
	e, _, _ := newTestEngine(venue)
	marker := &fakeMarker{}
	e.SetTradeMarker(marker)

	trade, err := e.ExecuteTrade(context.Background(), upOpportunity())
	require.NoError(t, err)
	require.NotNil(t, trade)

	assert.Equal(t, types.StatusFilled, trade.Status)
	assert.True(t, trade.EntryPrice.Equal(dec("0.707")), "entry = 0.70 * 1.01")
	assert.True(t, trade.TargetPrice.Equal(dec("0.71")), "tp = min(0.70+0.01, 0.99)")
	assert.True(t, trade.StopPrice.Equal(dec("0.695")), "sl = max(0.70-0.005, 0.01)")
	assert.True(t, trade.Shares.Equal(dec("70.72")), "shares = 50 / 0.707 truncated")

	require.Len(t, venue.orders, 3)
	assert.Equal(t, types.SideBuy, venue.orders[0].Side)
	assert.Equal(t, types.SideSell, venue.orders[1].Side)
	assert.True(t, venue.orders[1].Price.Equal(dec("0.71")))
	assert.Equal(t, types.SideSell, venue.orders[2].Side)
	assert.True(t, venue.orders[2].Price.Equal(dec("0.695")))

	assert.Equal(t, venue.orders[1].ID, trade.TakeProfitID)
	assert.Equal(t, venue.orders[2].ID, trade.StopLossID)
	assert.Len(t, marker.marked, 1, "detector cooldown marked on confirmed entry")
}

func TestExecuteTradeEntryTimeout(t *testing.T) {
	venue := newFakeVenue()
	venue.holdBuys = true
	e, led, _ := newTestEngine(venue)

	trade, err := e.ExecuteTrade(context.Background(), upOpportunity())
	require.Error(t, err)
	require.NotNil(t, trade)

	assert.Equal(t, types.StatusCancelled, trade.Status)
	assert.Contains(t, venue.cancelled, trade.EntryOrderID)
	assert.Empty(t, led.results, "no result recorded for an unfilled entry")
}

func TestTakeProfitWinsCancelsStopLoss(t *testing.T) {
	venue := newFakeVenue()
	e, led, _ := newTestEngine(venue)

	trade, err := e.ExecuteTrade(context.Background(), upOpportunity())
	require.NoError(t, err)

	venue.fill(trade.TakeProfitID)
	e.pollExits(context.Background())

	assert.Equal(t, types.StatusClosed, trade.Status)
	assert.Equal(t, types.ExitTakeProfit, trade.ExitReason)
	assert.Contains(t, venue.cancelled, trade.StopLossID)

	require.Len(t, led.results, 1)
	r := led.results[0]
	assert.True(t, r.ExitPrice.Equal(dec("0.71")))
	// pnl = (0.71 - 0.707) * 70.72
	assert.True(t, r.PnL.Equal(dec("0.003").Mul(dec("70.72"))))
}

func TestStopLossWinsCancelsTakeProfit(t *testing.T) {
	venue := newFakeVenue()
	e, led, _ := newTestEngine(venue)

	trade, err := e.ExecuteTrade(context.Background(), upOpportunity())
	require.NoError(t, err)

	venue.fill(trade.StopLossID)
	e.pollExits(context.Background())

	assert.Equal(t, types.ExitStopLoss, trade.ExitReason)
	assert.Contains(t, venue.cancelled, trade.TakeProfitID)

	require.Len(t, led.results, 1)
	assert.True(t, led.results[0].ExitPrice.Equal(dec("0.695")))
	assert.True(t, led.results[0].PnL.IsNegative())
}

func TestBothLegsGoneResolvesAsTakeProfit(t *testing.T) {
	venue := newFakeVenue()
	e, led, _ := newTestEngine(venue)

	trade, err := e.ExecuteTrade(context.Background(), upOpportunity())
	require.NoError(t, err)

	venue.fill(trade.TakeProfitID)
	venue.fill(trade.StopLossID)
	e.pollExits(context.Background())

	assert.Equal(t, types.ExitTakeProfit, trade.ExitReason)
	require.Len(t, led.results, 1)
	assert.True(t, led.results[0].ExitPrice.Equal(dec("0.71")))
}

func TestCloseIdempotent(t *testing.T) {
	venue := newFakeVenue()
	e, led, _ := newTestEngine(venue)

	trade, err := e.ExecuteTrade(context.Background(), upOpportunity())
	require.NoError(t, err)

	e.closeTrade(trade, dec("0.71"), types.ExitTakeProfit)
	e.closeTrade(trade, dec("0.71"), types.ExitTakeProfit)
	e.closeTrade(trade, dec("0.695"), types.ExitStopLoss)

	assert.Len(t, led.results, 1, "closing twice must not double-record")
	assert.Equal(t, types.ExitTakeProfit, trade.ExitReason)
}

func TestSiblingCancelFailureStillCloses(t *testing.T) {
	venue := newFakeVenue()
	e, led, _ := newTestEngine(venue)

	trade, err := e.ExecuteTrade(context.Background(), upOpportunity())
	require.NoError(t, err)

	venue.cancelErr = errors.New("504 gateway timeout")
	venue.fill(trade.TakeProfitID)
	e.pollExits(context.Background())

	assert.Equal(t, types.StatusClosed, trade.Status)
	assert.Len(t, led.results, 1)
}

func TestSweepEvictsAgedTrades(t *testing.T) {
	venue := newFakeVenue()
	e, led, now := newTestEngine(venue)

	trade, err := e.ExecuteTrade(context.Background(), upOpportunity())
	require.NoError(t, err)
	require.Len(t, e.ActiveTrades(), 1)

	// Not old enough yet.
	*now = now.Add(30 * time.Minute)
	e.sweep()
	assert.Len(t, e.ActiveTrades(), 1)

	// Past MaxTradeAge the still-open trade closes as a timeout and goes away.
	*now = now.Add(31 * time.Minute)
	e.sweep()
	assert.Empty(t, e.ActiveTrades())
	assert.Equal(t, types.ExitTimeout, trade.ExitReason)

	require.Len(t, led.results, 1)
	assert.True(t, led.results[0].PnL.IsZero(), "timeout closes at entry price")
}

func TestSweepRemovesClosedTradesWithoutRerecording(t *testing.T) {
	venue := newFakeVenue()
	e, led, now := newTestEngine(venue)

	trade, err := e.ExecuteTrade(context.Background(), upOpportunity())
	require.NoError(t, err)

	venue.fill(trade.TakeProfitID)
	e.pollExits(context.Background())
	require.Len(t, led.results, 1)

	*now = now.Add(2 * time.Hour)
	e.sweep()

	assert.Empty(t, e.ActiveTrades())
	assert.Len(t, led.results, 1)
}

func TestSweepConcurrentWithClose(t *testing.T) {
	venue := newFakeVenue()
	e, led, now := newTestEngine(venue)

	trade, err := e.ExecuteTrade(context.Background(), upOpportunity())
	require.NoError(t, err)

	*now = now.Add(2 * time.Hour)

	// The exit monitor and the sweep can resolve the same aged trade at
	// once; the status handoff happens under the engine mutex.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.closeTrade(trade, dec("0.71"), types.ExitTakeProfit)
	}()
	go func() {
		defer wg.Done()
		e.sweep()
	}()
	wg.Wait()

	assert.Empty(t, e.ActiveTrades())
	assert.Len(t, led.results, 1, "whichever path wins records exactly once")
}

func TestManualCloseCancelsLegsAndRecords(t *testing.T) {
	venue := newFakeVenue()
	e, led, _ := newTestEngine(venue)

	trade, err := e.ExecuteTrade(context.Background(), upOpportunity())
	require.NoError(t, err)

	require.NoError(t, e.CloseTrade(context.Background(), trade.ID))

	assert.Equal(t, types.StatusClosed, trade.Status)
	assert.Equal(t, types.ExitManual, trade.ExitReason)
	assert.Contains(t, venue.cancelled, trade.TakeProfitID)
	assert.Contains(t, venue.cancelled, trade.StopLossID)

	require.Len(t, led.results, 1)
	assert.Equal(t, types.ExitManual, led.results[0].ExitReason)
	assert.True(t, led.results[0].PnL.IsZero(), "manual close settles at entry price")
}

func TestManualCloseAcceptsUniquePrefix(t *testing.T) {
	venue := newFakeVenue()
	e, _, _ := newTestEngine(venue)

	trade, err := e.ExecuteTrade(context.Background(), upOpportunity())
	require.NoError(t, err)

	require.NoError(t, e.CloseTrade(context.Background(), trade.ID[:6]))
	assert.Equal(t, types.ExitManual, trade.ExitReason)
}

func TestManualCloseUnknownTrade(t *testing.T) {
	e, _, _ := newTestEngine(newFakeVenue())

	assert.Error(t, e.CloseTrade(context.Background(), "no-such-trade"))
}

func TestClampPrice(t *testing.T) {
	e, _, _ := newTestEngine(newFakeVenue())

	assert.True(t, e.clampPrice(dec("1.05")).Equal(dec("0.99")))
	assert.True(t, e.clampPrice(dec("0.001")).Equal(dec("0.01")))
	assert.True(t, e.clampPrice(dec("0.5")).Equal(dec("0.5")))
}
