package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	name  string
	price decimal.Decimal
	err   error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchPrice(context.Context) (decimal.Decimal, error) {
	return f.price, f.err
}

func price(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMedianIgnoresOutlier(t *testing.T) {
	sources := []PriceSource{
		&fakeSource{name: "a", price: price("100")},
		&fakeSource{name: "b", price: price("101")},
		&fakeSource{name: "c", price: price("1000000")},
	}
	o := New(sources, DefaultOptions())

	o.fetchCycle(context.Background())

	require.Equal(t, 1, o.HistoryLen())
	assert.True(t, o.history[0].Price.Equal(price("101")), "median must be 101, not the mean")
}

func TestMedianEvenCount(t *testing.T) {
	got := median([]decimal.Decimal{price("100"), price("102"), price("101"), price("103")})
	assert.True(t, got.Equal(price("101.5")))
}

func TestFetchCycleToleratesPartialFailure(t *testing.T) {
	sources := []PriceSource{
		&fakeSource{name: "a", price: price("100")},
		&fakeSource{name: "b", err: errors.New("timeout")},
		&fakeSource{name: "c", price: decimal.Zero}, // non-positive is rejected
	}
	o := New(sources, DefaultOptions())

	o.fetchCycle(context.Background())

	require.Equal(t, 1, o.HistoryLen())
	assert.True(t, o.history[0].Price.Equal(price("100")))
	assert.Equal(t, 1, o.ActiveSources())
}

func TestFetchCycleAllFailedAppendsNothing(t *testing.T) {
	o := New([]PriceSource{&fakeSource{name: "a", err: errors.New("down")}}, DefaultOptions())
	o.fetchCycle(context.Background())
	assert.Equal(t, 0, o.HistoryLen())
}

func TestHistoryTrimmedOldestFirst(t *testing.T) {
	opts := DefaultOptions()
	opts.HistorySize = 5
	o := New([]PriceSource{&fakeSource{name: "a", price: price("100")}}, opts)

	for i := 0; i < 8; i++ {
		o.fetchCycle(context.Background())
	}

	assert.Equal(t, 5, o.HistoryLen())
}

// seedHistory fills the buffer with one point per interval ending at now.
func seedHistory(o *Oracle, now time.Time, interval time.Duration, prices ...float64) {
	start := now.Add(-time.Duration(len(prices)-1) * interval)
	for i, p := range prices {
		o.history = append(o.history, PricePoint{
			Price:     decimal.NewFromFloat(p),
			Timestamp: start.Add(time.Duration(i) * interval),
			Source:    "median",
		})
	}
}

func TestEmptyHistorySnapshotHasZeroTimestamp(t *testing.T) {
	o := New(nil, DefaultOptions())

	snap := o.Snapshot()

	// Before the first successful fetch there is nothing to stamp; a zero
	// timestamp keeps the default estimate from ever passing a freshness check.
	assert.True(t, snap.Timestamp.IsZero())
	assert.Equal(t, 0.5, snap.ProbUp)
	assert.Equal(t, 0.5, snap.ProbDown)
}

func TestProbabilitiesSumToOne(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	o := New(nil, DefaultOptions())
	o.now = func() time.Time { return now }
	seedHistory(o, now, 2*time.Second, 100, 101, 103, 104, 106, 108, 110, 111, 113, 115)

	snap := o.Snapshot()

	assert.Equal(t, 1.0, snap.ProbUp+snap.ProbDown)
	assert.GreaterOrEqual(t, snap.ProbUp, 0.05)
	assert.LessOrEqual(t, snap.ProbUp, 0.95)
}

func TestProbUpBounds(t *testing.T) {
	cases := []struct {
		momentum, volatility float64
	}{
		{0, 0}, {1, 0}, {-1, 0}, {1, 5}, {-1, 5}, {1, 50}, {-1, 50}, {0.3, 2},
	}
	for _, tc := range cases {
		p := probUp(tc.momentum, tc.volatility)
		assert.GreaterOrEqual(t, p, 0.05)
		assert.LessOrEqual(t, p, 0.95)
	}

	// Neutral momentum is exactly 50/50.
	assert.Equal(t, 0.5, probUp(0, 0))
	// Extreme volatility pins the estimate at 0.5 regardless of momentum.
	assert.Equal(t, 0.5, probUp(1, 50))
}

func TestProbUpDampensExtremes(t *testing.T) {
	// Raw p would be 1.0 at full momentum and zero volatility; the band halves
	// the excess beyond 0.8: 0.8 + 0.2/2 = 0.9.
	assert.InDelta(t, 0.9, probUp(1, 0), 1e-9)
	assert.InDelta(t, 0.1, probUp(-1, 0), 1e-9)
}

func TestMomentumDirection(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	up := New(nil, DefaultOptions())
	up.now = func() time.Time { return now }
	seedHistory(up, now, 2*time.Second, 100, 101, 102, 103, 104)
	assert.Greater(t, up.Snapshot().Momentum, 0.0)

	down := New(nil, DefaultOptions())
	down.now = func() time.Time { return now }
	seedHistory(down, now, 2*time.Second, 104, 103, 102, 101, 100)
	assert.Less(t, down.Snapshot().Momentum, 0.0)
}

func TestMomentumRequiresTwoPoints(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	o := New(nil, DefaultOptions())
	o.now = func() time.Time { return now }
	seedHistory(o, now, time.Second, 100)

	assert.Equal(t, 0.0, o.Snapshot().Momentum)
}

func TestVolatilityZeroForFlatPrices(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	o := New(nil, DefaultOptions())
	o.now = func() time.Time { return now }
	seedHistory(o, now, 2*time.Second, 100, 100, 100, 100)

	assert.Equal(t, 0.0, o.Snapshot().Volatility)
}

func TestPriceChangeOutsideToleranceIsZero(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	o := New(nil, DefaultOptions())
	o.now = func() time.Time { return now }

	// Only two points, 10 seconds apart, both far from now-5m.
	seedHistory(o, now, 10*time.Second, 100, 110)

	snap := o.Snapshot()
	assert.Equal(t, 0.0, snap.PriceChange5m)
	assert.Equal(t, 0.0, snap.PriceChange15m)
}

func TestPriceChangeWithinTolerance(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	o := New(nil, DefaultOptions())
	o.now = func() time.Time { return now }

	o.history = append(o.history,
		PricePoint{Price: price("100"), Timestamp: now.Add(-time.Minute), Source: "median"},
		PricePoint{Price: price("110"), Timestamp: now, Source: "median"},
	)

	snap := o.Snapshot()
	assert.InDelta(t, 0.10, snap.PriceChange1m, 1e-9)
}

func TestConfidenceFactors(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	o := New([]PriceSource{
		&fakeSource{name: "a", price: price("100")},
		&fakeSource{name: "b", price: price("100")},
	}, DefaultOptions())
	o.now = func() time.Time { return now }

	// 30 points of flat history, both sources live.
	for i := 0; i < 30; i++ {
		o.history = append(o.history, PricePoint{
			Price: price("100"), Timestamp: now.Add(-time.Duration(30-i) * time.Second), Source: "median",
		})
	}
	o.states["a"].lastSuccess = now
	o.states["b"].lastSuccess = now

	// data 30/60 = 0.5, sources 2/2 = 1.0, flat volatility factor = 1.0
	assert.InDelta(t, 0.5, o.Snapshot().Confidence, 1e-9)
}

func TestHealthy(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	o := New([]PriceSource{&fakeSource{name: "a", price: price("100")}}, DefaultOptions())
	o.now = func() time.Time { return now }

	assert.False(t, o.Healthy(), "stopped oracle is unhealthy")

	o.running = true
	o.states["a"].lastSuccess = now
	for i := 0; i < 12; i++ {
		o.history = append(o.history, PricePoint{
			Price: price("100"), Timestamp: now.Add(-time.Duration(12-i) * time.Second), Source: "median",
		})
	}
	assert.True(t, o.Healthy())

	// Stale last point.
	o.now = func() time.Time { return now.Add(10 * time.Second) }
	assert.False(t, o.Healthy())
}
