package oracle

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is the oracle's derived view at one instant. Recomputed from the
// history buffer on every call, never cached.
type Snapshot struct {
	CurrentPrice   decimal.Decimal
	PriceChange1m  float64
	PriceChange5m  float64
	PriceChange15m float64
	Momentum       float64 // [-1, 1]
	Volatility     float64 // hourly-equivalent, percent
	ProbUp         float64 // [0.05, 0.95]
	ProbDown       float64 // 1 - ProbUp
	Confidence     float64 // [0, 1]
	ActiveSources  int
	Timestamp      time.Time // zero until at least one aggregated point exists
}

// Snapshot derives the current directional estimate from stored history.
func (o *Oracle) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	now := o.now()
	snap := Snapshot{ActiveSources: o.activeSourcesLocked()}

	// No data yet. The zero Timestamp lets consumers tell "never fetched"
	// apart from "fetched a while ago"; both must fail freshness checks.
	if len(o.history) == 0 {
		snap.ProbUp = 0.5
		snap.ProbDown = 0.5
		return snap
	}

	last := o.history[len(o.history)-1]
	snap.CurrentPrice = last.Price
	snap.Timestamp = last.Timestamp

	snap.PriceChange1m = o.priceChange(now, time.Minute)
	snap.PriceChange5m = o.priceChange(now, 5*time.Minute)
	snap.PriceChange15m = o.priceChange(now, 15*time.Minute)

	snap.Momentum = o.momentum(now)
	snap.Volatility = o.volatility(now)

	snap.ProbUp = probUp(snap.Momentum, snap.Volatility)
	snap.ProbDown = 1 - snap.ProbUp

	snap.Confidence = o.confidence(snap.Volatility)

	return snap
}

// priceChange returns the fractional change against the history point closest
// to now-offset. A point outside the tolerance window contributes 0.
func (o *Oracle) priceChange(now time.Time, offset time.Duration) float64 {
	target := now.Add(-offset)

	var best *PricePoint
	bestDist := o.opts.OffsetTolerance
	for i := range o.history {
		dist := o.history[i].Timestamp.Sub(target)
		if dist < 0 {
			dist = -dist
		}
		if dist <= bestDist {
			best = &o.history[i]
			bestDist = dist
		}
	}
	if best == nil || !best.Price.IsPositive() {
		return 0
	}

	current := o.history[len(o.history)-1].Price
	change, _ := current.Sub(best.Price).Div(best.Price).Float64()
	return change
}

// momentum fits an OLS line over the momentum window, normalizes the slope to
// a per-second fractional rate, scales and clamps it to [-1, 1].
func (o *Oracle) momentum(now time.Time) float64 {
	cutoff := now.Add(-o.opts.MomentumWindow)
	var ts, ps []float64
	var t0 time.Time

	for _, pt := range o.history {
		if pt.Timestamp.Before(cutoff) {
			continue
		}
		if t0.IsZero() {
			t0 = pt.Timestamp
		}
		ts = append(ts, pt.Timestamp.Sub(t0).Seconds())
		ps = append(ps, pt.Price.InexactFloat64())
	}
	if len(ps) < 2 {
		return 0
	}

	n := float64(len(ps))
	var sumT, sumP, sumTP, sumTT float64
	for i := range ps {
		sumT += ts[i]
		sumP += ps[i]
		sumTP += ts[i] * ps[i]
		sumTT += ts[i] * ts[i]
	}
	denom := n*sumTT - sumT*sumT
	if denom == 0 {
		return 0
	}
	slope := (n*sumTP - sumT*sumP) / denom

	avg := sumP / n
	if avg == 0 {
		return 0
	}

	m := slope / avg * o.opts.MomentumScale
	return clamp(m, -1, 1)
}

// volatility is the stddev of successive fractional returns in the window,
// scaled by sqrt(3600) to an hourly-equivalent percentage.
func (o *Oracle) volatility(now time.Time) float64 {
	cutoff := now.Add(-o.opts.VolatilityWindow)
	var prices []float64
	for _, pt := range o.history {
		if pt.Timestamp.Before(cutoff) {
			continue
		}
		prices = append(prices, pt.Price.InexactFloat64())
	}
	if len(prices) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			continue
		}
		returns = append(returns, (prices[i]-prices[i-1])/prices[i-1])
	}
	if len(returns) < 1 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var sq float64
	for _, r := range returns {
		sq += (r - mean) * (r - mean)
	}
	std := math.Sqrt(sq / float64(len(returns)))

	return std * math.Sqrt(3600) * 100
}

// probUp converts momentum and volatility into a directional probability.
// Higher volatility compresses the estimate toward 0.5, and the 0.2/0.8
// dampening bands halve any excess beyond them before the final clamp.
func probUp(momentum, volatility float64) float64 {
	momentumFactor := (momentum + 1) / 2
	volatilityFactor := math.Max(0, 1-volatility/10)

	p := 0.5 + (momentumFactor-0.5)*volatilityFactor

	if p > 0.8 {
		p = 0.8 + (p-0.8)/2
	} else if p < 0.2 {
		p = 0.2 - (0.2-p)/2
	}

	return clamp(p, 0.05, 0.95)
}

// confidence is the product of data-sufficiency, source-sufficiency and a
// volatility dampener, each in [0, 1].
func (o *Oracle) confidence(volatility float64) float64 {
	dataFactor := math.Min(1, float64(len(o.history))/60)
	sourceFactor := math.Min(1, float64(o.activeSourcesLocked())/2)
	volFactor := math.Max(0.3, 1-volatility/20)
	return dataFactor * sourceFactor * volFactor
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
