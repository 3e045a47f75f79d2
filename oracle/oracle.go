package oracle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PRICE ORACLE - Multi-source price aggregation
// ═══════════════════════════════════════════════════════════════════════════════
//
// Polls every configured source concurrently, takes the median of the prices
// that came back, and appends it to a bounded history. Momentum, volatility
// and the directional probability are derived lazily from that history on
// each Snapshot call.
//
// ═══════════════════════════════════════════════════════════════════════════════

// PriceSource is one independent upstream price feed.
type PriceSource interface {
	Name() string
	FetchPrice(ctx context.Context) (decimal.Decimal, error)
}

// PricePoint is one aggregated history sample. Immutable once recorded.
type PricePoint struct {
	Price     decimal.Decimal
	Timestamp time.Time
	Source    string
}

// Options tunes the oracle's polling and windows.
type Options struct {
	FetchInterval    time.Duration
	HistorySize      int
	MomentumWindow   time.Duration
	VolatilityWindow time.Duration
	MomentumScale    float64
	OffsetTolerance  time.Duration
}

// DefaultOptions returns the production configuration.
func DefaultOptions() Options {
	return Options{
		FetchInterval:    2 * time.Second,
		HistorySize:      300,
		MomentumWindow:   60 * time.Second,
		VolatilityWindow: 120 * time.Second,
		MomentumScale:    1000,
		OffsetTolerance:  30 * time.Second,
	}
}

type sourceState struct {
	lastSuccess time.Time
	failures    int
}

// Oracle aggregates independent price sources into a directional estimate.
type Oracle struct {
	mu sync.RWMutex

	sources []PriceSource
	opts    Options

	history []PricePoint
	states  map[string]*sourceState

	running bool
	stopCh  chan struct{}

	now func() time.Time
}

// New creates an oracle over the given sources.
func New(sources []PriceSource, opts Options) *Oracle {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 300
	}
	o := &Oracle{
		sources: sources,
		opts:    opts,
		history: make([]PricePoint, 0, opts.HistorySize),
		states:  make(map[string]*sourceState),
		now:     time.Now,
	}
	for _, s := range sources {
		o.states[s.Name()] = &sourceState{}
	}
	return o
}

// Start fetches once synchronously, then polls on the configured interval.
func (o *Oracle) Start(ctx context.Context) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.mu.Unlock()

	o.fetchCycle(ctx)

	go o.pollLoop(ctx)
	log.Info().Int("sources", len(o.sources)).Dur("interval", o.opts.FetchInterval).Msg("🔮 Oracle started")
}

// Stop cancels the polling schedule. Idempotent.
func (o *Oracle) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.running {
		return
	}
	o.running = false
	close(o.stopCh)
	log.Info().Msg("Oracle stopped")
}

func (o *Oracle) pollLoop(ctx context.Context) {
	o.mu.RLock()
	stopCh := o.stopCh
	o.mu.RUnlock()

	ticker := time.NewTicker(o.opts.FetchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.fetchCycle(ctx)
		}
	}
}

// fetchCycle queries all sources concurrently and appends the median price.
// The cycle succeeds if at least one source returned a positive price.
func (o *Oracle) fetchCycle(ctx context.Context) {
	prices := make([]decimal.Decimal, len(o.sources))
	errs := make([]error, len(o.sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range o.sources {
		g.Go(func() error {
			prices[i], errs[i] = src.FetchPrice(gctx)
			return nil
		})
	}
	_ = g.Wait()

	now := o.now()

	o.mu.Lock()
	defer o.mu.Unlock()

	valid := make([]decimal.Decimal, 0, len(o.sources))
	for i, src := range o.sources {
		state := o.states[src.Name()]
		if errs[i] != nil || !prices[i].IsPositive() {
			state.failures++
			if errs[i] != nil {
				log.Debug().Str("source", src.Name()).Err(errs[i]).Msg("Price fetch failed")
			}
			continue
		}
		state.lastSuccess = now
		state.failures = 0
		valid = append(valid, prices[i])
	}

	if len(valid) == 0 {
		log.Warn().Msg("⚠️ All price sources failed this cycle")
		return
	}

	o.history = append(o.history, PricePoint{
		Price:     median(valid),
		Timestamp: now,
		Source:    "median",
	})
	if len(o.history) > o.opts.HistorySize {
		o.history = o.history[len(o.history)-o.opts.HistorySize:]
	}
}

// median returns the middle value, averaging the two central values for an
// even count. Robust against a single outlier source.
func median(prices []decimal.Decimal) decimal.Decimal {
	sorted := make([]decimal.Decimal, len(prices))
	copy(sorted, prices)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LessThan(sorted[j])
	})

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}

// ActiveSources counts sources with a recent successful fetch.
func (o *Oracle) ActiveSources() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.activeSourcesLocked()
}

func (o *Oracle) activeSourcesLocked() int {
	cutoff := o.now().Add(-3 * o.opts.FetchInterval)
	active := 0
	for _, st := range o.states {
		if st.lastSuccess.After(cutoff) {
			active++
		}
	}
	return active
}

// SourceHealth is the per-source view exposed for status reporting.
type SourceHealth struct {
	Name        string
	LastSuccess time.Time
	Failures    int
}

// SourceStatus returns a snapshot of every source's health, in source order.
func (o *Oracle) SourceStatus() []SourceHealth {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]SourceHealth, 0, len(o.sources))
	for _, s := range o.sources {
		st := o.states[s.Name()]
		out = append(out, SourceHealth{
			Name:        s.Name(),
			LastSuccess: st.lastSuccess,
			Failures:    st.failures,
		})
	}
	return out
}

// Healthy reports whether the oracle output should be trusted: running, at
// least one live source, more than 10 history points, and a fresh last point.
func (o *Oracle) Healthy() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if !o.running || o.activeSourcesLocked() < 1 || len(o.history) <= 10 {
		return false
	}
	last := o.history[len(o.history)-1]
	return o.now().Sub(last.Timestamp) < 5*time.Second
}

// HistoryLen returns the current number of stored points.
func (o *Oracle) HistoryLen() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.history)
}
