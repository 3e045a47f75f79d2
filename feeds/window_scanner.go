package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WINDOW SCANNER - Discovers active Up/Down crypto windows
// ═══════════════════════════════════════════════════════════════════════════════
//
// Polls the markets API for short-horizon crypto windows ("BTC Up or Down -
// 3:15pm ET") and tracks the live one per asset. The detector trades the
// UP/DOWN token pair of the current window; when a window rolls over the
// scanner emits the new pair so downstream components can switch.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	gammaAPIURL    = "https://gamma-api.polymarket.com"
	windowScanFreq = 10 * time.Second
)

// Window is one tradeable Up/Down market window.
type Window struct {
	ID          string          // Condition ID
	Asset       string          // "BTC", "ETH", "SOL"
	UpTokenID   string          // Token ID for the Up outcome
	DownTokenID string          // Token ID for the Down outcome
	PriceToBeat decimal.Decimal // Strike extracted from the question
	EndTime     time.Time       // When the window resolves
	Question    string
	LastUpdated time.Time
}

// TimeRemaining returns the duration until the window resolves.
func (w *Window) TimeRemaining() time.Duration {
	return time.Until(w.EndTime)
}

// IsExpired reports whether the window has resolved.
func (w *Window) IsExpired() bool {
	return time.Now().After(w.EndTime)
}

// WindowScanner polls for windows and tracks the current one per asset.
type WindowScanner struct {
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}

	apiURL string
	asset  string
	client *http.Client

	current     *Window
	subscribers []chan *Window
}

// NewWindowScanner creates a scanner for one asset symbol.
func NewWindowScanner(asset string) *WindowScanner {
	return &WindowScanner{
		apiURL: gammaAPIURL,
		asset:  strings.ToUpper(asset),
		client: &http.Client{Timeout: 10 * time.Second},
		stopCh: make(chan struct{}),
	}
}

// Start begins scanning in the background.
func (s *WindowScanner) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.scanLoop()
	log.Info().Str("asset", s.asset).Msg("🔍 Window scanner started")
}

// Stop halts scanning.
func (s *WindowScanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.running = false
	close(s.stopCh)
	log.Info().Msg("Window scanner stopped")
}

// Subscribe returns a channel receiving each newly discovered window.
func (s *WindowScanner) Subscribe() chan *Window {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan *Window, 16)
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// Current returns the live window, or nil when none is active.
func (s *WindowScanner) Current() *Window {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil || s.current.IsExpired() {
		return nil
	}
	return s.current
}

func (s *WindowScanner) scanLoop() {
	ticker := time.NewTicker(windowScanFreq)
	defer ticker.Stop()

	s.fetchWindows(context.Background())

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.fetchWindows(context.Background())
		}
	}
}

// marketRecord is the subset of the markets API response the scanner needs.
type marketRecord struct {
	ConditionID string    `json:"condition_id"`
	Question    string    `json:"question"`
	EndDate     time.Time `json:"end_date_iso"`
	Tokens      []struct {
		TokenID string `json:"token_id"`
		Outcome string `json:"outcome"`
	} `json:"tokens"`
}

// fetchWindows queries the API and adopts the soonest-ending matching window.
func (s *WindowScanner) fetchWindows(ctx context.Context) {
	url := fmt.Sprintf("%s/markets?active=true&closed=false", s.apiURL)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to fetch markets")
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}

	var markets []marketRecord
	if err := json.Unmarshal(body, &markets); err != nil {
		log.Debug().Err(err).Msg("Failed to parse markets")
		return
	}

	best := s.selectWindow(markets)
	if best != nil {
		s.adoptWindow(best)
	}
}

// selectWindow picks the unexpired matching window that resolves soonest.
func (s *WindowScanner) selectWindow(markets []marketRecord) *Window {
	var best *Window
	now := time.Now()

	for _, m := range markets {
		w := s.parseMarket(m)
		if w == nil || !w.EndTime.After(now) {
			continue
		}
		if best == nil || w.EndTime.Before(best.EndTime) {
			best = w
		}
	}
	return best
}

// parseMarket converts one API record into a Window, or nil if it is not an
// Up/Down window for our asset.
func (s *WindowScanner) parseMarket(m marketRecord) *Window {
	q := strings.ToUpper(m.Question)
	if !strings.Contains(q, s.asset) {
		return nil
	}
	if !strings.Contains(q, "UP OR DOWN") && !strings.Contains(q, "ABOVE") {
		return nil
	}

	var upTokenID, downTokenID string
	for _, t := range m.Tokens {
		switch strings.ToUpper(t.Outcome) {
		case "UP", "YES":
			upTokenID = t.TokenID
		case "DOWN", "NO":
			downTokenID = t.TokenID
		}
	}
	if upTokenID == "" || downTokenID == "" {
		return nil
	}

	return &Window{
		ID:          m.ConditionID,
		Asset:       s.asset,
		UpTokenID:   upTokenID,
		DownTokenID: downTokenID,
		PriceToBeat: extractPriceFromQuestion(m.Question),
		EndTime:     m.EndDate,
		Question:    m.Question,
		LastUpdated: time.Now(),
	}
}

// adoptWindow stores the window and broadcasts it if it is new.
func (s *WindowScanner) adoptWindow(w *Window) {
	s.mu.Lock()
	isNew := s.current == nil || s.current.ID != w.ID
	s.current = w
	subs := s.subscribers
	s.mu.Unlock()

	if !isNew {
		return
	}

	log.Info().
		Str("asset", w.Asset).
		Str("id", w.ID).
		Dur("remaining", w.TimeRemaining()).
		Msg("🎯 New window detected")

	for _, ch := range subs {
		select {
		case ch <- w:
		default:
		}
	}
}

// extractPriceFromQuestion parses "BTC above $105,000" into 105000.
func extractPriceFromQuestion(question string) decimal.Decimal {
	parts := strings.Split(question, "$")
	if len(parts) < 2 {
		return decimal.Zero
	}

	var priceStr strings.Builder
	for _, c := range parts[1] {
		if (c >= '0' && c <= '9') || c == '.' {
			priceStr.WriteRune(c)
		} else if c == ',' {
			continue
		} else {
			break
		}
	}

	price, err := decimal.NewFromString(priceStr.String())
	if err != nil {
		return decimal.Zero
	}
	return price
}
