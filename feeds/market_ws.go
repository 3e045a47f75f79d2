package feeds

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dappboris-dev/polymarket-trading-bot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET WEBSOCKET FEED
// ═══════════════════════════════════════════════════════════════════════════════
//
// Streams live orderbook and price events for the tracked instruments.
// Connection state is an explicit machine so callers can tell "never
// connected" apart from "reconnecting". Malformed payloads are logged
// and dropped, never dispatched.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	MarketWSURL    = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// ConnState is the feed's connection lifecycle state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handlers receive validated events from the feed. Nil handlers are skipped.
type Handlers struct {
	// OnDepth delivers a full orderbook replacement for an instrument.
	OnDepth func(instrumentID string, bids, asks []types.OrderLevel)

	// OnTopOfBook delivers a best-price update for an instrument.
	OnTopOfBook func(instrumentID string, price decimal.Decimal)

	// OnOracle delivers an external probability estimate.
	OnOracle func(probUp, probDown float64)
}

// MarketFeed manages the WebSocket connection and event dispatch.
type MarketFeed struct {
	mu sync.RWMutex

	wsURL    string
	conn     *websocket.Conn
	state    ConnState
	running  bool
	stopCh   chan struct{}
	handlers Handlers

	// Instrument IDs to subscribe to on (re)connect.
	assets []string
}

// NewMarketFeed creates a feed dispatching to the given handlers.
func NewMarketFeed(handlers Handlers) *MarketFeed {
	return &MarketFeed{
		wsURL:    MarketWSURL,
		state:    StateDisconnected,
		stopCh:   make(chan struct{}),
		handlers: handlers,
	}
}

// SetAssets replaces the instrument set and resubscribes if connected.
func (f *MarketFeed) SetAssets(assetIDs []string) {
	f.mu.Lock()
	f.assets = append([]string(nil), assetIDs...)
	conn := f.conn
	state := f.state
	f.mu.Unlock()

	if state == StateConnected && conn != nil {
		if err := f.sendSubscribe(conn, assetIDs); err != nil {
			log.Warn().Err(err).Msg("Resubscribe failed")
		}
	}
}

// Start begins connecting and processing in the background.
func (f *MarketFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Msg("📡 Market feed started")
}

// Stop closes the connection and halts reconnection.
func (f *MarketFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}

	f.running = false
	close(f.stopCh)

	if f.conn != nil {
		f.conn.Close()
	}
	f.state = StateDisconnected

	log.Info().Msg("Market feed stopped")
}

// State returns the current connection state.
func (f *MarketFeed) State() ConnState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// connectionLoop keeps the connection alive until Stop.
func (f *MarketFeed) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Error().Err(err).Msg("Connection failed, retrying...")
			f.setState(StateDisconnected)
			time.Sleep(reconnectDelay)
			continue
		}

		f.readLoop()
		f.setState(StateDisconnected)
		time.Sleep(reconnectDelay)
	}
}

func (f *MarketFeed) setState(s ConnState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// connect dials, subscribes, and starts the ping loop.
func (f *MarketFeed) connect() error {
	f.setState(StateConnecting)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.state = StateConnected
	assets := append([]string(nil), f.assets...)
	f.mu.Unlock()

	log.Info().Int("assets", len(assets)).Msg("🔌 WebSocket connected")

	if len(assets) > 0 {
		if err := f.sendSubscribe(conn, assets); err != nil {
			conn.Close()
			return err
		}
	}

	go f.pingLoop(conn)
	return nil
}

func (f *MarketFeed) sendSubscribe(conn *websocket.Conn, assetIDs []string) error {
	msg := map[string]interface{}{
		"type":       "subscribe",
		"channel":    "market",
		"assets_ids": assetIDs,
	}
	return conn.WriteJSON(msg)
}

// pingLoop keeps the connection alive with periodic pings.
func (f *MarketFeed) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.mu.RLock()
			current := f.conn
			f.mu.RUnlock()
			if current != conn {
				return
			}
			conn.WriteMessage(websocket.PingMessage, nil)
		}
	}
}

// readLoop reads and dispatches until the connection drops.
func (f *MarketFeed) readLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("Read error")
			return
		}

		f.processMessage(message)
	}
}

// wsMessage is the tagged wire envelope. EventType selects the payload shape.
type wsMessage struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Price     string `json:"price"`

	Bids []wsLevel `json:"bids"`
	Asks []wsLevel `json:"asks"`

	ProbUp   *float64 `json:"prob_up"`
	ProbDown *float64 `json:"prob_down"`
}

type wsLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// processMessage validates and dispatches one frame. Frames may carry a
// single event or an array of events.
func (f *MarketFeed) processMessage(data []byte) {
	var msgs []wsMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Str("payload", truncate(string(data), 200)).Msg("Unparseable frame dropped")
			return
		}
		msgs = []wsMessage{msg}
	}

	for _, msg := range msgs {
		if err := f.dispatch(msg); err != nil {
			log.Warn().Err(err).Str("event_type", msg.EventType).Msg("Invalid event dropped")
		}
	}
}

func (f *MarketFeed) dispatch(msg wsMessage) error {
	switch msg.EventType {
	case "book":
		return f.handleBook(msg)
	case "price_change", "last_trade_price":
		return f.handlePrice(msg)
	case "oracle_update":
		return f.handleOracle(msg)
	case "":
		return fmt.Errorf("missing event_type")
	default:
		// Unknown event types are ignored, not errors. The venue adds
		// new ones without notice.
		return nil
	}
}

func (f *MarketFeed) handleBook(msg wsMessage) error {
	if msg.AssetID == "" {
		return fmt.Errorf("book event without asset_id")
	}

	bids, err := parseLevels(msg.Bids)
	if err != nil {
		return fmt.Errorf("bad bids: %w", err)
	}
	asks, err := parseLevels(msg.Asks)
	if err != nil {
		return fmt.Errorf("bad asks: %w", err)
	}

	if f.handlers.OnDepth != nil {
		f.handlers.OnDepth(msg.AssetID, bids, asks)
	}
	return nil
}

func (f *MarketFeed) handlePrice(msg wsMessage) error {
	if msg.AssetID == "" {
		return fmt.Errorf("price event without asset_id")
	}

	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return fmt.Errorf("bad price %q: %w", msg.Price, err)
	}
	if price.IsNegative() || price.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("price %s outside [0,1]", price)
	}

	if f.handlers.OnTopOfBook != nil {
		f.handlers.OnTopOfBook(msg.AssetID, price)
	}
	return nil
}

func (f *MarketFeed) handleOracle(msg wsMessage) error {
	if msg.ProbUp == nil || msg.ProbDown == nil {
		return fmt.Errorf("oracle event missing probabilities")
	}
	up, down := *msg.ProbUp, *msg.ProbDown
	if up < 0 || up > 1 || down < 0 || down > 1 {
		return fmt.Errorf("probabilities out of range: up=%f down=%f", up, down)
	}

	if f.handlers.OnOracle != nil {
		f.handlers.OnOracle(up, down)
	}
	return nil
}

func parseLevels(raw []wsLevel) ([]types.OrderLevel, error) {
	levels := make([]types.OrderLevel, 0, len(raw))
	for _, l := range raw {
		price, err := decimal.NewFromString(l.Price)
		if err != nil {
			return nil, fmt.Errorf("level price %q: %w", l.Price, err)
		}
		size, err := decimal.NewFromString(l.Size)
		if err != nil {
			return nil, fmt.Errorf("level size %q: %w", l.Size, err)
		}
		if size.IsNegative() {
			return nil, fmt.Errorf("negative size %s", size)
		}
		levels = append(levels, types.OrderLevel{Price: price, Size: size})
	}
	return levels, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
