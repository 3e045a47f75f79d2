package exec

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dappboris-dev/polymarket-trading-bot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// VENUE EXECUTION CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Order placement and management against the Polymarket CLOB API. An order
// leaving the open set is the only fill/cancel signal; there is no direct
// fill-price feed.
//
// Dry-run mode keeps a local open-order set so the OCO monitor behaves the
// same against paper orders as against live ones.
//
// ═══════════════════════════════════════════════════════════════════════════════

const DefaultCLOBURL = "https://clob.polymarket.com"

// Config carries venue credentials. All fields optional in dry-run mode.
type Config struct {
	BaseURL    string
	PrivateKey string
	APIKey     string
	APISecret  string
	Passphrase string
	DryRun     bool
}

type Client struct {
	baseURL    string
	privateKey *ecdsa.PrivateKey
	address    string
	apiKey     string
	apiSecret  string
	passphrase string
	dryRun     bool
	httpClient *http.Client

	// dry-run open-order simulation
	mu       sync.Mutex
	dryOpen  map[string]bool
	dryCount int
}

// NewClient creates an execution client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultCLOBURL
	}

	client := &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		passphrase: cfg.Passphrase,
		dryRun:     cfg.DryRun,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dryOpen:    make(map[string]bool),
	}

	if cfg.PrivateKey != "" {
		pk, err := crypto.HexToECDSA(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		client.privateKey = pk
		client.address = crypto.PubkeyToAddress(pk.PublicKey).Hex()
	}

	mode := "LIVE"
	if cfg.DryRun {
		mode = "DRY RUN"
	}
	log.Info().
		Str("mode", mode).
		Str("address", client.address).
		Msg("🚀 Execution client initialized")

	return client, nil
}

// SubmitOrder places a limit order and returns its id.
func (c *Client) SubmitOrder(ctx context.Context, tokenID, side string, price, size decimal.Decimal) (string, error) {
	if c.dryRun {
		return c.drySubmit(tokenID, side, price, size), nil
	}

	order := map[string]interface{}{
		"tokenID":       tokenID,
		"price":         price.String(),
		"size":          size.String(),
		"side":          side,
		"expiration":    time.Now().Add(24 * time.Hour).Unix(),
		"nonce":         time.Now().UnixNano(),
		"feeRateBps":    "0",
		"signatureType": 2,
	}

	signature, err := c.signOrder(order)
	if err != nil {
		return "", fmt.Errorf("signing failed: %w", err)
	}
	order["signature"] = signature

	resp, err := c.post(ctx, "/order", order)
	if err != nil {
		return "", err
	}

	var result struct {
		OrderID string `json:"orderID"`
		Status  string `json:"status"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("API error: %s", result.Error)
	}

	log.Info().
		Str("order_id", result.OrderID).
		Str("side", side).
		Str("price", price.StringFixed(4)).
		Str("size", size.StringFixed(2)).
		Msg("✅ Order placed")

	return result.OrderID, nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.mu.Lock()
		delete(c.dryOpen, orderID)
		c.mu.Unlock()
		log.Info().Str("order_id", orderID).Msg("📝 DRY RUN: Order cancelled")
		return nil
	}

	_, err := c.delete(ctx, "/order/"+orderID)
	return err
}

// ListOpenOrders returns the set of currently open order ids.
func (c *Client) ListOpenOrders(ctx context.Context) (map[string]bool, error) {
	if c.dryRun {
		c.mu.Lock()
		defer c.mu.Unlock()
		out := make(map[string]bool, len(c.dryOpen))
		for id := range c.dryOpen {
			out[id] = true
		}
		return out, nil
	}

	resp, err := c.get(ctx, "/orders?status=live")
	if err != nil {
		return nil, err
	}

	var orders []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp, &orders); err != nil {
		return nil, err
	}

	open := make(map[string]bool, len(orders))
	for _, o := range orders {
		open[o.ID] = true
	}
	return open, nil
}

// GetBalance returns the funding balances for the configured account.
func (c *Client) GetBalance(ctx context.Context) (types.Balance, error) {
	if c.dryRun {
		return types.Balance{
			USDC:  decimal.NewFromInt(1000),
			Matic: decimal.NewFromInt(10),
		}, nil
	}

	resp, err := c.get(ctx, "/balance")
	if err != nil {
		return types.Balance{}, err
	}

	var result struct {
		Balance    string `json:"balance"`
		GasBalance string `json:"gas_balance"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return types.Balance{}, err
	}

	usdc, _ := decimal.NewFromString(result.Balance)
	matic, _ := decimal.NewFromString(result.GasBalance)
	return types.Balance{USDC: usdc, Matic: matic}, nil
}

// IsDryRun returns true if in paper mode.
func (c *Client) IsDryRun() bool {
	return c.dryRun
}

// drySubmit simulates the venue: buys fill instantly, sells rest open.
func (c *Client) drySubmit(tokenID, side string, price, size decimal.Decimal) string {
	c.mu.Lock()
	c.dryCount++
	orderID := fmt.Sprintf("DRY_%d_%d", time.Now().UnixNano(), c.dryCount)
	if side == types.SideSell {
		c.dryOpen[orderID] = true
	}
	c.mu.Unlock()

	short := tokenID
	if len(short) > 16 {
		short = short[:16] + "..."
	}
	log.Info().
		Str("order_id", orderID).
		Str("token", short).
		Str("side", side).
		Str("price", price.StringFixed(4)).
		Str("size", size.StringFixed(2)).
		Msg("📝 DRY RUN: Order placed")
	return orderID
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	jsonBody, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) delete(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "DELETE", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) addHeaders(req *http.Request) {
	timestamp := fmt.Sprintf("%d", time.Now().Unix())

	req.Header.Set("POLY_API_KEY", c.apiKey)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", c.passphrase)

	if c.apiSecret != "" {
		message := timestamp + req.Method + req.URL.Path
		req.Header.Set("POLY_SIGNATURE", c.hmacSign(message))
	}
}

func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNING
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) signOrder(order map[string]interface{}) (string, error) {
	if c.privateKey == nil {
		return "", fmt.Errorf("private key not loaded")
	}

	orderBytes, _ := json.Marshal(order)
	hash := crypto.Keccak256(orderBytes)

	sig, err := crypto.Sign(hash, c.privateKey)
	if err != nil {
		return "", err
	}

	return hexutil.Encode(sig), nil
}

func (c *Client) hmacSign(message string) string {
	hash := crypto.Keccak256([]byte(message + c.apiSecret))
	return hexutil.Encode(hash)
}
