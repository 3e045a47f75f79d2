package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PRICE SOURCES - Independent spot price fetchers for the oracle
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each source answers one question: what does this venue think the asset
// trades at right now. The oracle polls them concurrently and takes the
// median, so a single bad source cannot poison the estimate.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	binanceAPIURL       = "https://api.binance.com/api/v3/ticker/price"
	cryptoCompareAPIURL = "https://min-api.cryptocompare.com/data/price"
	coinbaseAPIURL      = "https://api.coinbase.com/v2/prices"
)

var sourceHTTPClient = &http.Client{Timeout: 5 * time.Second}

// BinanceSource fetches the spot price from Binance.
type BinanceSource struct {
	symbol  string // e.g. "BTCUSDT"
	baseURL string
}

// NewBinanceSource creates a source for a Binance symbol.
func NewBinanceSource(symbol string) *BinanceSource {
	return &BinanceSource{symbol: symbol, baseURL: binanceAPIURL}
}

func (s *BinanceSource) Name() string { return "binance" }

func (s *BinanceSource) FetchPrice(ctx context.Context) (decimal.Decimal, error) {
	body, err := fetchJSON(ctx, fmt.Sprintf("%s?symbol=%s", s.baseURL, s.symbol))
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(result.Price)
}

// CryptoCompareSource fetches the spot price from CryptoCompare. No API key
// needed for the public endpoint.
type CryptoCompareSource struct {
	asset   string // e.g. "BTC"
	baseURL string
}

// NewCryptoCompareSource creates a source for an asset symbol.
func NewCryptoCompareSource(asset string) *CryptoCompareSource {
	return &CryptoCompareSource{asset: asset, baseURL: cryptoCompareAPIURL}
}

func (s *CryptoCompareSource) Name() string { return "cryptocompare" }

func (s *CryptoCompareSource) FetchPrice(ctx context.Context) (decimal.Decimal, error) {
	body, err := fetchJSON(ctx, fmt.Sprintf("%s?fsym=%s&tsyms=USD", s.baseURL, s.asset))
	if err != nil {
		return decimal.Zero, err
	}

	var result map[string]float64
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, err
	}
	usd, ok := result["USD"]
	if !ok {
		return decimal.Zero, fmt.Errorf("no USD quote for %s", s.asset)
	}
	return decimal.NewFromFloat(usd), nil
}

// CoinbaseSource fetches the spot price from Coinbase.
type CoinbaseSource struct {
	asset   string // e.g. "BTC"
	baseURL string
}

// NewCoinbaseSource creates a source for an asset symbol.
func NewCoinbaseSource(asset string) *CoinbaseSource {
	return &CoinbaseSource{asset: asset, baseURL: coinbaseAPIURL}
}

func (s *CoinbaseSource) Name() string { return "coinbase" }

func (s *CoinbaseSource) FetchPrice(ctx context.Context) (decimal.Decimal, error) {
	body, err := fetchJSON(ctx, fmt.Sprintf("%s/%s-USD/spot", s.baseURL, s.asset))
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		Data struct {
			Amount string `json:"amount"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(result.Data.Amount)
}

func fetchJSON(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := sourceHTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}
