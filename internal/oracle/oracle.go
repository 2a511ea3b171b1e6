// Package oracle resolves crypto/USD prices from public market APIs with a
// short TTL cache, so bet and cash-out conversions never block on the
// network for every request and never stall the round clock.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrUnavailable         = errors.New("price oracle unavailable")
)

// coingeckoIDs maps wallet currency codes to CoinGecko asset ids.
var coingeckoIDs = map[string]string{
	"BTC": "bitcoin",
	"ETH": "ethereum",
}

// binanceSymbols maps wallet currency codes to Binance spot tickers, used as
// the fallback provider when CoinGecko is unreachable.
var binanceSymbols = map[string]string{
	"BTC": "BTCUSDT",
	"ETH": "ETHUSDT",
}

type Config struct {
	CoinGeckoURL string
	BinanceURL   string
	TTL          time.Duration
	Timeout      time.Duration
}

type cacheEntry struct {
	price decimal.Decimal
	at    time.Time
}

// Client fetches USD prices with a per-symbol TTL cache. Callers tolerate a
// staleness window of up to Config.TTL.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry

	fetchMu sync.Mutex
	fetches map[string]*sync.Mutex

	now func() time.Time
}

func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CoinGeckoURL == "" {
		cfg.CoinGeckoURL = "https://api.coingecko.com/api/v3"
	}
	if cfg.BinanceURL == "" {
		cfg.BinanceURL = "https://api.binance.com"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     logger,
		cache:   make(map[string]cacheEntry),
		fetches: make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// fetchLock serializes network fetches per symbol so concurrent cache misses
// collapse into one provider call.
func (c *Client) fetchLock(symbol string) *sync.Mutex {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	l, ok := c.fetches[symbol]
	if !ok {
		l = &sync.Mutex{}
		c.fetches[symbol] = l
	}
	return l
}

// Supported reports whether a currency code has a price mapping.
func Supported(symbol string) bool {
	_, ok := coingeckoIDs[symbol]
	return ok
}

// Price returns the current USD price for a currency code. Cached values
// within the TTL are served without a network call.
func (c *Client) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if !Supported(symbol) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, symbol)
	}

	if price, ok := c.cached(symbol); ok {
		return price, nil
	}

	lock := c.fetchLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have completed the fetch while we waited.
	if price, ok := c.cached(symbol); ok {
		return price, nil
	}

	price, err := c.fetch(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	c.mu.Lock()
	c.cache[symbol] = cacheEntry{price: price, at: c.now()}
	c.mu.Unlock()
	return price, nil
}

func (c *Client) cached(symbol string) (decimal.Decimal, bool) {
	c.mu.Lock()
	entry, ok := c.cache[symbol]
	c.mu.Unlock()
	if !ok || c.now().Sub(entry.at) >= c.cfg.TTL {
		return decimal.Zero, false
	}
	return entry.price, true
}

// ConvertUSDToCrypto converts a positive USD amount at the current price.
func (c *Client) ConvertUSDToCrypto(ctx context.Context, usd decimal.Decimal, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	price, err := c.Price(ctx, symbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return usd.Div(price), price, nil
}

// ConvertCryptoToUSD converts a crypto amount at the current price.
func (c *Client) ConvertCryptoToUSD(ctx context.Context, amount decimal.Decimal, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	price, err := c.Price(ctx, symbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return amount.Mul(price), price, nil
}

// fetch tries the primary provider with a short retry, then the fallback.
func (c *Client) fetch(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return decimal.Zero, ctx.Err()
			case <-time.After(time.Duration(1<<uint(attempt-1)) * 250 * time.Millisecond):
			}
		}
		price, err := c.fetchCoinGecko(ctx, symbol)
		if err == nil {
			return price, nil
		}
		lastErr = err
		c.log.Warn("coingecko fetch failed", "symbol", symbol, "attempt", attempt+1, "err", err)
	}

	price, err := c.fetchBinance(ctx, symbol)
	if err == nil {
		c.log.Info("price served by fallback provider", "symbol", symbol)
		return price, nil
	}
	c.log.Warn("binance fetch failed", "symbol", symbol, "err", err)
	return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Client) fetchCoinGecko(ctx context.Context, symbol string) (decimal.Decimal, error) {
	id := coingeckoIDs[symbol]
	u := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", c.cfg.CoinGeckoURL, url.QueryEscape(id))
	body, err := c.get(ctx, u)
	if err != nil {
		return decimal.Zero, err
	}

	var payload map[string]map[string]json.Number
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("decode response: %w", err)
	}
	raw, ok := payload[id]["usd"]
	if !ok {
		return decimal.Zero, fmt.Errorf("no usd price for %s in response", id)
	}
	price, err := decimal.NewFromString(raw.String())
	if err != nil || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid price %q for %s", raw.String(), symbol)
	}
	return price, nil
}

func (c *Client) fetchBinance(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ticker := binanceSymbols[symbol]
	u := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", c.cfg.BinanceURL, url.QueryEscape(ticker))
	body, err := c.get(ctx, u)
	if err != nil {
		return decimal.Zero, err
	}

	var payload struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("decode response: %w", err)
	}
	price, err := decimal.NewFromString(payload.Price)
	if err != nil || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid price %q for %s", payload.Price, ticker)
	}
	return price, nil
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "crashd/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
