// Package wowmax is a client for the WOWMAX aggregator HTTP API: swap
// calldata quotes and the token price list.
package wowmax

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/gateway-fm/questrunner/internal/contracts"
	"github.com/gateway-fm/questrunner/internal/jitter"
)

const (
	DefaultBaseURL = "https://api-gateway.wowmax.exchange"

	// DefaultSlippage is the slippage tolerance in percent sent with quotes.
	DefaultSlippage = 5
)

// Fallback price band used when the price feed is unavailable.
const (
	FallbackPriceMin = 2200
	FallbackPriceMax = 2400
)

// Config configures the API client.
type Config struct {
	BaseURL  string
	Slippage int

	// PriceAttempts and PriceRetryDelay bound ETHPrice.
	PriceAttempts   int
	PriceRetryDelay time.Duration

	HTTPClient *http.Client
	Rand       *rand.Rand
	Logger     *slog.Logger
}

// Client talks to the aggregator API. It is safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// New creates a client. Zero-valued fields get defaults.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Slippage <= 0 {
		cfg.Slippage = DefaultSlippage
	}
	if cfg.PriceAttempts <= 0 {
		cfg.PriceAttempts = 3
	}
	if cfg.PriceRetryDelay <= 0 {
		cfg.PriceRetryDelay = 5 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	rnd := cfg.Rand
	if rnd == nil {
		rnd = jitter.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, http: httpClient, rnd: rnd, logger: logger.With(slog.String("component", "wowmax"))}
}

// Quote is the part of a swap quote the runner submits.
type Quote struct {
	Data hexutil.Bytes `json:"data"`
}

type tokenPrice struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// Quote fetches router calldata for swapping ether units of from into to.
func (c *Client) Quote(ctx context.Context, from, to contracts.Descriptor, ether decimal.Decimal) (*Quote, error) {
	q := url.Values{
		"from":     {from.QuoteSymbol()},
		"to":       {to.QuoteSymbol()},
		"amount":   {ether.String()},
		"slippage": {strconv.Itoa(c.cfg.Slippage)},
	}
	endpoint := fmt.Sprintf("%s/chains/%d/swap?%s", c.cfg.BaseURL, contracts.ChainID, q.Encode())

	var quote Quote
	if err := c.get(ctx, endpoint, &quote); err != nil {
		return nil, fmt.Errorf("quote %s -> %s: %w", from, to, err)
	}
	if len(quote.Data) == 0 {
		return nil, fmt.Errorf("quote %s -> %s: empty calldata", from, to)
	}
	return &quote, nil
}

// ETHPrice returns the USD price of ETH. After the configured attempts it
// logs an error and falls back to a random price in the fallback band.
func (c *Client) ETHPrice(ctx context.Context) (float64, error) {
	for i := 0; i < c.cfg.PriceAttempts; i++ {
		price, err := c.fetchETHPrice(ctx)
		if err == nil {
			return price, nil
		}
		c.logger.Warn("eth price fetch failed", slog.Int("attempt", i+1), slog.String("error", err.Error()))
		if i == c.cfg.PriceAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(c.cfg.PriceRetryDelay):
		}
	}

	c.rndMu.Lock()
	price := jitter.Uniform(c.rnd, FallbackPriceMin, FallbackPriceMax, 2)
	c.rndMu.Unlock()
	c.logger.Error("cannot get eth price, using fallback", slog.Float64("price", price))
	return price, nil
}

func (c *Client) fetchETHPrice(ctx context.Context) (float64, error) {
	var prices []tokenPrice
	if err := c.get(ctx, c.cfg.BaseURL+"/prices", &prices); err != nil {
		return 0, err
	}
	for _, p := range prices {
		if p.Symbol == "ETH" && p.Price.IsPositive() {
			return p.Price.InexactFloat64(), nil
		}
	}
	return 0, fmt.Errorf("ETH missing from price list")
}

func (c *Client) get(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
