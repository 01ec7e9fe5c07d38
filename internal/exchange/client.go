// Package exchange reads account state and market data from the perpetuals
// exchange the arena tenants trade on.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/trading-arena/internal/observ"
	"github.com/Rajchodisetti/trading-arena/internal/store"
)

const DefaultBaseURL = "https://mainnet.zklighter.elliot.ai"

// Config holds configuration for the exchange client
type Config struct {
	BaseURL           string
	RequestsPerMinute int
	Timeout           time.Duration
	MaxRetries        int
	BackoffBase       time.Duration
	HTTPClient        *http.Client
	Clock             clockwork.Clock
	Logger            *log.Logger
}

// Client is safe for concurrent use. All calls share one rate limiter so a
// sweep over many tenants stays inside the exchange's request budget.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	maxRetries  int
	backoffBase time.Duration
	clock       clockwork.Clock
	health      *ProviderHealth
	logger      *log.Logger
}

type Portfolio struct {
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
}

type Position struct {
	Symbol           string          `json:"symbol"`
	Size             decimal.Decimal `json:"size"`
	Side             string          `json:"side"` // LONG | SHORT
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
}

type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	logger := observ.OrDiscard(cfg.Logger)
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:  cfg.HTTPClient,
		rateLimiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60), 1),
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		clock:       cfg.Clock,
		health:      NewProviderHealth("exchange", cfg.Clock, logger),
		logger:      logger,
	}
}

func (c *Client) Health() *ProviderHealth { return c.health }

type accountPosition struct {
	Symbol           string          `json:"symbol"`
	Position         decimal.Decimal `json:"position"`
	Sign             int             `json:"sign"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
}

type accountResponse struct {
	Accounts []struct {
		Collateral       decimal.Decimal   `json:"collateral"`
		AvailableBalance decimal.Decimal   `json:"available_balance"`
		Positions        []accountPosition `json:"positions"`
	} `json:"accounts"`
}

func (c *Client) account(ctx context.Context, accountIndex, apiKey string) (accountResponse, error) {
	var resp accountResponse
	params := url.Values{"by": {"index"}, "value": {accountIndex}}
	if err := c.get(ctx, "account", "/api/v1/account", params, apiKey, &resp); err != nil {
		return resp, err
	}
	if len(resp.Accounts) == 0 {
		return resp, newDecodeError("account", "no account with index "+accountIndex, nil)
	}
	return resp, nil
}

// Portfolio returns the account's collateral and free balance.
func (c *Client) Portfolio(ctx context.Context, accountIndex string) (Portfolio, error) {
	resp, err := c.account(ctx, accountIndex, "")
	if err != nil {
		return Portfolio{}, err
	}
	a := resp.Accounts[0]
	return Portfolio{Total: a.Collateral, Available: a.AvailableBalance}, nil
}

// Positions lists the account's open positions. Flat markets are omitted.
func (c *Client) Positions(ctx context.Context, accountIndex, apiKey string) ([]Position, error) {
	resp, err := c.account(ctx, accountIndex, apiKey)
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(resp.Accounts[0].Positions))
	for _, p := range resp.Accounts[0].Positions {
		if p.Position.IsZero() {
			continue
		}
		side := "SHORT"
		if p.Sign == 1 {
			side = "LONG"
		}
		out = append(out, Position{
			Symbol:           p.Symbol,
			Size:             p.Position,
			Side:             side,
			UnrealizedPnL:    p.UnrealizedPnL,
			RealizedPnL:      p.RealizedPnL,
			LiquidationPrice: p.LiquidationPrice,
		})
	}
	return out, nil
}

// NetValue is the tenant's total account value, the quantity the sampler records.
func (c *Client) NetValue(ctx context.Context, tenant store.Tenant) (decimal.Decimal, error) {
	p, err := c.Portfolio(ctx, tenant.AccountIndex)
	if err != nil {
		return decimal.Zero, err
	}
	return p.Total, nil
}

// Candles returns up to count candles for marketID between from and to,
// oldest first.
func (c *Client) Candles(ctx context.Context, marketID int, resolution string, from, to time.Time, count int) ([]Candle, error) {
	params := url.Values{
		"market_id":            {strconv.Itoa(marketID)},
		"resolution":           {resolution},
		"start_timestamp":      {strconv.FormatInt(from.UnixMilli(), 10)},
		"end_timestamp":        {strconv.FormatInt(to.UnixMilli(), 10)},
		"count_back":           {strconv.Itoa(count)},
		"set_timestamp_to_end": {"false"},
	}
	var resp struct {
		Candlesticks []struct {
			Timestamp int64   `json:"timestamp"`
			Open      float64 `json:"open"`
			High      float64 `json:"high"`
			Low       float64 `json:"low"`
			Close     float64 `json:"close"`
			Volume    float64 `json:"volume0"`
		} `json:"candlesticks"`
	}
	if err := c.get(ctx, "candlesticks", "/api/v1/candlesticks", params, "", &resp); err != nil {
		return nil, err
	}
	out := make([]Candle, 0, len(resp.Candlesticks))
	for _, k := range resp.Candlesticks {
		out = append(out, Candle{
			Timestamp: time.UnixMilli(k.Timestamp).UTC(),
			Open:      k.Open,
			High:      k.High,
			Low:       k.Low,
			Close:     k.Close,
			Volume:    k.Volume,
		})
	}
	return out, nil
}

// get performs one logical request with retries on network errors and 429s.
func (c *Client) get(ctx context.Context, endpoint, path string, params url.Values, apiKey string, out any) error {
	requestURL := c.baseURL + path + "?" + params.Encode()

	var lastErr *Error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoffBase * time.Duration(1<<(attempt-1))
			select {
			case <-c.clock.After(backoff):
			case <-ctx.Done():
				return newNetworkError(endpoint, "retry wait cancelled", ctx.Err())
			}
		}
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return newNetworkError(endpoint, "rate limit wait cancelled", err)
		}

		start := c.clock.Now()
		err := c.do(ctx, endpoint, requestURL, apiKey, out)
		if err == nil {
			c.health.RecordSuccess(c.clock.Since(start))
			observ.IncCounter("exchange_requests_total", map[string]string{"endpoint": endpoint, "result": "ok"})
			return nil
		}
		c.health.RecordError(err)
		observ.IncCounter("exchange_requests_total", map[string]string{"endpoint": endpoint, "result": string(err.Type)})
		lastErr = err
		if !err.Retryable() {
			break
		}
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, endpoint, requestURL, apiKey string, out any) *Error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return newNetworkError(endpoint, "failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newNetworkError(endpoint, "request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return newRateLimitError(endpoint, "exchange rate limit exceeded")
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return newStatusError(endpoint, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return newDecodeError(endpoint, "failed to parse response", err)
	}
	return nil
}

func (p Position) String() string {
	return fmt.Sprintf("%s %s %s", p.Symbol, p.Size.String(), p.Side)
}
