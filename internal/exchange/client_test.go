package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/trading-arena/internal/store"
)

const accountBody = `{
  "code": 200,
  "accounts": [{
    "index": 42,
    "collateral": "1012.483100",
    "available_balance": "640.25",
    "positions": [
      {"market_id": 1, "symbol": "BTC", "sign": 1, "position": "0.00150", "unrealized_pnl": "3.21", "realized_pnl": "0", "liquidation_price": "61000.5"},
      {"market_id": 0, "symbol": "ETH", "sign": 1, "position": "0", "unrealized_pnl": "0", "realized_pnl": "-1.5", "liquidation_price": "0"},
      {"market_id": 2, "symbol": "SOL", "sign": -1, "position": "2.5", "unrealized_pnl": "-0.75", "realized_pnl": "0", "liquidation_price": "240"}
    ]
  }]
}`

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:           srv.URL,
		RequestsPerMinute: 60000,
		BackoffBase:       time.Millisecond,
		MaxRetries:        3,
	})
}

func TestPortfolio(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/account", r.URL.Path)
		assert.Equal(t, "index", r.URL.Query().Get("by"))
		assert.Equal(t, "42", r.URL.Query().Get("value"))
		_, _ = w.Write([]byte(accountBody))
	})

	p, err := c.Portfolio(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, p.Total.Equal(decimal.RequireFromString("1012.4831")))
	assert.True(t, p.Available.Equal(decimal.RequireFromString("640.25")))

	v, err := c.NetValue(context.Background(), store.Tenant{AccountIndex: "42"})
	require.NoError(t, err)
	assert.True(t, v.Equal(p.Total))
}

func TestPositionsSkipsFlatMarketsAndSendsKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(accountBody))
	})

	positions, err := c.Positions(context.Background(), "42", "secret")
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, "BTC", positions[0].Symbol)
	assert.Equal(t, "LONG", positions[0].Side)
	assert.Equal(t, "SOL", positions[1].Symbol)
	assert.Equal(t, "SHORT", positions[1].Side)
	assert.Equal(t, "SOL 2.5 SHORT", positions[1].String())
}

func TestPortfolioUnknownAccount(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":200,"accounts":[]}`))
	})
	_, err := c.Portfolio(context.Background(), "7")
	require.Error(t, err)
	assert.True(t, IsType(err, ErrDecode))
}

func TestCandles(t *testing.T) {
	from := time.Date(2025, 10, 1, 10, 0, 0, 0, time.UTC)
	to := from.Add(2 * time.Hour)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/api/v1/candlesticks", r.URL.Path)
		assert.Equal(t, "1", q.Get("market_id"))
		assert.Equal(t, "5m", q.Get("resolution"))
		assert.Equal(t, "50", q.Get("count_back"))
		assert.Equal(t, "1759312800000", q.Get("start_timestamp"))
		_, _ = w.Write([]byte(`{"code":200,"resolution":"5m","candlesticks":[
			{"timestamp":1759312800000,"open":100,"high":110,"low":95,"close":105,"volume0":3.5},
			{"timestamp":1759313100000,"open":105,"high":108,"low":101,"close":102,"volume0":1}
		]}`))
	})

	candles, err := c.Candles(context.Background(), 1, "5m", from, to, 50)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, from, candles[0].Timestamp)
	assert.Equal(t, 105.0, candles[0].Close)
	assert.Equal(t, 3.5, candles[0].Volume)
}

func TestRetriesRateLimitThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(accountBody))
	})

	_, err := c.Portfolio(context.Background(), "42")
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad account", http.StatusBadRequest)
	})

	_, err := c.Portfolio(context.Background(), "x")
	require.Error(t, err)
	var exErr *Error
	require.True(t, errors.As(err, &exErr))
	assert.Equal(t, ErrStatus, exErr.Type)
	assert.Equal(t, http.StatusBadRequest, exErr.Code)
	assert.Contains(t, exErr.Error(), "bad account")
	assert.EqualValues(t, 1, calls.Load())
}

func TestServerErrorsExhaustRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Portfolio(context.Background(), "42")
	require.Error(t, err)
	assert.True(t, IsType(err, ErrStatus))
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, ProviderStatusDegraded, c.Health().Status())
}

func TestMalformedBodyIsDecodeError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"accounts": [`))
	})
	_, err := c.Portfolio(context.Background(), "42")
	assert.True(t, IsType(err, ErrDecode))
}

func TestProviderHealthTransitions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ph := NewProviderHealth("test", clock, nil)
	boom := errors.New("boom")

	ph.RecordError(boom)
	assert.Equal(t, ProviderStatusHealthy, ph.Status())
	ph.RecordError(boom)
	assert.Equal(t, ProviderStatusDegraded, ph.Status())
	for i := 0; i < 3; i++ {
		ph.RecordError(boom)
	}
	assert.Equal(t, ProviderStatusFailed, ph.Status())

	// success right after the burst only gets back to degraded
	ph.RecordSuccess(10 * time.Millisecond)
	assert.Equal(t, ProviderStatusDegraded, ph.Status())

	clock.Advance(2 * time.Minute)
	ph.RecordSuccess(10 * time.Millisecond)
	assert.Equal(t, ProviderStatusHealthy, ph.Status())

	snap := ph.Snapshot()
	assert.EqualValues(t, 5, snap["error_count"])
	assert.EqualValues(t, 2, snap["success_count"])
}

func TestMarkets(t *testing.T) {
	assert.Equal(t, []string{"BTC", "ETH", "SOL"}, Symbols())
	m, ok := LookupMarket("ETH")
	require.True(t, ok)
	assert.Equal(t, 0, m.ID)
	_, ok = LookupMarket("DOGE")
	assert.False(t, ok)
}
