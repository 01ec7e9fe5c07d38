// Package indicators computes the price series the agent shows the model.
package indicators

import (
	"math"

	"github.com/Rajchodisetti/trading-arena/internal/exchange"
)

// MidPrices returns (open+close)/2 for every candle.
func MidPrices(candles []exchange.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = (c.Open + c.Close) / 2
	}
	return out
}

// EMA returns the exponential moving average of prices over period, seeded
// with the simple average of the first period values. The result has
// len(prices)-period+1 entries, or none when there is not enough data.
func EMA(prices []float64, period int) []float64 {
	if period <= 0 || len(prices) < period {
		return nil
	}
	k := 2.0 / float64(period+1)

	var sum float64
	for _, p := range prices[:period] {
		sum += p
	}
	out := make([]float64, 0, len(prices)-period+1)
	prev := sum / float64(period)
	out = append(out, prev)
	for _, p := range prices[period:] {
		prev = (p-prev)*k + prev
		out = append(out, prev)
	}
	return out
}

// MACD returns EMA(12) - EMA(26), aligned on the most recent value.
func MACD(prices []float64) []float64 {
	fast := EMA(prices, 12)
	slow := EMA(prices, 26)
	if len(slow) == 0 {
		return nil
	}
	offset := len(fast) - len(slow)
	out := make([]float64, len(slow))
	for i := range slow {
		out[i] = fast[i+offset] - slow[i]
	}
	return out
}

// Snapshot is the per-resolution view of one market.
type Snapshot struct {
	MidPrices []float64 `json:"mid_prices"`
	EMA20     []float64 `json:"ema20"`
	MACD      []float64 `json:"macd"`
}

// Summarize keeps the last n values of each series rounded to three places.
func Summarize(candles []exchange.Candle, n int) Snapshot {
	mids := MidPrices(candles)
	return Snapshot{
		MidPrices: tail(mids, n),
		EMA20:     tail(EMA(mids, 20), n),
		MACD:      tail(MACD(mids), n),
	}
}

func tail(xs []float64, n int) []float64 {
	if len(xs) > n {
		xs = xs[len(xs)-n:]
	}
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = math.Round(x*1000) / 1000
	}
	return out
}
