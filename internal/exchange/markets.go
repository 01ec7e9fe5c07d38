package exchange

import "sort"

// Market describes one perpetual market the arena trades. The decimals are
// the integer scale factors the exchange uses for price and base amount.
type Market struct {
	Symbol           string `json:"symbol"`
	ID               int    `json:"market_id"`
	PriceDecimals    int64  `json:"price_decimals"`
	QtyDecimals      int64  `json:"qty_decimals"`
	ClientOrderIndex int    `json:"client_order_index"`
}

var markets = map[string]Market{
	"BTC": {Symbol: "BTC", ID: 1, PriceDecimals: 10, QtyDecimals: 100000, ClientOrderIndex: 0},
	"ETH": {Symbol: "ETH", ID: 0, PriceDecimals: 100, QtyDecimals: 10000, ClientOrderIndex: 1},
	"SOL": {Symbol: "SOL", ID: 2, PriceDecimals: 1000, QtyDecimals: 1000, ClientOrderIndex: 2},
}

func LookupMarket(symbol string) (Market, bool) {
	m, ok := markets[symbol]
	return m, ok
}

// Markets returns every tradable market ordered by symbol.
func Markets() []Market {
	out := make([]Market, 0, len(markets))
	for _, m := range markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Symbols returns the market symbols ordered alphabetically.
func Symbols() []string {
	ms := Markets()
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Symbol
	}
	return out
}
