package agent

import (
	"fmt"
	"strings"

	"github.com/Rajchodisetti/trading-arena/internal/exchange"
	"github.com/Rajchodisetti/trading-arena/internal/indicators"
)

// MarketView is what the model sees for one market, oldest value first.
type MarketView struct {
	Symbol   string              `json:"symbol"`
	Intraday indicators.Snapshot `json:"intraday_5m"`
	LongTerm indicators.Snapshot `json:"long_term_4h"`
	Last     float64             `json:"last_close"`
}

// Snapshot is the full market and account state handed to the advisor.
type Snapshot struct {
	TenantName      string              `json:"tenant_name"`
	InvocationCount int64               `json:"invocation_count"`
	Portfolio       exchange.Portfolio  `json:"portfolio"`
	Positions       []exchange.Position `json:"positions"`
	Markets         []MarketView        `json:"markets"`
}

func (s Snapshot) market(symbol string) (MarketView, bool) {
	for _, m := range s.Markets {
		if m.Symbol == symbol {
			return m, true
		}
	}
	return MarketView{}, false
}

// Prompt renders the snapshot as the user turn of the conversation.
func (s Snapshot) Prompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You have been invoked %d times.\n", s.InvocationCount)

	open := make([]string, 0, len(s.Positions))
	for _, p := range s.Positions {
		open = append(open, p.String())
	}
	fmt.Fprintf(&b, "Open positions: %s\n", strings.Join(open, ", "))
	fmt.Fprintf(&b, "Portfolio value: $%s\n\n", s.Portfolio.Total.StringFixed(2))

	b.WriteString("All price and signal series below are ordered oldest to newest.\n")
	for _, m := range s.Markets {
		fmt.Fprintf(&b, "\nMARKET %s\n", m.Symbol)
		writeSeries(&b, "Intraday (5m candles)", m.Intraday)
		writeSeries(&b, "Long term (4h candles)", m.LongTerm)
	}

	fmt.Fprintf(&b, "\nAvailable cash: $%s\n", s.Portfolio.Available.StringFixed(2))
	fmt.Fprintf(&b, "Current account value: $%s\n", s.Portfolio.Total.StringFixed(2))
	return b.String()
}

func writeSeries(b *strings.Builder, label string, snap indicators.Snapshot) {
	fmt.Fprintf(b, "%s:\n", label)
	fmt.Fprintf(b, "  Mid prices - %s\n", joinFloats(snap.MidPrices))
	fmt.Fprintf(b, "  EMA20 - %s\n", joinFloats(snap.EMA20))
	fmt.Fprintf(b, "  MACD - %s\n", joinFloats(snap.MACD))
}

func joinFloats(xs []float64) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprintf("%g", x)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
