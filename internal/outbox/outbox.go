// Package outbox is the paper order sink behind the agent's trading tools.
// Orders are appended to a JSONL file instead of being signed and sent.
package outbox

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/trading-arena/internal/observ"
)

var ErrDuplicate = errors.New("outbox: duplicate order")

type Order struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	Symbol         string          `json:"symbol"`
	MarketID       int             `json:"market_id"`
	Side           string          `json:"side"` // LONG | SHORT
	Notional       decimal.Decimal `json:"notional"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	BaseAmount     decimal.Decimal `json:"base_amount"`
	IdempotencyKey string          `json:"idempotency_key"`
	Timestamp      time.Time       `json:"timestamp"`
	Status         string          `json:"status"`
}

type Fill struct {
	OrderID     string          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	BaseAmount  decimal.Decimal `json:"base_amount"`
	Price       decimal.Decimal `json:"price"`
	SlippageBps int             `json:"slippage_bps"`
	Timestamp   time.Time       `json:"timestamp"`
}

type CloseAll struct {
	TenantID  string    `json:"tenant_id"`
	Timestamp time.Time `json:"timestamp"`
}

type Entry struct {
	Type  string          `json:"type"` // order | fill | close_all
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

type Options struct {
	DedupeWindow time.Duration
	SlippageBps  int
	Clock        clockwork.Clock
}

// Outbox is safe for concurrent use.
type Outbox struct {
	path         string
	dedupeWindow time.Duration
	slippageBps  int
	clock        clockwork.Clock

	mu   sync.Mutex
	seen map[string]time.Time // idempotency key -> event time
}

// New opens (or creates) the outbox at path and loads the keys still inside
// the dedupe window so a restart does not replay recent orders.
func New(path string, opts Options) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = 90 * time.Second
	}
	o := &Outbox{
		path:         path,
		dedupeWindow: opts.DedupeWindow,
		slippageBps:  opts.SlippageBps,
		clock:        opts.Clock,
		seen:         map[string]time.Time{},
	}
	if err := o.loadRecent(); err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}
	return o, nil
}

// IdempotencyKey derives a stable key for one action of one invocation.
func IdempotencyKey(activityID string, action int) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s-%d", activityID, action)))
	return fmt.Sprintf("%x", hash[:8])
}

// PlaceOrder records the order and its simulated fill. An order whose
// idempotency key was seen inside the dedupe window returns ErrDuplicate.
func (o *Outbox) PlaceOrder(ctx context.Context, order Order) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	if order.ReferencePrice.Sign() <= 0 {
		return Order{}, fmt.Errorf("place order %s: no reference price", order.Symbol)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clock.Now().UTC()
	if order.IdempotencyKey != "" {
		if at, ok := o.seen[order.IdempotencyKey]; ok && now.Sub(at) <= o.dedupeWindow {
			observ.IncCounter("outbox_orders_total", map[string]string{"result": "duplicate"})
			return Order{}, ErrDuplicate
		}
	}

	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	order.Timestamp = now
	order.Status = "filled"
	order.BaseAmount = order.Notional.Div(order.ReferencePrice).Round(8)

	if err := o.append("order", order, now); err != nil {
		return Order{}, err
	}
	if err := o.append("fill", o.simulateFill(order), now); err != nil {
		return Order{}, err
	}
	if order.IdempotencyKey != "" {
		o.seen[order.IdempotencyKey] = now
	}
	o.prune(now)

	observ.IncCounter("outbox_orders_total", map[string]string{"result": "filled", "side": order.Side})
	observ.Log("paper_order", map[string]any{
		"tenant_id": order.TenantID,
		"symbol":    order.Symbol,
		"side":      order.Side,
		"notional":  order.Notional.StringFixed(2),
		"base":      order.BaseAmount.String(),
	})
	return order, nil
}

// CloseAll records that every open position of the tenant was closed.
func (o *Outbox) CloseAll(ctx context.Context, tenantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clock.Now().UTC()
	if err := o.append("close_all", CloseAll{TenantID: tenantID, Timestamp: now}, now); err != nil {
		return err
	}
	observ.IncCounter("outbox_close_all_total", nil)
	return nil
}

// Entries reads the whole outbox in write order.
func (o *Outbox) Entries() ([]Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.readEntries()
}

// slippage always works against the trader
func (o *Outbox) simulateFill(order Order) Fill {
	mult := decimal.NewFromInt(int64(o.slippageBps)).Div(decimal.NewFromInt(10000))
	price := order.ReferencePrice
	if order.Side == "LONG" {
		price = price.Mul(decimal.NewFromInt(1).Add(mult))
	} else {
		price = price.Mul(decimal.NewFromInt(1).Sub(mult))
	}
	return Fill{
		OrderID:     order.ID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		BaseAmount:  order.BaseAmount,
		Price:       price,
		SlippageBps: o.slippageBps,
		Timestamp:   order.Timestamp,
	}
}

// caller holds o.mu
func (o *Outbox) append(kind string, v any, at time.Time) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line, err := json.Marshal(Entry{Type: kind, Data: data, Event: at})
	if err != nil {
		return err
	}

	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// caller holds o.mu
func (o *Outbox) prune(now time.Time) {
	for k, at := range o.seen {
		if now.Sub(at) > o.dedupeWindow {
			delete(o.seen, k)
		}
	}
}

// caller holds o.mu
func (o *Outbox) readEntries() ([]Entry, error) {
	f, err := os.Open(o.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue // torn tail line from a crash
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

func (o *Outbox) loadRecent() error {
	entries, err := o.readEntries()
	if err != nil {
		return err
	}
	cutoff := o.clock.Now().UTC().Add(-o.dedupeWindow)
	for _, e := range entries {
		if e.Type != "order" || e.Event.Before(cutoff) {
			continue
		}
		var order Order
		if err := json.Unmarshal(e.Data, &order); err != nil {
			continue
		}
		if order.IdempotencyKey != "" {
			o.seen[order.IdempotencyKey] = e.Event
		}
	}
	return nil
}
