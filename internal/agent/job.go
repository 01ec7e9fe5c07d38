// Package agent runs one trading invocation for one tenant: it gathers market
// and account state, asks the advisor what to do, executes the requested
// actions against the paper outbox, and records the whole exchange.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/trading-arena/internal/exchange"
	"github.com/Rajchodisetti/trading-arena/internal/indicators"
	"github.com/Rajchodisetti/trading-arena/internal/observ"
	"github.com/Rajchodisetti/trading-arena/internal/outbox"
	"github.com/Rajchodisetti/trading-arena/internal/store"
)

// MarketData is the read side of the exchange the job needs.
type MarketData interface {
	Portfolio(ctx context.Context, accountIndex string) (exchange.Portfolio, error)
	Positions(ctx context.Context, accountIndex, apiKey string) ([]exchange.Position, error)
	Candles(ctx context.Context, marketID int, resolution string, from, to time.Time, count int) ([]exchange.Candle, error)
}

// ActivityLog receives the two-phase activity record.
type ActivityLog interface {
	CreateActivity(ctx context.Context, tenantID string) (store.ActivityRecord, error)
	AppendSubEvent(ctx context.Context, activityID string, kind store.SubEventKind, metadata string) (store.SubEvent, error)
	CompleteActivity(ctx context.Context, activityID, payload string) error
	FailActivity(ctx context.Context, activityID, failure string) error
}

// OrderSink executes trading actions.
type OrderSink interface {
	PlaceOrder(ctx context.Context, order outbox.Order) (outbox.Order, error)
	CloseAll(ctx context.Context, tenantID string) error
}

type Config struct {
	MaxAllocation float64 // share of available cash committed at confidence 1.0
	CandleCount   int
	SeriesLength  int // values per indicator series shown to the model
}

type resolution struct {
	name     string
	lookback time.Duration
}

var resolutions = []resolution{
	{name: "5m", lookback: 2 * time.Hour},
	{name: "4h", lookback: 96 * time.Hour},
}

// Job is the AgentJob run by the sweep scheduler. It is safe to run for
// different tenants concurrently.
type Job struct {
	cfg      Config
	market   MarketData
	activity ActivityLog
	orders   OrderSink
	advisor  Advisor
	clock    clockwork.Clock
	logger   *log.Logger
}

func NewJob(cfg Config, market MarketData, activity ActivityLog, orders OrderSink, advisor Advisor, clock clockwork.Clock, logger *log.Logger) *Job {
	if cfg.MaxAllocation <= 0 {
		cfg.MaxAllocation = 0.20
	}
	if cfg.CandleCount <= 0 {
		cfg.CandleCount = 50
	}
	if cfg.SeriesLength <= 0 {
		cfg.SeriesLength = 10
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Job{
		cfg:      cfg,
		market:   market,
		activity: activity,
		orders:   orders,
		advisor:  advisor,
		clock:    clock,
		logger:   observ.OrDiscard(logger),
	}
}

// Run performs one invocation. The activity record is created before the
// advisor is consulted and completed, or marked failed, before Run returns.
func (j *Job) Run(ctx context.Context, tenant store.Tenant) error {
	snap, err := j.snapshot(ctx, tenant)
	if err != nil {
		return fmt.Errorf("snapshot for %s: %w", tenant.Name, err)
	}

	rec, err := j.activity.CreateActivity(ctx, tenant.ID)
	if err != nil {
		return fmt.Errorf("create activity: %w", err)
	}

	exec := &executor{job: j, tenant: tenant, activityID: rec.ID, snap: snap}
	text, adviseErr := j.advisor.Advise(ctx, tenant.ModelName, snap, exec)

	// the record must leave pending even if ctx is already done
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if adviseErr != nil {
		if err := j.activity.FailActivity(finishCtx, rec.ID, adviseErr.Error()); err != nil {
			j.logger.Printf("mark activity %s failed: %v", rec.ID, err)
		}
		return fmt.Errorf("advise %s: %w", tenant.Name, adviseErr)
	}
	if err := j.activity.CompleteActivity(finishCtx, rec.ID, text); err != nil {
		return fmt.Errorf("complete activity: %w", err)
	}

	observ.Log("agent_invocation_completed", map[string]any{
		"tenant_id":   tenant.ID,
		"activity_id": rec.ID,
		"actions":     exec.actions(),
	})
	return nil
}

func (j *Job) snapshot(ctx context.Context, tenant store.Tenant) (Snapshot, error) {
	markets := exchange.Markets()
	views := make([]MarketView, len(markets))
	snap := Snapshot{TenantName: tenant.Name, InvocationCount: tenant.InvocationCount}
	now := j.clock.Now()

	g, gctx := errgroup.WithContext(ctx)
	for i, m := range markets {
		views[i].Symbol = m.Symbol
		for _, res := range resolutions {
			g.Go(func() error {
				candles, err := j.market.Candles(gctx, m.ID, res.name, now.Add(-res.lookback), now, j.cfg.CandleCount)
				if err != nil {
					return fmt.Errorf("%s %s candles: %w", m.Symbol, res.name, err)
				}
				summary := indicators.Summarize(candles, j.cfg.SeriesLength)
				// each goroutine owns one field of views[i]
				if res.name == "5m" {
					views[i].Intraday = summary
					if len(candles) > 0 {
						views[i].Last = candles[len(candles)-1].Close
					}
				} else {
					views[i].LongTerm = summary
				}
				return nil
			})
		}
	}
	g.Go(func() error {
		p, err := j.market.Portfolio(gctx, tenant.AccountIndex)
		if err != nil {
			return fmt.Errorf("portfolio: %w", err)
		}
		snap.Portfolio = p
		return nil
	})
	g.Go(func() error {
		ps, err := j.market.Positions(gctx, tenant.AccountIndex, tenant.ExchangeAPIKey)
		if err != nil {
			return fmt.Errorf("positions: %w", err)
		}
		snap.Positions = ps
		return nil
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	snap.Markets = views
	return snap, nil
}

// TradeSize is available * maxAllocation * confidence, with confidence
// clamped to [0,1].
func TradeSize(available decimal.Decimal, maxAllocation, confidence float64) decimal.Decimal {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return available.
		Mul(decimal.NewFromFloat(maxAllocation)).
		Mul(decimal.NewFromFloat(confidence)).
		Round(2)
}

type executor struct {
	job        *Job
	tenant     store.Tenant
	activityID string
	snap       Snapshot

	mu   sync.Mutex
	done []string
}

func (e *executor) actions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.done...)
}

func (e *executor) Execute(ctx context.Context, a Action) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	index := len(e.done)

	switch a.Kind {
	case store.SubEventCreatePosition:
		return e.createPosition(ctx, a, index)
	case store.SubEventCloseAllPositions:
		if err := e.job.orders.CloseAll(ctx, e.tenant.ID); err != nil {
			return "", fmt.Errorf("close all positions: %w", err)
		}
		if _, err := e.job.activity.AppendSubEvent(ctx, e.activityID, a.Kind, ""); err != nil {
			return "", err
		}
		e.done = append(e.done, string(a.Kind))
		return "All positions closed successfully", nil
	default:
		return "", fmt.Errorf("unsupported action %q", a.Kind)
	}
}

// caller holds e.mu
func (e *executor) createPosition(ctx context.Context, a Action, index int) (string, error) {
	market, ok := exchange.LookupMarket(a.Symbol)
	if !ok {
		return "", fmt.Errorf("unknown market %q", a.Symbol)
	}
	if a.Side != "LONG" && a.Side != "SHORT" {
		return "", fmt.Errorf("side must be LONG or SHORT, got %q", a.Side)
	}
	view, _ := e.snap.market(a.Symbol)
	if view.Last <= 0 {
		return "", fmt.Errorf("no recent price for %s", a.Symbol)
	}

	size := TradeSize(e.snap.Portfolio.Available, e.job.cfg.MaxAllocation, a.Confidence)
	if size.Sign() <= 0 {
		return fmt.Sprintf("Trade skipped: size is $0.00 at confidence %v", a.Confidence), nil
	}

	order, err := e.job.orders.PlaceOrder(ctx, outbox.Order{
		TenantID:       e.tenant.ID,
		Symbol:         market.Symbol,
		MarketID:       market.ID,
		Side:           a.Side,
		Notional:       size,
		ReferencePrice: decimal.NewFromFloat(view.Last),
		IdempotencyKey: outbox.IdempotencyKey(e.activityID, index),
	})
	if err != nil {
		return "", fmt.Errorf("place order: %w", err)
	}

	metadata, _ := json.Marshal(map[string]any{
		"symbol":                  a.Symbol,
		"side":                    a.Side,
		"confidence":              a.Confidence,
		"calculated_trade_amount": size.StringFixed(2),
		"order_id":                order.ID,
	})
	if _, err := e.job.activity.AppendSubEvent(ctx, e.activityID, a.Kind, string(metadata)); err != nil {
		return "", err
	}
	e.done = append(e.done, string(a.Kind))
	return fmt.Sprintf("Position opened successfully. Size used: $%s (confidence: %v).", size.StringFixed(2), a.Confidence), nil
}
