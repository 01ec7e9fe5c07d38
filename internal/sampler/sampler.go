// Package sampler records every tenant's account value at a fixed period.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/trading-arena/internal/observ"
	"github.com/Rajchodisetti/trading-arena/internal/store"
)

var ErrAlreadyStarted = errors.New("sampler: already started")

type Registry interface {
	ListTenants(ctx context.Context) ([]store.Tenant, error)
}

// ValueSource reads the scalar recorded for a tenant.
type ValueSource interface {
	NetValue(ctx context.Context, tenant store.Tenant) (decimal.Decimal, error)
}

type Series interface {
	AppendPoint(ctx context.Context, p store.SeriesPoint) (store.SeriesPoint, error)
}

type Config struct {
	Period     time.Duration
	RunOnStart bool
	// SampleTimeout bounds one tenant's read and write; zero means no limit.
	SampleTimeout time.Duration
}

type TickReport struct {
	At       time.Time
	Recorded int
	Failed   map[string]error // tenant ID -> error
	Err      error            // tenant enumeration failed
}

type Sampler struct {
	cfg      Config
	registry Registry
	source   ValueSource
	series   Series
	clock    clockwork.Clock
	logger   *log.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, registry Registry, source ValueSource, series Series, clock clockwork.Clock, logger *log.Logger) *Sampler {
	if cfg.Period <= 0 {
		cfg.Period = 2 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sampler{
		cfg:      cfg,
		registry: registry,
		source:   source,
		series:   series,
		clock:    clock,
		logger:   observ.OrDiscard(logger),
	}
}

// Start ticks every Period until Stop is called or ctx is done. Ticks never
// overlap: a tick that fires while the previous one runs is dropped.
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	cronLogger := cron.VerbosePrintfLogger(s.logger)
	tick := cron.NewChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)).
		Then(cron.FuncJob(func() {
			if runCtx.Err() == nil {
				s.Tick(runCtx)
			}
		}))

	c := cron.New(cron.WithLogger(cron.PrintfLogger(s.logger)))
	c.Schedule(cron.Every(s.cfg.Period), tick)
	c.Start()
	s.cron = c

	if s.cfg.RunOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			tick.Run()
		}()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-runCtx.Done()
		<-c.Stop().Done()
	}()

	s.logger.Printf("sampler started (period %v)", s.cfg.Period)
	return nil
}

func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// Tick samples every tenant once. A tenant whose read or write fails is
// logged and skipped; the others are still recorded.
func (s *Sampler) Tick(ctx context.Context) TickReport {
	report := TickReport{At: s.clock.Now().UTC(), Failed: map[string]error{}}
	observ.IncCounter("sampler_ticks_total", nil)

	tenants, err := s.registry.ListTenants(ctx)
	if err != nil {
		report.Err = fmt.Errorf("list tenants: %w", err)
		observ.Log("sampler_tick_failed", map[string]any{"error": report.Err.Error()})
		return report
	}

	for _, t := range tenants {
		if ctx.Err() != nil {
			break
		}
		if err := s.sample(ctx, t); err != nil {
			report.Failed[t.ID] = err
			observ.IncCounter("sampler_samples_total", map[string]string{"result": "error"})
			s.logger.Printf("sample %s failed: %v", t.Name, err)
			continue
		}
		report.Recorded++
		observ.IncCounter("sampler_samples_total", map[string]string{"result": "ok"})
	}

	observ.Log("sampler_tick", map[string]any{
		"tenants":  len(tenants),
		"recorded": report.Recorded,
		"failed":   len(report.Failed),
	})
	return report
}

func (s *Sampler) sample(ctx context.Context, t store.Tenant) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sample panicked: %v\n%s", r, debug.Stack())
		}
	}()
	if s.cfg.SampleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SampleTimeout)
		defer cancel()
	}

	v, err := s.source.NetValue(ctx, t)
	if err != nil {
		return fmt.Errorf("read value: %w", err)
	}
	_, err = s.series.AppendPoint(ctx, store.SeriesPoint{
		TenantID:   t.ID,
		TenantName: t.Name,
		Timestamp:  s.clock.Now().UTC(),
		Value:      v,
	})
	if err != nil {
		return fmt.Errorf("append point: %w", err)
	}
	return nil
}
