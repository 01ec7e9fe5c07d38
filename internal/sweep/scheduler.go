// Package sweep invokes the agent job for every tenant at a fixed period.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Rajchodisetti/trading-arena/internal/observ"
	"github.com/Rajchodisetti/trading-arena/internal/store"
)

var ErrAlreadyStarted = errors.New("sweep: scheduler already started")

// OverlapPolicy decides what a timer fire does while a previous sweep is
// still running.
type OverlapPolicy string

const (
	// OverlapAllow starts the new sweep alongside the running one, keeping a
	// strict fixed-period cadence even when a sweep outlasts the period.
	// Tenants whose job is still running are skipped in the new sweep.
	OverlapAllow OverlapPolicy = "allow"
	// OverlapSkip drops the fire entirely. This is the default: a slow sweep
	// delays the next one instead of stacking load on the exchange.
	OverlapSkip OverlapPolicy = "skip"
)

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

type Registry interface {
	ListTenants(ctx context.Context) ([]store.Tenant, error)
}

// Job is the per-tenant unit of work. It may have external side effects and
// is never run twice at once for the same tenant.
type Job interface {
	Run(ctx context.Context, tenant store.Tenant) error
}

type Counter interface {
	IncrementInvocationCount(ctx context.Context, tenantID string) error
}

type Config struct {
	Period     time.Duration
	RunOnStart bool
	Overlap    OverlapPolicy
	JobTimeout time.Duration // per tenant; zero means no limit
}

type TenantResult struct {
	TenantID string        `json:"tenant_id"`
	Outcome  Outcome       `json:"outcome"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

type Report struct {
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
	Results  []TenantResult `json:"results"`
	Err      error          `json:"-"` // tenant enumeration failed
}

func (r Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

type Scheduler struct {
	cfg      Config
	registry Registry
	job      Job
	counter  Counter
	logger   *log.Logger

	scheduled cron.Job // sweep wrapped in the overlap and recover chain

	mu      sync.Mutex
	running map[string]struct{} // tenants with a job in progress
	cron    *cron.Cron
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, registry Registry, job Job, counter Counter, logger *log.Logger) *Scheduler {
	if cfg.Period <= 0 {
		cfg.Period = 5 * time.Minute
	}
	if cfg.Overlap == "" {
		cfg.Overlap = OverlapSkip
	}
	s := &Scheduler{
		cfg:      cfg,
		registry: registry,
		job:      job,
		counter:  counter,
		logger:   observ.OrDiscard(logger),
		running:  map[string]struct{}{},
		runCtx:   context.Background(),
	}

	cronLogger := cron.VerbosePrintfLogger(s.logger)
	wrappers := []cron.JobWrapper{cron.Recover(cronLogger)}
	if cfg.Overlap == OverlapSkip {
		wrappers = append(wrappers, cron.SkipIfStillRunning(cronLogger))
	}
	s.scheduled = cron.NewChain(wrappers...).Then(cron.FuncJob(s.fire))
	return s
}

// Start schedules sweeps every Period until Stop is called or ctx is done.
// Every job runs under a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return ErrAlreadyStarted
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(cron.WithLogger(cron.PrintfLogger(s.logger)))
	s.cron.Schedule(cron.Every(s.cfg.Period), s.scheduled)
	s.cron.Start()

	if s.cfg.RunOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.scheduled.Run()
		}()
	}
	runCtx, c := s.runCtx, s.cron
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-runCtx.Done()
		<-c.Stop().Done()
	}()

	s.logger.Printf("sweep scheduler started (period %v, overlap %s)", s.cfg.Period, s.cfg.Overlap)
	return nil
}

// Stop cancels running jobs, prevents further sweeps and waits for the
// running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	s.RunSweep(ctx)
}

// RunSweep performs one pass over every tenant in registry order. Tenants are
// processed one after another; a failing tenant is recorded and the pass
// continues with the next one.
func (s *Scheduler) RunSweep(ctx context.Context) Report {
	report := Report{Started: time.Now().UTC()}
	observ.IncCounter("sweep_runs_total", nil)

	tenants, err := s.registry.ListTenants(ctx)
	if err != nil {
		report.Err = fmt.Errorf("list tenants: %w", err)
		report.Finished = time.Now().UTC()
		observ.IncCounter("sweep_errors_total", nil)
		observ.Log("sweep_failed", map[string]any{"error": report.Err.Error()})
		return report
	}
	observ.SetGauge("sweep_tenants", float64(len(tenants)), nil)

	for _, t := range tenants {
		if ctx.Err() != nil {
			break
		}
		report.Results = append(report.Results, s.runTenant(ctx, t))
	}

	report.Finished = time.Now().UTC()
	observ.RecordDuration("sweep_duration", report.Finished.Sub(report.Started), nil)
	observ.Log("sweep_completed", map[string]any{
		"tenants":     len(tenants),
		"succeeded":   report.Count(OutcomeSucceeded),
		"failed":      report.Count(OutcomeFailed),
		"skipped":     report.Count(OutcomeSkipped),
		"duration_ms": report.Finished.Sub(report.Started).Milliseconds(),
	})
	return report
}

func (s *Scheduler) runTenant(ctx context.Context, t store.Tenant) TenantResult {
	res := TenantResult{TenantID: t.ID}
	if !s.acquire(t.ID) {
		res.Outcome = OutcomeSkipped
		observ.IncCounter("sweep_tenant_jobs_total", map[string]string{"result": string(OutcomeSkipped)})
		s.logger.Printf("tenant %s still running from an earlier sweep, skipped", t.Name)
		return res
	}
	defer s.release(t.ID)

	jobCtx := ctx
	if s.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
	}

	start := time.Now()
	err := s.safeRun(jobCtx, t)
	res.Duration = time.Since(start)

	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
		s.logger.Printf("tenant %s job failed: %v", t.Name, err)
	} else {
		res.Outcome = OutcomeSucceeded
		// count only completed invocations
		if err := s.counter.IncrementInvocationCount(ctx, t.ID); err != nil {
			s.logger.Printf("tenant %s: increment invocation count: %v", t.Name, err)
		}
	}

	observ.IncCounter("sweep_tenant_jobs_total", map[string]string{"result": string(res.Outcome)})
	observ.RecordDuration("sweep_tenant_job", res.Duration, nil)
	fields := map[string]any{
		"tenant_id":   t.ID,
		"outcome":     string(res.Outcome),
		"duration_ms": res.Duration.Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	observ.Log("sweep_tenant_job", fields)
	return res
}

func (s *Scheduler) safeRun(ctx context.Context, t store.Tenant) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return s.job.Run(ctx, t)
}

func (s *Scheduler) acquire(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[tenantID]; busy {
		return false
	}
	s.running[tenantID] = struct{}{}
	return true
}

func (s *Scheduler) release(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, tenantID)
}
