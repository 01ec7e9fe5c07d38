package sweep

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/trading-arena/internal/store"
)

type staticRegistry struct {
	tenants []store.Tenant
	err     error
}

func (r staticRegistry) ListTenants(ctx context.Context) ([]store.Tenant, error) {
	return r.tenants, r.err
}

type memCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *memCounter) IncrementInvocationCount(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[id]++
	return nil
}

func (c *memCounter) get(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[id]
}

// funcJob adapts a function to Job and records the call order
type funcJob struct {
	mu    sync.Mutex
	order []string
	fn    func(ctx context.Context, t store.Tenant) error
}

func (j *funcJob) Run(ctx context.Context, t store.Tenant) error {
	j.mu.Lock()
	j.order = append(j.order, t.ID)
	j.mu.Unlock()
	if j.fn == nil {
		return nil
	}
	return j.fn(ctx, t)
}

func (j *funcJob) calls() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.order...)
}

func tenants(ids ...string) []store.Tenant {
	out := make([]store.Tenant, len(ids))
	for i, id := range ids {
		out[i] = store.Tenant{ID: id, Name: id}
	}
	return out
}

func TestRunSweepVisitsTenantsInOrder(t *testing.T) {
	job := &funcJob{}
	counter := &memCounter{}
	s := New(Config{}, staticRegistry{tenants: tenants("a", "b", "c")}, job, counter, nil)

	report := s.RunSweep(context.Background())
	require.NoError(t, report.Err)
	assert.Equal(t, []string{"a", "b", "c"}, job.calls())
	assert.Equal(t, 3, report.Count(OutcomeSucceeded))
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, 1, counter.get(id))
	}
	assert.False(t, report.Finished.Before(report.Started))
}

func TestRunSweepIsolatesFailingTenant(t *testing.T) {
	job := &funcJob{fn: func(ctx context.Context, t store.Tenant) error {
		switch t.ID {
		case "b":
			return errors.New("exchange down")
		case "c":
			panic("nil snapshot")
		}
		return nil
	}}
	counter := &memCounter{}
	s := New(Config{}, staticRegistry{tenants: tenants("a", "b", "c", "d")}, job, counter, nil)

	report := s.RunSweep(context.Background())
	assert.Equal(t, []string{"a", "b", "c", "d"}, job.calls())
	require.Len(t, report.Results, 4)
	assert.Equal(t, OutcomeSucceeded, report.Results[0].Outcome)
	assert.Equal(t, OutcomeFailed, report.Results[1].Outcome)
	assert.EqualError(t, report.Results[1].Err, "exchange down")
	assert.Equal(t, OutcomeFailed, report.Results[2].Outcome)
	assert.Contains(t, report.Results[2].Err.Error(), "nil snapshot")
	assert.Equal(t, OutcomeSucceeded, report.Results[3].Outcome)

	// failed jobs are not counted as invocations
	assert.Equal(t, 1, counter.get("a"))
	assert.Equal(t, 0, counter.get("b"))
	assert.Equal(t, 0, counter.get("c"))
	assert.Equal(t, 1, counter.get("d"))
}

func TestRunSweepRegistryError(t *testing.T) {
	job := &funcJob{}
	s := New(Config{}, staticRegistry{err: errors.New("db locked")}, job, &memCounter{}, nil)
	report := s.RunSweep(context.Background())
	require.Error(t, report.Err)
	assert.Empty(t, job.calls())
}

func TestJobTimeoutBoundsEachTenant(t *testing.T) {
	job := &funcJob{fn: func(ctx context.Context, t store.Tenant) error {
		if t.ID == "slow" {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}}
	s := New(Config{JobTimeout: 20 * time.Millisecond}, staticRegistry{tenants: tenants("slow", "fast")}, job, &memCounter{}, nil)

	report := s.RunSweep(context.Background())
	require.Len(t, report.Results, 2)
	assert.ErrorIs(t, report.Results[0].Err, context.DeadlineExceeded)
	assert.Equal(t, OutcomeSucceeded, report.Results[1].Outcome)
}

func TestOverlappingSweepsNeverRunATenantTwice(t *testing.T) {
	release := make(chan struct{})
	var concurrent, maxConcurrent atomic.Int32
	job := &funcJob{fn: func(ctx context.Context, t store.Tenant) error {
		n := concurrent.Add(1)
		defer concurrent.Add(-1)
		for {
			m := maxConcurrent.Load()
			if n <= m || maxConcurrent.CompareAndSwap(m, n) {
				break
			}
		}
		if t.ID == "a" {
			<-release
		}
		return nil
	}}
	s := New(Config{Overlap: OverlapAllow}, staticRegistry{tenants: tenants("a")}, job, &memCounter{}, nil)

	first := make(chan Report, 1)
	go func() { first <- s.RunSweep(context.Background()) }()
	require.Eventually(t, func() bool { return len(job.calls()) == 1 }, time.Second, time.Millisecond)

	second := s.RunSweep(context.Background())
	require.Len(t, second.Results, 1)
	assert.Equal(t, OutcomeSkipped, second.Results[0].Outcome)

	close(release)
	assert.Equal(t, OutcomeSucceeded, (<-first).Results[0].Outcome)
	assert.EqualValues(t, 1, maxConcurrent.Load())
}

func TestSkipPolicyDropsFireWhileSweeping(t *testing.T) {
	release := make(chan struct{})
	job := &funcJob{fn: func(ctx context.Context, t store.Tenant) error {
		<-release
		return nil
	}}
	s := New(Config{Overlap: OverlapSkip}, staticRegistry{tenants: tenants("a")}, job, &memCounter{}, nil)

	done := make(chan struct{})
	go func() {
		s.scheduled.Run()
		close(done)
	}()
	require.Eventually(t, func() bool { return len(job.calls()) == 1 }, time.Second, time.Millisecond)

	// a second fire returns immediately without touching the tenant
	s.scheduled.Run()
	assert.Len(t, job.calls(), 1)

	close(release)
	<-done
	s.scheduled.Run()
	assert.Len(t, job.calls(), 2)
}

func TestAllowPolicyStartsConcurrentSweep(t *testing.T) {
	release := make(chan struct{})
	job := &funcJob{fn: func(ctx context.Context, t store.Tenant) error {
		if t.ID == "a" {
			<-release
		}
		return nil
	}}
	s := New(Config{Overlap: OverlapAllow}, staticRegistry{tenants: tenants("a", "b")}, job, &memCounter{}, nil)

	done := make(chan struct{})
	go func() {
		s.scheduled.Run()
		close(done)
	}()
	require.Eventually(t, func() bool { return len(job.calls()) == 1 }, time.Second, time.Millisecond)

	// the second sweep skips the busy tenant and still serves the rest
	s.scheduled.Run()
	assert.Equal(t, []string{"a", "b"}, job.calls())

	close(release)
	<-done
	assert.Equal(t, []string{"a", "b", "b"}, job.calls())
}

func TestStartRunsImmediatelyAndStopWaits(t *testing.T) {
	var runs atomic.Int32
	job := &funcJob{fn: func(ctx context.Context, t store.Tenant) error {
		runs.Add(1)
		return nil
	}}
	s := New(Config{Period: time.Hour, RunOnStart: true}, staticRegistry{tenants: tenants("a")}, job, &memCounter{}, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	s.Stop()
	assert.EqualValues(t, 1, runs.Load())
}

func TestStopCancelsRunningJob(t *testing.T) {
	started := make(chan struct{})
	job := &funcJob{fn: func(ctx context.Context, t store.Tenant) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	s := New(Config{Period: time.Hour, RunOnStart: true}, staticRegistry{tenants: tenants("a")}, job, &memCounter{}, nil)
	require.NoError(t, s.Start(context.Background()))
	<-started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
