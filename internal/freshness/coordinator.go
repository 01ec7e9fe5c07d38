package freshness

import (
	"context"
	"fmt"
	"sync"

	"github.com/Rajchodisetti/trading-arena/internal/observ"
)

// flight is one outstanding fetch for a resource key
type flight struct {
	done chan struct{}
	err  error
}

// Coordinator admits at most one outstanding fetch per resource key.
// The presence of a key in calls is the refresh-in-flight flag; it is only
// read and written under mu, so check-and-set is atomic across goroutines.
type Coordinator struct {
	mu    sync.Mutex
	calls map[string]*flight
}

func NewCoordinator() *Coordinator {
	return &Coordinator{calls: make(map[string]*flight)}
}

// InFlight reports whether a fetch for key is currently outstanding.
func (c *Coordinator) InFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.calls[key]
	return ok
}

// EnsureRefresh starts fn in the background unless a fetch for key is already
// outstanding. It never waits and reports whether it started a fetch.
func (c *Coordinator) EnsureRefresh(key string, fn func() error) bool {
	c.mu.Lock()
	if _, ok := c.calls[key]; ok {
		c.mu.Unlock()
		observ.IncCounter("singleflight_joined_total", map[string]string{"key": key, "mode": "async"})
		return false
	}
	f := &flight{done: make(chan struct{})}
	c.calls[key] = f
	c.mu.Unlock()

	go c.run(key, f, fn)
	return true
}

// Refresh joins the outstanding fetch for key, or starts one, and waits for it.
// ctx bounds only this caller's wait; the fetch itself keeps running for the
// other callers sharing it.
func (c *Coordinator) Refresh(ctx context.Context, key string, fn func() error) error {
	c.mu.Lock()
	f, ok := c.calls[key]
	if !ok {
		f = &flight{done: make(chan struct{})}
		c.calls[key] = f
		go c.run(key, f, fn)
	} else {
		observ.IncCounter("singleflight_joined_total", map[string]string{"key": key, "mode": "wait"})
	}
	c.mu.Unlock()

	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) run(key string, f *flight, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			f.err = fmt.Errorf("refresh %s panicked: %v", key, r)
		}
		// clear the flag before waking waiters so a waiter that immediately
		// asks for another refresh is admitted
		c.mu.Lock()
		delete(c.calls, key)
		c.mu.Unlock()
		close(f.done)
	}()
	f.err = fn()
}
