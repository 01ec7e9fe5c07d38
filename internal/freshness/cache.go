// Package freshness serves slow-to-compute values from memory while bounding
// both their age and the load placed on the source that produces them.
package freshness

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Rajchodisetti/trading-arena/internal/observ"
)

// Policy decides what a caller does when the cached value is too old.
type Policy int

const (
	// BlockingRefresh makes the caller wait for a fresh fetch once the value
	// is older than the TTL.
	BlockingRefresh Policy = iota
	// StaleWhileRevalidate returns the cached value immediately, tagged stale,
	// and refreshes it in the background. Only the very first caller waits.
	StaleWhileRevalidate
)

func (p Policy) String() string {
	switch p {
	case BlockingRefresh:
		return "blocking"
	case StaleWhileRevalidate:
		return "stale_while_revalidate"
	default:
		return "unknown"
	}
}

// Fetcher loads the current value from the backing source. It must be safe to
// call repeatedly.
type Fetcher[V any] func(ctx context.Context) (V, error)

const DefaultFetchTimeout = 30 * time.Second

// Options configures a Cache
type Options struct {
	Key          string
	Policy       Policy
	TTL          time.Duration
	FetchTimeout time.Duration // bounds each fetch, DefaultFetchTimeout when zero
	Clock        clockwork.Clock
	Coordinator  *Coordinator // shared across caches, one is created when nil
	Logger       *log.Logger
}

// Result is what a Get observed. LastUpdated is zero until the first
// successful fetch.
type Result[V any] struct {
	Value       V
	LastUpdated time.Time
	Stale       bool
}

func (r Result[V]) HasValue() bool { return !r.LastUpdated.IsZero() }

// Cache holds the single entry for one resource key.
type Cache[V any] struct {
	key          string
	policy       Policy
	ttl          time.Duration
	fetchTimeout time.Duration
	fetch        Fetcher[V]
	clock        clockwork.Clock
	flight       *Coordinator
	logger       *log.Logger

	// entry; written only by refresh
	mu          sync.RWMutex
	value       V
	lastUpdated time.Time
}

func New[V any](fetch Fetcher[V], opts Options) *Cache[V] {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Coordinator == nil {
		opts.Coordinator = NewCoordinator()
	}
	return &Cache[V]{
		key:          opts.Key,
		policy:       opts.Policy,
		ttl:          opts.TTL,
		fetchTimeout: opts.FetchTimeout,
		fetch:        fetch,
		clock:        opts.Clock,
		flight:       opts.Coordinator,
		logger:       observ.OrDiscard(opts.Logger),
	}
}

func (c *Cache[V]) Key() string { return c.key }

// Get answers from the entry according to the cache's policy.
//
// Under BlockingRefresh a fetch error is returned to the caller. Under
// StaleWhileRevalidate fetch errors never surface: the previous value, or the
// zero value before any successful fetch, is returned instead.
func (c *Cache[V]) Get(ctx context.Context) (Result[V], error) {
	if c.policy == StaleWhileRevalidate {
		return c.getStaleTolerant(ctx), nil
	}
	return c.getBlocking(ctx)
}

// Snapshot returns the entry as it is now without triggering any fetch.
func (c *Cache[V]) Snapshot() Result[V] {
	res := c.read()
	res.Stale = res.HasValue() && c.expired(res.LastUpdated)
	return res
}

func (c *Cache[V]) getBlocking(ctx context.Context) (Result[V], error) {
	if res := c.read(); res.HasValue() && !c.expired(res.LastUpdated) {
		c.count("hit")
		return res, nil
	}
	c.count("miss")
	if err := c.flight.Refresh(ctx, c.key, c.refresh); err != nil {
		return Result[V]{}, fmt.Errorf("refresh %s: %w", c.key, err)
	}
	// re-read: the entry observed before waiting may have been replaced
	return c.read(), nil
}

func (c *Cache[V]) getStaleTolerant(ctx context.Context) Result[V] {
	res := c.read()
	if !res.HasValue() {
		c.count("miss")
		if err := c.flight.Refresh(ctx, c.key, c.refresh); err != nil {
			c.logger.Printf("first fetch for %s failed: %v", c.key, err)
		}
		return c.read()
	}

	if !c.expired(res.LastUpdated) {
		c.count("hit")
		return res
	}

	c.count("stale")
	res.Stale = true
	if c.flight.EnsureRefresh(c.key, c.refresh) {
		c.logger.Printf("serving stale %s (age %v), background refresh started",
			c.key, c.clock.Since(res.LastUpdated).Round(time.Second))
	}
	return res
}

// refresh runs under the coordinator. It is detached from any request context
// so a caller that gives up does not cancel the fetch other callers share.
func (c *Cache[V]) refresh() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
	defer cancel()

	start := c.clock.Now()
	v, err := c.fetch(ctx)
	elapsed := c.clock.Since(start)
	observ.RecordDuration("cache_refresh", elapsed, map[string]string{"key": c.key})

	if err != nil {
		// the entry is left untouched on failure
		observ.IncCounter("cache_refresh_total", map[string]string{"key": c.key, "result": "error"})
		observ.Log("cache_refresh_failed", map[string]any{
			"key":    c.key,
			"policy": c.policy.String(),
			"error":  err.Error(),
		})
		return err
	}

	now := c.clock.Now()
	c.mu.Lock()
	c.value = v
	c.lastUpdated = now
	c.mu.Unlock()

	observ.IncCounter("cache_refresh_total", map[string]string{"key": c.key, "result": "ok"})
	observ.Log("cache_refreshed", map[string]any{
		"key":        c.key,
		"policy":     c.policy.String(),
		"latency_ms": elapsed.Milliseconds(),
	})
	return nil
}

func (c *Cache[V]) read() Result[V] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Result[V]{Value: c.value, LastUpdated: c.lastUpdated}
}

func (c *Cache[V]) expired(lastUpdated time.Time) bool {
	return c.clock.Since(lastUpdated) > c.ttl
}

func (c *Cache[V]) count(outcome string) {
	observ.IncCounter("cache_requests_total", map[string]string{"key": c.key, "outcome": outcome})
}
