// Package cache keeps slow read-only lookups, such as an owner's storefront
// products, close to the editor.
package cache

import (
	"sync"
	"time"
)

// Entry is a cached value with its freshness deadlines.
type Entry[V any] struct {
	Value   V
	StaleAt time.Time // served but due for a refresh from here on
	Expires time.Time // dropped from here on
}

func (e Entry[V]) expired(now time.Time) bool {
	return !now.Before(e.Expires)
}

func (e Entry[V]) stale(now time.Time) bool {
	return !now.Before(e.StaleAt) && now.Before(e.Expires)
}

// Cache stores values by key.
type Cache[V any] interface {
	// Get returns the value under key. stale reports that the value should
	// be refreshed; it is still usable.
	Get(key string) (value V, found, stale bool)
	// Set stores value until ttl passes.
	Set(key string, value V, ttl time.Duration)
	// SetWithStale stores value fresh for staleAfter and usable until
	// expireAfter.
	SetWithStale(key string, value V, staleAfter, expireAfter time.Duration)
	// Invalidate drops the value under key.
	Invalidate(key string)
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	sweep time.Duration
	now   func() time.Time
}

// WithSweepInterval sets how often expired entries are removed in the
// background. Zero disables the sweep; expired entries still vanish on read.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(o *memoryOptions) { o.sweep = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(o *memoryOptions) { o.now = now }
}

// MemoryCache is a process-local Cache.
type MemoryCache[V any] struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]Entry[V]

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryCache creates an empty cache. Call Stop to end the sweep.
func NewMemoryCache[V any](opts ...MemoryOption) *MemoryCache[V] {
	o := memoryOptions{sweep: time.Minute, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	c := &MemoryCache[V]{
		now:     o.now,
		entries: make(map[string]Entry[V]),
		stop:    make(chan struct{}),
	}
	if o.sweep > 0 {
		go c.sweepEvery(o.sweep)
	}
	return c
}

func (c *MemoryCache[V]) Get(key string) (V, bool, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired(now) {
		delete(c.entries, key)
		var zero V
		return zero, false, false
	}
	return e.Value, true, e.stale(now)
}

func (c *MemoryCache[V]) Set(key string, value V, ttl time.Duration) {
	c.SetWithStale(key, value, ttl, ttl)
}

func (c *MemoryCache[V]) SetWithStale(key string, value V, staleAfter, expireAfter time.Duration) {
	now := c.now()
	c.mu.Lock()
	c.entries[key] = Entry[V]{Value: value, StaleAt: now.Add(staleAfter), Expires: now.Add(expireAfter)}
	c.mu.Unlock()
}

func (c *MemoryCache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of entries held, counting expired ones the sweep
// has not reached yet.
func (c *MemoryCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stop ends the background sweep. It is safe to call more than once.
func (c *MemoryCache[V]) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *MemoryCache[V]) sweepEvery(d time.Duration) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *MemoryCache[V]) sweep() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
		}
	}
}
