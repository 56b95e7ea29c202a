package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetemplate/bioblocks"
)

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func shop() []bioblocks.Product {
	return []bioblocks.Product{
		{ID: "p1", Title: "Mug", Price: 12, Currency: "USD"},
		{ID: "p2", Title: "Poster", Price: 20, Currency: "USD"},
	}
}

func newProductCache(t *testing.T, clk *clock) *MemoryCache[[]bioblocks.Product] {
	t.Helper()
	c := NewMemoryCache[[]bioblocks.Product](WithClock(clk.Now), WithSweepInterval(0))
	t.Cleanup(c.Stop)
	return c
}

func TestMemoryCacheKeepsProductsPerOwner(t *testing.T) {
	c := newProductCache(t, newClock())

	_, found, _ := c.Get("products:alice")
	assert.False(t, found)

	c.Set("products:alice", shop(), time.Minute)
	c.Set("products:bob", nil, time.Minute)

	got, found, stale := c.Get("products:alice")
	require.True(t, found)
	assert.False(t, stale)
	assert.Equal(t, shop(), got)

	got, found, _ = c.Get("products:bob")
	assert.True(t, found, "an empty shop is cached too")
	assert.Empty(t, got)

	c.Invalidate("products:alice")
	_, found, _ = c.Get("products:alice")
	assert.False(t, found)
	_, found, _ = c.Get("products:bob")
	assert.True(t, found)
}

func TestMemoryCacheFreshness(t *testing.T) {
	clk := newClock()
	c := newProductCache(t, clk)
	c.SetWithStale("products:alice", shop(), time.Minute, 2*time.Minute)

	tests := []struct {
		name      string
		advance   time.Duration
		wantFound bool
		wantStale bool
	}{
		{"fresh", 59 * time.Second, true, false},
		{"stale at the boundary", time.Second, true, true},
		{"still usable", 59 * time.Second, true, true},
		{"expired", time.Second, false, false},
	}
	for _, tt := range tests {
		clk.Advance(tt.advance)
		_, found, stale := c.Get("products:alice")
		assert.Equal(t, tt.wantFound, found, tt.name)
		assert.Equal(t, tt.wantStale, stale, tt.name)
	}
	assert.Zero(t, c.Len(), "expired entries are dropped when read")
}

func TestMemoryCacheSweepDropsExpired(t *testing.T) {
	clk := newClock()
	c := newProductCache(t, clk)
	c.Set("products:alice", shop(), time.Minute)
	c.Set("products:bob", shop(), time.Hour)

	clk.Advance(2 * time.Minute)
	c.sweep()

	assert.Equal(t, 1, c.Len())
	_, found, _ := c.Get("products:bob")
	assert.True(t, found)
}

func TestMemoryCacheBackgroundSweep(t *testing.T) {
	clk := newClock()
	c := NewMemoryCache[[]bioblocks.Product](WithClock(clk.Now), WithSweepInterval(5*time.Millisecond))
	defer c.Stop()

	c.Set("products:alice", shop(), time.Minute)
	clk.Advance(time.Hour)
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)

	c.Stop()
	c.Stop()
}

func TestLoaderServesStaleProductsWhileRefreshing(t *testing.T) {
	clk := newClock()
	c := newProductCache(t, clk)

	var mu sync.Mutex
	calls := 0
	fetch := func(context.Context) ([]bioblocks.Product, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		products := shop()
		if calls > 1 {
			products = append(products, bioblocks.Product{ID: "p3", Title: "Sticker", Price: 3})
		}
		return products, nil
	}

	l := NewLoader("products:alice", fetch, c, 2*time.Minute, StrategyStaleWhileRevalidate, nil)
	defer l.Close()
	ctx := context.Background()

	got, err := l.Get(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	clk.Advance(90 * time.Second)
	got, err = l.Get(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2, "the stale list is served without waiting")

	assert.Eventually(t, func() bool {
		got, found, stale := c.Get("products:alice")
		return found && !stale && len(got) == 3
	}, time.Second, 5*time.Millisecond, "the background refresh replaces the stale list")
}

func TestLoaderInvalidateForcesFetch(t *testing.T) {
	c := newProductCache(t, newClock())
	calls := 0
	fetch := func(context.Context) ([]bioblocks.Product, error) {
		calls++
		return shop()[:calls], nil
	}

	l := NewLoader("products:alice", fetch, c, time.Minute, StrategySimple, nil)
	defer l.Close()
	ctx := context.Background()

	got, err := l.Get(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	got, err = l.Get(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1, "served from cache")

	l.Invalidate()
	got, err = l.Get(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 2, calls)
}
