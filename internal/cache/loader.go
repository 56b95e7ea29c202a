package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Strategy names how a Loader treats aging values.
type Strategy string

const (
	// StrategySimple serves a value until its TTL expires, then fetches.
	StrategySimple Strategy = "simple"
	// StrategyStaleWhileRevalidate serves a stale value immediately and
	// refreshes it in the background.
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// FetchFunc produces a fresh value.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// Loader wraps a fetch function with caching behavior
type Loader[V any] struct {
	fetch    FetchFunc[V]
	cache    Cache[V]
	key      string
	ttl      time.Duration
	strategy Strategy
	logger   *zap.Logger

	mu           sync.Mutex
	revalidating bool
	wg           sync.WaitGroup

	// For cancellation of background operations
	cancelCtx  context.Context
	cancelFunc context.CancelFunc
}

// NewLoader creates a loader caching fetch results under key. A zero ttl
// disables caching.
func NewLoader[V any](key string, fetch FetchFunc[V], c Cache[V], ttl time.Duration, strategy Strategy, logger *zap.Logger) *Loader[V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strategy == "" {
		strategy = StrategySimple
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader[V]{
		fetch:      fetch,
		cache:      c,
		key:        key,
		ttl:        ttl,
		strategy:   strategy,
		logger:     logger,
		cancelCtx:  ctx,
		cancelFunc: cancel,
	}
}

// Get returns the value, using the cache if available
func (l *Loader[V]) Get(ctx context.Context) (V, error) {
	if err := ctx.Err(); err != nil {
		var zero V
		return zero, err
	}

	if l.cache != nil && l.ttl > 0 {
		value, found, stale := l.cache.Get(l.key)
		if found {
			if stale && l.strategy == StrategyStaleWhileRevalidate {
				l.revalidateInBackground()
			}
			return value, nil
		}
	}

	return l.Refresh(ctx)
}

// Refresh fetches a fresh value and caches it.
func (l *Loader[V]) Refresh(ctx context.Context) (V, error) {
	value, err := l.fetch(ctx)
	if err != nil {
		return value, err
	}

	if l.cache != nil && l.ttl > 0 {
		if l.strategy == StrategyStaleWhileRevalidate {
			// Fresh for half the TTL, then stale for the other half
			l.cache.SetWithStale(l.key, value, l.ttl/2, l.ttl)
		} else {
			l.cache.Set(l.key, value, l.ttl)
		}
	}
	return value, nil
}

func (l *Loader[V]) revalidateInBackground() {
	l.mu.Lock()
	if l.revalidating || l.cancelCtx.Err() != nil {
		l.mu.Unlock()
		return
	}
	l.revalidating = true
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		defer func() {
			l.mu.Lock()
			l.revalidating = false
			l.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(l.cancelCtx, 30*time.Second)
		defer cancel()

		if _, err := l.Refresh(ctx); err != nil && l.cancelCtx.Err() == nil {
			l.logger.Warn("background revalidation failed", zap.String("key", l.key), zap.Error(err))
		}
	}()
}

// Invalidate removes the cached value.
func (l *Loader[V]) Invalidate() {
	if l.cache != nil {
		l.cache.Invalidate(l.key)
	}
}

// Close cancels background revalidation and waits for it to stop.
func (l *Loader[V]) Close() {
	l.mu.Lock()
	l.cancelFunc()
	l.mu.Unlock()
	l.wg.Wait()
}
