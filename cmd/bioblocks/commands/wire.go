package commands

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/livetemplate/bioblocks"
	"github.com/livetemplate/bioblocks/internal/blockstore"
	"github.com/livetemplate/bioblocks/internal/cache"
	"github.com/livetemplate/bioblocks/internal/collection"
	"github.com/livetemplate/bioblocks/internal/config"
)

// productsCacheKey is shared by every editor process of the same owner, so a
// redis backend lets them reuse one fetch.
func productsCacheKey(owner string) string {
	return "products:" + owner
}

// session is everything an editing session needs before it can serve.
type session struct {
	client   *blockstore.Client
	coll     *collection.Collection
	products *cache.Loader[[]bioblocks.Product] // nil when products are disabled
	closers  []func() error
}

// newSession connects to the block store and prepares the product loader.
func newSession(cfg *config.Config, logger *zap.Logger) (*session, error) {
	client, err := blockstore.NewFromConfig(cfg.Store, cfg.Store.GetToken(), logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("failed to create store client: %w", err)
	}

	s := &session{
		client: client,
		coll: collection.New(client,
			collection.WithLogger(logger.Named("collection")),
			collection.WithCallTimeout(cfg.Store.GetTimeout()*3)),
	}

	if cfg.Products.Enabled {
		loader, err := s.productLoader(cfg, logger)
		if err != nil {
			return nil, err
		}
		s.products = loader
	}
	return s, nil
}

func (s *session) productLoader(cfg *config.Config, logger *zap.Logger) (*cache.Loader[[]bioblocks.Product], error) {
	source := s.client
	if url := cfg.Products.GetURL(cfg.Store); url != cfg.Store.GetURL() {
		storeCfg := cfg.Store
		storeCfg.URL = url
		c, err := blockstore.NewFromConfig(storeCfg, cfg.Store.GetToken(), logger.Named("products"))
		if err != nil {
			return nil, fmt.Errorf("failed to create product client: %w", err)
		}
		source = c
	}
	products := blockstore.NewProductClient(source)

	var backend cache.Cache[[]bioblocks.Product]
	if cfg.Products.IsCacheEnabled() {
		switch cfg.Products.GetCacheBackend() {
		case "redis":
			rc := cache.NewRedisCache[[]bioblocks.Product](cache.RedisConfig{
				Addr: cfg.Products.Cache.RedisAddr,
				DB:   cfg.Products.Cache.RedisDB,
			}, logger.Named("cache"))
			s.closers = append(s.closers, rc.Close)
			backend = rc
		case "memory":
			mc := cache.NewMemoryCache[[]bioblocks.Product]()
			s.closers = append(s.closers, func() error { mc.Stop(); return nil })
			backend = mc
		default:
			return nil, fmt.Errorf("unknown products cache backend %q", cfg.Products.GetCacheBackend())
		}
	}

	strategy := cache.StrategySimple
	if cfg.Products.IsStaleWhileRevalidate() {
		strategy = cache.StrategyStaleWhileRevalidate
	}
	loader := cache.NewLoader[[]bioblocks.Product](productsCacheKey(cfg.EffectiveOwner()), products.List, backend,
		cfg.Products.GetCacheTTL(), strategy, logger.Named("products"))
	s.closers = append(s.closers, func() error { loader.Close(); return nil })
	return loader, nil
}

// startup is the result of the initial fan-out.
type startup struct {
	theme    bioblocks.Theme
	products []bioblocks.Product
	blocks   error // block load failure; the collection stays empty
}

// load fetches the blocks, the products and the theme concurrently. A theme
// error fails the load. A block failure is reported in startup so the editor
// can start in its retry state, and a product failure leaves the shop empty.
func (s *session) load(ctx context.Context, cfg *config.Config, logger *zap.Logger) (startup, error) {
	var out startup
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		out.blocks = s.coll.Load(ctx, cfg.EffectiveOwner())
		return nil
	})
	g.Go(func() error {
		theme, err := cfg.ResolveTheme()
		if err != nil {
			return err
		}
		out.theme = theme
		return nil
	})
	if s.products != nil {
		g.Go(func() error {
			products, err := s.products.Get(ctx)
			if err != nil {
				logger.Warn("products unavailable", zap.String("message", blockstore.UserFriendlyMessage(err)), zap.Error(err))
				return nil
			}
			out.products = products
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return startup{}, err
	}
	return out, nil
}

// close releases the session's caches and loaders.
func (s *session) close() error {
	s.coll.Close()
	var err error
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.closers[i]())
	}
	return err
}
