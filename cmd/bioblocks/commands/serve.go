package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/livetemplate/bioblocks"
	"github.com/livetemplate/bioblocks/internal/config"
	"github.com/livetemplate/bioblocks/internal/schedule"
	"github.com/livetemplate/bioblocks/internal/server"
)

// shutdownTimeout bounds how long pending store calls may take to settle on exit.
const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var (
		port  int
		host  string
		owner string
		token string
		watch bool
	)

	cmd := cobra.Command{
		Use:   "serve",
		Short: "Start the editor server",
		Long: `Start the block editor with its live preview.

Blocks are loaded from the configured block store. Every edit is shown
immediately and saved in the background; failed saves roll back.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// CLI flags override config
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if host != "" {
				cfg.Server.Host = host
			}
			cfg.Override(owner, token)

			logger, err := setupLogger(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, watch, logger)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&port, "port", "p", 8080, "Port to listen on")
	flags.StringVar(&host, "host", "", "Host to bind (default from config)")
	flags.StringVarP(&owner, "owner", "o", "", "Profile owner whose blocks are edited")
	flags.StringVar(&token, "token", "", "Block store bearer token (overrides config)")
	flags.BoolVarP(&watch, "watch", "w", true, "Reload the theme file when it changes")

	return &cmd
}

func serve(ctx context.Context, cfg *config.Config, watch bool, logger *zap.Logger) (err error) {
	sess, err := newSession(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, sess.close()) }()

	start, err := sess.load(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to load profile: %w", err)
	}
	if start.blocks != nil {
		logger.Warn("blocks unavailable, editor starts in retry state",
			zap.String("owner", cfg.EffectiveOwner()),
			zap.String("message", bioblocks.UserMessage(start.blocks)),
			zap.Error(start.blocks))
	} else {
		logger.Info("profile loaded",
			zap.String("owner", sess.coll.Owner()),
			zap.Int("blocks", sess.coll.Len()),
			zap.Int("products", len(start.products)))
	}

	opts := server.Options{
		Theme:     start.theme,
		Products:  start.products,
		Logger:    logger.Named("server"),
		Owner:     cfg.EffectiveOwner(),
		LoadError: start.blocks,
	}
	if sess.products != nil {
		// A retry drops the cached list instead of serving it again.
		opts.RefreshProducts = func(ctx context.Context) ([]bioblocks.Product, error) {
			sess.products.Invalidate()
			return sess.products.Get(ctx)
		}
	}
	srv := server.New(sess.coll, opts)
	defer func() { err = multierr.Append(err, srv.Close()) }()

	if watch && cfg.Theme.File != "" {
		reload := func(string) (bioblocks.Theme, error) {
			theme, err := cfg.ResolveTheme()
			return bioblocks.Theme(theme), err
		}
		if err := srv.WatchTheme(cfg.Theme.File, reload); err != nil {
			return fmt.Errorf("failed to watch theme: %w", err)
		}
		logger.Info("watching theme", zap.String("path", cfg.Theme.File))
	}

	runner := schedule.NewRunner(logger.Named("schedule"))
	if sess.products != nil && cfg.Products.Refresh != "" {
		refresh := func(ctx context.Context) error {
			products, err := sess.products.Refresh(ctx)
			if err != nil {
				return err
			}
			srv.SetProducts(products)
			return nil
		}
		if err := runner.Add("products", cfg.Products.Refresh, refresh); err != nil {
			return err
		}
	}
	runner.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = multierr.Append(err, runner.Stop(stopCtx))
	}()

	limiterCtx, cancelLimiter := context.WithCancel(ctx)
	defer cancelLimiter()
	limiter := server.NewRateLimiter(
		cfg.API.GetRateLimitRPS(), cfg.API.GetRateLimitBurst(), cfg.API.GetMaxTrackedIPs(),
		logger.Named("ratelimit"))
	go limiter.Run(limiterCtx)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.Handler(limiter.Middleware, server.CORSMiddleware(cfg.API.GetCORSOrigins())),
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    8 * 1024,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("editor server started", zap.String("addr", "http://"+httpServer.Addr))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	// Let saves already dispatched reach the store before exiting.
	if pending := sess.coll.Pending(); pending > 0 {
		logger.Info("waiting for pending saves", zap.Int("pending", pending))
		if err := sess.coll.Idle(shutdownCtx); err != nil {
			logger.Warn("pending saves abandoned", zap.Int("pending", sess.coll.Pending()))
		}
	}
	return nil
}
