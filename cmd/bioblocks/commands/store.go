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
	"go.uber.org/zap"

	"github.com/livetemplate/bioblocks/internal/config"
	"github.com/livetemplate/bioblocks/internal/refstore"
	"github.com/livetemplate/bioblocks/internal/server"
)

func storeCmd() *cobra.Command {
	var (
		dsn  string
		port int
		host string
	)

	cmd := cobra.Command{
		Use:   "store",
		Short: "Run the reference block store",
		Long: `Run a block store that speaks the REST contract the editor expects.

Blocks and products are kept in SQLite ("sqlite:./bioblocks.db") or
PostgreSQL ("postgres://..."). Bearer tokens map to profile owners via
refstore.tokens in the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.RefStore == nil {
				cfg.RefStore = &config.RefStoreConfig{Host: "localhost", Port: 8090}
			}
			if dsn != "" {
				cfg.RefStore.DSN = dsn
			}
			if cmd.Flags().Changed("port") {
				cfg.RefStore.Port = port
			}
			if host != "" {
				cfg.RefStore.Host = host
			}
			if cfg.RefStore.Port == 0 {
				cfg.RefStore.Port = 8090
			}

			logger, err := setupLogger(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runStore(ctx, cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&dsn, "dsn", "", "Database DSN (default from config, then sqlite:./bioblocks.db)")
	flags.IntVarP(&port, "port", "p", 8090, "Port to listen on")
	flags.StringVar(&host, "host", "", "Host to bind (default localhost)")

	return &cmd
}

func runStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := refstore.Open(ctx, cfg.RefStore.GetDSN(), logger.Named("refstore"))
	if err != nil {
		return fmt.Errorf("failed to open block store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close block store", zap.Error(err))
		}
	}()

	owners := cfg.RefStore.GetOwners()
	if len(owners) == 0 {
		logger.Warn("no tokens configured, every request will be rejected")
	}

	limiterCtx, cancelLimiter := context.WithCancel(ctx)
	defer cancelLimiter()
	limiter := server.NewRateLimiter(
		cfg.API.GetRateLimitRPS(), cfg.API.GetRateLimitBurst(), cfg.API.GetMaxTrackedIPs(),
		logger.Named("ratelimit"))
	go limiter.Run(limiterCtx)

	handler := server.Chain(refstore.NewHandler(store, owners, logger.Named("api")),
		limiter.Middleware,
		server.CORSMiddleware(cfg.API.GetCORSOrigins()),
		server.CompressionMiddleware,
	)

	addr := fmt.Sprintf("%s:%d", cfg.RefStore.Host, cfg.RefStore.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    8 * 1024,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("block store started", zap.String("addr", "http://"+addr), zap.Int("tokens", len(owners)))
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
	return httpServer.Shutdown(shutdownCtx)
}
