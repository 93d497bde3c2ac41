// Command syncsrv is the demo backend: a REST product catalogue with bearer
// auth and a WebSocket stream of every change.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/gophsync/internal/config"
	"github.com/and161185/gophsync/internal/limiter"
	"github.com/and161185/gophsync/internal/metrics"
	"github.com/and161185/gophsync/internal/migrate"
	"github.com/and161185/gophsync/internal/repository"
	"github.com/and161185/gophsync/internal/repository/memory"
	"github.com/and161185/gophsync/internal/repository/postgres"
	"github.com/and161185/gophsync/internal/server/httpapi"
	"github.com/and161185/gophsync/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const (
	defaultUser     = "test"
	defaultPassword = "test"
	shutdownTimeout = 5 * time.Second
)

// storage is the backend persistence selected by configuration.
type storage struct {
	users    repository.UserRepository
	products repository.ProductRepository
	limiter  limiter.Limiter
	close    func()
}

func openStorage(ctx context.Context, cfg config.Server, log *zap.Logger) (*storage, error) {
	if cfg.DSN == "" {
		log.Info("storage: in-memory")
		return &storage{
			users:    memory.NewUserRepo(),
			products: memory.NewProductRepo(),
			limiter:  limiter.NewMemory(limiter.DefaultConfig),
			close:    func() {},
		}, nil
	}

	if err := migrate.Up(ctx, cfg.DSN); err != nil {
		return nil, fmt.Errorf("migrate up: %w", err)
	}
	db, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	log.Info("storage: postgres")
	return &storage{
		users:    postgres.NewUserRepo(db),
		products: postgres.NewProductRepo(db),
		limiter:  limiter.NewPG(db.Pool, limiter.DefaultConfig),
		close:    db.Close,
	}, nil
}

func newRootCmd() *cobra.Command {
	v := config.New(config.ServerEnvPrefix)
	cmd := &cobra.Command{
		Use:           "syncsrv",
		Short:         "Demo backend for syncd",
		Version:       fmt.Sprintf("%s (%s)", version, buildDate),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer(v)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Debug)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), cfg, logger)
		},
	}
	if err := config.BindServerFlags(cmd, v); err != nil {
		panic(err)
	}
	return cmd
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// serve wires storage, services, the hub and the router, and runs the HTTP
// server until ctx is cancelled.
func serve(ctx context.Context, cfg config.Server, logger *zap.Logger) error {
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
	)

	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sm := metrics.NewServer(reg)

	authSvc := service.NewAuthService(st.users, []byte(cfg.JWTKey), cfg.AccessTTL, st.limiter)
	if err := authSvc.EnsureUser(ctx, defaultUser, defaultPassword); err != nil {
		return fmt.Errorf("ensure default user: %w", err)
	}

	hub := httpapi.NewHub(logger.Named("ws"), sm, authSvc)
	productSvc := service.NewProductService(st.products, hub)
	if cfg.Seed {
		if err := service.Seed(ctx, productSvc); err != nil {
			return fmt.Errorf("seed products: %w", err)
		}
	}

	app := httpapi.New(authSvc, productSvc, hub,
		httpapi.WithLogger(logger.Named("http")),
		httpapi.WithMetrics(sm, metrics.Handler(reg)),
	)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// sockets are hijacked, Shutdown does not wait for them
		hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown timed out", zap.Error(err))
			_ = srv.Close()
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
