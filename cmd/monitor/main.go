package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/NTM-Digital/ntmServices/internal/config"
	"github.com/NTM-Digital/ntmServices/internal/httpapi"
	apimw "github.com/NTM-Digital/ntmServices/internal/httpapi/middleware"
	"github.com/NTM-Digital/ntmServices/internal/logging"
	"github.com/NTM-Digital/ntmServices/internal/metrics"
	"github.com/NTM-Digital/ntmServices/internal/probe"
	"github.com/NTM-Digital/ntmServices/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()
	logger, err := logging.NewLogger(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("monitor_exit", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("monitor_stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) (err error) {
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { err = multierr.Append(err, be.close()) }()

	prom, err := metrics.NewPrometheus()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, prom.Shutdown(context.Background())) }()

	registry := scheduler.NewRegistry(scheduler.Deps{
		Monitors:  be.monitors,
		Incidents: be.incidents,
		Checker:   probe.NewHTTPChecker(probe.DefaultTimeout),
		Metrics:   prom,
		Logger:    logger,
	}, be.feed, cfg.ReloadRetry)

	api := httpapi.NewServer(logger, be.monitors, be.incidents, registry, prom.Handler)
	keys := apimw.Keys{Public: cfg.PublicAPIKeys, Admin: cfg.AdminAPIKeys}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(keys, cfg.AllowedOrigins, cfg.PublicRPM, cfg.PublicBurst, cfg.AdminRPM, cfg.AdminBurst),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return registry.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("api_listen", zap.String("addr", cfg.Addr), zap.String("driver", cfg.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
