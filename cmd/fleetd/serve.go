package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/homt/fleetd/internal/handler"
	"github.com/homt/fleetd/internal/health"
	"github.com/homt/fleetd/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, admin API, metrics and health probes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("Starting fleetd",
				zap.String("version", Version),
				zap.String("ledger", cfg.Ledger.Driver),
				zap.String("inbound_tag", cfg.Control.InboundTag),
				zap.Int("workers", cfg.Scheduler.Workers))

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			a, err := wireApp(ctx, cfg, logger, reg)
			if err != nil {
				logger.Error("Failed to initialize", zap.Error(err))
				return err
			}
			defer a.Close()

			g, gctx := errgroup.WithContext(ctx)

			a.scheduler.Start(gctx)

			h := handler.NewHandlers(a.scheduler, a.assignment, a.health, logger, cfg.Server.WriteTimeout)
			adminServer := server.NewServer(cfg, h, logger)
			adminServer.SetupRoutes()
			g.Go(adminServer.Start)

			healthServer := health.NewHealthServer(health.NewHealthChecker(a.ledger, a.guardPinger, logger), cfg.Health.Port)
			g.Go(func() error {
				logger.Info("Starting health check server", zap.String("address", healthServer.Addr))
				return listen(healthServer)
			})

			var metricsServer *http.Server
			if cfg.Metrics.Enabled {
				mux := http.NewServeMux()
				mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				metricsServer = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux}
				g.Go(func() error {
					logger.Info("Starting metrics server",
						zap.String("address", metricsServer.Addr),
						zap.String("path", cfg.Metrics.Path))
					return listen(metricsServer)
				})
			}

			g.Go(func() error {
				<-gctx.Done()
				logger.Info("Initiating graceful shutdown")

				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()

				if err := adminServer.Shutdown(shutdownCtx); err != nil {
					logger.Error("Failed to shutdown admin server", zap.Error(err))
				}
				if err := healthServer.Shutdown(shutdownCtx); err != nil {
					logger.Error("Failed to shutdown health server", zap.Error(err))
				}
				if metricsServer != nil {
					if err := metricsServer.Shutdown(shutdownCtx); err != nil {
						logger.Error("Failed to shutdown metrics server", zap.Error(err))
					}
				}
				a.scheduler.Stop()
				return nil
			})

			if err := g.Wait(); err != nil {
				logger.Error("Server error", zap.Error(err))
				return err
			}
			logger.Info("fleetd shutdown complete")
			return nil
		},
	}
}

func listen(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server on %s: %w", s.Addr, err)
	}
	return nil
}
