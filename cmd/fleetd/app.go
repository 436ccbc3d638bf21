package main

import (
	"context"
	"fmt"
	"time"

	"github.com/homt/fleetd/internal/client"
	"github.com/homt/fleetd/internal/config"
	"github.com/homt/fleetd/internal/health"
	"github.com/homt/fleetd/internal/metrics"
	"github.com/homt/fleetd/internal/service"
	"github.com/homt/fleetd/internal/store"
	"github.com/homt/fleetd/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// app holds the wired fleetd components
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	ledger   store.SubscriptionLedger
	registry store.NodeRegistry
	guard    store.RunGuard
	// guardPinger is nil unless runs are guarded through Redis
	guardPinger health.Pinger
	factory     *client.GRPCFactory
	pool        *workerpool.Pool
	metrics     *metrics.Metrics

	scheduler  *service.FleetScheduler
	assignment *service.AssignmentService
	health     *service.NodeHealthService

	closers []func() error
}

func wireApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if err := a.openLedger(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Nodes.SeedFile != "" {
		seed, err := store.LoadNodeSeed(cfg.Nodes.SeedFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := store.SeedNodes(ctx, a.registry, seed, logger); err != nil {
			a.Close()
			return nil, err
		}
	}

	if cfg.Redis.Enabled {
		rg, err := store.NewRedisRunGuard(
			cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password,
			cfg.Redis.DB, cfg.Redis.PoolSize, cfg.Redis.LockTTL, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.guard = rg
		a.guardPinger = rg
		a.closers = append(a.closers, rg.Close)
	} else {
		a.guard = store.NewMemoryRunGuard()
	}

	a.factory = client.NewGRPCFactory(cfg.Control, logger)
	a.closers = append(a.closers, a.factory.Close)

	a.pool = workerpool.New(workerpool.Config{
		Name:       "fleet",
		MaxWorkers: cfg.Scheduler.Workers,
		QueueSize:  cfg.Scheduler.QueueSize,
		Logger:     logger,
	})
	a.closers = append(a.closers, func() error { return a.pool.Stop(30 * time.Second) })

	a.metrics = metrics.NewMetrics(reg)

	tag := cfg.Control.InboundTag
	a.health = service.NewNodeHealthService(a.registry, a.factory, cfg.Scheduler.LedgerTimeout, logger)
	a.assignment = service.NewAssignmentService(a.ledger, a.registry, a.factory, tag, cfg.Scheduler.NodeChangeCooldown, cfg.Scheduler.LedgerTimeout, logger)
	a.scheduler = service.NewFleetScheduler(cfg.Scheduler, service.SchedulerDeps{
		Ledger:     a.ledger,
		Registry:   a.registry,
		Factory:    a.factory,
		Guard:      a.guard,
		Pool:       a.pool,
		Accountant: service.NewUsageAccountant(),
		Reconciler: service.NewReconciler(a.ledger, a.registry, tag, cfg.Scheduler.LedgerTimeout, a.metrics, logger),
		Enforcer:   service.NewQuotaEnforcer(a.registry, tag, cfg.Scheduler.LedgerTimeout, a.metrics, logger),
		Health:     a.health,
		Metrics:    a.metrics,
		Logger:     logger,
	})

	return a, nil
}

func (a *app) openLedger(ctx context.Context) error {
	cfg := a.cfg
	switch cfg.Ledger.Driver {
	case config.LedgerPostgres:
		pool, err := store.NewPostgresPool(ctx, cfg.Database)
		if err != nil {
			return err
		}
		ledger := store.NewPostgresLedger(pool, a.logger)
		a.closers = append(a.closers, ledger.Close)
		if cfg.Ledger.AutoMigrate {
			if err := store.Migrate(ctx, pool); err != nil {
				return err
			}
		}
		a.ledger = ledger
		a.registry = store.NewPostgresNodeRegistry(pool, a.logger)

	case config.LedgerMongo:
		mc, err := store.NewMongoClient(ctx, cfg.Mongo)
		if err != nil {
			return err
		}
		ledger := store.NewMongoLedger(mc, cfg.Mongo.Database, a.logger)
		a.closers = append(a.closers, ledger.Close)
		if cfg.Ledger.AutoMigrate {
			if err := ledger.Migrate(ctx); err != nil {
				return err
			}
		}
		a.ledger = ledger
		a.registry = store.NewMongoNodeRegistry(mc, cfg.Mongo.Database, a.logger)

	case config.LedgerMemory:
		a.logger.Warn("Using in-memory ledger, state is lost on exit")
		a.ledger = store.NewMemoryLedger()
		a.registry = store.NewMemoryNodeRegistry()

	default:
		return fmt.Errorf("unsupported ledger driver %q", cfg.Ledger.Driver)
	}

	a.logger.Info("Ledger opened",
		zap.String("driver", cfg.Ledger.Driver),
		zap.Bool("auto_migrate", cfg.Ledger.AutoMigrate))
	return nil
}

// Close releases everything in reverse order of acquisition
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Error during shutdown", zap.Error(err))
		}
	}
	a.closers = nil
}
