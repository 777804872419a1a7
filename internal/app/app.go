// Package app wires the store, locks and lifecycle services from configuration
// for the api and worker binaries.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"hostel/internal/allocation"
	"hostel/internal/config"
	"hostel/internal/hostel"
	"hostel/internal/lock"
	"hostel/internal/metrics"
	"hostel/internal/payment"
	"hostel/internal/settings"
	"hostel/internal/store"
	"hostel/internal/sweep"
)

// Services holds everything a binary needs.
type Services struct {
	DB    *store.DB
	Redis *store.Redis
	Store store.Store

	Metrics     *metrics.Recorder
	Settings    *settings.Resolver
	Tree        *hostel.Tree
	Allocations *allocation.Service
	Payments    *payment.Service
	Sweep       *sweep.Job

	WorkerPolicy  allocation.RevokePolicy
	TriggerPolicy allocation.RevokePolicy
}

// Build connects the configured backends and creates the services. Metrics
// are registered on reg.
func Build(ctx context.Context, cfg config.App, logger *zap.Logger, reg prometheus.Registerer) (*Services, error) {
	workerPolicy, err := allocation.ParsePolicy(cfg.SweepWorkerPolicy)
	if err != nil {
		return nil, err
	}
	triggerPolicy, err := allocation.ParsePolicy(cfg.SweepTriggerPolicy)
	if err != nil {
		return nil, err
	}
	s := &Services{WorkerPolicy: workerPolicy, TriggerPolicy: triggerPolicy}

	switch cfg.StoreBackend {
	case "memory":
		s.Store = store.NewMemory()
		logger.Warn("using in-memory document store; data is lost on restart")
	case "postgres":
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		s.DB = db
		pg := store.NewPostgres(db.Client)
		if err := pg.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate documents table: %w", err)
		}
		s.Store = pg
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	if cfg.LockBackend == "redis" || cfg.RateLimitBackend == "redis" {
		s.Redis = store.NewRedis(cfg.RedisAddr)
	}
	var locker lock.Locker
	switch cfg.LockBackend {
	case "redis":
		locker = lock.NewRedis(s.Redis.Client, "", cfg.LockTTL)
	case "local":
		locker = lock.NewLocal()
		logger.Warn("using process-local hostel locks; run a single api instance")
	default:
		s.Close()
		return nil, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
	}

	s.Metrics = metrics.New(reg)
	s.Settings = settings.NewResolver(s.Store, settings.HostelSettings{
		PaymentGracePeriodHours: cfg.DefaultGraceHours,
		AutoRevokeUnpaid:        cfg.DefaultAutoRevoke,
		DefaultRoomCapacity:     cfg.DefaultRoomCapacity,
		AllowMixedGender:        cfg.DefaultAllowMixed,
	}, logger.Named("settings"))
	s.Tree = hostel.NewTree(s.Store, logger.Named("hostel"), hostel.WithLocker(locker))
	s.Allocations = allocation.NewService(s.Store, s.Tree, s.Settings, logger.Named("allocation"),
		allocation.WithMetrics(s.Metrics))
	s.Tree.SetCleaner(s.Allocations)
	s.Payments = payment.NewService(s.Store, s.Allocations, logger.Named("payment"),
		payment.WithMetrics(s.Metrics))
	s.Sweep = sweep.NewJob(s.Allocations, logger.Named("sweep"), s.Metrics)
	return s, nil
}

// Health reports backend reachability. Backends that are not in use count as healthy.
func (s *Services) Health(ctx context.Context) (db, redis bool) {
	db = s.DB == nil || s.DB.Healthy(ctx)
	redis = s.Redis == nil || s.Redis.Healthy(ctx)
	return db, redis
}

// Close releases backend connections.
func (s *Services) Close() {
	_ = s.DB.Close()
	_ = s.Redis.Close()
}
