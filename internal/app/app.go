// Package app assembles the storage driver, core services, HTTP server and
// background jobs from one configuration.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/cryo-specimen-server/internal/api"
	"github.com/cryo-specimen-server/internal/database"
	"github.com/cryo-specimen-server/internal/domain"
	"github.com/cryo-specimen-server/internal/repository"
	"github.com/cryo-specimen-server/internal/scheduler"
	"github.com/cryo-specimen-server/internal/service"
	"github.com/cryo-specimen-server/pkg/external"
)

// App is a fully wired server process
type App struct {
	Config   *domain.Config
	Store    domain.Store
	Services api.Services
	Server   *api.Server

	cache     *external.CacheClient
	scheduler *scheduler.Scheduler
	closers   []func()
	logger    *logrus.Logger
}

// New opens the configured store and wires every component over it. The
// caller owns the returned App and must Close it when Run is not used.
func New(ctx context.Context, cfg *domain.Config, logger *logrus.Logger) (*App, error) {
	a := &App{Config: cfg, logger: logger}

	if cfg.Cache.RedisURL != "" && a.needsRedis() {
		cache, err := external.NewCacheClient(cfg.Cache)
		if err != nil {
			return nil, err
		}
		a.cache = cache
		a.closers = append(a.closers, func() { _ = cache.Close() })
	}

	health, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := api.ServiceOptions{
		Allocation: cfg.Allocation,
		Health:     health,
		Logger:     logger,
	}
	if opts.Locker, err = service.NewSlotLocker(cfg.Allocation, a.redisClient(), logger); err != nil {
		a.Close()
		return nil, err
	}
	if cfg.Directory.UsersURL != "" {
		users, err := external.NewUserDirectoryClient(cfg.Directory, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create user directory client: %w", err)
		}
		opts.Users = users
	}
	if cfg.Directory.PatientsURL != "" {
		patients, err := external.NewPatientDirectoryClient(cfg.Directory, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create patient directory client: %w", err)
		}
		opts.Patients = patients
	}

	a.Services = api.NewServices(a.Store, opts)
	a.Server = api.NewServer(cfg, a.Services, logger)

	if cfg.Scheduler.Enabled {
		var cache scheduler.LocationCache
		if a.cache != nil {
			cache = a.cache
		}
		a.scheduler = scheduler.NewScheduler(cfg.Scheduler.LocationRefreshSpec, a.Services.Tree, cache, logger)
	}

	logger.WithFields(logrus.Fields{
		"storage":      cfg.Storage.Driver,
		"lock_backend": cfg.Allocation.LockBackend,
		"scheduler":    cfg.Scheduler.Enabled,
	}).Info("Application wired")
	return a, nil
}

func (a *App) needsRedis() bool {
	return a.Config.Storage.Driver == domain.StorageDriverRemote ||
		a.Config.Allocation.LockBackend == domain.LockBackendRedis
}

// redisClient returns nil rather than a typed nil when no cache is open
func (a *App) redisClient() redis.UniversalClient {
	if a.cache == nil {
		return nil
	}
	return a.cache.Redis()
}

// openStore opens the storage driver and returns its health probe, if any
func (a *App) openStore(ctx context.Context) (func(context.Context) error, error) {
	cfg := a.Config
	switch cfg.Storage.Driver {
	case domain.StorageDriverPostgres:
		if cfg.Database.RunMigrations {
			if err := migrate(ctx, database.DSN(cfg.Database), a.logger); err != nil {
				return nil, err
			}
		}
		db, err := database.Open(ctx, cfg.Database, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.Store = repository.NewPostgresStore(db.Pool, a.logger)
		return db.Health, nil

	case domain.StorageDriverSQLite:
		store, err := repository.NewSQLiteStore(cfg.Storage.SQLitePath, a.logger)
		if err != nil {
			return nil, err
		}
		a.Store = store
		return nil, nil

	case "", domain.StorageDriverMemory:
		a.Store = repository.NewMemoryStore()
		return nil, nil

	case domain.StorageDriverRemote:
		backend := external.NewBackendClient(cfg.Backend, a.logger)
		if a.cache != nil {
			backend.WithCache(a.cache)
		}
		a.Store = backend
		if a.cache == nil {
			return nil, nil
		}
		return a.cache.Ping, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

func migrate(ctx context.Context, dsn string, logger *logrus.Logger) error {
	runner, err := database.NewMigrationRunner(dsn, logger)
	if err != nil {
		return err
	}
	defer runner.Close()
	return runner.Up(ctx)
}

// Run starts the background jobs and serves HTTP until ctx is cancelled
func (a *App) Run(ctx context.Context) error {
	defer a.Close()
	if a.scheduler != nil {
		if err := a.scheduler.Start(); err != nil {
			return err
		}
		defer a.scheduler.Stop()
	}
	return a.Server.Start(ctx)
}

// Close releases the store, the database pool and the Redis connection
func (a *App) Close() {
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close store")
		}
		a.Store = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
