// Package bootstrap assembles the application's components from config.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"duet/internal/calls"
	"duet/internal/config"
	"duet/internal/database"
	"duet/internal/featureflags"
	"duet/internal/feed"
	"duet/internal/media"
	"duet/internal/middleware"
	"duet/internal/notifications"
	"duet/internal/service"
	"duet/internal/store"
	"duet/internal/sweeper"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Runtime holds every long-lived component of one instance.
type Runtime struct {
	Config   *config.Config
	Redis    *redis.Client
	Store    store.EntityStore
	Flags    *featureflags.Manager
	Feed     *feed.Feed
	Notifier *notifications.Notifier
	Relay    *notifications.Relay
	Posts    *service.PostService
	CallHub  *notifications.Hub
	Calls    *calls.Service
	Media    *media.DiskStore
	Sweeper  *sweeper.Sweeper
}

// InitRuntime connects collaborators and wires the services. Redis is
// required for the redis store backend and optional otherwise; without it
// the change feed and call record stay process-local.
func InitRuntime(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	rdb, err := ConnectRedis(ctx, cfg.RedisURL)
	if err != nil {
		if cfg.StoreBackend == config.BackendRedis {
			return nil, err
		}
		middleware.Logger.Warn("continuing without redis", slog.String("error", err.Error()))
	}

	st, err := OpenStore(cfg, rdb)
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		return nil, err
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	rt := &Runtime{
		Config:   cfg,
		Redis:    rdb,
		Store:    st,
		Flags:    featureflags.NewManager(cfg.FeatureFlags),
		Feed:     feed.New(cfg.FeedMaxBacklog),
		Notifier: notifications.NewNotifier(rdb),
		CallHub:  notifications.NewHub("call hub"),
		Media:    media.NewDiskStore(cfg.MediaDir, cfg.MediaMaxUploadBytes()),
	}
	rt.Relay = notifications.NewRelay(rt.Feed, rt.Notifier, instanceID)
	rt.Posts = service.NewPostService(st, rt.Relay, service.Options{
		MaxAttempts:      cfg.MutationMaxAttempts,
		RetentionHorizon: cfg.RetentionHorizon(),
		Flags:            rt.Flags,
		Logger:           middleware.Logger,
	})

	var record calls.Record = calls.NewMemoryRecord()
	if rdb != nil {
		record = calls.NewRedisRecord(rdb)
	}
	rt.Calls = calls.NewService(record, notifications.NewCallBroadcaster(rt.CallHub, rt.Notifier), calls.Options{
		Logger: middleware.Logger,
	})
	rt.Sweeper = sweeper.New(rt.Posts, sweeper.Config{
		Interval: cfg.SweepInterval(),
		Logger:   middleware.Logger,
	})
	return rt, nil
}

// OpenStore opens the configured entity store backend.
func OpenStore(cfg *config.Config, rdb *redis.Client) (store.EntityStore, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory, "":
		return store.NewMemory(), nil
	case config.BackendRedis:
		if rdb == nil {
			return nil, errors.New("redis store backend requires REDIS_URL")
		}
		return store.NewRedis(rdb), nil
	case config.BackendSQLite, config.BackendPostgres:
		db, err := database.Connect(cfg)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		return store.NewGorm(db), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// Start launches the background workers: relay subscription, call wiring
// and the retention sweeper.
func (rt *Runtime) Start(ctx context.Context) error {
	if err := rt.Relay.Start(ctx); err != nil {
		return fmt.Errorf("start change relay: %w", err)
	}
	if err := rt.CallHub.StartCallWiring(ctx, rt.Notifier); err != nil {
		return fmt.Errorf("start call wiring: %w", err)
	}
	rt.Sweeper.Start(ctx)
	return nil
}

// Close stops workers and releases connections.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.Sweeper.Stop()
	_ = rt.CallHub.Shutdown(ctx)
	rt.Feed.Close()

	var errs []error
	if err := rt.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}
