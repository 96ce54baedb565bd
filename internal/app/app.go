// Package app wires configuration into the running control plane shared by the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/netly/fleet/internal/config"
	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/core/services"
	"github.com/netly/fleet/internal/core/services/factory"
	"github.com/netly/fleet/internal/infrastructure/cache"
	"github.com/netly/fleet/internal/infrastructure/catalog"
	"github.com/netly/fleet/internal/infrastructure/db"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/netly/fleet/internal/infrastructure/metrics"
	"github.com/netly/fleet/internal/infrastructure/progress"
	"github.com/netly/fleet/internal/infrastructure/remote"
	"github.com/netly/fleet/internal/infrastructure/taskclient"
	"gorm.io/gorm"
)

type pruner interface {
	CleanupOld(ctx context.Context, olderThan time.Duration) error
}

type App struct {
	Config *config.Config
	Logger *logger.Logger
	DB     *gorm.DB

	Registry  ports.ServiceRegistry
	Inventory ports.ServerRepository
	Timeline  ports.TimelineRepository
	Cache     *cache.BadgerCache
	Catalog   *catalog.HTTPCatalog
	Metrics   *metrics.Prometheus

	Servers   ports.ServerService
	Instances ports.InstanceService
	Tasks     *services.TaskService
	Rollouts  *services.RolloutService

	closers []func() error
}

// New connects to the database and the image cache and builds every service. sink receives
// operator output; the timeline decorates it when enabled.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, sink ports.ProgressSink) (*App, error) {
	a := &App{Config: cfg, Logger: log}

	database, err := db.NewPostgresConnection(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.DB = database
	a.closers = append(a.closers, func() error { return db.Close(database) })
	if err := db.RunMigrations(database); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("database ready")

	a.Registry = db.NewRegistryRepository(database, log.Named("registry"))
	a.Inventory = db.NewServerRepository(database, log.Named("inventory"))
	if cfg.Features.EnableTimeline {
		a.Timeline = db.NewTimelineRepository(database, log.Named("timeline"))
		if p, ok := a.Timeline.(pruner); ok && cfg.Features.TimelineRetention > 0 {
			if err := p.CleanupOld(ctx, cfg.Features.TimelineRetention); err != nil {
				log.Warnw("timeline_prune_failed", "error", err)
			}
		}
	} else {
		a.Timeline = db.NewTimelineRepoStub(log.Named("timeline"))
	}

	a.Cache, err = cache.NewBadgerCache(cache.Options{Dir: cfg.Cache.Dir}, log.Named("cache"))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.Cache.Close)
	if err := a.Cache.Ensure(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to prepare image cache: %w", err)
	}
	a.Catalog = catalog.NewHTTPCatalog(cfg.Catalog, log.Named("catalog"))

	a.Servers = services.NewServerService(services.ServerServiceConfig{
		Repository:    a.Inventory,
		Logger:        log.Named("servers"),
		EncryptionKey: cfg.Security.EncryptionKey,
		EnableLocks:   true,
	})

	sshTransport, err := remote.NewSSHTransport(a.Inventory, a.Servers, cfg.SSH, log.Named("ssh"))
	if err != nil {
		a.Close()
		return nil, err
	}
	uploader, err := remote.NewSFTPUploader(a.Servers, cfg.SSH, log.Named("sftp"))
	if err != nil {
		a.Close()
		return nil, err
	}

	var observer ports.Metrics
	if cfg.Features.EnableMetrics {
		a.Metrics = metrics.New()
		observer = a.Metrics
	}

	timeline := progress.NewTimeline(sink, a.Timeline, log.Named("timeline"))

	deps := &services.ProcedureDeps{
		Registry:       a.Registry,
		Inventory:      a.Inventory,
		Catalog:        a.Catalog,
		Cache:          a.Cache,
		Resolver:       services.NewImageResolver(a.Catalog, a.Cache, log.Named("resolver")),
		Transport:      remote.NewNatsTransport(cfg.Nats, log.Named("nats")),
		AgentTransport: sshTransport,
		Uploader:       uploader,
		Channel:        services.NewRemoteChannel(timeline, log.Named("channel")),
		Tasks:          services.NewTaskPoller(taskclient.New(cfg.NodeTasks, log.Named("tasks")), cfg.Rollout.TaskPollInterval, log),
		Progress:       timeline,
		Metrics:        observer,
		Settings: services.RolloutSettings{
			Concurrency:       cfg.Rollout.Concurrency,
			DiscoveryTimeout:  cfg.Rollout.DiscoveryTimeout,
			DownloadTimeout:   cfg.Rollout.DownloadTimeout,
			InstallTimeout:    cfg.Rollout.InstallTimeout,
			TaskTimeout:       cfg.Rollout.TaskTimeout,
			FailOnUnreachable: cfg.Rollout.FailOnUnreachable,
			CatalogURL:        cfg.Catalog.BaseURL,
			NatsURL:           cfg.Nats.URL,
		},
		Logger: log.Named("procedure"),
	}

	a.Tasks = services.NewTaskService(log.Named("tasks"))
	a.Instances = services.NewInstanceService(services.InstanceServiceConfig{
		Registry:    a.Registry,
		Servers:     a.Inventory,
		Tasks:       a.Tasks,
		Logger:      log.Named("instances"),
		EnableLocks: true,
	})

	builder := factory.NewFactoryService(deps, factory.Defaults{AgentRemotePath: cfg.Agent.RemotePath})
	orchestrator := services.NewOrchestrator(timeline, observer, log.Named("orchestrator"))
	a.Rollouts = services.NewRolloutService(builder, orchestrator, a.Tasks, log.Named("rollout"))
	a.Rollouts.SetRecorder(timeline)

	return a, nil
}

// Close releases the cache and the database in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
