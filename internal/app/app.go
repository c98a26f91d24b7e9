// Package app assembles the collaborators shared by the binaries from
// configuration.
package app

import (
	"context"
	"fmt"
	"strings"

	"session-analyzer/internal/api"
	"session-analyzer/internal/config"
	"session-analyzer/internal/feedback"
	"session-analyzer/internal/inference"
	"session-analyzer/internal/lock"
	"session-analyzer/internal/logger"
	"session-analyzer/internal/memory"
	"session-analyzer/internal/pipeline"
	"session-analyzer/internal/restart"
	"session-analyzer/internal/storage"
	"session-analyzer/internal/store"
	"session-analyzer/internal/store/inmem"
)

// Store is everything the binaries need from persistence.
type Store interface {
	api.Store
	pipeline.JobStore
	pipeline.ResultStore
	memory.Store
	restart.Jobs
}

// App holds the wired collaborators.
type App struct {
	Store       Store
	Storage     storage.Backend
	Locker      lock.Locker
	Coordinator *pipeline.Coordinator
	Supervisor  *restart.Supervisor

	closers []func()
}

// Build connects backends named in cfg and wires the pipeline around them.
func Build(ctx context.Context, cfg config.Config, log *logger.Logger) (*App, error) {
	a := &App{}

	switch strings.ToLower(cfg.StoreBackend) {
	case "memory":
		a.Store = inmem.New()
		log.Warn("using in-process store, data is lost on exit")
	case "postgres", "":
		pg, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.RunMigrations(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		a.Store = pg
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	switch strings.ToLower(cfg.LockBackend) {
	case "local":
		a.Locker = lock.NewLocal()
	case "redis", "":
		client := lock.NewRedisClient(cfg)
		if err := client.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.Locker = lock.NewRedis(client, cfg.LockTTL, log)
	default:
		a.Close()
		return nil, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
	}

	backend, err := storage.New(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.Storage = backend

	a.Coordinator = pipeline.NewCoordinator(pipeline.Deps{
		Jobs:      a.Store,
		Results:   a.Store,
		Memories:  a.Store,
		Storage:   backend,
		Inference: inference.New(cfg.InferenceURL, cfg.InferenceTimeout),
		Feedback:  feedback.New(cfg.FeedbackURL, cfg.FeedbackTimeout),
		Memory:    memory.NewAggregator(a.Store, a.Locker, log, cfg.MemoryMaxRetries),
		Claims:    a.Locker,
		Log:       log,
	}, pipeline.Timeouts{
		Upload:    cfg.UploadTimeout,
		Inference: cfg.InferenceTimeout,
		Feedback:  cfg.FeedbackTimeout,
		Memory:    cfg.MemoryUpdateTimeout,
	})

	a.Supervisor = restart.New(
		a.Store,
		backend,
		storage.NewFetcher(cfg.InferenceTimeout, cfg.MaxUploadBytes),
		a.Coordinator,
		a.Locker,
		restart.Options{SignedURLTTL: cfg.SignedURLTTL, Concurrency: cfg.RestartConcurrency},
		log,
	)
	return a, nil
}

// Wait blocks until resumed pipelines and background memory updates finish.
func (a *App) Wait() {
	a.Supervisor.Wait()
	a.Coordinator.Wait()
}

// Close releases backend connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
