package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"entityvc/internal/blob"
	"entityvc/internal/config"
	"entityvc/internal/core"
	"entityvc/internal/logger"
	"entityvc/internal/vc"
	"entityvc/internal/vc/jobs"
	"entityvc/internal/vc/repository"
	"entityvc/internal/vc/repository/blobrepo"
	"entityvc/internal/vc/repository/gitrepo"
)

// app is the wired service with everything it holds open.
type app struct {
	svc      *vc.Service
	registry *prometheus.Registry
	closers  []io.Closer
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := logger.Get(logger.Main)
	a := &app{registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, err := core.OpenPersistentStore(ctx, cfg.Storage, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	if c, ok := store.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		_ = a.closeAll()
		return nil, err
	}
	a.closers = append(a.closers, repo)

	a.svc = vc.NewService(store, repo,
		vc.WithDefaultBranch(cfg.Repository.DefaultBranch),
		vc.WithAuthor(cfg.Repository.Author),
		vc.WithJobLimits(cfg.Jobs.Workers, cfg.Jobs.QueueSize),
		vc.WithMetrics(a.registry),
		vc.WithAuditLogger(auditLog{log: logger.Get(logger.Jobs)}),
	)
	log.Debug("service ready", "storage", cfg.Storage.Driver, "repository", cfg.Repository.Driver)
	return a, nil
}

func openRepository(ctx context.Context, cfg *config.Config) (repository.Repository, error) {
	switch cfg.Repository.Driver {
	case config.RepositoryGit:
		repo, err := gitrepo.Open(cfg.Repository.Git.Path, gitrepo.WithDefaultBranch(cfg.Repository.DefaultBranch))
		if err != nil {
			return nil, err
		}
		return repo, nil
	case config.RepositoryBlob:
		store, err := blob.Open(ctx, cfg.Blob)
		if err != nil {
			return nil, err
		}
		return blobrepo.New(store, blobrepo.WithDefaultBranch(cfg.Repository.DefaultBranch)), nil
	default:
		return nil, fmt.Errorf("unknown repository driver %s", cfg.Repository.Driver)
	}
}

func (a *app) Close(ctx context.Context) error {
	var err error
	if a.svc != nil {
		err = a.svc.Close(ctx)
	}
	return errors.Join(err, a.closeAll())
}

func (a *app) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}

// auditLog writes job transitions to the jobs logger.
type auditLog struct {
	log *slog.Logger
}

func (a auditLog) Record(ctx context.Context, e jobs.AuditEntry) {
	attrs := []any{"job_id", e.JobID, "kind", e.Kind, "status", e.Status}
	if e.Error != "" {
		attrs = append(attrs, "error", e.Error)
	}
	a.log.InfoContext(ctx, "job transition", attrs...)
}
