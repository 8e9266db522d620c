package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/foliosync/internal/api"
	"github.com/dharsanguruparan/foliosync/internal/budget"
	"github.com/dharsanguruparan/foliosync/internal/config"
	"github.com/dharsanguruparan/foliosync/internal/database"
	"github.com/dharsanguruparan/foliosync/internal/dropbox"
	"github.com/dharsanguruparan/foliosync/internal/materialize"
	"github.com/dharsanguruparan/foliosync/internal/reconcile"
	"github.com/dharsanguruparan/foliosync/internal/repository"
	"github.com/dharsanguruparan/foliosync/internal/s3storage"
	"github.com/dharsanguruparan/foliosync/internal/scheduler"
	"github.com/dharsanguruparan/foliosync/internal/storage"
	"github.com/dharsanguruparan/foliosync/internal/walker"
	"github.com/dharsanguruparan/foliosync/internal/worker"
)

// Catalogue is what every binary needs from the catalogue store.
type Catalogue interface {
	scheduler.Catalogue
	api.Catalogue
}

var (
	_ Catalogue          = (*repository.CatalogueRepository)(nil)
	_ Catalogue          = (*storage.MemoryStore)(nil)
	_ walker.Lister      = (*dropbox.Client)(nil)
	_ materialize.Remote = (*dropbox.Client)(nil)
	_ api.ChunkRunner    = (*scheduler.Scheduler)(nil)
	_ worker.Runner      = (*scheduler.Scheduler)(nil)
	_ s3storage.Backend  = (*s3storage.Memory)(nil)
	_ materialize.Blobs  = (s3storage.Backend)(nil)
)

// Options alter how the app is assembled.
type Options struct {
	// DryRun keeps the catalogue and blobs in memory. The remote store is
	// still read.
	DryRun bool
	// Migrate applies pending migrations before the pool is opened.
	Migrate bool
}

// App holds the wired components shared by the CLI, API and worker.
type App struct {
	Config    *config.Config
	Remote    *dropbox.Client
	Catalogue Catalogue
	Blobs     s3storage.Backend
	Scheduler *scheduler.Scheduler
	pool      *pgxpool.Pool
}

// New builds every component from cfg. The caller must call Close.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg}

	a.Remote = dropbox.New(ctx, dropbox.Config{
		AppKey:            cfg.Dropbox.AppKey,
		AppSecret:         cfg.Dropbox.AppSecret,
		RefreshToken:      cfg.Dropbox.RefreshToken,
		APIBaseURL:        cfg.Dropbox.APIBaseURL,
		TokenURL:          cfg.Dropbox.TokenURL,
		RequestsPerSecond: cfg.Dropbox.RequestsPerSecond,
		MaxDownloadBytes:  cfg.Dropbox.MaxDownloadBytes,
	})

	if opts.DryRun {
		a.Catalogue = storage.NewMemoryStore()
		a.Blobs = s3storage.NewMemory(cfg.Storage.Bucket, cfg.Storage.PublicBaseURL)
	} else {
		if opts.Migrate {
			if err := database.Migrate(cfg.Database.URL); err != nil {
				return nil, err
			}
		}
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.pool = pool
		a.Catalogue = repository.NewCatalogueRepository(pool)

		blobs, err := s3storage.New(ctx, cfg.Storage)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init storage: %w", err)
		}
		a.Blobs = blobs
	}

	sched, err := NewScheduler(cfg, a.Remote, a.Catalogue, a.Blobs, budget.RealClock{})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Scheduler = sched
	return a, nil
}

// Remote is everything the pipeline reads from the remote store.
type Remote interface {
	walker.Lister
	materialize.Remote
}

// NewScheduler assembles the pipeline from already constructed stores.
func NewScheduler(cfg *config.Config, remote Remote, catalogue scheduler.Catalogue, blobs materialize.Blobs, clock budget.Clock) (*scheduler.Scheduler, error) {
	strategy, err := materialize.ParseStrategy(cfg.Sync.Strategy)
	if err != nil {
		return nil, err
	}
	if strategy == materialize.Passthrough {
		blobs = nil
	}
	m, err := materialize.New(remote, blobs, catalogue, materialize.Options{
		Strategy:             strategy,
		Concurrency:          cfg.Sync.Concurrency,
		RefreshMargin:        cfg.Sync.RefreshMargin,
		MaxDimensionAttempts: cfg.Sync.MaxDimensionAttempts,
	}, clock)
	if err != nil {
		return nil, err
	}
	return scheduler.New(
		walker.New(remote),
		reconcile.New(catalogue, cfg.Sync.BatchSize, clock),
		m,
		catalogue,
		clock,
		scheduler.Options{
			Root:             cfg.Dropbox.RootPath,
			Budget:           cfg.Sync.Budget,
			OpTimeout:        cfg.Sync.OpTimeout,
			MaxDepth:         cfg.Sync.MaxDepth,
			MaterializeLimit: cfg.Sync.MaterializeLimit,
			Interval:         cfg.Sync.Interval,
		},
	)
}

// Close releases the database pool.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
