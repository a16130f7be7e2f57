// Package app wires the stores, the download manager and the background
// scheduler into one process and owns their shutdown order.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"flixkeeper/internal/cleanup"
	"flixkeeper/internal/config"
	"flixkeeper/internal/content"
	"flixkeeper/internal/downloader"
	"flixkeeper/internal/library"
	"flixkeeper/internal/library/plex"
	"flixkeeper/internal/posters"
	"flixkeeper/internal/progress"
	"flixkeeper/internal/repository/sqlite"
	"flixkeeper/internal/service"
	"flixkeeper/internal/storage"
	"flixkeeper/internal/watchdog"
)

const (
	schedulerStopTimeout = 5 * time.Second
	bootstrapTimeout     = 2 * time.Minute
	pendingDeleteTimeout = 10 * time.Second
	downloaderTimeout    = 15 * time.Second
	archiveTimeout       = 2 * time.Minute
)

// Options replaces collaborators that are otherwise built from config.
type Options struct {
	Engine       downloader.Engine
	Library      library.Connector
	PosterSource posters.Source
	Archiver     storage.Archiver
}

type App struct {
	cfg    config.Config
	logger *logrus.Logger

	db       *sql.DB
	archiver storage.Archiver

	History   service.HistoryService
	Downloads downloader.Manager
	Library   *library.Gateway
	Posters   *posters.Cache
	Progress  *progress.Store
	Content   *content.Cache
	Cleanup   *cleanup.Orchestrator
	Scheduler *watchdog.Scheduler

	mu        sync.Mutex
	rateLimit int64

	shutdownOnce sync.Once
	shutdownErr  error
	done         chan struct{}
}

// New builds every component. An unwritable state directory, an unusable
// history database or an engine that cannot open is fatal.
func New(ctx context.Context, cfg config.Config, logger *logrus.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = logrus.New()
	}
	stateDir := cfg.State.Dir
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, rateLimit: cfg.Torrent.RateLimit, done: make(chan struct{})}

	source := opts.PosterSource
	if source == nil && cfg.TMDB.APIKey != "" {
		source = posters.NewTMDB(posters.TMDBConfig{
			APIKey:     cfg.TMDB.APIKey,
			Language:   cfg.TMDB.Language,
			PosterSize: cfg.TMDB.PosterSize,
		})
	}
	posterCache, err := posters.NewCache(posters.Config{
		Dir:       filepath.Join(stateDir, "posters"),
		IndexPath: filepath.Join(stateDir, "poster_cache.json"),
		MinAge:    cfg.Posters.MinAge,
		Logger:    logger,
	}, source)
	if err != nil {
		return nil, err
	}
	a.Posters = posterCache

	a.Progress = progress.NewStore(progress.Config{
		Path:   filepath.Join(stateDir, "progress_cache.json"),
		Grace:  cfg.Retention.DeleteAfter,
		Logger: logger,
	})

	connector := opts.Library
	if connector == nil {
		connector = library.Offline{}
		if cfg.Library.BaseURL != "" {
			connector = plex.New(plex.Config{
				BaseURL:       cfg.Library.BaseURL,
				Token:         cfg.Library.Token,
				MoviesSection: cfg.Library.MoviesSection,
				SeriesSection: cfg.Library.SeriesSection,
				Logger:        logger,
			})
		}
	}
	a.Library = library.NewGateway(connector, cfg.Library.Timeout, logger)

	a.Content = content.NewCache(content.Config{
		Path:   filepath.Join(stateDir, "available_cache.json"),
		Grace:  cfg.Retention.DeleteAfter,
		Logger: logger,
	}, a.Library, a.Posters, a.Progress)

	db, err := sqlite.Open(filepath.Join(stateDir, "history.db"))
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	a.db = db
	if err := a.initHistory(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	session, err := downloader.NewSessionStore(stateDir, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	engine := opts.Engine
	if engine == nil {
		engine, err = downloader.NewAnacrolixEngine(downloader.AnacrolixConfig{
			StateDir:   stateDir,
			ListenPort: cfg.Torrent.ListenPort,
			Logger:     logger,
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("open download engine: %w", err)
		}
	}
	a.Downloads = downloader.NewManager(downloader.Config{
		DefaultSavePath:    defaultSavePath(cfg),
		AddGrace:           cfg.Torrent.AddGrace,
		CheckpointInterval: cfg.Torrent.CheckpointInterval,
		DrainTimeout:       cfg.Torrent.DrainTimeout,
		RateLimit:          cfg.Torrent.RateLimit,
		Logger:             logger,
	}, engine, session, a.History)

	var protected []string
	for _, root := range []string{cfg.Paths.Movies, cfg.Paths.Series} {
		if root != "" {
			protected = append(protected, root)
		}
	}
	a.Cleanup = cleanup.NewOrchestrator(cleanup.Config{
		PathMappings:   cfg.Cleanup.PathMappings,
		ProtectedRoots: protected,
		Logger:         logger,
	}, a.Library, a.Progress, a.Content, a.Posters)

	postFinish := watchdog.NewPostFinish(watchdog.PostFinishConfig{
		MoviesRoot: cfg.Paths.Movies,
		SeriesRoot: cfg.Paths.Series,
		Delay:      cfg.Schedule.PostFinishDelay,
		Logger:     logger,
	}, a.Posters, a.Library, a.Content)
	a.Scheduler = watchdog.NewScheduler(watchdog.Config{
		Intervals: watchdog.Intervals{
			Completion:     cfg.Schedule.Completion,
			ContentRefresh: cfg.Schedule.ContentRefresh,
			ProgressSync:   cfg.Schedule.ProgressSync,
			Cleanup:        cfg.Schedule.Cleanup,
			PosterSweep:    cfg.Schedule.PosterSweep,
		},
		Logger: logger,
	}, watchdog.Deps{
		Downloads:  a.Downloads,
		Ledger:     a.History,
		PostFinish: postFinish,
		Content:    a.Content,
		Progress:   a.Progress,
		Cleanup:    a.Cleanup,
		Posters:    a.Posters,
	})

	a.archiver = opts.Archiver
	if a.archiver == nil && cfg.Backup.Bucket != "" {
		archiver, err := buildArchiver(ctx, cfg, logger)
		if err != nil {
			logger.Warnf("state backup disabled: %v", err)
		} else {
			a.archiver = archiver
		}
	}
	return a, nil
}

func (a *App) initHistory(ctx context.Context) error {
	repo := sqlite.NewHistoryRepository(a.db)
	if err := repo.Init(ctx); err != nil {
		return fmt.Errorf("init history repository: %w", err)
	}
	a.History = service.NewHistoryService(repo)
	if err := a.History.Seed(ctx); err != nil {
		return err
	}
	return nil
}

func defaultSavePath(cfg config.Config) string {
	if cfg.Paths.Movies != "" {
		return cfg.Paths.Movies
	}
	return filepath.Join(cfg.State.Dir, "downloads")
}

// Start restores downloads, builds the content snapshot once and launches
// the background loops.
func (a *App) Start(ctx context.Context) error {
	if err := a.Downloads.Start(ctx); err != nil {
		return fmt.Errorf("start download manager: %w", err)
	}

	bctx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	rebuilt, err := a.Content.RebuildNow(bctx)
	cancel()
	switch {
	case err != nil:
		a.logger.Warnf("initial content build failed: %v", err)
	case rebuilt:
		a.logger.Info("initial content build done")
	}

	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}
	return nil
}

// ApplyConfig hot-applies the settings that can change at runtime.
func (a *App) ApplyConfig(cfg config.Config) {
	a.logger.SetLevel(cfg.LogLevel())

	a.mu.Lock()
	changed := cfg.Torrent.RateLimit != a.rateLimit
	a.rateLimit = cfg.Torrent.RateLimit
	a.mu.Unlock()
	if changed {
		a.Downloads.SetGlobalRateLimit(cfg.Torrent.RateLimit)
	}
}

// ResetTimer restarts an item's deletion timer and pushes the new value into
// the served content right away.
func (a *App) ResetTimer(ctx context.Context, id string) (time.Time, error) {
	deleteAt, err := a.Progress.ResetTimer(id)
	if err != nil {
		return time.Time{}, err
	}
	if err := a.Content.ApplyOverridesFromProgress(ctx); err != nil {
		a.logger.WithField("item_id", id).Warnf("apply reset timer to content: %v", err)
	}
	return deleteAt, nil
}

type SweepRequest struct {
	Force   bool
	DryRun  bool
	Rebuild bool
}

// SweepPosters removes poster files no served item references. With Rebuild
// the content is rebuilt first so the used set is current.
func (a *App) SweepPosters(ctx context.Context, req SweepRequest) (posters.SweepReport, error) {
	if req.Rebuild {
		if _, err := a.Content.RebuildNow(ctx); err != nil {
			return posters.SweepReport{}, fmt.Errorf("rebuild before sweep: %w", err)
		}
	}
	return a.Posters.Sweep(a.Content.UsedPosterRefs(), posters.SweepOptions{Force: req.Force, DryRun: req.DryRun})
}

// PosterDir is where poster files live, for static serving.
func (a *App) PosterDir() string {
	return filepath.Join(a.cfg.State.Dir, "posters")
}

// Done is closed once Shutdown has finished.
func (a *App) Done() <-chan struct{} { return a.done }

// Shutdown stops the process state in two phases and runs once. Phase one
// stops the loops and jobs. Phase two persists everything: progress sync,
// poster index, download resume data, the history database and, when
// configured, a state backup. A hard shutdown does not wait for rebuilds
// started by manual deletes.
func (a *App) Shutdown(reason string, hard bool) error {
	a.shutdownOnce.Do(func() {
		defer close(a.done)
		a.shutdownErr = a.shutdown(reason, hard)
	})
	return a.shutdownErr
}

func (a *App) shutdown(reason string, hard bool) error {
	log := a.logger.WithFields(logrus.Fields{"reason": reason, "hard": hard})
	log.Info("shutdown started")

	if err := a.Scheduler.Stop(schedulerStopTimeout); err != nil {
		log.Warnf("phase 1: %v", err)
	}

	if !hard {
		if !waitTimeout(a.Cleanup.Wait, pendingDeleteTimeout) {
			log.Warn("phase 2: pending rebuilds still running")
		}
	}

	ctx := context.Background()
	if err := watchdog.SyncProgress(ctx, a.Content, a.Progress); err != nil {
		log.Warnf("phase 2: final progress sync: %v", err)
	}
	if err := a.Posters.Flush(); err != nil {
		log.Warnf("phase 2: flush poster index: %v", err)
	}

	var firstErr error
	dctx, cancel := context.WithTimeout(ctx, downloaderTimeout)
	if err := a.Downloads.Shutdown(dctx); err != nil {
		log.Errorf("phase 2: stop downloads: %v", err)
		firstErr = err
	}
	cancel()

	if err := a.db.Close(); err != nil {
		log.Errorf("phase 2: close history database: %v", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	// after the database is closed so the copy is consistent
	if a.archiver != nil {
		actx, cancel := context.WithTimeout(ctx, archiveTimeout)
		loc, err := a.archiver.Archive(actx, a.cfg.State.Dir, storage.ArchiveOptions{
			Bucket:    a.cfg.Backup.Bucket,
			KeyPrefix: a.cfg.Backup.Prefix,
			Exclude:   []string{"pieces"},
			Retain:    a.cfg.Backup.Retain,
		})
		cancel()
		if err != nil {
			log.Warnf("phase 2: state backup: %v", err)
		} else {
			log.Infof("state backed up to %s", loc)
		}
	}

	log.Info("shutdown complete")
	return firstErr
}

func waitTimeout(wait func(), timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func buildArchiver(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Archiver, error) {
	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Backup.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Backup.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Backup.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("state backups go to s3 bucket %s (region %s)", cfg.Backup.Bucket, cfg.Backup.Region)
	return storage.NewS3Archiver(client), nil
}
