package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"flixkeeper/internal/cleanup"
	"flixkeeper/internal/domain"
	"flixkeeper/internal/metrics"
	"flixkeeper/internal/posters"
)

// ContentCache is the part of the content cache the loops use.
type ContentCache interface {
	RebuildNow(ctx context.Context) (bool, error)
	Computed() (domain.Snapshot, bool)
	ApplyOverridesFromProgress(ctx context.Context) error
	UsedPosterRefs() map[string]struct{}
}

type ProgressSyncer interface {
	SyncFromContentCache(snap domain.Snapshot) error
}

type Cleaner interface {
	RunOnce(ctx context.Context) (cleanup.Report, error)
}

type PosterSweeper interface {
	Sweep(used map[string]struct{}, opts posters.SweepOptions) (posters.SweepReport, error)
}

type Intervals struct {
	Completion     time.Duration
	ContentRefresh time.Duration
	ProgressSync   time.Duration
	Cleanup        time.Duration
	PosterSweep    time.Duration
}

type Config struct {
	Intervals
	Logger *logrus.Logger
}

type Deps struct {
	Downloads  Downloads
	Ledger     FinishLedger
	PostFinish *PostFinish
	Content    ContentCache
	Progress   ProgressSyncer
	Cleanup    Cleaner
	Posters    PosterSweeper
}

// Scheduler owns the background loops and the one-shot post-finish jobs.
// Every wait selects on the scheduler context, so Stop interrupts sleeps.
type Scheduler struct {
	cfg        Config
	deps       Deps
	completion *Completion

	mu     sync.Mutex
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(cfg Config, deps Deps) *Scheduler {
	if cfg.Completion <= 0 {
		cfg.Completion = 3 * time.Second
	}
	if cfg.ContentRefresh <= 0 {
		cfg.ContentRefresh = 30 * time.Minute
	}
	if cfg.ProgressSync <= 0 {
		cfg.ProgressSync = 10 * time.Minute
	}
	if cfg.Cleanup <= 0 {
		cfg.Cleanup = 10 * time.Minute
	}
	if cfg.PosterSweep <= 0 {
		cfg.PosterSweep = 2 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	s := &Scheduler{cfg: cfg, deps: deps}
	s.completion = NewCompletion(deps.Downloads, deps.Ledger, s.spawnPostFinish, cfg.Logger)
	return s
}

// Start launches the loops. The content refresh waits one interval first;
// the others tick immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return errors.New("scheduler already started")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.group, s.ctx = errgroup.WithContext(ctx)

	s.loop("completion", s.cfg.Completion, true, s.completion.Tick)
	s.loop("content_refresh", s.cfg.ContentRefresh, false, s.refreshContent)
	s.loop("progress_sync", s.cfg.ProgressSync, true, s.SyncProgress)
	s.loop("cleanup", s.cfg.Cleanup, true, s.runCleanup)
	s.loop("poster_sweep", s.cfg.PosterSweep, true, s.sweepPosters)

	done := make(chan struct{})
	s.done = done
	group := s.group
	go func() {
		_ = group.Wait()
		close(done)
	}()
	s.cfg.Logger.Info("watchdog scheduler started")
	return nil
}

// Stop cancels every loop and job and waits up to timeout for them to exit.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		s.cfg.Logger.Info("watchdog scheduler stopped")
		return nil
	case <-timer.C:
		return fmt.Errorf("watchdog scheduler did not stop within %s", timeout)
	}
}

func (s *Scheduler) loop(name string, every time.Duration, immediate bool, fn func(context.Context) error) {
	ctx := s.ctx
	s.group.Go(func() error {
		log := s.cfg.Logger.WithField("loop", name)
		log.Debugf("loop started, every %s", every)
		if immediate {
			s.tick(ctx, name, log, fn)
		}
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.tick(ctx, name, log, fn)
			}
		}
	})
}

func (s *Scheduler) tick(ctx context.Context, name string, log *logrus.Entry, fn func(context.Context) error) {
	err := safeCall(ctx, fn)
	if ctx.Err() != nil {
		return
	}
	metrics.RecordLoopTick(name, err)
	if err != nil {
		log.Warnf("tick failed: %v", err)
	}
}

// safeCall keeps one failing tick from taking the process down.
func safeCall(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// spawnPostFinish runs from inside the completion loop, which is itself a
// group member, so the group cannot have finished waiting yet.
func (s *Scheduler) spawnPostFinish(rec domain.DownloadRecord) {
	if s.deps.PostFinish == nil {
		return
	}
	ctx := s.ctx
	s.group.Go(func() error {
		if err := safeCall(ctx, func(ctx context.Context) error { return s.deps.PostFinish.Run(ctx, rec) }); err != nil {
			s.cfg.Logger.WithField("download_id", rec.ID).Warnf("post-finish job: %v", err)
		}
		return nil
	})
}

func (s *Scheduler) refreshContent(ctx context.Context) error {
	_, err := s.deps.Content.RebuildNow(ctx)
	return err
}

// SyncProgress runs one progress-store sync on demand.
func (s *Scheduler) SyncProgress(ctx context.Context) error {
	return SyncProgress(ctx, s.deps.Content, s.deps.Progress)
}

// SyncProgress merges the computed content snapshot into the progress store
// and feeds the resulting timers back into the content cache. It is a no-op
// until the cache has been built once.
func SyncProgress(ctx context.Context, content ContentCache, progress ProgressSyncer) error {
	snap, ok := content.Computed()
	if !ok {
		return nil
	}
	if err := progress.SyncFromContentCache(snap); err != nil {
		return fmt.Errorf("sync progress store: %w", err)
	}
	if err := content.ApplyOverridesFromProgress(ctx); err != nil {
		return fmt.Errorf("apply progress overrides: %w", err)
	}
	return nil
}

func (s *Scheduler) runCleanup(ctx context.Context) error {
	report, err := s.deps.Cleanup.RunOnce(ctx)
	if err != nil {
		return err
	}
	if report.Skipped {
		s.cfg.Logger.WithField("run_id", report.RunID).Infof("cleanup skipped: %s", report.Reason)
		return nil
	}
	deleted := 0
	for _, item := range report.Items {
		if item.Action == cleanup.ActionDeleted {
			deleted++
		}
	}
	s.cfg.Logger.WithField("run_id", report.RunID).Infof("cleanup processed %d item(s), %d deleted", len(report.Items), deleted)
	return nil
}

func (s *Scheduler) sweepPosters(context.Context) error {
	used := s.deps.Content.UsedPosterRefs()
	if len(used) == 0 {
		s.cfg.Logger.Debug("poster sweep skipped, no poster in use")
		return nil
	}
	report, err := s.deps.Posters.Sweep(used, posters.SweepOptions{})
	if err != nil {
		return err
	}
	s.cfg.Logger.Infof("poster sweep removed %d file(s), %d stale key(s)", len(report.RemovedFiles), len(report.RemovedCacheKeys))
	return nil
}
