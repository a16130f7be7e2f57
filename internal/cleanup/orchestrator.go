// Package cleanup deletes media whose deletion timer has expired.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"flixkeeper/internal/content"
	"flixkeeper/internal/domain"
	"flixkeeper/internal/library"
	"flixkeeper/internal/metrics"
)

// Item actions.
const (
	ActionDeleted      = "deleted"
	ActionTimerCleared = "timer_cleared"
	ActionSkipped      = "skipped"
)

// Library step outcomes.
const (
	LibraryDeletedByID    = "deleted_by_id"
	LibraryDeletedByTitle = "deleted_by_title"
	LibraryNotFound       = "not_found"
	LibrarySkipped        = "skipped"
	LibraryError          = "error"
)

const ReasonLibraryUnavailable = "library_unavailable"

// ProgressStore is the part of the progress store the orchestrator mutates.
type ProgressStore interface {
	Keys() ([]string, error)
	Get(id string) (domain.ProgressEntry, bool, error)
	ClearTimerIf(id string, pred func(domain.ProgressEntry) bool) (bool, error)
	ClearExpiredTimer(id string, now time.Time) (bool, error)
	Remove(id string, withChildren bool) ([]string, error)
}

type ContentCache interface {
	Find(id string) (domain.Lookup, bool)
	Forget(ids ...string) error
	RebuildNow(ctx context.Context) (bool, error)
}

type PosterRemover interface {
	RemoveForTitle(kind domain.MediaKind, title string) bool
}

type Config struct {
	PathMappings   []PathMapping
	ProtectedRoots []string
	RebuildTimeout time.Duration
	Now            func() time.Time
	Logger         *logrus.Logger
}

type ItemResult struct {
	ID              string           `json:"id"`
	Kind            domain.MediaKind `json:"type"`
	Title           string           `json:"title"`
	Action          string           `json:"action"`
	Reason          string           `json:"reason,omitempty"`
	Paths           []PathResult     `json:"fs,omitempty"`
	Library         string           `json:"library,omitempty"`
	LibraryError    string           `json:"library_error,omitempty"`
	ProgressRemoved []string         `json:"progress_removed,omitempty"`
	PosterRemoved   bool             `json:"poster_removed,omitempty"`
	Error           string           `json:"error,omitempty"`
}

type Report struct {
	RunID     string       `json:"run_id"`
	StartedAt time.Time    `json:"started_at"`
	Skipped   bool         `json:"skipped"`
	Reason    string       `json:"reason,omitempty"`
	Items     []ItemResult `json:"items"`
	Rebuilt   bool         `json:"rebuilt"`
}

type Orchestrator struct {
	cfg      Config
	lib      library.Connector
	progress ProgressStore
	content  ContentCache
	posters  PosterRemover
	remover  remover

	runMu   sync.Mutex
	pending sync.WaitGroup
}

func NewOrchestrator(cfg Config, lib library.Connector, progress ProgressStore, cache ContentCache, posters PosterRemover) *Orchestrator {
	if cfg.RebuildTimeout <= 0 {
		cfg.RebuildTimeout = 2 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if lib == nil {
		lib = library.Offline{}
	}
	return &Orchestrator{
		cfg:      cfg,
		lib:      lib,
		progress: progress,
		content:  cache,
		posters:  posters,
		remover:  newRemover(cfg.ProtectedRoots),
	}
}

// RunOnce processes every expired progress entry. Runs are serialized.
func (o *Orchestrator) RunOnce(ctx context.Context) (Report, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	report := Report{RunID: uuid.NewString(), StartedAt: o.cfg.Now().UTC(), Items: []ItemResult{}}
	log := o.cfg.Logger.WithField("cleanup_run", report.RunID)

	lib, err := o.lib.Connect(ctx)
	if err != nil {
		log.Infof("library unavailable, skipping cleanup: %v", err)
		report.Skipped, report.Reason = true, ReasonLibraryUnavailable
		return report, nil
	}

	keys, err := o.progress.Keys()
	if err != nil {
		return report, fmt.Errorf("snapshot progress keys: %w", err)
	}

	now := o.cfg.Now()
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		res, ok := o.processKey(ctx, lib, key, now, log)
		if !ok {
			continue
		}
		metrics.RecordCleanupItem(res.Action)
		report.Items = append(report.Items, res)
	}

	if o.content != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.RebuildTimeout)
		rebuilt, err := o.content.RebuildNow(rctx)
		cancel()
		if err != nil {
			log.Warnf("rebuild after cleanup: %v", err)
		}
		report.Rebuilt = rebuilt
	}

	log.Infof("cleanup finished: %d item(s) processed", len(report.Items))
	return report, nil
}

// processKey handles one entry. It reports false when there was nothing to do.
func (o *Orchestrator) processKey(ctx context.Context, lib library.Library, key string, now time.Time, log *logrus.Entry) (ItemResult, bool) {
	entry, ok, err := o.progress.Get(key)
	if err != nil {
		log.WithField("item_id", key).Warnf("read progress entry: %v", err)
		return ItemResult{}, false
	}
	if !ok || !entry.Expired(now) {
		return ItemResult{}, false
	}
	res := ItemResult{ID: entry.ID, Kind: entry.Kind, Title: entry.Title}
	log = log.WithFields(logrus.Fields{"item_id": entry.ID, "kind": entry.Kind})

	switch entry.Kind {
	case domain.KindEpisode:
		if _, err := o.progress.ClearExpiredTimer(key, now); err != nil {
			res.Action, res.Error = ActionSkipped, err.Error()
			return res, true
		}
		res.Action = ActionTimerCleared
		return res, true

	case domain.KindSeries:
		live, err := lib.FetchByID(ctx, entry.ID)
		if errors.Is(err, domain.ErrOffline) {
			res.Action, res.Reason = ActionSkipped, ReasonLibraryUnavailable
			return res, true
		}
		if err != nil || !content.SeriesComplete(live.Episodes) {
			if _, cerr := o.progress.ClearExpiredTimer(key, now); cerr != nil {
				res.Error = cerr.Error()
			}
			res.Action, res.Reason = ActionSkipped, "not_fully_watched"
			log.Infof("series %q is not fully watched any more, timer cleared", entry.Title)
			return res, true
		}
		return o.purge(ctx, lib, key, live, true, now, log), true

	case domain.KindFilm:
		live, err := lib.FetchByID(ctx, entry.ID)
		if err != nil {
			live = nil
		}
		return o.purge(ctx, lib, key, live, true, now, log), true
	}
	return ItemResult{}, false
}

// purge removes one film or series from disk, the library, the progress store
// and the poster cache. It re-reads the entry first and backs off if its timer
// moved since the run started.
func (o *Orchestrator) purge(ctx context.Context, lib library.Library, key string, live *library.Item, recursive bool, now time.Time, log *logrus.Entry) ItemResult {
	entry, ok, err := o.progress.Get(key)
	res := ItemResult{ID: key}
	if err != nil {
		res.Action, res.Error = ActionSkipped, err.Error()
		return res
	}
	if !ok || !entry.Expired(now) {
		res.Action, res.Reason = ActionSkipped, "timer_changed"
		return res
	}
	res.Kind, res.Title = entry.Kind, entry.Title
	o.remove(ctx, lib, entry, live, recursive, &res, log)
	return res
}

func (o *Orchestrator) remove(ctx context.Context, lib library.Library, entry domain.ProgressEntry, live *library.Item, recursive bool, res *ItemResult, log *logrus.Entry) {
	paths := normalizePaths(resolvePaths(entry, live), o.cfg.PathMappings)
	res.Paths = o.remover.removeAll(paths, recursive)
	for _, p := range res.Paths {
		if p.Status == StatusRemoveError {
			log.Warnf("remove %s: %s", p.Path, p.Error)
		} else {
			log.Infof("%s: %s", p.Status, p.Path)
		}
	}

	res.Library, res.LibraryError = o.deleteFromLibrary(ctx, lib, entry)

	removed, err := o.progress.Remove(entry.ID, true)
	if err != nil {
		res.Error = err.Error()
	}
	res.ProgressRemoved = removed
	if o.content != nil {
		if err := o.content.Forget(append([]string{entry.ID}, removed...)...); err != nil {
			log.Warnf("drop deleted item from content cache: %v", err)
		}
	}

	if o.posters != nil && entry.Kind != domain.KindEpisode {
		res.PosterRemoved = o.posters.RemoveForTitle(entry.Kind, entry.Title)
	}
	res.Action = ActionDeleted
}

func (o *Orchestrator) deleteFromLibrary(ctx context.Context, lib library.Library, entry domain.ProgressEntry) (string, string) {
	if lib == nil {
		return LibrarySkipped, ""
	}
	err := lib.DeleteByID(ctx, entry.ID)
	if err == nil {
		return LibraryDeletedByID, ""
	}
	if entry.Title == "" {
		return libraryOutcome(err)
	}
	if terr := lib.DeleteByTitle(ctx, entry.Kind, entry.Title); terr == nil {
		return LibraryDeletedByTitle, ""
	} else if !errors.Is(terr, domain.ErrNotFound) {
		err = terr
	}
	return libraryOutcome(err)
}

func libraryOutcome(err error) (string, string) {
	if errors.Is(err, domain.ErrNotFound) {
		return LibraryNotFound, ""
	}
	return LibraryError, err.Error()
}

// resolvePaths prefers the recorded paths and adds whatever the live library
// knows about the item.
func resolvePaths(entry domain.ProgressEntry, live *library.Item) []string {
	paths := entry.AllPaths()
	if live == nil {
		return paths
	}
	if live.FilePath != "" {
		paths = append(paths, live.FilePath)
	}
	if len(live.Episodes) > 0 {
		paths = append(paths, content.EpisodeDirs(live.Episodes)...)
	}
	return paths
}

// DeleteItem removes one item on request, whatever its timer says. Without
// force, directories are removed only when already empty. It works with the
// library offline; the library step is then skipped.
func (o *Orchestrator) DeleteItem(ctx context.Context, id string, force bool) (ItemResult, error) {
	entry, ok, err := o.lookup(id)
	if err != nil {
		return ItemResult{}, err
	}
	if !ok {
		return ItemResult{}, fmt.Errorf("item %s: %w", id, domain.ErrNotFound)
	}

	log := o.cfg.Logger.WithFields(logrus.Fields{"item_id": id, "kind": entry.Kind, "force": force})
	lib, err := o.lib.Connect(ctx)
	if err != nil {
		log.Infof("library unavailable, deleting from disk only: %v", err)
		lib = nil
	}
	var live *library.Item
	if lib != nil && entry.Kind != domain.KindEpisode {
		if item, err := lib.FetchByID(ctx, id); err == nil {
			live = item
		}
	}

	res := ItemResult{ID: entry.ID, Kind: entry.Kind, Title: entry.Title}
	o.remove(ctx, lib, entry, live, force, &res, log)
	metrics.RecordCleanupItem("manual_" + res.Action)
	o.rebuildAsync(ctx)
	return res, nil
}

// lookup finds an item in the progress store, then in the content cache.
func (o *Orchestrator) lookup(id string) (domain.ProgressEntry, bool, error) {
	entry, ok, err := o.progress.Get(id)
	if err != nil {
		return domain.ProgressEntry{}, false, err
	}
	var found domain.Lookup
	var cached bool
	if o.content != nil {
		found, cached = o.content.Find(id)
	}
	if ok {
		if entry.Kind == domain.KindEpisode && len(entry.AllPaths()) == 0 && cached {
			entry.Path = found.Episode.FilePath
		}
		return entry, true, nil
	}
	if !cached {
		return domain.ProgressEntry{}, false, nil
	}

	switch found.Kind {
	case domain.KindEpisode:
		return domain.ProgressEntry{
			ID: found.Episode.ID, ParentID: found.ParentID, Kind: domain.KindEpisode,
			Title: found.Episode.Title, Path: found.Episode.FilePath,
		}, true, nil
	default:
		return domain.ProgressEntry{
			ID: found.Item.ID, Kind: found.Kind, Title: found.Item.Title,
			Path: found.Item.Path, Paths: append([]string(nil), found.Item.Paths...),
		}, true, nil
	}
}

func (o *Orchestrator) rebuildAsync(ctx context.Context) {
	if o.content == nil {
		return
	}
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.RebuildTimeout)
		defer cancel()
		if _, err := o.content.RebuildNow(rctx); err != nil {
			o.cfg.Logger.Warnf("rebuild after manual delete: %v", err)
		}
	}()
}

// Wait blocks until background rebuilds started by DeleteItem have finished.
func (o *Orchestrator) Wait() { o.pending.Wait() }
