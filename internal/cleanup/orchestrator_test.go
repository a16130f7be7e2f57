package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flixkeeper/internal/content"
	"flixkeeper/internal/domain"
	"flixkeeper/internal/library"
	"flixkeeper/internal/library/librarytest"
	"flixkeeper/internal/progress"
	"flixkeeper/internal/storage"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func at(t time.Time) *time.Time { return &t }

type stubContent struct {
	mu       sync.Mutex
	snap     domain.Snapshot
	rebuilds int
}

func (c *stubContent) Find(id string) (domain.Lookup, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.Find(id)
}

func (c *stubContent) Forget(ids ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	c.snap, _ = c.snap.Without(set)
	return nil
}

func (c *stubContent) RebuildNow(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebuilds++
	return true, nil
}

func (c *stubContent) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebuilds
}

type stubPosters struct{ removed []string }

func (p *stubPosters) RemoveForTitle(kind domain.MediaKind, title string) bool {
	p.removed = append(p.removed, string(kind)+":"+title)
	return true
}

type fixture struct {
	root     string
	state    string
	lib      *librarytest.Fake
	store    *progress.Store
	content  *stubContent
	posters  *stubPosters
	orch     *Orchestrator
	mappings []PathMapping
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	state := filepath.Join(root, "state", "progress_cache.json")
	f := &fixture{
		root:    root,
		state:   state,
		lib:     &librarytest.Fake{},
		store:   progress.NewStore(progress.Config{Path: state}),
		content: &stubContent{},
		posters: &stubPosters{},
	}
	f.orch = NewOrchestrator(Config{
		ProtectedRoots: []string{filepath.Join(root, "movies"), filepath.Join(root, "tv")},
		Now:            func() time.Time { return now },
	}, f.lib, f.store, f.content, f.posters)
	return f
}

// seed writes an entry straight into the progress file.
func (f *fixture) seed(e domain.ProgressEntry) error {
	all, err := f.store.All()
	if err != nil {
		return err
	}
	all[e.ID] = e
	return storage.WriteJSON(f.state, all)
}

func (f *fixture) file(t *testing.T, rel string) string {
	t.Helper()
	p := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("media"), 0o644))
	return p
}

func watchedEpisodes(dir string, progress ...time.Duration) []library.Episode {
	eps := make([]library.Episode, len(progress))
	for i, off := range progress {
		eps[i] = library.Episode{
			ID: "e" + string(rune('1'+i)), Index: i + 1,
			ViewOffset: off, Duration: 100 * time.Minute,
			FilePath: filepath.Join(dir, "ep"+string(rune('1'+i))+".mkv"),
		}
	}
	return eps
}

func TestRunOnceSkipsSeriesThatIsNoLongerComplete(t *testing.T) {
	f := newFixture(t)
	ep := f.file(t, "tv/Dark/Season 1/ep1.mkv")
	dir := filepath.Dir(ep)

	require.NoError(t, f.seed(domain.ProgressEntry{
		ID: "s1", Kind: domain.KindSeries, Title: "Dark", Paths: []string{dir}, DeleteAt: at(now.Add(-time.Hour)),
	}))
	f.lib.SetShows([]library.Show{{ID: "s1", Title: "Dark", Episodes: watchedEpisodes(dir, 100*time.Minute, 100*time.Minute, 92*time.Minute)}})

	report, err := f.orch.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Items, 1)
	assert.Equal(t, ActionSkipped, report.Items[0].Action)
	assert.Equal(t, "not_fully_watched", report.Items[0].Reason)
	assert.FileExists(t, ep)

	entry, ok, err := f.store.Get("s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, entry.DeleteAt)
	ids, _, _ := f.lib.Calls()
	assert.Empty(t, ids)
}

func TestRunOnceDeletesExpiredFilm(t *testing.T) {
	f := newFixture(t)
	movie := f.file(t, "movies/Heat (1995)/Heat.mkv")
	keep := f.file(t, "movies/Ronin/Ronin.mkv")

	f.lib.SetFilms([]library.Film{{ID: "f1", Title: "Heat", FilePath: movie}, {ID: "f2", Title: "Ronin", FilePath: keep}})
	require.NoError(t, f.seed(domain.ProgressEntry{ID: "f1", Kind: domain.KindFilm, Title: "Heat", Path: movie, DeleteAt: at(now.Add(-time.Minute))}))
	require.NoError(t, f.seed(domain.ProgressEntry{ID: "f2", Kind: domain.KindFilm, Title: "Ronin", Path: keep, DeleteAt: at(now.Add(time.Hour))}))

	report, err := f.orch.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Items, 1)
	item := report.Items[0]
	assert.Equal(t, ActionDeleted, item.Action)
	assert.Equal(t, LibraryDeletedByID, item.Library)
	assert.Equal(t, []string{"f1"}, item.ProgressRemoved)
	assert.True(t, item.PosterRemoved)
	assert.Equal(t, []PathResult{{Path: movie, Status: StatusFileRemoved}}, item.Paths)

	assert.NoFileExists(t, movie)
	assert.NoDirExists(t, filepath.Dir(movie), "empty parent is pruned")
	assert.DirExists(t, filepath.Join(f.root, "movies"), "library root is protected")
	assert.FileExists(t, keep)
	assert.Equal(t, []string{"film:Heat"}, f.posters.removed)
	assert.True(t, report.Rebuilt)
	assert.Equal(t, 1, f.content.count())

	_, ok, err := f.store.Get("f2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunOnceDeletesCompleteSeriesWithChildren(t *testing.T) {
	f := newFixture(t)
	ep := f.file(t, "tv/Dark/Season 1/ep1.mkv")
	dir := filepath.Dir(ep)

	f.lib.SetShows([]library.Show{{ID: "s1", Title: "Dark", Episodes: watchedEpisodes(dir, 100*time.Minute)}})
	require.NoError(t, f.seed(domain.ProgressEntry{ID: "s1", Kind: domain.KindSeries, Title: "Dark", DeleteAt: at(now.Add(-time.Hour))}))
	require.NoError(t, f.seed(domain.ProgressEntry{ID: "e1", ParentID: "s1", Kind: domain.KindEpisode, Title: "Dark – S01E01"}))

	report, err := f.orch.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Items, 1)
	item := report.Items[0]
	assert.Equal(t, ActionDeleted, item.Action)
	assert.Equal(t, []PathResult{{Path: dir, Status: StatusDirRemovedRecursive}}, item.Paths, "paths come from the live library")
	assert.Equal(t, []string{"e1", "s1"}, item.ProgressRemoved)
	assert.NoDirExists(t, filepath.Join(f.root, "tv", "Dark"))
	assert.DirExists(t, filepath.Join(f.root, "tv"))
}

func TestRunOnceOnlyClearsExpiredEpisodeTimers(t *testing.T) {
	f := newFixture(t)
	ep := f.file(t, "tv/Dark/Season 1/ep1.mkv")
	require.NoError(t, f.seed(domain.ProgressEntry{ID: "e1", ParentID: "s1", Kind: domain.KindEpisode, Path: ep, DeleteAt: at(now.Add(-time.Hour))}))

	report, err := f.orch.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Items, 1)
	assert.Equal(t, ActionTimerCleared, report.Items[0].Action)
	assert.FileExists(t, ep)
	entry, _, _ := f.store.Get("e1")
	assert.Nil(t, entry.DeleteAt)
}

func TestRunOnceSkipsWhenLibraryOffline(t *testing.T) {
	f := newFixture(t)
	movie := f.file(t, "movies/Heat.mkv")
	require.NoError(t, f.seed(domain.ProgressEntry{ID: "f1", Kind: domain.KindFilm, Title: "Heat", Path: movie, DeleteAt: at(now.Add(-time.Hour))}))
	f.lib.SetOffline(true)

	report, err := f.orch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, ReasonLibraryUnavailable, report.Reason)
	assert.Empty(t, report.Items)
	assert.FileExists(t, movie)
	assert.Zero(t, f.content.count())
}

func TestRunOnceFallsBackToTitleAndIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	f.lib.DeleteByIDErr = errors.New("server said no")
	f.lib.SetFilms([]library.Film{{ID: "f1", Title: "Heat"}})
	missing := filepath.Join(f.root, "movies", "gone.mkv")

	require.NoError(t, f.seed(domain.ProgressEntry{ID: "f1", Kind: domain.KindFilm, Title: "Heat", Path: missing, DeleteAt: at(now.Add(-time.Hour))}))
	require.NoError(t, f.seed(domain.ProgressEntry{ID: "f9", Kind: domain.KindFilm, Title: "Unknown", DeleteAt: at(now.Add(-time.Hour))}))

	report, err := f.orch.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Items, 2)

	byID := map[string]ItemResult{}
	for _, it := range report.Items {
		byID[it.ID] = it
	}
	assert.Equal(t, LibraryDeletedByTitle, byID["f1"].Library)
	assert.Equal(t, []PathResult{{Path: missing, Status: StatusPathNotFound}}, byID["f1"].Paths)
	assert.Equal(t, LibraryError, byID["f9"].Library)
	assert.Equal(t, "server said no", byID["f9"].LibraryError)
	assert.Equal(t, ActionDeleted, byID["f9"].Action)

	keys, err := f.store.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestDeleteItemWithoutForceKeepsNonEmptyDirs(t *testing.T) {
	f := newFixture(t)
	ep := f.file(t, "tv/Dark/Season 1/ep1.mkv")
	dir := filepath.Dir(ep)
	require.NoError(t, f.seed(domain.ProgressEntry{ID: "s1", Kind: domain.KindSeries, Title: "Dark", Paths: []string{dir}}))
	f.lib.SetOffline(true)

	res, err := f.orch.DeleteItem(context.Background(), "s1", false)
	require.NoError(t, err)
	f.orch.Wait()

	assert.Equal(t, []PathResult{{Path: dir, Status: StatusDirNotEmpty}}, res.Paths)
	assert.Equal(t, LibrarySkipped, res.Library)
	assert.FileExists(t, ep)
	assert.Equal(t, 1, f.content.count())

	_, ok, err := f.store.Get("s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteItemForceFromContentCache(t *testing.T) {
	f := newFixture(t)
	ep := f.file(t, "tv/Dark/Season 1/ep1.mkv")
	dir := filepath.Dir(ep)
	f.content.snap = domain.Snapshot{Series: []domain.ContentItem{{ID: "s1", Kind: domain.KindSeries, Title: "Dark", Paths: []string{dir}}}}

	res, err := f.orch.DeleteItem(context.Background(), "s1", true)
	require.NoError(t, err)
	f.orch.Wait()

	assert.Equal(t, []PathResult{{Path: dir, Status: StatusDirRemovedRecursive}}, res.Paths)
	assert.NoDirExists(t, dir)
	assert.Equal(t, LibraryNotFound, res.Library)

	_, err = f.orch.DeleteItem(context.Background(), "nope", true)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteItemIsNotUndoneByProgressSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	movie := f.file(t, "movies/Heat (1995)/Heat.mkv")
	f.lib.SetFilms([]library.Film{{ID: "f1", Title: "Heat", FilePath: movie}, {ID: "f2", Title: "Ronin"}})

	cache := content.NewCache(content.Config{Now: func() time.Time { return now }}, f.lib, nil, f.store)
	rebuilt, err := cache.RebuildNow(ctx)
	require.NoError(t, err)
	require.True(t, rebuilt)
	snap, ok := cache.Computed()
	require.True(t, ok)
	require.NoError(t, f.store.SyncFromContentCache(snap))

	orch := NewOrchestrator(Config{
		ProtectedRoots: []string{filepath.Join(f.root, "movies")},
		Now:            func() time.Time { return now },
	}, f.lib, f.store, cache, f.posters)

	// offline keeps the follow-up rebuild from replacing the snapshot
	f.lib.SetOffline(true)
	res, err := orch.DeleteItem(ctx, "f1", true)
	require.NoError(t, err)
	require.Equal(t, ActionDeleted, res.Action)

	snap, ok = cache.Computed()
	require.True(t, ok)
	require.NoError(t, f.store.SyncFromContentCache(snap))
	orch.Wait()

	_, ok, err = f.store.Get("f1")
	require.NoError(t, err)
	assert.False(t, ok, "deleted film came back from the cached snapshot")
	_, ok = cache.Find("f1")
	assert.False(t, ok)
	_, ok, err = f.store.Get("f2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProtectedRootIsNeverRemoved(t *testing.T) {
	f := newFixture(t)
	f.file(t, "movies/Heat.mkv")
	root := filepath.Join(f.root, "movies")

	results := f.orch.remover.removeAll([]string{root, f.root}, true)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, StatusRemoveError, r.Status)
	}
	assert.FileExists(t, filepath.Join(root, "Heat.mkv"))
}

func TestNormalizePathsAppliesMappings(t *testing.T) {
	mappings := []PathMapping{{From: `\\nas\media`, To: "/mnt/media"}, {From: "/data/", To: "/srv"}}
	got := normalizePaths([]string{
		`\\nas\media\Movies\Heat.mkv`,
		"/data/tv/Dark/",
		"/data/tv/Dark",
		"",
		"/other/x.mkv",
	}, mappings)
	assert.Equal(t, []string{"/mnt/media/Movies/Heat.mkv", "/srv/tv/Dark", "/other/x.mkv"}, got)
}
