package progress

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flixkeeper/internal/domain"
)

var t0 = time.Date(2025, 5, 1, 20, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func newStore(t *testing.T, now time.Time) *Store {
	t.Helper()
	return NewStore(Config{
		Path: filepath.Join(t.TempDir(), "progress_cache.json"),
		Now:  func() time.Time { return now },
	})
}

func filmSnap(id string, deleteAt *time.Time) domain.Snapshot {
	return domain.Snapshot{Films: []domain.ContentItem{{
		ID: id, Kind: domain.KindFilm, Title: "Film " + id, Path: "/movies/" + id + ".mkv", DeleteAt: deleteAt,
	}}}
}

func seriesSnap(seriesAt, epAt *time.Time) domain.Snapshot {
	return domain.Snapshot{Series: []domain.ContentItem{{
		ID: "s1", Kind: domain.KindSeries, Title: "Dark", Paths: []string{"/tv/Dark/Season 1"}, DeleteAt: seriesAt,
		Episodes: []domain.Episode{{ID: "e1", ParentID: "s1", Season: 1, Index: 2, Title: "Lies", DeleteAt: epAt}},
	}}}
}

// put stores an entry as-is, bypassing the sync rules.
func put(s *Store, e domain.ProgressEntry) error {
	return s.update(func(data entries) (bool, error) {
		data[e.ID] = e.Clone()
		return true, nil
	})
}

func mustGet(t *testing.T, s *Store, id string) domain.ProgressEntry {
	t.Helper()
	e, ok, err := s.Get(id)
	require.NoError(t, err)
	require.True(t, ok, "entry %s missing", id)
	return e
}

func TestSyncFilmTimerIsMonotonic(t *testing.T) {
	s := newStore(t, t0)

	require.NoError(t, s.SyncFromContentCache(filmSnap("f1", ptr(t0.Add(48*time.Hour)))))
	assert.True(t, mustGet(t, s, "f1").DeleteAt.Equal(t0.Add(48*time.Hour)))

	// smaller value never lowers the stored timer
	require.NoError(t, s.SyncFromContentCache(filmSnap("f1", ptr(t0))))
	assert.True(t, mustGet(t, s, "f1").DeleteAt.Equal(t0.Add(48*time.Hour)))

	// no timer in the snapshot keeps the stored one for films
	require.NoError(t, s.SyncFromContentCache(filmSnap("f1", nil)))
	assert.True(t, mustGet(t, s, "f1").DeleteAt.Equal(t0.Add(48*time.Hour)))

	require.NoError(t, s.SyncFromContentCache(filmSnap("f1", ptr(t0.Add(72*time.Hour)))))
	assert.True(t, mustGet(t, s, "f1").DeleteAt.Equal(t0.Add(72*time.Hour)))
}

func TestSyncEpisodeAndSeriesTimersClearWhenIncomplete(t *testing.T) {
	s := newStore(t, t0)

	require.NoError(t, s.SyncFromContentCache(seriesSnap(ptr(t0), ptr(t0))))
	assert.NotNil(t, mustGet(t, s, "s1").DeleteAt)
	assert.NotNil(t, mustGet(t, s, "e1").DeleteAt)

	require.NoError(t, s.SyncFromContentCache(seriesSnap(nil, nil)))
	assert.Nil(t, mustGet(t, s, "s1").DeleteAt)
	assert.Nil(t, mustGet(t, s, "e1").DeleteAt)
}

func TestSyncEpisodeEntryShape(t *testing.T) {
	s := newStore(t, t0)
	require.NoError(t, s.SyncFromContentCache(seriesSnap(nil, nil)))

	ep := mustGet(t, s, "e1")
	assert.Equal(t, domain.KindEpisode, ep.Kind)
	assert.Equal(t, "s1", ep.ParentID)
	assert.Equal(t, "Dark – S01E02 Lies", ep.Title)
	assert.Empty(t, ep.Path)

	series := mustGet(t, s, "s1")
	assert.Equal(t, []string{"/tv/Dark/Season 1"}, series.Paths)
}

func TestSyncKeepsResetTimerOfIncompleteSeries(t *testing.T) {
	s := newStore(t, t0)
	require.NoError(t, s.SyncFromContentCache(seriesSnap(nil, nil)))

	at, err := s.ResetTimer("s1")
	require.NoError(t, err)

	require.NoError(t, s.SyncFromContentCache(seriesSnap(nil, nil)))
	got := mustGet(t, s, "s1")
	require.NotNil(t, got.DeleteAt)
	assert.True(t, got.DeleteAt.Equal(at))
	assert.True(t, got.Manual)

	// a later computed timer takes over and drops the reset marker
	later := at.Add(24 * time.Hour)
	require.NoError(t, s.SyncFromContentCache(seriesSnap(&later, &later)))
	got = mustGet(t, s, "s1")
	assert.True(t, got.DeleteAt.Equal(later))
	assert.False(t, got.Manual)
}

func TestResetTimerOnItemWithoutTimer(t *testing.T) {
	s := newStore(t, t0)
	require.NoError(t, s.SyncFromContentCache(filmSnap("f1", nil)))
	assert.Nil(t, mustGet(t, s, "f1").DeleteAt)

	at, err := s.ResetTimer("f1")
	require.NoError(t, err)
	assert.True(t, at.Equal(t0.Add(domain.DeleteGrace)))

	got := mustGet(t, s, "f1")
	require.NotNil(t, got.DeleteAt)
	assert.True(t, got.DeleteAt.Equal(at))
}

func TestResetTimerUnknownID(t *testing.T) {
	s := newStore(t, t0)
	_, err := s.ResetTimer("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, statErr := os.Stat(s.cfg.Path)
	assert.True(t, os.IsNotExist(statErr), "not-found must not write the store")
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress_cache.json")
	s := NewStore(Config{Path: path})

	watched := time.Date(2025, 1, 1, 10, 30, 0, 123000000, time.UTC)
	entry := domain.ProgressEntry{
		ID:        "e9",
		ParentID:  "s1",
		Kind:      domain.KindEpisode,
		Title:     "Dark – S01E01 Secrets",
		WatchedAt: &watched,
		DeleteAt:  ptr(watched.Add(domain.DeleteGrace)),
		Manual:    true,
	}
	require.NoError(t, put(s, entry))
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	reloaded := NewStore(Config{Path: path})
	all, err := reloaded.All()
	require.NoError(t, err)
	if diff := cmp.Diff(entry, all["e9"]); diff != "" {
		t.Fatalf("entry mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, put(reloaded, all["e9"]))
	second, err := os.ReadFile(path)
	require.NoError(t, err)

	var a, b map[string]any
	require.NoError(t, json.Unmarshal(first, &a))
	require.NoError(t, json.Unmarshal(second, &b))
	assert.Equal(t, a, b)
}

func TestRemoveWithChildren(t *testing.T) {
	s := newStore(t, t0)
	require.NoError(t, s.SyncFromContentCache(seriesSnap(nil, nil)))
	require.NoError(t, s.SyncFromContentCache(filmSnap("f1", nil)))

	removed, err := s.Remove("s1", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "s1"}, removed)

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"f1"}, keys)

	removed, err = s.Remove("s1", true)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestClearExpiredTimerRereads(t *testing.T) {
	s := newStore(t, t0)
	require.NoError(t, put(s, domain.ProgressEntry{ID: "e1", Kind: domain.KindEpisode, DeleteAt: ptr(t0.Add(-time.Hour))}))
	require.NoError(t, put(s, domain.ProgressEntry{ID: "e2", Kind: domain.KindEpisode, DeleteAt: ptr(t0.Add(time.Hour))}))

	cleared, err := s.ClearExpiredTimer("e1", t0)
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.Nil(t, mustGet(t, s, "e1").DeleteAt)

	cleared, err = s.ClearExpiredTimer("e2", t0)
	require.NoError(t, err)
	assert.False(t, cleared)
	assert.NotNil(t, mustGet(t, s, "e2").DeleteAt)

	cleared, err = s.ClearExpiredTimer("missing", t0)
	require.NoError(t, err)
	assert.False(t, cleared)
}

func TestDeleteOverrides(t *testing.T) {
	s := newStore(t, t0)
	require.NoError(t, s.SyncFromContentCache(filmSnap("f1", ptr(t0))))
	require.NoError(t, s.SyncFromContentCache(filmSnap("f2", nil)))

	ov, err := s.DeleteOverrides()
	require.NoError(t, err)
	assert.Len(t, ov, 1)
	assert.True(t, ov["f1"].Equal(t0))
}
