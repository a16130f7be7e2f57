package plex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flixkeeper/internal/domain"
	"flixkeeper/internal/library"
)

type fakeServer struct {
	mu      sync.Mutex
	deleted []string
	rescans []string
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /library/sections", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Plex-Token"))
		_, _ = w.Write([]byte(`{"MediaContainer":{"Directory":[
			{"key":"1","title":"Movies","type":"movie"},
			{"key":"2","title":"TV Shows","type":"show"}]}}`))
	})
	mux.HandleFunc("GET /library/sections/1/all", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"MediaContainer":{"Metadata":[
			{"ratingKey":"10","type":"movie","title":"Heat","viewCount":1,"viewOffset":0,"duration":6000000,
			 "lastViewedAt":1700000000,"thumb":"/library/metadata/10/thumb/1",
			 "Media":[{"Part":[{"file":"/media/movies/Heat/Heat.mkv"}]}]}]}}`))
	})
	mux.HandleFunc("GET /library/sections/2/all", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"MediaContainer":{"Metadata":[
			{"ratingKey":"20","type":"show","title":"Dark"},
			{"ratingKey":"30","type":"show","title":"Broken"}]}}`))
	})
	mux.HandleFunc("GET /library/metadata/30/allLeaves", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("GET /library/metadata/20/allLeaves", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"MediaContainer":{"Metadata":[
			{"ratingKey":"21","grandparentRatingKey":"20","type":"episode","title":"Secrets","parentIndex":1,"index":1,
			 "viewOffset":60000,"duration":3000000,"Media":[{"Part":[{"file":"/media/tv/Dark/S01E01.mkv"}]}]}]}}`))
	})
	mux.HandleFunc("GET /library/metadata/20", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"MediaContainer":{"Metadata":[{"ratingKey":"20","type":"show","title":"Dark"}]}}`))
	})
	mux.HandleFunc("GET /library/metadata/99", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("DELETE /library/metadata/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = append(f.deleted, r.PathValue("id"))
		f.mu.Unlock()
	})
	mux.HandleFunc("GET /library/sections/{key}/refresh", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.rescans = append(f.rescans, r.PathValue("key"))
		f.mu.Unlock()
	})
	return mux
}

func connect(t *testing.T) (library.Library, *fakeServer, string) {
	t.Helper()
	fs := &fakeServer{}
	srv := httptest.NewServer(fs.handler(t))
	t.Cleanup(srv.Close)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	lib, err := New(Config{BaseURL: srv.URL + "/", Token: "secret", Logger: logger}).Connect(context.Background())
	require.NoError(t, err)
	return lib, fs, srv.URL
}

func TestListFilmsAndSeries(t *testing.T) {
	lib, _, base := connect(t)
	ctx := context.Background()

	films, err := lib.ListFilms(ctx)
	require.NoError(t, err)
	viewed := time.Unix(1700000000, 0).UTC()
	want := []library.Film{{
		ID: "10", Title: "Heat", ViewCount: 1, Duration: 100 * time.Minute,
		LastViewedAt: &viewed, FilePath: "/media/movies/Heat/Heat.mkv",
		PosterURL: base + "/library/metadata/10/thumb/1",
	}}
	if diff := cmp.Diff(want, films); diff != "" {
		t.Errorf("films mismatch (-want +got):\n%s", diff)
	}

	shows, err := lib.ListSeries(ctx)
	require.NoError(t, err)
	require.Len(t, shows, 1)
	require.Len(t, shows[0].Episodes, 1)
	ep := shows[0].Episodes[0]
	assert.Equal(t, "20", ep.ParentID)
	assert.Equal(t, 1, ep.Season)
	assert.Equal(t, time.Minute, ep.ViewOffset)
	assert.Equal(t, 50*time.Minute, ep.Duration)
	assert.Nil(t, ep.LastViewedAt)
}

func TestListSeriesSkipsShowWithBrokenEpisodes(t *testing.T) {
	lib, _, _ := connect(t)

	shows, err := lib.ListSeries(context.Background())
	require.NoError(t, err)
	require.Len(t, shows, 1)
	assert.Equal(t, "20", shows[0].ID)
	assert.Len(t, shows[0].Episodes, 1)
}

func TestListSeriesAbortsWhenCancelled(t *testing.T) {
	lib, _, _ := connect(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := lib.ListSeries(ctx)
	assert.Error(t, err)
}

func TestFetchDeleteAndRescan(t *testing.T) {
	lib, fs, _ := connect(t)
	ctx := context.Background()

	item, err := lib.FetchByID(ctx, "20")
	require.NoError(t, err)
	assert.Equal(t, domain.KindSeries, item.Kind)
	assert.Len(t, item.Episodes, 1)

	_, err = lib.FetchByID(ctx, "99")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, lib.DeleteByTitle(ctx, domain.KindFilm, "  HEAT "))
	assert.ErrorIs(t, lib.DeleteByTitle(ctx, domain.KindFilm, "Ronin"), domain.ErrNotFound)
	require.NoError(t, lib.RescanSection(ctx, domain.KindSeries))

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Equal(t, []string{"10"}, fs.deleted)
	assert.Equal(t, []string{"2"}, fs.rescans)
}

func TestConnectWithoutServerIsOffline(t *testing.T) {
	_, err := New(Config{}).Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrOffline)
}

func TestMissingSection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"MediaContainer":{"Directory":[]}}`))
	}))
	defer srv.Close()

	lib, err := New(Config{BaseURL: srv.URL}).Connect(context.Background())
	require.NoError(t, err)
	_, err = lib.ListFilms(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
