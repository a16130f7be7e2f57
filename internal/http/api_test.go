package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flixkeeper/internal/app"
	"flixkeeper/internal/cleanup"
	"flixkeeper/internal/domain"
	"flixkeeper/internal/downloader"
	"flixkeeper/internal/downloader/downloadertest"
	"flixkeeper/internal/posters"
)

type fakeContent struct {
	films   []domain.ContentItem
	online  bool
	builtAt time.Time
}

func (f *fakeContent) Films() []domain.ContentItem  { return f.films }
func (f *fakeContent) Series() []domain.ContentItem { return nil }
func (f *fakeContent) BuiltAt() time.Time           { return f.builtAt }
func (f *fakeContent) RebuildNow(context.Context) (bool, error) {
	if !f.online {
		return false, nil
	}
	f.builtAt = time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	return true, nil
}

type fakeTimers struct{ known map[string]bool }

func (f fakeTimers) ResetTimer(_ context.Context, id string) (time.Time, error) {
	if !f.known[id] {
		return time.Time{}, fmt.Errorf("progress entry %s: %w", id, domain.ErrNotFound)
	}
	return time.Date(2026, 10, 22, 0, 0, 0, 0, time.UTC), nil
}

type fakeCleaner struct{ forced []bool }

func (f *fakeCleaner) RunOnce(context.Context) (cleanup.Report, error) {
	return cleanup.Report{Skipped: true, Reason: cleanup.ReasonLibraryUnavailable}, nil
}

func (f *fakeCleaner) DeleteItem(_ context.Context, id string, force bool) (cleanup.ItemResult, error) {
	f.forced = append(f.forced, force)
	return cleanup.ItemResult{ID: id, Action: "deleted"}, nil
}

type fakeSweeper struct{ got []app.SweepRequest }

func (f *fakeSweeper) SweepPosters(_ context.Context, req app.SweepRequest) (posters.SweepReport, error) {
	f.got = append(f.got, req)
	return posters.SweepReport{DryRun: req.DryRun, Force: req.Force}, nil
}

type fakeHistory struct{}

func (fakeHistory) List(context.Context, int) ([]domain.HistoryEntry, error) { return nil, nil }

type fixture struct {
	router   *gin.Engine
	engine   *downloadertest.Engine
	cleaner  *fakeCleaner
	sweeper  *fakeSweeper
	content  *fakeContent
	shutdown []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	session, err := downloader.NewSessionStore(t.TempDir(), logger)
	require.NoError(t, err)

	f := &fixture{
		engine:  downloadertest.New(),
		cleaner: &fakeCleaner{},
		sweeper: &fakeSweeper{},
		content: &fakeContent{films: []domain.ContentItem{{ID: "1", Kind: domain.KindFilm, Title: "Heat"}}},
	}
	manager := downloader.NewManager(downloader.Config{
		DefaultSavePath: t.TempDir(),
		AddGrace:        time.Second,
		Logger:          logger,
	}, f.engine, session, nil)
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })

	f.router = gin.New()
	NewHandler(Deps{
		Downloads: manager,
		History:   fakeHistory{},
		Content:   f.content,
		Timers:    fakeTimers{known: map[string]bool{"1": true}},
		Cleanup:   f.cleaner,
		Posters:   f.sweeper,
		Shutdown:  func(reason string) { f.shutdown = append(f.shutdown, reason) },
	}).RegisterRoutes(f.router)
	return f
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestDownloadRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/downloads", `{"source":"magnet:?xt=urn:btih:heat"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var added struct{ ID string }
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &added))
	assert.Equal(t, downloadertest.IDFor("magnet:?xt=urn:btih:heat"), added.ID)

	rec = f.do(http.MethodGet, "/api/downloads", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []domain.DownloadRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = f.do(http.MethodPost, "/api/downloads/"+added.ID+"/toggle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(domain.DownloadPaused))

	rec = f.do(http.MethodDelete, "/api/downloads/"+added.ID+"?purge=true", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"missing source", http.MethodPost, "/api/downloads", `{}`, http.StatusBadRequest},
		{"bad source", http.MethodPost, "/api/downloads", `{"source":"bad"}`, http.StatusBadRequest},
		{"unknown download", http.MethodPost, "/api/downloads/abc/pause", "", http.StatusNotFound},
		{"unknown item", http.MethodPost, "/api/items/404/reset", "", http.StatusNotFound},
		{"bad flag", http.MethodDelete, "/api/items/1?force=maybe", "", http.StatusBadRequest},
		{"negative limit", http.MethodPut, "/api/ratelimit", `{"bytes_per_second":-1}`, http.StatusBadRequest},
		{"bad history limit", http.MethodGet, "/api/history?limit=x", "", http.StatusBadRequest},
		{"library offline", http.MethodPost, "/api/rebuild", "", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(tt.method, tt.target, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestRateLimitRoundTrip(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPut, "/api/ratelimit", `{"bytes_per_second":2048}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"bytes_per_second":2048}`, rec.Body.String())
	assert.EqualValues(t, 2048, f.engine.RateLimit())

	rec = f.do(http.MethodGet, "/api/ratelimit", "")
	assert.JSONEq(t, `{"bytes_per_second":2048}`, rec.Body.String())
}

func TestContentAndMaintenanceRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/films", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"title":"Heat"`)

	rec = f.do(http.MethodGet, "/api/series", "")
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = f.do(http.MethodGet, "/api/history", "")
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = f.do(http.MethodPost, "/api/items/1/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"1","deleteAt":"2026-10-22T00:00:00Z"}`, rec.Body.String())

	rec = f.do(http.MethodDelete, "/api/items/1?force=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []bool{true}, f.cleaner.forced)

	rec = f.do(http.MethodPost, "/api/cleanup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), cleanup.ReasonLibraryUnavailable)

	rec = f.do(http.MethodPost, "/api/posters/sweep?dry_run=true&rebuild=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []app.SweepRequest{{DryRun: true, Rebuild: true}}, f.sweeper.got)

	f.content.online = true
	rec = f.do(http.MethodPost, "/api/rebuild", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"rebuilt":true,"built_at":"2026-10-15T08:00:00Z"}`, rec.Body.String())

	rec = f.do(http.MethodGet, "/api/health", "")
	assert.JSONEq(t, `{"ok":true,"content_built_at":"2026-10-15T08:00:00Z"}`, rec.Body.String())
}

func TestShutdownAndMiscRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/shutdown", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"api"}, f.shutdown)

	rec = f.do(http.MethodOptions, "/api/films", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = f.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
