package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flixkeeper/internal/cleanup"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader(t.TempDir()).Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:5000", cfg.Server.Addr)
	assert.Equal(t, 3*time.Second, cfg.Schedule.Completion)
	assert.Equal(t, 30*time.Minute, cfg.Schedule.ContentRefresh)
	assert.Equal(t, 10*time.Minute, cfg.Schedule.ProgressSync)
	assert.Equal(t, 10*time.Minute, cfg.Schedule.Cleanup)
	assert.Equal(t, 2*time.Hour, cfg.Schedule.PosterSweep)
	assert.Equal(t, 15*time.Second, cfg.Schedule.PostFinishDelay)
	assert.Equal(t, 168*time.Hour, cfg.Retention.DeleteAfter)
	assert.Equal(t, 8*time.Second, cfg.Torrent.DrainTimeout)
	assert.Equal(t, "TV Shows", cfg.Library.SeriesSection)
	assert.Empty(t, cfg.Cleanup.PathMappings)
	assert.NotEmpty(t, cfg.State.Dir)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
state:
  dir: /srv/flix
library:
  base_url: http://plex.local:32400
  timeout: 3s
cleanup:
  path_mappings:
    - from: /mnt/media
      to: /data/media
`), 0o644))
	t.Setenv("FLIX_TORRENT_RATE_LIMIT", "1048576")
	t.Setenv("FLIX_LOG_LEVEL", "debug")

	cfg, err := NewLoader(dir).Load()
	require.NoError(t, err)

	assert.Equal(t, "/srv/flix", cfg.State.Dir)
	assert.Equal(t, "http://plex.local:32400", cfg.Library.BaseURL)
	assert.Equal(t, 3*time.Second, cfg.Library.Timeout)
	assert.Equal(t, []cleanup.PathMapping{{From: "/mnt/media", To: "/data/media"}}, cfg.Cleanup.PathMappings)
	assert.EqualValues(t, 1<<20, cfg.Torrent.RateLimit)
	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("FLIX_LOG_LEVEL", "loud")
	_, err := NewLoader(t.TempDir()).Load()
	assert.Error(t, err)

	t.Setenv("FLIX_LOG_LEVEL", "info")
	t.Setenv("FLIX_SCHEDULE_CLEANUP", "0s")
	_, err = NewLoader(t.TempDir()).Load()
	assert.ErrorContains(t, err, "schedule.cleanup")
}

func TestDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(
		"# comment\nexport FLIX_SERVER_ADDR=\"0.0.0.0:9000\"\nFLIX_TMDB_LANGUAGE=pl-PL\nbroken line\n",
	), 0o644))
	t.Setenv("FLIX_TMDB_LANGUAGE", "de-DE")
	t.Cleanup(func() { _ = os.Unsetenv("FLIX_SERVER_ADDR") })

	cfg, err := NewLoader(dir).Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, "de-DE", cfg.TMDB.Language)
}

func TestWatchReportsChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("torrent:\n  rate_limit: 100\n"), 0o644))

	l := NewLoader(dir)
	_, err := l.Load()
	require.NoError(t, err)

	changes := make(chan Config, 16)
	require.True(t, l.Watch(func(c Config) {
		select {
		case changes <- c:
		default:
		}
	}, nil))

	require.NoError(t, os.WriteFile(path, []byte("torrent:\n  rate_limit: 200\n"), 0o644))
	require.Eventually(t, func() bool {
		select {
		case c := <-changes:
			return c.Torrent.RateLimit == 200
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatchWithoutFile(t *testing.T) {
	l := NewLoader(t.TempDir())
	_, err := l.Load()
	require.NoError(t, err)
	assert.False(t, l.Watch(func(Config) {}, nil))
}
