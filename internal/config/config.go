package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"flixkeeper/internal/cleanup"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Log struct {
		Level string
	}
	State struct {
		Dir string
	}
	Paths struct {
		Movies string
		Series string
	}
	Library struct {
		BaseURL       string `mapstructure:"base_url"`
		Token         string
		MoviesSection string `mapstructure:"movies_section"`
		SeriesSection string `mapstructure:"series_section"`
		Timeout       time.Duration
	}
	TMDB struct {
		APIKey     string `mapstructure:"api_key"`
		Language   string
		PosterSize string `mapstructure:"poster_size"`
	}
	Torrent struct {
		ListenPort         int           `mapstructure:"listen_port"`
		RateLimit          int64         `mapstructure:"rate_limit"`
		AddGrace           time.Duration `mapstructure:"add_grace"`
		CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
		DrainTimeout       time.Duration `mapstructure:"drain_timeout"`
	}
	Schedule struct {
		Completion      time.Duration
		ContentRefresh  time.Duration `mapstructure:"content_refresh"`
		ProgressSync    time.Duration `mapstructure:"progress_sync"`
		Cleanup         time.Duration
		PosterSweep     time.Duration `mapstructure:"poster_sweep"`
		PostFinishDelay time.Duration `mapstructure:"post_finish_delay"`
	}
	Retention struct {
		DeleteAfter time.Duration `mapstructure:"delete_after"`
	}
	Posters struct {
		MinAge time.Duration `mapstructure:"min_age"`
	}
	Cleanup struct {
		PathMappings []cleanup.PathMapping `mapstructure:"path_mappings"`
	}
	Backup struct {
		Bucket   string
		Prefix   string
		Region   string
		Endpoint string
		Retain   int
	}
	AWS struct {
		Profile string
	}
}

// LogLevel parses Log.Level, falling back to info.
func (c Config) LogLevel() logrus.Level {
	lvl, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// Loader reads configuration from FLIX_* environment variables, an optional
// .env file and an optional config.{yaml,json,toml} in the search paths.
type Loader struct {
	v     *viper.Viper
	paths []string

	mu      sync.Mutex
	watched bool
}

func NewLoader(paths ...string) *Loader {
	if len(paths) == 0 {
		paths = []string{"."}
	}
	v := viper.New()
	v.SetEnvPrefix("FLIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	v.SetConfigName("config")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	return &Loader{v: v, paths: paths}
}

// Load reads configuration using the current directory as search path.
func Load() (Config, error) {
	return NewLoader().Load()
}

func (l *Loader) Load() (Config, error) {
	for _, p := range l.paths {
		loadDotEnv(filepath.Join(p, ".env"))
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	return l.decode()
}

// Watch calls fn with the new configuration whenever the config file
// changes. It does nothing when no config file was found.
func (l *Loader) Watch(fn func(Config), logger *logrus.Logger) bool {
	if logger == nil {
		logger = logrus.New()
	}
	if l.v.ConfigFileUsed() == "" {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watched {
		return true
	}
	l.watched = true

	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			logger.Warnf("ignoring config change in %s: %v", e.Name, err)
			return
		}
		logger.Infof("config reloaded from %s", e.Name)
		fn(cfg)
	})
	l.v.WatchConfig()
	return true
}

func (l *Loader) decode() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if strings.TrimSpace(c.State.Dir) == "" {
		return errors.New("state.dir is required")
	}
	if c.Torrent.RateLimit < 0 {
		return fmt.Errorf("torrent.rate_limit must not be negative, got %d", c.Torrent.RateLimit)
	}
	for name, d := range map[string]time.Duration{
		"schedule.completion":      c.Schedule.Completion,
		"schedule.content_refresh": c.Schedule.ContentRefresh,
		"schedule.progress_sync":   c.Schedule.ProgressSync,
		"schedule.cleanup":         c.Schedule.Cleanup,
		"schedule.poster_sweep":    c.Schedule.PosterSweep,
		"retention.delete_after":   c.Retention.DeleteAfter,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	for i, m := range c.Cleanup.PathMappings {
		if m.From == "" || m.To == "" {
			return fmt.Errorf("cleanup.path_mappings[%d] needs both from and to", i)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "127.0.0.1:5000")
	v.SetDefault("log.level", "info")
	v.SetDefault("state.dir", defaultStateDir())
	v.SetDefault("paths.movies", "")
	v.SetDefault("paths.series", "")

	v.SetDefault("library.base_url", "")
	v.SetDefault("library.token", "")
	v.SetDefault("library.movies_section", "Movies")
	v.SetDefault("library.series_section", "TV Shows")
	v.SetDefault("library.timeout", 5*time.Second)

	v.SetDefault("tmdb.api_key", "")
	v.SetDefault("tmdb.language", "en-US")
	v.SetDefault("tmdb.poster_size", "w342")

	v.SetDefault("torrent.listen_port", 42069)
	v.SetDefault("torrent.rate_limit", 0)
	v.SetDefault("torrent.add_grace", 5*time.Second)
	v.SetDefault("torrent.checkpoint_interval", 30*time.Second)
	v.SetDefault("torrent.drain_timeout", 8*time.Second)

	v.SetDefault("schedule.completion", 3*time.Second)
	v.SetDefault("schedule.content_refresh", 30*time.Minute)
	v.SetDefault("schedule.progress_sync", 10*time.Minute)
	v.SetDefault("schedule.cleanup", 10*time.Minute)
	v.SetDefault("schedule.poster_sweep", 2*time.Hour)
	v.SetDefault("schedule.post_finish_delay", 15*time.Second)

	v.SetDefault("retention.delete_after", 7*24*time.Hour)
	v.SetDefault("posters.min_age", 24*time.Hour)
	v.SetDefault("cleanup.path_mappings", []cleanup.PathMapping{})

	v.SetDefault("backup.bucket", "")
	v.SetDefault("backup.prefix", "flixkeeper-state")
	v.SetDefault("backup.region", "us-east-1")
	v.SetDefault("backup.endpoint", "")
	v.SetDefault("backup.retain", 5)
	v.SetDefault("aws.profile", "")
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "flixkeeper")
	}
	return "data"
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:idx])
		value := strings.Trim(strings.TrimSpace(line[idx+1:]), `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
