// Package content mirrors the external library into a local snapshot of films
// and series with watch progress and deletion eligibility.
package content

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"flixkeeper/internal/domain"
	"flixkeeper/internal/library"
	"flixkeeper/internal/metrics"
	"flixkeeper/internal/posters"
	"flixkeeper/internal/storage"
)

// PosterService is the part of the poster cache a rebuild needs.
type PosterService interface {
	EnsureLocal(ctx context.Context, title string, kind domain.MediaKind) string
	CleanupUnused(used map[string]struct{}) posters.GCReport
}

// OverrideSource supplies authoritative delete-at values by item id.
type OverrideSource interface {
	DeleteOverrides() (map[string]time.Time, error)
}

type Config struct {
	Path         string
	PosterPrefix string
	Grace        time.Duration
	Now          func() time.Time
	Logger       *logrus.Logger
}

type Cache struct {
	cfg       Config
	lib       library.Connector
	posters   PosterService
	overrides OverrideSource
	group     singleflight.Group

	mu       sync.RWMutex
	snap     domain.Snapshot
	computed *domain.Snapshot
	builtAt  time.Time
}

func NewCache(cfg Config, lib library.Connector, posterSvc PosterService, overrides OverrideSource) *Cache {
	if cfg.Grace <= 0 {
		cfg.Grace = domain.DeleteGrace
	}
	if cfg.PosterPrefix == "" {
		cfg.PosterPrefix = "/posters/"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	c := &Cache{cfg: cfg, lib: lib, posters: posterSvc, overrides: overrides}
	if cfg.Path != "" {
		var snap domain.Snapshot
		if _, err := storage.ReadJSON(cfg.Path, &snap); err != nil {
			cfg.Logger.Warnf("content cache unreadable, starting empty: %v", err)
		} else {
			c.snap = snap
		}
	}
	return c
}

// RebuildNow pulls the library and swaps in a fresh snapshot. It reports false
// without error when the library is offline; the previous snapshot stays.
// Concurrent callers share one rebuild.
func (c *Cache) RebuildNow(ctx context.Context) (bool, error) {
	v, err, _ := c.group.Do("rebuild", func() (any, error) {
		return c.rebuild(ctx)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (c *Cache) rebuild(ctx context.Context) (bool, error) {
	start := c.cfg.Now()

	computed, err := c.build(ctx)
	if errors.Is(err, domain.ErrOffline) {
		c.cfg.Logger.Infof("library unavailable, keeping previous content snapshot: %v", err)
		metrics.RecordRebuild("offline", 0)
		return false, nil
	}
	if err != nil {
		metrics.RecordRebuild("error", 0)
		return false, err
	}

	if c.posters != nil {
		c.posters.CleanupUnused(UsedPosterRefs(computed, c.cfg.PosterPrefix))
	}

	effective := computed.Clone()
	if c.overrides != nil {
		ov, err := c.overrides.DeleteOverrides()
		if err != nil {
			c.cfg.Logger.Warnf("load progress overrides: %v", err)
		} else {
			ApplyOverrides(&effective, ov)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.persistLocked(effective); err != nil {
		metrics.RecordRebuild("error", 0)
		return false, err
	}
	c.snap = effective
	c.computed = &computed
	c.builtAt = c.cfg.Now()

	took := c.cfg.Now().Sub(start)
	metrics.RecordRebuild("ok", took)
	c.cfg.Logger.WithFields(logrus.Fields{
		"films":  len(effective.Films),
		"series": len(effective.Series),
	}).Infof("content cache rebuilt in %s", took.Round(time.Millisecond))
	return true, nil
}

func (c *Cache) build(ctx context.Context) (domain.Snapshot, error) {
	if c.lib == nil {
		return domain.Snapshot{}, domain.ErrOffline
	}
	lib, err := c.lib.Connect(ctx)
	if err != nil {
		return domain.Snapshot{}, err
	}

	films, err := lib.ListFilms(ctx)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("list films: %w", err)
	}
	shows, err := lib.ListSeries(ctx)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("list series: %w", err)
	}

	snap := domain.Snapshot{
		Films:  make([]domain.ContentItem, 0, len(films)),
		Series: make([]domain.ContentItem, 0, len(shows)),
	}
	for _, f := range films {
		if f.ID == "" {
			continue
		}
		snap.Films = append(snap.Films, buildFilm(f, c.poster(ctx, f.Title, domain.KindFilm), c.cfg.Grace))
	}
	for _, s := range shows {
		if s.ID == "" {
			continue
		}
		snap.Series = append(snap.Series, buildSeries(s, c.poster(ctx, s.Title, domain.KindSeries), c.cfg.Grace))
	}
	return snap, nil
}

func (c *Cache) poster(ctx context.Context, title string, kind domain.MediaKind) string {
	if c.posters == nil {
		return ""
	}
	return c.posters.EnsureLocal(ctx, title, kind)
}

func (c *Cache) persistLocked(snap domain.Snapshot) error {
	if c.cfg.Path == "" {
		return nil
	}
	if err := storage.WriteJSON(c.cfg.Path, snap); err != nil {
		return fmt.Errorf("persist content cache: %w", err)
	}
	return nil
}

// ApplyOverridesFromProgress raises cached delete-at values to the progress
// store's and persists when anything moved.
func (c *Cache) ApplyOverridesFromProgress(context.Context) error {
	if c.overrides == nil {
		return nil
	}
	ov, err := c.overrides.DeleteOverrides()
	if err != nil {
		return fmt.Errorf("load progress overrides: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.snap.Clone()
	if !ApplyOverrides(&next, ov) {
		return nil
	}
	if err := c.persistLocked(next); err != nil {
		return err
	}
	c.snap = next
	return nil
}

// Forget drops deleted items from both the served and the rebuilt snapshot so
// nothing brings them back before the next rebuild.
func (c *Cache) Forget(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.computed != nil {
		if next, ok := c.computed.Without(set); ok {
			c.computed = &next
		}
	}
	next, ok := c.snap.Without(set)
	if !ok {
		return nil
	}
	if err := c.persistLocked(next); err != nil {
		return err
	}
	c.snap = next
	return nil
}

func (c *Cache) Films() []domain.ContentItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.Clone().Films
}

func (c *Cache) Series() []domain.ContentItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.Clone().Series
}

func (c *Cache) Snapshot() domain.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.Clone()
}

// Computed returns the last rebuilt snapshot before overrides were applied.
// It is false until a rebuild has succeeded in this process.
func (c *Cache) Computed() (domain.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.computed == nil {
		return domain.Snapshot{}, false
	}
	return c.computed.Clone(), true
}

func (c *Cache) Find(id string) (domain.Lookup, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.Find(id)
}

// UsedPosterRefs returns the local poster references of the current snapshot.
func (c *Cache) UsedPosterRefs() map[string]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return UsedPosterRefs(c.snap, c.cfg.PosterPrefix)
}

func (c *Cache) BuiltAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.builtAt
}

// Search returns items whose normalized title contains the normalized query.
func (c *Cache) Search(query string) []domain.ContentItem {
	q := domain.NormalizeTitle(query)
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []domain.ContentItem
	for _, list := range [][]domain.ContentItem{c.snap.Films, c.snap.Series} {
		for _, item := range list {
			if q == "" || strings.Contains(domain.NormalizeTitle(item.Title), q) {
				out = append(out, item.Clone())
			}
		}
	}
	return out
}
