// Package posters keeps a content-addressed local copy of poster images.
package posters

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"flixkeeper/internal/domain"
	"flixkeeper/internal/metrics"
	"flixkeeper/internal/storage"
)

const maxPosterBytes = 10 << 20

// Source finds a remote poster for a title. An empty URL means none exists.
type Source interface {
	FindPosterURL(ctx context.Context, title string, kind domain.MediaKind) (string, error)
}

type Config struct {
	Dir          string
	IndexPath    string
	URLPrefix    string
	MinAge       time.Duration
	FetchTimeout time.Duration
	HTTPClient   *http.Client
	Now          func() time.Time
	Logger       *logrus.Logger
}

// Cache maps "<kind>:<normalized title>" to a local poster reference.
type Cache struct {
	cfg    Config
	source Source

	mu      sync.Mutex
	entries map[string]string
}

func NewCache(cfg Config, source Source) (*Cache, error) {
	if cfg.URLPrefix == "" {
		cfg.URLPrefix = "/posters/"
	}
	if !strings.HasSuffix(cfg.URLPrefix, "/") {
		cfg.URLPrefix += "/"
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = 24 * time.Hour
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 8 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create poster dir: %w", err)
	}

	c := &Cache{cfg: cfg, source: source, entries: map[string]string{}}
	if _, err := storage.ReadJSON(cfg.IndexPath, &c.entries); err != nil {
		// a corrupt index only costs re-downloads
		cfg.Logger.Warnf("poster index unreadable, starting empty: %v", err)
		c.entries = map[string]string{}
	}
	if c.entries == nil {
		c.entries = map[string]string{}
	}
	return c, nil
}

// FileName is the on-disk name for a title; stable across restarts.
func FileName(kind domain.MediaKind, title string) string {
	sum := sha1.Sum([]byte(kind.PosterKind() + "::" + domain.NormalizeTitle(title)))
	return hex.EncodeToString(sum[:]) + ".jpg"
}

// Ref is the reference recorded for a file name.
func (c *Cache) Ref(fileName string) string {
	return c.cfg.URLPrefix + fileName
}

func (c *Cache) filePath(ref string) string {
	return filepath.Join(c.cfg.Dir, path.Base(ref))
}

func (c *Cache) exists(ref string) bool {
	if ref == "" {
		return false
	}
	fi, err := os.Stat(c.filePath(ref))
	return err == nil && fi.Mode().IsRegular()
}

// EnsureLocal returns a local poster reference for the title, fetching it when
// missing. Every failure degrades to "".
func (c *Cache) EnsureLocal(ctx context.Context, title string, kind domain.MediaKind) string {
	if strings.TrimSpace(title) == "" {
		return ""
	}
	key := domain.PosterKey(kind, title)
	logger := c.cfg.Logger.WithField("poster_key", key)

	c.mu.Lock()
	ref, ok := c.entries[key]
	c.mu.Unlock()
	if ok && c.exists(ref) {
		return ref
	}

	name := FileName(kind, title)
	ref = c.Ref(name)
	if !c.exists(ref) {
		if err := c.fetch(ctx, title, kind, c.filePath(ref)); err != nil {
			if !errors.Is(err, errNoPoster) {
				logger.Warnf("poster fetch failed: %v", err)
			}
			return ""
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = ref
	if err := c.saveLocked(); err != nil {
		logger.Warnf("save poster index: %v", err)
	}
	return ref
}

var errNoPoster = errors.New("no poster available")

func (c *Cache) fetch(ctx context.Context, title string, kind domain.MediaKind, dest string) error {
	if c.source == nil {
		return errNoPoster
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	url, err := c.source.FindPosterURL(ctx, title, kind)
	if err != nil {
		return fmt.Errorf("find poster url: %w", err)
	}
	if url == "" {
		return errNoPoster
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build poster request: %w", err)
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("download poster: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download poster: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPosterBytes))
	if err != nil {
		return fmt.Errorf("read poster body: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("download poster: empty body")
	}
	return storage.WriteFileAtomic(dest, data)
}

func (c *Cache) saveLocked() error {
	return storage.WriteJSON(c.cfg.IndexPath, c.entries)
}

// Flush persists the index.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked()
}

// Lookup returns the recorded reference for a title without fetching.
func (c *Cache) Lookup(kind domain.MediaKind, title string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.entries[domain.PosterKey(kind, title)]
	return ref, ok
}

// GCReport describes one CleanupUnused pass.
type GCReport struct {
	Removed      []string `json:"removed"`
	SkippedYoung []string `json:"skipped_young"`
}

// CleanupUnused deletes poster files no snapshot references that are older
// than the minimum age. An empty used set means "unknown" and removes nothing.
func (c *Cache) CleanupUnused(used map[string]struct{}) GCReport {
	var report GCReport
	if len(used) == 0 {
		return report
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	files, err := c.listFilesLocked()
	if err != nil {
		c.cfg.Logger.Warnf("poster gc: %v", err)
		return report
	}

	now := c.cfg.Now()
	removed := map[string]struct{}{}
	for _, ref := range files {
		if _, ok := used[ref]; ok {
			continue
		}
		young, err := c.youngLocked(ref, now)
		if err != nil {
			continue
		}
		if young {
			report.SkippedYoung = append(report.SkippedYoung, ref)
			continue
		}
		if err := os.Remove(c.filePath(ref)); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.cfg.Logger.Warnf("poster gc: remove %s: %v", ref, err)
			continue
		}
		removed[ref] = struct{}{}
		report.Removed = append(report.Removed, ref)
	}

	if len(removed) > 0 {
		for key, ref := range c.entries {
			if _, ok := removed[ref]; ok {
				delete(c.entries, key)
			}
		}
		if err := c.saveLocked(); err != nil {
			c.cfg.Logger.Warnf("poster gc: save index: %v", err)
		}
		c.cfg.Logger.Infof("poster gc removed %d file(s)", len(removed))
	}
	metrics.AddPostersRemoved("gc", len(report.Removed))
	return report
}

type SweepOptions struct {
	Force  bool
	DryRun bool
}

// SweepReport summarizes a Sweep run.
type SweepReport struct {
	UsedCount          int      `json:"used_count"`
	ExistingFilesCount int      `json:"existing_files_count"`
	OrphansCount       int      `json:"orphans_count"`
	RemovedFiles       []string `json:"removed_files"`
	RemovedCacheKeys   []string `json:"removed_cache_keys"`
	SkippedYoung       []string `json:"skipped_young"`
	DryRun             bool     `json:"dry_run"`
	Force              bool     `json:"force"`
}

// Sweep reconciles files and index against the used set. Entries whose file
// is gone are always purged. Force ignores the age gate and also drops index
// entries that nothing references. DryRun only reports.
func (c *Cache) Sweep(used map[string]struct{}, opts SweepOptions) (SweepReport, error) {
	report := SweepReport{
		UsedCount:        len(used),
		DryRun:           opts.DryRun,
		Force:            opts.Force,
		RemovedFiles:     []string{},
		RemovedCacheKeys: []string{},
		SkippedYoung:     []string{},
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	files, err := c.listFilesLocked()
	if err != nil {
		return report, err
	}
	report.ExistingFilesCount = len(files)

	var orphans []string
	for _, ref := range files {
		if _, ok := used[ref]; !ok {
			orphans = append(orphans, ref)
		}
	}
	report.OrphansCount = len(orphans)

	// without references every file looks orphaned; leave the disk alone
	if len(used) > 0 {
		now := c.cfg.Now()
		for _, ref := range orphans {
			if !opts.Force {
				young, err := c.youngLocked(ref, now)
				if err != nil {
					continue
				}
				if young {
					report.SkippedYoung = append(report.SkippedYoung, ref)
					continue
				}
			}
			if !opts.DryRun {
				if err := os.Remove(c.filePath(ref)); err != nil && !errors.Is(err, os.ErrNotExist) {
					c.cfg.Logger.Warnf("poster sweep: remove %s: %v", ref, err)
					continue
				}
			}
			report.RemovedFiles = append(report.RemovedFiles, ref)
		}
	}

	changed := false
	for _, key := range sortedKeys(c.entries) {
		ref := c.entries[key]
		broken := !c.exists(ref)
		_, inUse := used[ref]
		if !broken && (inUse || !opts.Force || len(used) == 0) {
			continue
		}
		report.RemovedCacheKeys = append(report.RemovedCacheKeys, key)
		if !opts.DryRun {
			delete(c.entries, key)
			changed = true
		}
	}
	if changed {
		if err := c.saveLocked(); err != nil {
			return report, err
		}
	}

	if !opts.DryRun {
		metrics.AddPostersRemoved("sweep", len(report.RemovedFiles))
	}
	c.cfg.Logger.Infof("poster sweep: removed_files=%d removed_cache=%d skipped_young=%d dry_run=%t force=%t",
		len(report.RemovedFiles), len(report.RemovedCacheKeys), len(report.SkippedYoung), opts.DryRun, opts.Force)
	return report, nil
}

// RemoveForTitle drops the entry and file for a title.
func (c *Cache) RemoveForTitle(kind domain.MediaKind, title string) bool {
	key := domain.PosterKey(kind, title)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := false
	refs := []string{c.Ref(FileName(kind, title))}
	if ref, ok := c.entries[key]; ok {
		delete(c.entries, key)
		removed = true
		if ref != refs[0] {
			refs = append(refs, ref)
		}
		if err := c.saveLocked(); err != nil {
			c.cfg.Logger.Warnf("save poster index: %v", err)
		}
	}
	for _, ref := range refs {
		if err := os.Remove(c.filePath(ref)); err == nil {
			removed = true
		}
	}
	return removed
}

func (c *Cache) listFilesLocked() ([]string, error) {
	dirEntries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("list poster dir: %w", err)
	}
	var refs []string
	for _, e := range dirEntries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".jpg") {
			continue
		}
		refs = append(refs, c.Ref(e.Name()))
	}
	return refs, nil
}

func (c *Cache) youngLocked(ref string, now time.Time) (bool, error) {
	fi, err := os.Stat(c.filePath(ref))
	if err != nil {
		return false, err
	}
	return now.Sub(fi.ModTime()) < c.cfg.MinAge, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
