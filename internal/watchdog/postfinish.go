package watchdog

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"flixkeeper/internal/domain"
	"flixkeeper/internal/library"
)

type PosterWarmer interface {
	EnsureLocal(ctx context.Context, title string, kind domain.MediaKind) string
}

type Rebuilder interface {
	RebuildNow(ctx context.Context) (bool, error)
}

type PostFinishConfig struct {
	MoviesRoot string
	SeriesRoot string
	// Delay gives the library time to index the new files before the rebuild.
	Delay  time.Duration
	Logger *logrus.Logger
}

// PostFinish makes a freshly finished download visible: poster, library
// rescan, then a content rebuild.
type PostFinish struct {
	cfg     PostFinishConfig
	posters PosterWarmer
	lib     library.Connector
	cache   Rebuilder
}

func NewPostFinish(cfg PostFinishConfig, posters PosterWarmer, lib library.Connector, cache Rebuilder) *PostFinish {
	if cfg.Delay <= 0 {
		cfg.Delay = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &PostFinish{cfg: cfg, posters: posters, lib: lib, cache: cache}
}

// Run processes one finished download. Cancellation during the wait ends the
// job quietly without a rebuild.
func (p *PostFinish) Run(ctx context.Context, rec domain.DownloadRecord) error {
	log := p.cfg.Logger.WithFields(logrus.Fields{
		"job_id":      uuid.NewString(),
		"download_id": rec.ID,
	})

	lib, err := p.lib.Connect(ctx)
	if errors.Is(err, domain.ErrOffline) {
		log.Info("library offline, skipping post-finish preload")
		return nil
	}
	if err != nil {
		return err
	}

	kind, known := p.KindFor(rec.SavePath)
	posterKind := domain.KindFilm
	if known {
		posterKind = kind
	}
	if ref := p.posters.EnsureLocal(ctx, rec.Name, posterKind); ref != "" {
		log.Debugf("poster ready at %s", ref)
	}

	if known {
		if err := lib.RescanSection(ctx, kind); err != nil {
			log.Warnf("rescan %s section: %v", kind, err)
		}
	}

	timer := time.NewTimer(p.cfg.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		log.Debug("post-finish wait interrupted")
		return nil
	case <-timer.C:
	}

	rebuilt, err := p.cache.RebuildNow(ctx)
	if err != nil {
		return err
	}
	if rebuilt {
		log.Info("content rebuilt after finished download")
	}
	return nil
}

// KindFor maps a save path onto the library section that owns it.
func (p *PostFinish) KindFor(savePath string) (domain.MediaKind, bool) {
	switch {
	case under(p.cfg.SeriesRoot, savePath):
		return domain.KindSeries, true
	case under(p.cfg.MoviesRoot, savePath):
		return domain.KindFilm, true
	}
	return "", false
}

func under(root, path string) bool {
	if root == "" || path == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
