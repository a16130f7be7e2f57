package content

import (
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"flixkeeper/internal/domain"
	"flixkeeper/internal/library"
)

// FilmProgress is 100 for watched films, otherwise the view offset as a
// percentage of the duration rounded to one decimal.
func FilmProgress(f library.Film) float64 {
	if f.Watched() {
		return 100
	}
	if f.ViewOffset <= 0 || f.Duration <= 0 {
		return 0
	}
	p := float64(f.ViewOffset) / float64(f.Duration) * 100
	return math.Min(100, math.Round(p*10)/10)
}

// EpisodeProgress treats anything past the finished threshold as complete.
func EpisodeProgress(ep library.Episode) float64 {
	if ep.Watched() {
		return 100
	}
	if ep.Duration <= 0 {
		return 0
	}
	offset := min(max(ep.ViewOffset, 0), ep.Duration)
	frac := float64(offset) / float64(ep.Duration)
	if frac >= domain.FinishedThreshold {
		return 100
	}
	return math.Round(frac * 100)
}

// SeriesProgress is the duration-weighted mean of episode progress, or the
// plain mean when no durations are known.
func SeriesProgress(eps []library.Episode) float64 {
	if len(eps) == 0 {
		return 0
	}
	var (
		weighted float64
		total    float64
		sum      float64
	)
	for _, ep := range eps {
		p := EpisodeProgress(ep)
		sum += p
		if ep.Duration > 0 {
			weighted += p * float64(ep.Duration)
			total += float64(ep.Duration)
		}
	}
	if total > 0 {
		return math.Round(weighted / total)
	}
	return math.Round(sum / float64(len(eps)))
}

// SeriesComplete reports whether every known episode is at 100.
// A series with no episodes is never complete.
func SeriesComplete(eps []library.Episode) bool {
	if len(eps) == 0 {
		return false
	}
	for _, ep := range eps {
		if EpisodeProgress(ep) < 100 {
			return false
		}
	}
	return true
}

// deleteAt applies the grace period to finished items with a watched time.
func deleteAt(progress float64, watchedAt *time.Time, grace time.Duration) *time.Time {
	if progress < 100 || watchedAt == nil {
		return nil
	}
	t := watchedAt.Add(grace)
	return &t
}

// EpisodeDirs returns the sorted, de-duplicated directories holding the episodes.
func EpisodeDirs(eps []library.Episode) []string {
	seen := map[string]struct{}{}
	var dirs []string
	for _, ep := range eps {
		if ep.FilePath == "" {
			continue
		}
		dir := filepath.Dir(ep.FilePath)
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

func latest(eps []library.Episode) *time.Time {
	var out *time.Time
	for _, ep := range eps {
		out = domain.LaterOf(out, ep.LastViewedAt)
	}
	return out
}

func buildFilm(f library.Film, poster string, grace time.Duration) domain.ContentItem {
	progress := FilmProgress(f)
	watched := domain.CloneTime(f.LastViewedAt)
	if poster == "" {
		poster = f.PosterURL
	}
	return domain.ContentItem{
		ID:        f.ID,
		Kind:      domain.KindFilm,
		Title:     f.Title,
		Poster:    poster,
		Progress:  progress,
		WatchedAt: watched,
		DeleteAt:  deleteAt(progress, watched, grace),
		Path:      f.FilePath,
	}
}

func buildSeries(s library.Show, poster string, grace time.Duration) domain.ContentItem {
	eps := append([]library.Episode(nil), s.Episodes...)
	sort.SliceStable(eps, func(i, j int) bool {
		if eps[i].Season != eps[j].Season {
			return eps[i].Season < eps[j].Season
		}
		return eps[i].Index < eps[j].Index
	})

	items := make([]domain.Episode, 0, len(eps))
	for _, ep := range eps {
		progress := EpisodeProgress(ep)
		watched := domain.CloneTime(ep.LastViewedAt)
		items = append(items, domain.Episode{
			ID:           ep.ID,
			ParentID:     s.ID,
			Season:       ep.Season,
			Index:        ep.Index,
			Title:        ep.Title,
			Progress:     progress,
			DurationMs:   ep.Duration.Milliseconds(),
			ViewOffsetMs: ep.ViewOffset.Milliseconds(),
			WatchedAt:    watched,
			DeleteAt:     deleteAt(progress, watched, grace),
			FilePath:     ep.FilePath,
		})
	}

	// the timer only starts from an episode's own watch time; the show-level
	// timestamp is display only
	epWatched := latest(eps)
	var del *time.Time
	if SeriesComplete(eps) {
		del = deleteAt(100, epWatched, grace)
	}
	watched := epWatched
	if watched == nil {
		watched = domain.CloneTime(s.LastViewedAt)
	}
	if poster == "" {
		poster = s.PosterURL
	}
	return domain.ContentItem{
		ID:        s.ID,
		Kind:      domain.KindSeries,
		Title:     s.Title,
		Poster:    poster,
		Progress:  SeriesProgress(eps),
		WatchedAt: watched,
		DeleteAt:  del,
		Paths:     EpisodeDirs(eps),
		Episodes:  items,
	}
}

// ApplyOverrides raises every delete-at in snap to the matching override and
// never lowers one. It reports whether anything changed.
func ApplyOverrides(snap *domain.Snapshot, overrides map[string]time.Time) bool {
	if len(overrides) == 0 {
		return false
	}
	changed := false
	raise := func(id string, cur **time.Time) {
		ov, ok := overrides[id]
		if !ok {
			return
		}
		if *cur == nil || ov.After(**cur) {
			t := ov
			*cur = &t
			changed = true
		}
	}
	for i := range snap.Films {
		raise(snap.Films[i].ID, &snap.Films[i].DeleteAt)
	}
	for i := range snap.Series {
		raise(snap.Series[i].ID, &snap.Series[i].DeleteAt)
		for j := range snap.Series[i].Episodes {
			raise(snap.Series[i].Episodes[j].ID, &snap.Series[i].Episodes[j].DeleteAt)
		}
	}
	return changed
}

// UsedPosterRefs collects the local poster references of a snapshot.
func UsedPosterRefs(snap domain.Snapshot, prefix string) map[string]struct{} {
	used := map[string]struct{}{}
	add := func(ref string) {
		if ref != "" && strings.HasPrefix(ref, prefix) {
			used[ref] = struct{}{}
		}
	}
	for _, f := range snap.Films {
		add(f.Poster)
	}
	for _, s := range snap.Series {
		add(s.Poster)
	}
	return used
}
