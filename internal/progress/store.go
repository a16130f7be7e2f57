// Package progress is the authoritative store of per-item deletion timers.
//
// Every operation is a mutex-guarded load, mutate, atomic replace cycle over a
// single JSON file, so readers always see the last complete write.
package progress

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"flixkeeper/internal/domain"
	"flixkeeper/internal/storage"
)

type Config struct {
	Path   string
	Grace  time.Duration
	Now    func() time.Time
	Logger *logrus.Logger
}

type Store struct {
	cfg Config
	mu  sync.Mutex
}

func NewStore(cfg Config) *Store {
	if cfg.Grace <= 0 {
		cfg.Grace = domain.DeleteGrace
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Store{cfg: cfg}
}

type entries map[string]domain.ProgressEntry

func (s *Store) load() (entries, error) {
	data := entries{}
	if _, err := storage.ReadJSON(s.cfg.Path, &data); err != nil {
		return nil, fmt.Errorf("load progress store: %w", err)
	}
	if data == nil {
		data = entries{}
	}
	return data, nil
}

func (s *Store) save(data entries) error {
	if err := storage.WriteJSON(s.cfg.Path, data); err != nil {
		return fmt.Errorf("save progress store: %w", err)
	}
	return nil
}

// update runs fn over a freshly loaded copy and persists it when fn reports a change.
func (s *Store) update(fn func(entries) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return err
	}
	changed, err := fn(data)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return s.save(data)
}

func (s *Store) Get(id string) (domain.ProgressEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return domain.ProgressEntry{}, false, err
	}
	e, ok := data[id]
	if !ok {
		return domain.ProgressEntry{}, false, nil
	}
	return e.Clone(), true, nil
}

func (s *Store) All() (map[string]domain.ProgressEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.ProgressEntry, len(data))
	for id, e := range data {
		out[id] = e.Clone()
	}
	return out, nil
}

// Keys returns the ids in a stable order.
func (s *Store) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(data))
	for id := range data {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys, nil
}

// SyncFromContentCache merges a computed snapshot into the store.
//
// A later delete-at always wins. For films an absent delete-at keeps the stored
// timer. For episodes and series an absent delete-at means the item is no longer
// complete and clears the stored timer, unless the timer came from a reset.
func (s *Store) SyncFromContentCache(snap domain.Snapshot) error {
	return s.update(func(data entries) (bool, error) {
		for _, film := range snap.Films {
			prev := data[film.ID]
			next := prev.Clone()
			next.ID = film.ID
			next.Kind = domain.KindFilm
			next.Title = film.Title
			next.Path = film.Path
			next.WatchedAt = domain.CloneTime(film.WatchedAt)
			next.DeleteAt = domain.LaterOf(prev.DeleteAt, film.DeleteAt)
			next.Manual = stillManual(prev, film.DeleteAt)
			data[film.ID] = next
		}

		for _, series := range snap.Series {
			prev := data[series.ID]
			next := prev.Clone()
			next.ID = series.ID
			next.Kind = domain.KindSeries
			next.Title = series.Title
			next.Path = ""
			next.Paths = append([]string(nil), series.Paths...)
			next.WatchedAt = domain.CloneTime(series.WatchedAt)
			next.DeleteAt, next.Manual = mergeClearable(prev, series.DeleteAt)
			data[series.ID] = next

			for _, ep := range series.Episodes {
				prevEp := data[ep.ID]
				nextEp := prevEp.Clone()
				nextEp.ID = ep.ID
				nextEp.ParentID = series.ID
				nextEp.Kind = domain.KindEpisode
				nextEp.Title = EpisodeTitle(series.Title, ep)
				nextEp.Path = ""
				nextEp.Paths = nil
				nextEp.WatchedAt = domain.CloneTime(ep.WatchedAt)
				nextEp.DeleteAt, nextEp.Manual = mergeClearable(prevEp, ep.DeleteAt)
				data[ep.ID] = nextEp
			}
		}
		return true, nil
	})
}

func mergeClearable(prev domain.ProgressEntry, computed *time.Time) (*time.Time, bool) {
	if computed == nil {
		if prev.Manual && prev.DeleteAt != nil {
			return domain.CloneTime(prev.DeleteAt), true
		}
		return nil, false
	}
	return domain.LaterOf(prev.DeleteAt, computed), stillManual(prev, computed)
}

// stillManual keeps the reset marker until a computed timer overtakes it.
func stillManual(prev domain.ProgressEntry, computed *time.Time) bool {
	if !prev.Manual || prev.DeleteAt == nil {
		return false
	}
	return computed == nil || !computed.After(*prev.DeleteAt)
}

// EpisodeTitle is the display title stored for an episode entry.
func EpisodeTitle(series string, ep domain.Episode) string {
	return fmt.Sprintf("%s – S%02dE%02d %s", series, ep.Season, ep.Index, ep.Title)
}

// DeleteOverrides returns every stored timer keyed by id.
func (s *Store) DeleteOverrides() (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time)
	for id, e := range data {
		if e.DeleteAt != nil {
			out[id] = *e.DeleteAt
		}
	}
	return out, nil
}

// ResetTimer sets the item's timer to now plus the grace period regardless of
// watch state.
func (s *Store) ResetTimer(id string) (time.Time, error) {
	deleteAt := s.cfg.Now().UTC().Add(s.cfg.Grace).Truncate(time.Millisecond)
	err := s.update(func(data entries) (bool, error) {
		e, ok := data[id]
		if !ok {
			return false, fmt.Errorf("progress entry %s: %w", id, domain.ErrNotFound)
		}
		e.DeleteAt = &deleteAt
		e.Manual = true
		data[id] = e
		return true, nil
	})
	if err != nil {
		return time.Time{}, err
	}
	s.cfg.Logger.WithField("item_id", id).Infof("deletion timer reset to %s", deleteAt.Format(time.RFC3339))
	return deleteAt, nil
}

// ClearTimerIf clears the timer when pred holds for the freshly read entry.
func (s *Store) ClearTimerIf(id string, pred func(domain.ProgressEntry) bool) (bool, error) {
	cleared := false
	err := s.update(func(data entries) (bool, error) {
		e, ok := data[id]
		if !ok || e.DeleteAt == nil || !pred(e.Clone()) {
			return false, nil
		}
		e.ClearTimer()
		data[id] = e
		cleared = true
		return true, nil
	})
	return cleared, err
}

// ClearExpiredTimer clears the timer only if it is still expired at now.
func (s *Store) ClearExpiredTimer(id string, now time.Time) (bool, error) {
	return s.ClearTimerIf(id, func(e domain.ProgressEntry) bool { return e.Expired(now) })
}

// Remove deletes id and, when withChildren is set, every entry whose parent is id.
func (s *Store) Remove(id string, withChildren bool) ([]string, error) {
	var removed []string
	err := s.update(func(data entries) (bool, error) {
		if _, ok := data[id]; ok {
			delete(data, id)
			removed = append(removed, id)
		}
		if withChildren {
			for key, e := range data {
				if e.ParentID == id {
					delete(data, key)
					removed = append(removed, key)
				}
			}
		}
		return len(removed) > 0, nil
	})
	sort.Strings(removed)
	return removed, err
}
