// Package librarytest provides an in-memory media library for tests.
package librarytest

import (
	"context"
	"fmt"
	"sync"

	"flixkeeper/internal/domain"
	"flixkeeper/internal/library"
)

// Fake is both a Connector and a Library. The zero value is an empty, online library.
type Fake struct {
	mu sync.Mutex

	Offline bool
	Films   []library.Film
	Shows   []library.Show

	// DeleteByIDErr, when set, is returned by DeleteByID.
	DeleteByIDErr error

	DeletedIDs    []string
	DeletedTitles []string
	Rescans       []domain.MediaKind
}

func (f *Fake) Connect(context.Context) (library.Library, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Offline {
		return nil, domain.ErrOffline
	}
	return f, nil
}

func (f *Fake) SetOffline(offline bool) {
	f.mu.Lock()
	f.Offline = offline
	f.mu.Unlock()
}

func (f *Fake) SetShows(shows []library.Show) {
	f.mu.Lock()
	f.Shows = shows
	f.mu.Unlock()
}

func (f *Fake) SetFilms(films []library.Film) {
	f.mu.Lock()
	f.Films = films
	f.mu.Unlock()
}

func (f *Fake) ListFilms(context.Context) ([]library.Film, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]library.Film(nil), f.Films...), nil
}

func (f *Fake) ListSeries(context.Context) ([]library.Show, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]library.Show, len(f.Shows))
	for i, s := range f.Shows {
		s.Episodes = append([]library.Episode(nil), s.Episodes...)
		out[i] = s
	}
	return out, nil
}

func (f *Fake) FetchByID(_ context.Context, id string) (*library.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, film := range f.Films {
		if film.ID == id {
			return &library.Item{ID: id, Kind: domain.KindFilm, Title: film.Title, FilePath: film.FilePath}, nil
		}
	}
	for _, show := range f.Shows {
		if show.ID == id {
			return &library.Item{
				ID:       id,
				Kind:     domain.KindSeries,
				Title:    show.Title,
				Episodes: append([]library.Episode(nil), show.Episodes...),
			}, nil
		}
	}
	return nil, fmt.Errorf("item %s: %w", id, domain.ErrNotFound)
}

func (f *Fake) DeleteByID(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeleteByIDErr != nil {
		return f.DeleteByIDErr
	}
	if !f.removeLocked(func(fid, _ string) bool { return fid == id }) {
		return fmt.Errorf("item %s: %w", id, domain.ErrNotFound)
	}
	f.DeletedIDs = append(f.DeletedIDs, id)
	return nil
}

func (f *Fake) DeleteByTitle(_ context.Context, _ domain.MediaKind, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := domain.NormalizeTitle(title)
	if !f.removeLocked(func(_, t string) bool { return domain.NormalizeTitle(t) == want }) {
		return fmt.Errorf("title %q: %w", title, domain.ErrNotFound)
	}
	f.DeletedTitles = append(f.DeletedTitles, title)
	return nil
}

func (f *Fake) RescanSection(_ context.Context, kind domain.MediaKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Rescans = append(f.Rescans, kind)
	return nil
}

func (f *Fake) removeLocked(match func(id, title string) bool) bool {
	for i, film := range f.Films {
		if match(film.ID, film.Title) {
			f.Films = append(f.Films[:i], f.Films[i+1:]...)
			return true
		}
	}
	for i, show := range f.Shows {
		if match(show.ID, show.Title) {
			f.Shows = append(f.Shows[:i], f.Shows[i+1:]...)
			return true
		}
	}
	return false
}

// Calls returns what has been deleted and rescanned so far.
func (f *Fake) Calls() (deletedIDs, deletedTitles []string, rescans []domain.MediaKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.DeletedIDs...),
		append([]string(nil), f.DeletedTitles...),
		append([]domain.MediaKind(nil), f.Rescans...)
}

var (
	_ library.Connector = (*Fake)(nil)
	_ library.Library   = (*Fake)(nil)
)
