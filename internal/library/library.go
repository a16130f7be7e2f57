// Package library defines the external media-library collaborator and the
// gateway that bounds every call to it.
package library

import (
	"context"
	"time"

	"flixkeeper/internal/domain"
)

// Film is a movie as reported by the library.
type Film struct {
	ID           string
	Title        string
	ViewCount    int
	ViewOffset   time.Duration
	Duration     time.Duration
	LastViewedAt *time.Time
	FilePath     string
	PosterURL    string
}

// Watched mirrors the library's own watched flag.
func (f Film) Watched() bool { return f.ViewCount > 0 }

type Show struct {
	ID           string
	Title        string
	PosterURL    string
	LastViewedAt *time.Time
	Episodes     []Episode
}

type Episode struct {
	ID           string
	ParentID     string
	Season       int
	Index        int
	Title        string
	ViewCount    int
	ViewOffset   time.Duration
	Duration     time.Duration
	LastViewedAt *time.Time
	FilePath     string
}

func (e Episode) Watched() bool { return e.ViewCount > 0 }

// Item is the result of a lookup by id. Episodes is filled for series.
type Item struct {
	ID       string
	Kind     domain.MediaKind
	Title    string
	FilePath string
	Episodes []Episode
}

// Library is a connected handle to the external media library.
type Library interface {
	ListFilms(ctx context.Context) ([]Film, error)
	ListSeries(ctx context.Context) ([]Show, error)
	FetchByID(ctx context.Context, id string) (*Item, error)
	DeleteByID(ctx context.Context, id string) error
	DeleteByTitle(ctx context.Context, kind domain.MediaKind, title string) error
	RescanSection(ctx context.Context, kind domain.MediaKind) error
}

// Connector yields a library handle, or domain.ErrOffline when the library is unreachable.
type Connector interface {
	Connect(ctx context.Context) (Library, error)
}

// Offline is a Connector for deployments without a library.
type Offline struct{}

func (Offline) Connect(context.Context) (Library, error) { return nil, domain.ErrOffline }
