// Package plex adapts a Plex Media Server JSON API to library.Connector.
package plex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"flixkeeper/internal/domain"
	"flixkeeper/internal/library"
)

type Config struct {
	BaseURL       string
	Token         string
	MoviesSection string
	SeriesSection string
	HTTPClient    *http.Client
	Logger        *logrus.Logger
}

// Client connects to one server. Each Connect resolves the configured
// sections, which doubles as the reachability check.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.MoviesSection == "" {
		cfg.MoviesSection = "Movies"
	}
	if cfg.SeriesSection == "" {
		cfg.SeriesSection = "TV Shows"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg}
}

type container struct {
	MediaContainer struct {
		Directory []directory `json:"Directory"`
		Metadata  []metadata  `json:"Metadata"`
	} `json:"MediaContainer"`
}

type directory struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

type metadata struct {
	RatingKey            string  `json:"ratingKey"`
	GrandparentRatingKey string  `json:"grandparentRatingKey"`
	Type                 string  `json:"type"`
	Title                string  `json:"title"`
	ParentIndex          int     `json:"parentIndex"`
	Index                int     `json:"index"`
	ViewCount            int     `json:"viewCount"`
	ViewOffset           int64   `json:"viewOffset"`
	Duration             int64   `json:"duration"`
	LastViewedAt         int64   `json:"lastViewedAt"`
	Thumb                string  `json:"thumb"`
	Media                []media `json:"Media"`
}

type media struct {
	Part []struct {
		File string `json:"file"`
	} `json:"Part"`
}

func (m metadata) file() string {
	for _, md := range m.Media {
		for _, p := range md.Part {
			if p.File != "" {
				return p.File
			}
		}
	}
	return ""
}

func (m metadata) lastViewed() *time.Time {
	if m.LastViewedAt <= 0 {
		return nil
	}
	t := time.Unix(m.LastViewedAt, 0).UTC()
	return &t
}

func (m metadata) episode() library.Episode {
	return library.Episode{
		ID:           m.RatingKey,
		ParentID:     m.GrandparentRatingKey,
		Season:       m.ParentIndex,
		Index:        m.Index,
		Title:        m.Title,
		ViewCount:    m.ViewCount,
		ViewOffset:   time.Duration(m.ViewOffset) * time.Millisecond,
		Duration:     time.Duration(m.Duration) * time.Millisecond,
		LastViewedAt: m.lastViewed(),
		FilePath:     m.file(),
	}
}

func (c *Client) Connect(ctx context.Context) (library.Library, error) {
	if c.cfg.BaseURL == "" {
		return nil, domain.ErrOffline
	}
	var body container
	if err := c.do(ctx, http.MethodGet, "/library/sections", &body); err != nil {
		return nil, err
	}
	s := &session{client: c}
	for _, d := range body.MediaContainer.Directory {
		switch d.Title {
		case c.cfg.MoviesSection:
			s.movies = d.Key
		case c.cfg.SeriesSection:
			s.series = d.Key
		}
	}
	return s, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build plex request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("X-Plex-Token", c.cfg.Token)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("plex %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("plex %s: %w", path, domain.ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("plex %s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode plex %s: %w", path, err)
	}
	return nil
}

type session struct {
	client *Client
	movies string
	series string
}

func (s *session) section(kind domain.MediaKind) (string, error) {
	key := s.movies
	name := s.client.cfg.MoviesSection
	if kind != domain.KindFilm {
		key, name = s.series, s.client.cfg.SeriesSection
	}
	if key == "" {
		return "", fmt.Errorf("plex section %q: %w", name, domain.ErrNotFound)
	}
	return key, nil
}

func (s *session) all(ctx context.Context, kind domain.MediaKind) ([]metadata, error) {
	key, err := s.section(kind)
	if err != nil {
		return nil, err
	}
	var body container
	if err := s.client.do(ctx, http.MethodGet, "/library/sections/"+url.PathEscape(key)+"/all", &body); err != nil {
		return nil, err
	}
	return body.MediaContainer.Metadata, nil
}

func (s *session) poster(thumb string) string {
	if thumb == "" {
		return ""
	}
	return s.client.cfg.BaseURL + thumb
}

func (s *session) ListFilms(ctx context.Context) ([]library.Film, error) {
	items, err := s.all(ctx, domain.KindFilm)
	if err != nil {
		return nil, err
	}
	films := make([]library.Film, 0, len(items))
	for _, m := range items {
		films = append(films, library.Film{
			ID:           m.RatingKey,
			Title:        m.Title,
			ViewCount:    m.ViewCount,
			ViewOffset:   time.Duration(m.ViewOffset) * time.Millisecond,
			Duration:     time.Duration(m.Duration) * time.Millisecond,
			LastViewedAt: m.lastViewed(),
			FilePath:     m.file(),
			PosterURL:    s.poster(m.Thumb),
		})
	}
	return films, nil
}

func (s *session) ListSeries(ctx context.Context) ([]library.Show, error) {
	items, err := s.all(ctx, domain.KindSeries)
	if err != nil {
		return nil, err
	}
	shows := make([]library.Show, 0, len(items))
	for _, m := range items {
		eps, err := s.leaves(ctx, m.RatingKey)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			// one broken show must not hide the rest of the section
			s.client.cfg.Logger.WithFields(logrus.Fields{"item_id": m.RatingKey, "title": m.Title}).
				Warnf("skipping show, episodes unavailable: %v", err)
			continue
		}
		shows = append(shows, library.Show{
			ID:           m.RatingKey,
			Title:        m.Title,
			PosterURL:    s.poster(m.Thumb),
			LastViewedAt: m.lastViewed(),
			Episodes:     eps,
		})
	}
	return shows, nil
}

func (s *session) leaves(ctx context.Context, showID string) ([]library.Episode, error) {
	var body container
	if err := s.client.do(ctx, http.MethodGet, "/library/metadata/"+url.PathEscape(showID)+"/allLeaves", &body); err != nil {
		return nil, err
	}
	eps := make([]library.Episode, 0, len(body.MediaContainer.Metadata))
	for _, m := range body.MediaContainer.Metadata {
		ep := m.episode()
		if ep.ParentID == "" {
			ep.ParentID = showID
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

func (s *session) FetchByID(ctx context.Context, id string) (*library.Item, error) {
	var body container
	if err := s.client.do(ctx, http.MethodGet, "/library/metadata/"+url.PathEscape(id), &body); err != nil {
		return nil, err
	}
	if len(body.MediaContainer.Metadata) == 0 {
		return nil, fmt.Errorf("plex item %s: %w", id, domain.ErrNotFound)
	}
	m := body.MediaContainer.Metadata[0]
	item := &library.Item{ID: m.RatingKey, Title: m.Title, FilePath: m.file()}
	switch m.Type {
	case "movie":
		item.Kind = domain.KindFilm
	case "show":
		item.Kind = domain.KindSeries
		eps, err := s.leaves(ctx, m.RatingKey)
		if err != nil {
			return nil, err
		}
		item.Episodes = eps
	case "episode":
		item.Kind = domain.KindEpisode
	default:
		return nil, fmt.Errorf("plex item %s has type %q: %w", id, m.Type, domain.ErrNotFound)
	}
	return item, nil
}

func (s *session) DeleteByID(ctx context.Context, id string) error {
	return s.client.do(ctx, http.MethodDelete, "/library/metadata/"+url.PathEscape(id), nil)
}

func (s *session) DeleteByTitle(ctx context.Context, kind domain.MediaKind, title string) error {
	items, err := s.all(ctx, kind)
	if err != nil {
		return err
	}
	want := domain.NormalizeTitle(title)
	for _, m := range items {
		if domain.NormalizeTitle(m.Title) == want {
			return s.DeleteByID(ctx, m.RatingKey)
		}
	}
	return fmt.Errorf("plex title %q: %w", title, domain.ErrNotFound)
}

func (s *session) RescanSection(ctx context.Context, kind domain.MediaKind) error {
	key, err := s.section(kind)
	if err != nil {
		return err
	}
	return s.client.do(ctx, http.MethodGet, "/library/sections/"+url.PathEscape(key)+"/refresh", nil)
}

var (
	_ library.Connector = (*Client)(nil)
	_ library.Library   = (*session)(nil)
)
