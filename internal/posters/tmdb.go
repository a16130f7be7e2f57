package posters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"flixkeeper/internal/domain"
)

const (
	defaultTMDBBase  = "https://api.themoviedb.org"
	defaultImageBase = "https://image.tmdb.org/t/p"
)

type TMDBConfig struct {
	APIKey     string
	Language   string
	PosterSize string
	BaseURL    string
	ImageBase  string
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

// TMDB looks poster URLs up through the TMDB search API. Answers, including
// "no poster", are remembered for CacheTTL so rebuilds do not hammer the API.
type TMDB struct {
	cfg   TMDBConfig
	cache *expirable.LRU[string, string]
}

func NewTMDB(cfg TMDBConfig) *TMDB {
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.PosterSize == "" {
		cfg.PosterSize = "w342"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTMDBBase
	}
	if cfg.ImageBase == "" {
		cfg.ImageBase = defaultImageBase
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 6 * time.Hour
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 6 * time.Second}
	}
	return &TMDB{
		cfg:   cfg,
		cache: expirable.NewLRU[string, string](1024, nil, cfg.CacheTTL),
	}
}

type tmdbSearchResponse struct {
	Results []struct {
		PosterPath string `json:"poster_path"`
	} `json:"results"`
}

func (t *TMDB) FindPosterURL(ctx context.Context, title string, kind domain.MediaKind) (string, error) {
	key := domain.PosterKey(kind, title)
	if v, ok := t.cache.Get(key); ok {
		return v, nil
	}

	endpoint := "tv"
	if kind == domain.KindFilm {
		endpoint = "movie"
	}
	q := url.Values{}
	q.Set("api_key", t.cfg.APIKey)
	q.Set("query", title)
	q.Set("language", t.cfg.Language)
	reqURL := fmt.Sprintf("%s/3/search/%s?%s", strings.TrimRight(t.cfg.BaseURL, "/"), endpoint, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("build tmdb request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("tmdb search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tmdb search: unexpected status %d", resp.StatusCode)
	}

	var body tmdbSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode tmdb response: %w", err)
	}

	poster := ""
	if len(body.Results) > 0 && body.Results[0].PosterPath != "" {
		poster = fmt.Sprintf("%s/%s%s", strings.TrimRight(t.cfg.ImageBase, "/"), t.cfg.PosterSize, body.Results[0].PosterPath)
	}
	t.cache.Add(key, poster)
	return poster, nil
}

var _ Source = (*TMDB)(nil)
