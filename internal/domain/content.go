package domain

import "time"

// MediaKind identifies the kind of a library item.
type MediaKind string

const (
	KindFilm    MediaKind = "film"
	KindSeries  MediaKind = "series"
	KindEpisode MediaKind = "episode"
)

const (
	// DeleteGrace is how long a watched item is kept before cleanup may remove it.
	DeleteGrace = 7 * 24 * time.Hour
	// FinishedThreshold is the watched fraction at which an episode counts as complete.
	FinishedThreshold = 0.98
)

// ParseKind accepts the spellings used by clients and the media library.
func ParseKind(s string) (MediaKind, bool) {
	switch s {
	case "film", "movie", "films", "movies":
		return KindFilm, true
	case "series", "show", "tv", "serial":
		return KindSeries, true
	case "episode":
		return KindEpisode, true
	}
	return "", false
}

// PosterKind maps the kind onto the poster namespace. Episodes share their series' poster.
func (k MediaKind) PosterKind() string {
	if k == KindFilm {
		return "movie"
	}
	return "tv"
}

// ContentItem is a film or series as mirrored from the external library.
type ContentItem struct {
	ID        string     `json:"id"`
	Kind      MediaKind  `json:"type"`
	Title     string     `json:"title"`
	Poster    string     `json:"thumb"`
	Progress  float64    `json:"progress"`
	WatchedAt *time.Time `json:"watchedAt"`
	DeleteAt  *time.Time `json:"deleteAt"`
	Path      string     `json:"path,omitempty"`
	Paths     []string   `json:"paths,omitempty"`
	Episodes  []Episode  `json:"episodes,omitempty"`
}

// Episode belongs to exactly one series, referenced by ParentID.
type Episode struct {
	ID           string     `json:"id"`
	ParentID     string     `json:"parentId"`
	Season       int        `json:"season"`
	Index        int        `json:"episode"`
	Title        string     `json:"title"`
	Progress     float64    `json:"progress"`
	DurationMs   int64      `json:"durationMs"`
	ViewOffsetMs int64      `json:"viewOffsetMs"`
	WatchedAt    *time.Time `json:"watchedAt"`
	DeleteAt     *time.Time `json:"deleteAt"`
	FilePath     string     `json:"file,omitempty"`
}

// Clone returns a deep copy.
func (c ContentItem) Clone() ContentItem {
	out := c
	out.WatchedAt = CloneTime(c.WatchedAt)
	out.DeleteAt = CloneTime(c.DeleteAt)
	if c.Paths != nil {
		out.Paths = append([]string(nil), c.Paths...)
	}
	if c.Episodes != nil {
		out.Episodes = make([]Episode, len(c.Episodes))
		for i, ep := range c.Episodes {
			out.Episodes[i] = ep.Clone()
		}
	}
	return out
}

func (e Episode) Clone() Episode {
	out := e
	out.WatchedAt = CloneTime(e.WatchedAt)
	out.DeleteAt = CloneTime(e.DeleteAt)
	return out
}

// Snapshot is one consistent view of the library.
type Snapshot struct {
	Films  []ContentItem `json:"films"`
	Series []ContentItem `json:"series"`
}

func (s Snapshot) Clone() Snapshot {
	return Snapshot{Films: cloneItems(s.Films), Series: cloneItems(s.Series)}
}

func cloneItems(items []ContentItem) []ContentItem {
	out := make([]ContentItem, len(items))
	for i := range items {
		out[i] = items[i].Clone()
	}
	return out
}

// Without returns a copy with the given films, series and episodes dropped.
// It reports whether anything was dropped.
func (s Snapshot) Without(ids map[string]struct{}) (Snapshot, bool) {
	out := Snapshot{Films: make([]ContentItem, 0, len(s.Films)), Series: make([]ContentItem, 0, len(s.Series))}
	dropped := false
	for _, f := range s.Films {
		if _, ok := ids[f.ID]; ok {
			dropped = true
			continue
		}
		out.Films = append(out.Films, f.Clone())
	}
	for _, sr := range s.Series {
		if _, ok := ids[sr.ID]; ok {
			dropped = true
			continue
		}
		item := sr.Clone()
		if len(item.Episodes) > 0 {
			kept := item.Episodes[:0]
			for _, ep := range item.Episodes {
				if _, ok := ids[ep.ID]; ok {
					dropped = true
					continue
				}
				kept = append(kept, ep)
			}
			item.Episodes = kept
		}
		out.Series = append(out.Series, item)
	}
	return out, dropped
}

// Lookup is the result of finding an id anywhere in a snapshot.
type Lookup struct {
	Kind     MediaKind
	Item     ContentItem
	Episode  Episode
	ParentID string
}

// Find locates a film, series or episode by id.
func (s Snapshot) Find(id string) (Lookup, bool) {
	for _, f := range s.Films {
		if f.ID == id {
			return Lookup{Kind: KindFilm, Item: f.Clone()}, true
		}
	}
	for _, sr := range s.Series {
		if sr.ID == id {
			return Lookup{Kind: KindSeries, Item: sr.Clone()}, true
		}
	}
	for _, sr := range s.Series {
		for _, ep := range sr.Episodes {
			if ep.ID == id {
				return Lookup{Kind: KindEpisode, Item: sr.Clone(), Episode: ep.Clone(), ParentID: sr.ID}, true
			}
		}
	}
	return Lookup{}, false
}

// CloneTime copies an optional timestamp so callers never share pointers.
func CloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// LaterOf returns the later of two optional timestamps.
func LaterOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return CloneTime(b)
	case b == nil:
		return CloneTime(a)
	case b.After(*a):
		return CloneTime(b)
	default:
		return CloneTime(a)
	}
}
