package domain

import "time"

// ProgressEntry is the authoritative deletion-timer record for one item.
type ProgressEntry struct {
	ID        string     `json:"id"`
	ParentID  string     `json:"parent_id,omitempty"`
	Kind      MediaKind  `json:"type"`
	Title     string     `json:"title"`
	Path      string     `json:"path"`
	Paths     []string   `json:"paths,omitempty"`
	WatchedAt *time.Time `json:"watched_at"`
	DeleteAt  *time.Time `json:"delete_at"`
	// Manual is set while the current timer comes from an explicit reset.
	Manual bool `json:"manual,omitempty"`
}

// Expired reports whether the timer is set and has passed.
func (e ProgressEntry) Expired(now time.Time) bool {
	return e.DeleteAt != nil && !e.DeleteAt.After(now)
}

// ClearTimer drops the timer and the reset marker.
func (e *ProgressEntry) ClearTimer() {
	e.DeleteAt = nil
	e.Manual = false
}

func (e ProgressEntry) Clone() ProgressEntry {
	out := e
	out.WatchedAt = CloneTime(e.WatchedAt)
	out.DeleteAt = CloneTime(e.DeleteAt)
	if e.Paths != nil {
		out.Paths = append([]string(nil), e.Paths...)
	}
	return out
}

// AllPaths returns the recorded paths, falling back to the single path.
func (e ProgressEntry) AllPaths() []string {
	if len(e.Paths) > 0 {
		return append([]string(nil), e.Paths...)
	}
	if e.Path != "" {
		return []string{e.Path}
	}
	return nil
}
