package domain

import "time"

type DownloadState string

const (
	DownloadChecking         DownloadState = "Checking"
	DownloadFetchingMetadata DownloadState = "Fetching metadata"
	DownloadDownloading      DownloadState = "Downloading"
	DownloadSeeding          DownloadState = "Seeding"
	DownloadPaused           DownloadState = "Paused"
	DownloadError            DownloadState = "Error"
	DownloadUnknown          DownloadState = "Unknown"
)

// DownloadRecord is the caller-facing view of one tracked download.
type DownloadRecord struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Progress float64       `json:"progress"`
	State    DownloadState `json:"state"`
	Rate     int64         `json:"download_payload_rate"`
	ETA      int64         `json:"eta"`
	SavePath string        `json:"download_location"`
	Error    string        `json:"error,omitempty"`
}

// Finished reports whether the payload is fully downloaded.
func (r DownloadRecord) Finished() bool {
	return r.Progress >= 100
}

type HistoryEvent string

const (
	HistoryFinished HistoryEvent = "finished"
	HistoryError    HistoryEvent = "error"
)

// HistoryEntry is one line of the append-only download history.
type HistoryEntry struct {
	Seq        int64        `json:"seq"`
	Timestamp  time.Time    `json:"ts"`
	DownloadID string       `json:"id"`
	Name       string       `json:"name"`
	Path       string       `json:"path"`
	Event      HistoryEvent `json:"event"`
	Message    string       `json:"message,omitempty"`
}
