package downloader

import (
	"context"
	"sync"

	"flixkeeper/internal/domain"
)

type AlertKind int

const (
	AlertResumeData AlertKind = iota + 1
	AlertResumeFailed
	AlertMetadataReceived
	AlertTorrentAdded
	AlertTorrentFinished
	AlertTorrentPaused
	AlertTorrentError
)

func (k AlertKind) String() string {
	switch k {
	case AlertResumeData:
		return "resume_data"
	case AlertResumeFailed:
		return "resume_failed"
	case AlertMetadataReceived:
		return "metadata_received"
	case AlertTorrentAdded:
		return "torrent_added"
	case AlertTorrentFinished:
		return "torrent_finished"
	case AlertTorrentPaused:
		return "torrent_paused"
	case AlertTorrentError:
		return "torrent_error"
	}
	return "unknown"
}

// Alert is an asynchronous notification from the engine.
type Alert struct {
	Kind       AlertKind
	ID         string
	Name       string
	SavePath   string
	ResumeData []byte
	Message    string
}

// Status is the engine's view of one download.
type Status struct {
	ID         string
	Name       string
	SavePath   string
	Progress   float64 // 0..1
	State      domain.DownloadState
	Paused     bool
	Err        string
	Rate       int64
	Wanted     int64
	WantedDone int64
}

type AddParams struct {
	Source   string
	SavePath string
}

// Engine is the download engine the manager drives. Resume blobs are opaque
// to everything but the engine that produced them.
type Engine interface {
	Add(ctx context.Context, p AddParams) (string, error)
	Restore(blob []byte) (string, error)
	Status(id string) (Status, bool)
	List() []Status
	Pause(id string) error
	Resume(id string) error
	Remove(id string, purge bool) error
	// RequestResume asks for a resume blob; it arrives as AlertResumeData.
	RequestResume(id string) error
	SetRateLimit(bps int64)
	Alerts() <-chan Alert
	DHTState() ([]byte, error)
	LoadDHTState(b []byte) (int, error)
	Close() error
}

// AlertQueue is an unbounded FIFO between an engine and its consumer, so the
// engine never blocks on a slow reader.
type AlertQueue struct {
	mu     sync.Mutex
	items  []Alert
	notify chan struct{}
	out    chan Alert
	stop   chan struct{}
	once   sync.Once
	done   chan struct{}
}

func NewAlertQueue() *AlertQueue {
	q := &AlertQueue{
		notify: make(chan struct{}, 1),
		out:    make(chan Alert),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *AlertQueue) Push(a Alert) {
	q.mu.Lock()
	q.items = append(q.items, a)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *AlertQueue) C() <-chan Alert { return q.out }

// Close stops delivery and closes C. Undelivered alerts are dropped.
func (q *AlertQueue) Close() {
	q.once.Do(func() { close(q.stop) })
	<-q.done
}

func (q *AlertQueue) run() {
	defer close(q.done)
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
				continue
			case <-q.stop:
				return
			}
		}
		a := q.items[0]
		q.items[0] = Alert{}
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- a:
		case <-q.stop:
			return
		}
	}
}
