// Package downloadertest provides an in-memory download engine for tests.
package downloadertest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"flixkeeper/internal/domain"
	"flixkeeper/internal/downloader"
)

const fakeSize = 1000

type blob struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	SavePath string  `json:"save_path"`
	Progress float64 `json:"progress"`
	Paused   bool    `json:"paused"`
}

// Engine keeps downloads in memory. Resume blobs are JSON so a second Engine
// can restore what the first one saved.
type Engine struct {
	mu        sync.Mutex
	items     map[string]*downloader.Status
	rateLimit int64
	dht       []byte
	requests  map[string]int
	closed    bool

	alerts *downloader.AlertQueue
}

func New() *Engine {
	return &Engine{
		items:    make(map[string]*downloader.Status),
		requests: make(map[string]int),
		alerts:   downloader.NewAlertQueue(),
	}
}

// IDFor returns the id Add assigns to a source.
func IDFor(source string) string {
	sum := sha1.Sum([]byte(source))
	return hex.EncodeToString(sum[:])
}

func (e *Engine) Add(_ context.Context, p downloader.AddParams) (string, error) {
	if p.Source == "bad" {
		return "", fmt.Errorf("parse source: %w", domain.ErrInvalidArgument)
	}
	id := IDFor(p.Source)
	e.mu.Lock()
	if _, ok := e.items[id]; !ok {
		e.items[id] = &downloader.Status{ID: id, SavePath: p.SavePath, State: domain.DownloadFetchingMetadata, Wanted: fakeSize}
	}
	e.mu.Unlock()
	e.alerts.Push(downloader.Alert{Kind: downloader.AlertTorrentAdded, ID: id, SavePath: p.SavePath})
	return id, nil
}

func (e *Engine) Restore(data []byte) (string, error) {
	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		return "", fmt.Errorf("decode resume blob: %w", err)
	}
	if b.ID == "" {
		return "", errors.New("resume blob without id")
	}
	st := &downloader.Status{
		ID: b.ID, Name: b.Name, SavePath: b.SavePath, Paused: b.Paused,
		Progress: b.Progress, Wanted: fakeSize, WantedDone: int64(b.Progress * fakeSize),
		State: domain.DownloadDownloading,
	}
	if b.Progress >= 1 {
		st.State = domain.DownloadSeeding
	}
	e.mu.Lock()
	e.items[b.ID] = st
	e.mu.Unlock()
	return b.ID, nil
}

func (e *Engine) Status(id string) (downloader.Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.items[id]
	if !ok {
		return downloader.Status{}, false
	}
	return *st, true
}

func (e *Engine) List() []downloader.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]downloader.Status, 0, len(e.items))
	for _, st := range e.items {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) with(id string, fn func(*downloader.Status)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.items[id]
	if !ok {
		return fmt.Errorf("download %s: %w", id, domain.ErrNotFound)
	}
	fn(st)
	return nil
}

func (e *Engine) Pause(id string) error {
	if err := e.with(id, func(st *downloader.Status) { st.Paused, st.Rate = true, 0 }); err != nil {
		return err
	}
	e.alerts.Push(downloader.Alert{Kind: downloader.AlertTorrentPaused, ID: id})
	return nil
}

func (e *Engine) Resume(id string) error {
	return e.with(id, func(st *downloader.Status) { st.Paused = false })
}

func (e *Engine) Remove(id string, _ bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.items[id]; !ok {
		return fmt.Errorf("download %s: %w", id, domain.ErrNotFound)
	}
	delete(e.items, id)
	return nil
}

func (e *Engine) RequestResume(id string) error {
	e.mu.Lock()
	st, ok := e.items[id]
	var data []byte
	if ok {
		e.requests[id]++
		data, _ = json.Marshal(blob{ID: id, Name: st.Name, SavePath: st.SavePath, Progress: st.Progress, Paused: st.Paused})
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("download %s: %w", id, domain.ErrNotFound)
	}
	e.alerts.Push(downloader.Alert{Kind: downloader.AlertResumeData, ID: id, ResumeData: data})
	return nil
}

func (e *Engine) SetRateLimit(bps int64) {
	e.mu.Lock()
	e.rateLimit = bps
	e.mu.Unlock()
}

func (e *Engine) Alerts() <-chan downloader.Alert { return e.alerts.C() }

func (e *Engine) DHTState() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.dht...), nil
}

func (e *Engine) LoadDHTState(b []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dht = append([]byte(nil), b...)
	return 1, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.alerts.Close()
	return nil
}

// SetProgress moves a download to fraction p of its size at rate bytes/s.
func (e *Engine) SetProgress(id string, p float64, rate int64) {
	_ = e.with(id, func(st *downloader.Status) {
		st.Progress, st.Rate = p, rate
		st.WantedDone = int64(p * fakeSize)
		st.State = domain.DownloadDownloading
	})
}

// SetName simulates metadata arrival. An empty name models an engine that
// temporarily reports no name.
func (e *Engine) SetName(id, name string) {
	_ = e.with(id, func(st *downloader.Status) { st.Name = name })
	if name != "" {
		e.alerts.Push(downloader.Alert{Kind: downloader.AlertMetadataReceived, ID: id, Name: name})
	}
}

func (e *Engine) Finish(id string) {
	_ = e.with(id, func(st *downloader.Status) {
		st.Progress, st.WantedDone, st.Rate = 1, fakeSize, 0
		st.State = domain.DownloadSeeding
	})
	e.alerts.Push(downloader.Alert{Kind: downloader.AlertTorrentFinished, ID: id})
}

func (e *Engine) Fail(id, msg string) {
	var name, path string
	_ = e.with(id, func(st *downloader.Status) { st.Err, name, path = msg, st.Name, st.SavePath })
	e.alerts.Push(downloader.Alert{Kind: downloader.AlertTorrentError, ID: id, Name: name, SavePath: path, Message: msg})
}

func (e *Engine) SetDHT(b []byte) {
	e.mu.Lock()
	e.dht = append([]byte(nil), b...)
	e.mu.Unlock()
}

func (e *Engine) RateLimit() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rateLimit
}

func (e *Engine) ResumeRequests(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[id]
}

func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

var _ downloader.Engine = (*Engine)(nil)
