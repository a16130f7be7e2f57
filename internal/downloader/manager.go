package downloader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"flixkeeper/internal/domain"
	"flixkeeper/internal/metrics"
)

// Manager wraps the download engine with durable resume state.
type Manager interface {
	// Start restores persisted downloads and the DHT, then runs the alert and
	// checkpoint loops until Shutdown.
	Start(ctx context.Context) error
	AddDownload(ctx context.Context, source, dest string) (string, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Toggle(ctx context.Context, id string) (domain.DownloadState, error)
	Remove(ctx context.Context, id string, purge bool) error
	SetGlobalRateLimit(bps int64)
	RateLimit() int64
	ListDownloads() []domain.DownloadRecord
	LoadAllResume() (int, error)
	// Shutdown flushes resume data for every download, saves the DHT and
	// closes the engine. It is safe to call more than once.
	Shutdown(ctx context.Context) error
}

// ErrorRecorder receives engine-reported download errors.
type ErrorRecorder interface {
	RecordError(ctx context.Context, id, name, path, message string) error
}

type Config struct {
	DefaultSavePath    string
	AddGrace           time.Duration
	CheckpointInterval time.Duration
	DrainTimeout       time.Duration
	RateLimit          int64
	Logger             *logrus.Logger
}

type manager struct {
	cfg     Config
	engine  Engine
	session *SessionStore
	errs    ErrorRecorder

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  sync.Once

	mu        sync.Mutex
	names     map[string]string
	rateLimit int64

	flush flushTracker

	// resumeMu orders blob writes against Remove so a late blob cannot
	// outlive its download.
	resumeMu sync.Mutex
}

func NewManager(cfg Config, engine Engine, session *SessionStore, errs ErrorRecorder) Manager {
	if cfg.AddGrace <= 0 {
		cfg.AddGrace = 5 * time.Second
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 8 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &manager{
		cfg:       cfg,
		engine:    engine,
		session:   session,
		errs:      errs,
		names:     make(map[string]string),
		rateLimit: cfg.RateLimit,
	}
}

func (m *manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("download manager already started")
	}
	// Loops outlive the caller's context; only Shutdown stops them, after the
	// final resume flush.
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))

	m.engine.SetRateLimit(m.RateLimit())
	if blob, err := m.session.LoadDHT(); err != nil {
		m.cfg.Logger.Warnf("load dht state: %v", err)
	} else if len(blob) > 0 {
		if n, err := m.engine.LoadDHTState(blob); err != nil {
			m.cfg.Logger.Warnf("restore dht state: %v", err)
		} else {
			m.cfg.Logger.Infof("restored %d dht node(s)", n)
		}
	}

	m.wg.Add(2)
	go m.alertLoop()
	go m.checkpointLoop()

	restored, err := m.LoadAllResume()
	if err != nil {
		return err
	}
	m.cfg.Logger.Infof("download manager started, %d download(s) restored", restored)
	return nil
}

// LoadAllResume re-adds every persisted download at its saved position.
func (m *manager) LoadAllResume() (int, error) {
	files, err := m.session.LoadAll()
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, f := range files {
		logger := m.cfg.Logger.WithField("download_id", f.ID)
		id, err := m.engine.Restore(f.Data)
		if err != nil {
			logger.Warnf("skip unusable resume blob: %v", err)
			continue
		}
		if id != f.ID {
			logger.Warnf("resume blob restored as %s", id)
		}
		restored++
	}
	return restored, nil
}

func (m *manager) AddDownload(ctx context.Context, source, dest string) (string, error) {
	if source == "" {
		return "", fmt.Errorf("download source: %w", domain.ErrInvalidArgument)
	}
	if dest == "" {
		dest = m.cfg.DefaultSavePath
	}
	if dest == "" {
		return "", fmt.Errorf("download destination: %w", domain.ErrInvalidArgument)
	}

	id, err := m.engine.Add(ctx, AddParams{Source: source, SavePath: dest})
	if err != nil {
		return "", fmt.Errorf("add download: %w", err)
	}
	if id == "" {
		return "", nil
	}

	deadline := time.NewTimer(m.cfg.AddGrace)
	defer deadline.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()
	for {
		if st, ok := m.engine.Status(id); ok {
			m.rememberName(id, st.Name)
			if err := m.requestResume(id); err != nil {
				m.cfg.Logger.WithField("download_id", id).Warnf("request first resume save: %v", err)
			}
			m.cfg.Logger.WithField("download_id", id).Infof("download added to %s", dest)
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			m.cfg.Logger.WithField("download_id", id).Warn("download not registered within grace period")
			return "", nil
		case <-poll.C:
		}
	}
}

func (m *manager) status(id string) (Status, error) {
	st, ok := m.engine.Status(id)
	if !ok {
		return Status{}, fmt.Errorf("download %s: %w", id, domain.ErrNotFound)
	}
	return st, nil
}

func (m *manager) Pause(_ context.Context, id string) error {
	if _, err := m.status(id); err != nil {
		return err
	}
	if err := m.engine.Pause(id); err != nil {
		return fmt.Errorf("pause %s: %w", id, err)
	}
	return m.requestResume(id)
}

func (m *manager) Resume(_ context.Context, id string) error {
	if _, err := m.status(id); err != nil {
		return err
	}
	if err := m.engine.Resume(id); err != nil {
		return fmt.Errorf("resume %s: %w", id, err)
	}
	return nil
}

func (m *manager) Toggle(ctx context.Context, id string) (domain.DownloadState, error) {
	st, err := m.status(id)
	if err != nil {
		return domain.DownloadUnknown, err
	}
	if st.Paused {
		if err := m.Resume(ctx, id); err != nil {
			return domain.DownloadUnknown, err
		}
		return domain.DownloadDownloading, nil
	}
	if err := m.Pause(ctx, id); err != nil {
		return domain.DownloadUnknown, err
	}
	return domain.DownloadPaused, nil
}

func (m *manager) Remove(_ context.Context, id string, purge bool) error {
	if _, err := m.status(id); err != nil {
		return err
	}
	m.resumeMu.Lock()
	if err := m.engine.Remove(id, purge); err != nil {
		m.resumeMu.Unlock()
		return fmt.Errorf("remove %s: %w", id, err)
	}
	if err := m.session.DeleteResume(id); err != nil {
		m.cfg.Logger.WithField("download_id", id).Warnf("delete resume blob: %v", err)
	}
	m.resumeMu.Unlock()
	m.flush.forget(id)
	m.cfg.Logger.WithField("download_id", id).Infof("download removed (purge=%t)", purge)
	return nil
}

func (m *manager) SetGlobalRateLimit(bps int64) {
	if bps < 0 {
		bps = 0
	}
	m.mu.Lock()
	m.rateLimit = bps
	m.mu.Unlock()
	m.engine.SetRateLimit(bps)
	if bps == 0 {
		m.cfg.Logger.Info("download rate limit removed")
		return
	}
	m.cfg.Logger.Infof("download rate limit set to %s/s", formatBytes(bps))
}

func (m *manager) RateLimit() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rateLimit
}

func (m *manager) ListDownloads() []domain.DownloadRecord {
	statuses := m.engine.List()
	out := make([]domain.DownloadRecord, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, m.record(st))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *manager) record(st Status) domain.DownloadRecord {
	name := m.rememberName(st.ID, st.Name)
	if name == "" {
		name = st.ID
	}

	state := st.State
	switch {
	case st.Err != "":
		state = domain.DownloadError
	case st.Paused:
		state = domain.DownloadPaused
	case state == "":
		state = domain.DownloadUnknown
	}

	eta := int64(-1)
	if st.Rate > 0 && st.Wanted > st.WantedDone {
		eta = (st.Wanted - st.WantedDone) / st.Rate
	}
	return domain.DownloadRecord{
		ID:       st.ID,
		Name:     name,
		Progress: math.Round(st.Progress*1000) / 10,
		State:    state,
		Rate:     st.Rate,
		ETA:      eta,
		SavePath: st.SavePath,
		Error:    st.Err,
	}
}

// rememberName caches a non-empty name and returns the best known one.
func (m *manager) rememberName(id, name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name != "" && name != id {
		m.names[id] = name
		return name
	}
	return m.names[id]
}

func (m *manager) alertLoop() {
	defer m.wg.Done()
	alerts := m.engine.Alerts()
	for {
		select {
		case <-m.ctx.Done():
			return
		case a, ok := <-alerts:
			if !ok {
				return
			}
			m.handleAlert(a)
		}
	}
}

func (m *manager) handleAlert(a Alert) {
	logger := m.cfg.Logger.WithField("download_id", a.ID)
	switch a.Kind {
	case AlertResumeData:
		m.persistResume(a, logger)
		m.flush.done(a.ID)
	case AlertResumeFailed:
		logger.Debugf("resume data unavailable: %s", a.Message)
		m.flush.done(a.ID)
	case AlertMetadataReceived, AlertTorrentAdded:
		m.rememberName(a.ID, a.Name)
	case AlertTorrentFinished:
		logger.Info("download finished")
		if st, ok := m.engine.Status(a.ID); ok && !st.Paused {
			if err := m.engine.Pause(a.ID); err != nil {
				logger.Warnf("pause finished download: %v", err)
			}
		}
		m.checkpoint(a.ID)
	case AlertTorrentPaused:
		m.checkpoint(a.ID)
	case AlertTorrentError:
		logger.Warnf("download error: %s", a.Message)
		if m.errs != nil {
			name := m.rememberName(a.ID, a.Name)
			if err := m.errs.RecordError(m.ctx, a.ID, name, a.SavePath, a.Message); err != nil {
				logger.Warnf("record download error: %v", err)
			}
		}
	}
}

// persistResume writes a resume blob unless the download is gone. Blobs
// requested before a Remove may still be queued behind it.
func (m *manager) persistResume(a Alert, logger *logrus.Entry) {
	m.resumeMu.Lock()
	defer m.resumeMu.Unlock()
	if _, ok := m.engine.Status(a.ID); !ok {
		logger.Debug("dropping resume blob of removed download")
		return
	}
	err := m.session.SaveResume(a.ID, a.ResumeData)
	metrics.RecordResumeBlob(err)
	if err != nil {
		logger.Warnf("persist resume blob: %v", err)
	}
}

// requestResume asks the engine for a resume blob and tracks it until the
// blob arrives or the engine reports it cannot produce one.
func (m *manager) requestResume(id string) error {
	m.flush.requested(id)
	if err := m.engine.RequestResume(id); err != nil {
		m.flush.done(id)
		return err
	}
	return nil
}

func (m *manager) checkpoint(id string) {
	if err := m.requestResume(id); err != nil {
		m.cfg.Logger.WithField("download_id", id).Debugf("request resume: %v", err)
	}
}

func (m *manager) checkpointLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			for _, st := range m.engine.List() {
				m.checkpoint(st.ID)
			}
		}
	}
}

func (m *manager) Shutdown(ctx context.Context) error {
	var err error
	m.closed.Do(func() { err = m.shutdown(ctx) })
	return err
}

func (m *manager) shutdown(ctx context.Context) error {
	if m.started.Load() {
		m.drain(ctx)
	}

	if blob, err := m.engine.DHTState(); err != nil {
		m.cfg.Logger.Warnf("export dht state: %v", err)
	} else if err := m.session.SaveDHT(blob); err != nil {
		m.cfg.Logger.Warnf("save dht state: %v", err)
	}

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	if err := m.engine.Close(); err != nil {
		return fmt.Errorf("close download engine: %w", err)
	}
	m.cfg.Logger.Info("download manager stopped")
	return nil
}

// drain requests resume data for every download and waits until every
// outstanding request is written or the drain timeout passes.
func (m *manager) drain(ctx context.Context) {
	statuses := m.engine.List()
	for _, st := range statuses {
		m.checkpoint(st.ID)
	}
	wait := m.flush.wait()

	timer := time.NewTimer(m.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-wait:
		m.cfg.Logger.Infof("resume data flushed for %d download(s)", len(statuses))
	case <-timer.C:
		m.cfg.Logger.Warnf("resume flush timed out, %d download(s) pending", m.flush.pending())
	case <-ctx.Done():
		m.cfg.Logger.Warnf("resume flush interrupted: %v", ctx.Err())
	}
}

// flushTracker counts resume requests that have not produced a blob yet.
type flushTracker struct {
	mu       sync.Mutex
	inflight map[string]int
	waiter   chan struct{}
}

func (f *flushTracker) requested(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inflight == nil {
		f.inflight = make(map[string]int)
	}
	f.inflight[id]++
}

func (f *flushTracker) done(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inflight[id] > 1 {
		f.inflight[id]--
	} else {
		delete(f.inflight, id)
	}
	f.releaseLocked()
}

func (f *flushTracker) forget(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inflight, id)
	f.releaseLocked()
}

// wait returns a channel closed once nothing is in flight.
func (f *flushTracker) wait() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waiter = make(chan struct{})
	ch := f.waiter
	f.releaseLocked()
	return ch
}

func (f *flushTracker) releaseLocked() {
	if f.waiter != nil && len(f.inflight) == 0 {
		close(f.waiter)
		f.waiter = nil
	}
}

func (f *flushTracker) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inflight)
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB",
		float64(b)/float64(div),
		"KMGTPE"[exp],
	)
}

var _ Manager = (*manager)(nil)
