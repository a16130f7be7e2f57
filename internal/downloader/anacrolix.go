package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2/krpc"
	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"flixkeeper/internal/domain"
)

const (
	maxTorrentFileBytes = 8 << 20
	minLimiterBurst     = 256 << 10
	defaultConnsPerDL   = 50
)

type AnacrolixConfig struct {
	StateDir     string
	ListenPort   int
	Trackers     []string
	PollInterval time.Duration
	HTTPClient   *http.Client
	Logger       *logrus.Logger
}

// resumeBlob is the bencoded resume format. Piece state itself lives in the
// piece-completion database under the state dir.
type resumeBlob struct {
	InfoHash  string     `bencode:"info_hash"`
	Name      string     `bencode:"name"`
	SavePath  string     `bencode:"save_path"`
	Paused    bool       `bencode:"paused"`
	Completed int64      `bencode:"completed"`
	Magnet    string     `bencode:"magnet,omitempty"`
	Trackers  [][]string `bencode:"trackers,omitempty"`
	Info      []byte     `bencode:"info,omitempty"`
}

type anacrolixDownload struct {
	t        *torrent.Torrent
	savePath string
	magnet   string
	trackers [][]string

	paused   bool
	gotInfo  bool
	finished bool

	lastBytes int64
	lastAt    time.Time
	rate      int64
}

// AnacrolixEngine adapts anacrolix/torrent to Engine. The library has no
// alert stream, so one is synthesized from a polling loop.
type AnacrolixEngine struct {
	cfg     AnacrolixConfig
	cl      *torrent.Client
	pc      storage.PieceCompletion
	limiter *rate.Limiter
	alerts  *AlertQueue

	mu        sync.Mutex
	downloads map[string]*anacrolixDownload

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewAnacrolixEngine(cfg AnacrolixConfig) (*AnacrolixEngine, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 20 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if len(cfg.Trackers) == 0 {
		cfg.Trackers = defaultTrackers()
	}

	dataDir := filepath.Join(cfg.StateDir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	pc, err := storage.NewDefaultPieceCompletionForDir(filepath.Join(cfg.StateDir, "pieces"))
	if err != nil {
		return nil, fmt.Errorf("open piece completion: %w", err)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = dataDir
	clientConfig.ListenPort = cfg.ListenPort
	clientConfig.Seed = false
	clientConfig.DownloadRateLimiter = limiter

	cl, err := torrent.NewClient(clientConfig)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create torrent client: %w", err)
	}

	e := &AnacrolixEngine{
		cfg:       cfg,
		cl:        cl,
		pc:        pc,
		limiter:   limiter,
		alerts:    NewAlertQueue(),
		downloads: make(map[string]*anacrolixDownload),
		stop:      make(chan struct{}),
	}
	e.wg.Add(1)
	go e.poll()
	cfg.Logger.Infof("torrent engine listening on port %d, state in %s", cfg.ListenPort, cfg.StateDir)
	return e, nil
}

func (e *AnacrolixEngine) Add(ctx context.Context, p AddParams) (string, error) {
	spec, magnet, err := e.specFor(ctx, p.Source)
	if err != nil {
		return "", err
	}
	return e.add(spec, magnet, p.SavePath, false)
}

func (e *AnacrolixEngine) specFor(ctx context.Context, source string) (*torrent.TorrentSpec, string, error) {
	switch {
	case strings.HasPrefix(source, "magnet:"):
		spec, err := torrent.TorrentSpecFromMagnetUri(source)
		if err != nil {
			return nil, "", fmt.Errorf("parse magnet: %w: %v", domain.ErrInvalidArgument, err)
		}
		return spec, source, nil
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		mi, err := e.fetchMetaInfo(ctx, source)
		if err != nil {
			return nil, "", err
		}
		spec, err := torrent.TorrentSpecFromMetaInfoErr(mi)
		return spec, "", err
	default:
		mi, err := metainfo.LoadFromFile(source)
		if err != nil {
			return nil, "", fmt.Errorf("load torrent file: %w", err)
		}
		spec, err := torrent.TorrentSpecFromMetaInfoErr(mi)
		return spec, "", err
	}
}

func (e *AnacrolixEngine) fetchMetaInfo(ctx context.Context, url string) (*metainfo.MetaInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build torrent request: %w", err)
	}
	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch torrent file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch torrent file: unexpected status %d", resp.StatusCode)
	}
	mi, err := metainfo.Load(io.LimitReader(resp.Body, maxTorrentFileBytes))
	if err != nil {
		return nil, fmt.Errorf("decode torrent file: %w", err)
	}
	return mi, nil
}

func (e *AnacrolixEngine) add(spec *torrent.TorrentSpec, magnet, savePath string, paused bool) (string, error) {
	if err := os.MkdirAll(savePath, 0o755); err != nil {
		return "", fmt.Errorf("create save path: %w", err)
	}
	known := map[string]struct{}{}
	for _, tier := range spec.Trackers {
		for _, tr := range tier {
			known[tr] = struct{}{}
		}
	}
	for _, tr := range e.cfg.Trackers {
		if _, ok := known[tr]; !ok {
			spec.Trackers = append(spec.Trackers, []string{tr})
		}
	}
	spec.Storage = storage.NewFileWithCompletion(savePath, e.pc)

	t, _, err := e.cl.AddTorrentSpec(spec)
	if err != nil {
		return "", fmt.Errorf("add torrent: %w", err)
	}
	id := t.InfoHash().HexString()

	e.mu.Lock()
	d, exists := e.downloads[id]
	if !exists {
		d = &anacrolixDownload{t: t, savePath: savePath, magnet: magnet, trackers: spec.Trackers, lastAt: time.Now()}
		e.downloads[id] = d
	}
	if paused {
		e.pauseLocked(d)
	}
	e.mu.Unlock()

	if !exists {
		e.alerts.Push(Alert{Kind: AlertTorrentAdded, ID: id, Name: t.Name(), SavePath: savePath})
	}
	return id, nil
}

func (e *AnacrolixEngine) Restore(blob []byte) (string, error) {
	var rb resumeBlob
	if err := bencode.Unmarshal(blob, &rb); err != nil {
		return "", fmt.Errorf("decode resume blob: %w", err)
	}
	if rb.SavePath == "" {
		return "", errors.New("resume blob has no save path")
	}

	spec, err := restoreSpec(rb)
	if err != nil {
		return "", err
	}
	return e.add(spec, rb.Magnet, rb.SavePath, rb.Paused)
}

// restoreSpec prefers the stored metadata over the magnet so a restored
// download does not wait for peers to send the info dictionary again.
func restoreSpec(rb resumeBlob) (*torrent.TorrentSpec, error) {
	switch {
	case len(rb.Info) > 0:
		var ih metainfo.Hash
		if err := ih.FromHexString(rb.InfoHash); err != nil {
			return nil, fmt.Errorf("resume info hash: %w", err)
		}
		return &torrent.TorrentSpec{
			AddTorrentOpts: torrent.AddTorrentOpts{InfoHash: ih, InfoBytes: rb.Info},
			DisplayName:    rb.Name,
			Trackers:       rb.Trackers,
		}, nil
	case rb.Magnet != "":
		spec, err := torrent.TorrentSpecFromMagnetUri(rb.Magnet)
		if err != nil {
			return nil, fmt.Errorf("resume magnet: %w", err)
		}
		return spec, nil
	default:
		return nil, errors.New("resume blob has neither metadata nor magnet")
	}
}

func (e *AnacrolixEngine) get(id string) (*anacrolixDownload, error) {
	d, ok := e.downloads[id]
	if !ok {
		return nil, fmt.Errorf("download %s: %w", id, domain.ErrNotFound)
	}
	return d, nil
}

func (e *AnacrolixEngine) Status(id string) (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.downloads[id]
	if !ok {
		return Status{}, false
	}
	return e.statusLocked(id, d), true
}

func (e *AnacrolixEngine) List() []Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Status, 0, len(e.downloads))
	for id, d := range e.downloads {
		out = append(out, e.statusLocked(id, d))
	}
	return out
}

func (e *AnacrolixEngine) statusLocked(id string, d *anacrolixDownload) Status {
	st := Status{ID: id, Name: d.t.Name(), SavePath: d.savePath, Paused: d.paused, Rate: d.rate}
	if d.t.Info() == nil {
		st.State = domain.DownloadFetchingMetadata
		return st
	}
	st.Wanted = d.t.Length()
	st.WantedDone = d.t.BytesCompleted()
	if st.Wanted > 0 {
		st.Progress = float64(st.WantedDone) / float64(st.Wanted)
	}
	if d.t.BytesMissing() == 0 {
		st.State = domain.DownloadSeeding
		st.Progress = 1
	} else {
		st.State = domain.DownloadDownloading
	}
	return st
}

func (e *AnacrolixEngine) Pause(id string) error {
	e.mu.Lock()
	d, err := e.get(id)
	if err == nil && !d.paused {
		e.pauseLocked(d)
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.alerts.Push(Alert{Kind: AlertTorrentPaused, ID: id})
	return nil
}

func (e *AnacrolixEngine) pauseLocked(d *anacrolixDownload) {
	d.t.DisallowDataDownload()
	d.t.DisallowDataUpload()
	d.t.SetMaxEstablishedConns(0)
	d.paused = true
	d.rate = 0
}

func (e *AnacrolixEngine) Resume(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.get(id)
	if err != nil {
		return err
	}
	d.t.SetMaxEstablishedConns(defaultConnsPerDL)
	d.t.AllowDataDownload()
	d.t.AllowDataUpload()
	if d.t.Info() != nil {
		d.t.DownloadAll()
	}
	d.paused = false
	return nil
}

func (e *AnacrolixEngine) Remove(id string, purge bool) error {
	e.mu.Lock()
	d, err := e.get(id)
	if err == nil {
		delete(e.downloads, id)
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}

	info := d.t.Info()
	d.t.Drop()
	if purge && info != nil {
		if err := removePayload(d.savePath, info.BestName()); err != nil {
			return err
		}
	}
	return nil
}

// removePayload deletes the file or top-level directory a torrent wrote into
// savePath and nothing outside it.
func removePayload(savePath, name string) error {
	if name == "" {
		return nil
	}
	target := filepath.Join(savePath, name)
	rel, err := filepath.Rel(savePath, target)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to purge %q outside %q", target, savePath)
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("purge payload: %w", err)
	}
	return nil
}

func (e *AnacrolixEngine) RequestResume(id string) error {
	e.mu.Lock()
	d, err := e.get(id)
	var blob []byte
	if err == nil {
		blob, err = e.resumeBlobLocked(id, d)
	}
	e.mu.Unlock()
	if err != nil {
		e.alerts.Push(Alert{Kind: AlertResumeFailed, ID: id, Message: err.Error()})
		return err
	}
	e.alerts.Push(Alert{Kind: AlertResumeData, ID: id, ResumeData: blob})
	return nil
}

func (e *AnacrolixEngine) resumeBlobLocked(id string, d *anacrolixDownload) ([]byte, error) {
	rb := resumeBlob{
		InfoHash: id,
		Name:     d.t.Name(),
		SavePath: d.savePath,
		Paused:   d.paused,
		Magnet:   d.magnet,
		Trackers: d.trackers,
	}
	if d.t.Info() != nil {
		rb.Info = d.t.Metainfo().InfoBytes
		rb.Completed = d.t.BytesCompleted()
	}
	blob, err := bencode.Marshal(rb)
	if err != nil {
		return nil, fmt.Errorf("encode resume blob: %w", err)
	}
	return blob, nil
}

// SetRateLimit applies to the whole session; anacrolix has no per-torrent limiter.
func (e *AnacrolixEngine) SetRateLimit(bps int64) {
	if bps <= 0 {
		e.limiter.SetLimit(rate.Inf)
		e.limiter.SetBurst(0)
		return
	}
	e.limiter.SetLimit(rate.Limit(bps))
	e.limiter.SetBurst(int(max(bps, minLimiterBurst)))
}

func (e *AnacrolixEngine) Alerts() <-chan Alert { return e.alerts.C() }

func (e *AnacrolixEngine) DHTState() ([]byte, error) {
	var nodes []krpc.NodeInfo
	for _, s := range e.cl.DhtServers() {
		if w, ok := s.(torrent.AnacrolixDhtServerWrapper); ok {
			nodes = append(nodes, w.Nodes()...)
		}
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return krpc.CompactIPv6NodeInfo(nodes).MarshalBinary()
}

func (e *AnacrolixEngine) LoadDHTState(b []byte) (int, error) {
	var nodes krpc.CompactIPv6NodeInfo
	if err := nodes.UnmarshalBinary(b); err != nil {
		return 0, fmt.Errorf("decode dht nodes: %w", err)
	}
	added := 0
	for _, s := range e.cl.DhtServers() {
		w, ok := s.(torrent.AnacrolixDhtServerWrapper)
		if !ok {
			continue
		}
		for _, ni := range nodes {
			if err := w.AddNode(ni); err == nil {
				added++
			}
		}
	}
	return added, nil
}

// poll turns engine state transitions into alerts and samples download rates.
func (e *AnacrolixEngine) poll() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case now := <-ticker.C:
			for _, a := range e.sample(now) {
				e.alerts.Push(a)
			}
		}
	}
}

func (e *AnacrolixEngine) sample(now time.Time) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Alert
	for id, d := range e.downloads {
		info := d.t.Info()
		if info == nil {
			continue
		}
		if !d.gotInfo {
			d.gotInfo = true
			if !d.paused {
				d.t.DownloadAll()
			}
			out = append(out, Alert{Kind: AlertMetadataReceived, ID: id, Name: d.t.Name(), SavePath: d.savePath})
		}

		done := d.t.BytesCompleted()
		if elapsed := now.Sub(d.lastAt).Seconds(); elapsed > 0 && !d.paused {
			d.rate = int64(float64(max(done-d.lastBytes, 0)) / elapsed)
		}
		d.lastBytes, d.lastAt = done, now

		if !d.finished && d.t.BytesMissing() == 0 {
			d.finished = true
			d.rate = 0
			out = append(out, Alert{Kind: AlertTorrentFinished, ID: id, Name: d.t.Name(), SavePath: d.savePath})
		}
	}
	return out
}

func (e *AnacrolixEngine) Close() error {
	var errs []error
	e.once.Do(func() {
		close(e.stop)
		e.wg.Wait()
		errs = append(errs, e.cl.Close()...)
		if err := e.pc.Close(); err != nil {
			errs = append(errs, err)
		}
		e.alerts.Close()
	})
	return errors.Join(errs...)
}

func defaultTrackers() []string {
	return []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://open.stealth.si:80/announce",
		"udp://exodus.desync.com:6969/announce",
		"http://tracker.opentrackr.org:1337/announce",
		"udp://tracker.torrent.eu.org:451/announce",
	}
}

var _ Engine = (*AnacrolixEngine)(nil)
