package downloader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"flixkeeper/internal/storage"
)

const (
	resumeDirName = "resume"
	resumeExt     = ".fastresume"
	dhtFileName   = "dht_state.dat"
)

// SessionStore persists per-download resume blobs and the DHT routing state.
type SessionStore struct {
	dir    string
	logger *logrus.Logger
}

type ResumeFile struct {
	ID   string
	Data []byte
}

func NewSessionStore(stateDir string, logger *logrus.Logger) (*SessionStore, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(filepath.Join(stateDir, resumeDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create resume dir: %w", err)
	}
	return &SessionStore{dir: stateDir, logger: logger}, nil
}

func (s *SessionStore) ResumePath(id string) string {
	return filepath.Join(s.dir, resumeDirName, id+resumeExt)
}

func (s *SessionStore) SaveResume(id string, blob []byte) error {
	if !validID(id) {
		return fmt.Errorf("invalid download id %q", id)
	}
	if len(blob) == 0 {
		return errors.New("empty resume blob")
	}
	if err := storage.WriteFileAtomic(s.ResumePath(id), blob); err != nil {
		return fmt.Errorf("write resume %s: %w", id, err)
	}
	return nil
}

// LoadAll returns every readable resume blob ordered by id. Unreadable and
// empty files are logged and skipped.
func (s *SessionStore) LoadAll() ([]ResumeFile, error) {
	dir := filepath.Join(s.dir, resumeDirName)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read resume dir: %w", err)
	}

	var out []ResumeFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), resumeExt) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), resumeExt)
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			s.logger.WithField("download_id", id).Warnf("read resume blob: %v", err)
			continue
		}
		if len(data) == 0 {
			s.logger.WithField("download_id", id).Warn("empty resume blob skipped")
			continue
		}
		out = append(out, ResumeFile{ID: id, Data: data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *SessionStore) DeleteResume(id string) error {
	if !validID(id) {
		return nil
	}
	if err := os.Remove(s.ResumePath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete resume %s: %w", id, err)
	}
	return nil
}

func (s *SessionStore) SaveDHT(blob []byte) error {
	if len(blob) == 0 {
		return nil
	}
	if err := storage.WriteFileAtomic(filepath.Join(s.dir, dhtFileName), blob); err != nil {
		return fmt.Errorf("write dht state: %w", err)
	}
	return nil
}

func (s *SessionStore) LoadDHT() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, dhtFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dht state: %w", err)
	}
	return data, nil
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}
