package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"flixkeeper/internal/domain"
	"flixkeeper/internal/metrics"
	"flixkeeper/internal/repository"
)

// HistoryService owns the download history and the "finished exactly once" ledger.
type HistoryService interface {
	// Seed loads the finished ids from the log. Call before the first watchdog tick.
	Seed(ctx context.Context) error
	// MarkFinished appends a finished event unless the id already has one and
	// reports whether this call was the first.
	MarkFinished(ctx context.Context, rec domain.DownloadRecord) (bool, error)
	RecordError(ctx context.Context, id, name, path, message string) error
	IsFinished(id string) bool
	List(ctx context.Context, limit int) ([]domain.HistoryEntry, error)
}

type historyService struct {
	repo repository.HistoryRepository
	now  func() time.Time

	mu       sync.Mutex
	finished map[string]struct{}
}

func NewHistoryService(repo repository.HistoryRepository) HistoryService {
	return &historyService{
		repo:     repo,
		now:      time.Now,
		finished: make(map[string]struct{}),
	}
}

func (s *historyService) Seed(ctx context.Context) error {
	ids, err := s.repo.FinishedIDs(ctx)
	if err != nil {
		return fmt.Errorf("seed finished ids: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.finished[id] = struct{}{}
	}
	return nil
}

func (s *historyService) MarkFinished(ctx context.Context, rec domain.DownloadRecord) (bool, error) {
	if rec.ID == "" {
		return false, errors.New("download id is required")
	}

	// held across the insert so two observers cannot both win
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.finished[rec.ID]; ok {
		return false, nil
	}

	inserted, err := s.repo.Append(ctx, &domain.HistoryEntry{
		Timestamp:  s.now().UTC(),
		DownloadID: rec.ID,
		Name:       rec.Name,
		Path:       rec.SavePath,
		Event:      domain.HistoryFinished,
	})
	if err != nil {
		return false, err
	}
	s.finished[rec.ID] = struct{}{}
	if inserted {
		metrics.IncDownloadFinished()
	}
	return inserted, nil
}

func (s *historyService) RecordError(ctx context.Context, id, name, path, message string) error {
	_, err := s.repo.Append(ctx, &domain.HistoryEntry{
		Timestamp:  s.now().UTC(),
		DownloadID: id,
		Name:       name,
		Path:       path,
		Event:      domain.HistoryError,
		Message:    message,
	})
	return err
}

func (s *historyService) IsFinished(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.finished[id]
	return ok
}

func (s *historyService) List(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	return s.repo.List(ctx, limit)
}

var _ HistoryService = (*historyService)(nil)
