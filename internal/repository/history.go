package repository

import (
	"context"

	"flixkeeper/internal/domain"
)

// HistoryRepository persists the append-only download history.
type HistoryRepository interface {
	Init(ctx context.Context) error
	// Append stores entry. For finished events it reports false when the id
	// already has one, leaving the log unchanged.
	Append(ctx context.Context, entry *domain.HistoryEntry) (bool, error)
	List(ctx context.Context, limit int) ([]domain.HistoryEntry, error)
	FinishedIDs(ctx context.Context) ([]string, error)
}
