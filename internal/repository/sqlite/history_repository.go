package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"flixkeeper/internal/domain"
	"flixkeeper/internal/repository"
)

const (
	createHistoryTable = `
CREATE TABLE IF NOT EXISTS history (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	ts DATETIME NOT NULL,
	download_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL DEFAULT '',
	event TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT ''
);
`
	// a download finishes at most once, enforced by the schema itself
	createFinishedIndex = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_history_finished
	ON history(download_id) WHERE event = 'finished';
`
)

type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) repository.HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createHistoryTable); err != nil {
		return fmt.Errorf("create history table: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, createFinishedIndex); err != nil {
		return fmt.Errorf("create finished index: %w", err)
	}
	return nil
}

func (r *HistoryRepository) Append(ctx context.Context, entry *domain.HistoryEntry) (bool, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	res, err := r.db.ExecContext(ctx, `
INSERT OR IGNORE INTO history (ts, download_id, name, path, event, message)
VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Timestamp.UTC(),
		entry.DownloadID,
		entry.Name,
		entry.Path,
		string(entry.Event),
		entry.Message,
	)
	if err != nil {
		return false, fmt.Errorf("insert history entry: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return true, fmt.Errorf("get last insert id: %w", err)
	}
	entry.Seq = seq
	return true, nil
}

// List returns the newest entries first; limit <= 0 returns everything.
func (r *HistoryRepository) List(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	query := `SELECT seq, ts, download_id, name, path, event, message FROM history ORDER BY ts DESC, seq DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []domain.HistoryEntry
	for rows.Next() {
		entry, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

func (r *HistoryRepository) FinishedIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT download_id FROM history WHERE event = ?`, string(domain.HistoryFinished))
	if err != nil {
		return nil, fmt.Errorf("list finished ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan finished id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate finished ids: %w", err)
	}
	return ids, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHistoryEntry(s scanner) (*domain.HistoryEntry, error) {
	var (
		entry domain.HistoryEntry
		event string
	)
	if err := s.Scan(&entry.Seq, &entry.Timestamp, &entry.DownloadID, &entry.Name, &entry.Path, &event, &entry.Message); err != nil {
		return nil, fmt.Errorf("scan history entry: %w", err)
	}
	entry.Event = domain.HistoryEvent(event)
	entry.Timestamp = entry.Timestamp.UTC()
	return &entry, nil
}
