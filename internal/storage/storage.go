package storage

import (
	"context"
	"time"
)

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified *time.Time
}

// ArchiveOptions conveys where a state snapshot goes and what it leaves out.
type ArchiveOptions struct {
	Bucket    string
	KeyPrefix string
	// Exclude lists top-level entries of the state directory to skip.
	Exclude []string
	// Retain keeps this many most recent snapshots; 0 keeps all.
	Retain           int
	ProgressCallback func(done, total int64)
}

// Archiver copies the state directory to remote object storage.
type Archiver interface {
	Archive(ctx context.Context, stateDir string, opts ArchiveOptions) (string, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	DeletePrefix(ctx context.Context, bucket, prefix string) error
}
