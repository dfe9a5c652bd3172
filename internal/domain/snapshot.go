package domain

import (
	"context"
	"io"
	"time"
)

// SnapshotObject describes one stored ledger snapshot.
type SnapshotObject struct {
	Key      string
	Size     int64
	Modified time.Time
}

// SnapshotBucket is the object storage that ledger snapshots are written to
// and restored from.
type SnapshotBucket interface {
	// Upload stores body under key, replacing any existing object.
	Upload(ctx context.Context, key string, body []byte) error
	// Open returns the object stored under key, or ErrNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Objects lists every object whose key starts with prefix.
	Objects(ctx context.Context, prefix string) ([]SnapshotObject, error)
}
