package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// LedgerEntry is a single key/value pair of the ledger key space.
type LedgerEntry struct {
	Key   string
	Value []byte
}

// LedgerStore is the ordered key-value store holding auction, bid and closure
// records. Each call is atomic on its own; multi-key sequences are not.
type LedgerStore interface {
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Delete is a no-op for a missing key.
	Delete(ctx context.Context, key string) error
	// List returns every entry whose key starts with prefix, in ascending
	// key order.
	List(ctx context.Context, prefix string) ([]LedgerEntry, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
