package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager serialises work on a key. Acquire blocks until the lock is held
// or ctx is done; the returned unlock func is safe to call more than once.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventJournal is an append-only, ordered record of accepted operations.
type EventJournal interface {
	Append(ctx context.Context, stream string, payload []byte) error
	Read(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// EventBus carries ephemeral fan-out messages. Subscribe returns a channel
// that is closed once ctx is done.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
