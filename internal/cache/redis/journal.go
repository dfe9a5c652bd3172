package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
)

// streamMaxLen is the approximate maximum length for Redis streams, enforced
// via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// Journal implements domain.EventJournal on Redis Streams.
type Journal struct {
	rdb    *redis.Client
	maxLen int64
}

// NewJournal creates a Journal. maxLen <= 0 uses streamMaxLen.
func NewJournal(c *Client, maxLen int64) *Journal {
	if maxLen <= 0 {
		maxLen = streamMaxLen
	}
	return &Journal{rdb: c.Underlying(), maxLen: maxLen}
}

// Append adds payload to stream, trimming it to roughly maxLen entries.
func (j *Journal) Append(ctx context.Context, stream string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: j.maxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}
	if err := j.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// Read returns up to count entries after lastID ("0" reads from the start).
// An empty stream yields an empty slice, not an error.
func (j *Journal) Read(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	if lastID == "" {
		lastID = "0"
	}
	// Block: -1 omits BLOCK so an exhausted stream returns at once.
	res, err := j.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}
	var msgs []redis.XMessage
	for _, s := range res {
		msgs = append(msgs, s.Messages...)
	}

	out := make([]domain.StreamMessage, 0, len(msgs))
	for _, msg := range msgs {
		var data []byte
		switch v := msg.Values["payload"].(type) {
		case string:
			data = []byte(v)
		case []byte:
			data = v
		default:
			continue
		}
		out = append(out, domain.StreamMessage{ID: msg.ID, Payload: data})
	}
	return out, nil
}

var _ domain.EventJournal = (*Journal)(nil)
