package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
)

const (
	ledgerNamespace = "ledger:"
	scanBatch       = 500
)

// LedgerStore implements domain.LedgerStore with one Redis string per key,
// namespaced under "ledger:". Prefix listings SCAN the namespace and sort
// client-side.
type LedgerStore struct {
	rdb *redis.Client
}

// NewLedgerStore creates a LedgerStore backed by the given Client.
func NewLedgerStore(c *Client) *LedgerStore {
	return &LedgerStore{rdb: c.Underlying()}
}

func ledgerKey(key string) string {
	return ledgerNamespace + key
}

// Get returns the value stored under key.
func (s *LedgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, ledgerKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get %s: %w", key, err)
	}
	return data, nil
}

// Put stores value under key without expiry.
func (s *LedgerStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.rdb.Set(ctx, ledgerKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis: put %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Missing keys are ignored.
func (s *LedgerStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, ledgerKey(key)).Err(); err != nil {
		return fmt.Errorf("redis: delete %s: %w", key, err)
	}
	return nil
}

// List returns every entry under prefix ordered by key. Keys deleted between
// the scan and the fetch are left out.
func (s *LedgerStore) List(ctx context.Context, prefix string) ([]domain.LedgerEntry, error) {
	full := ledgerKey(prefix)
	var keys []string
	iter := s.rdb.Scan(ctx, 0, escapeGlob(full)+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		if k := iter.Val(); strings.HasPrefix(k, full) {
			keys = append(keys, k)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis: scan %s: %w", prefix, err)
	}
	sort.Strings(keys)
	keys = dedupSorted(keys)

	out := make([]domain.LedgerEntry, 0, len(keys))
	for start := 0; start < len(keys); start += scanBatch {
		end := min(start+scanBatch, len(keys))
		vals, err := s.rdb.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: mget %s: %w", prefix, err)
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			out = append(out, domain.LedgerEntry{
				Key:   strings.TrimPrefix(keys[start+i], ledgerNamespace),
				Value: []byte(str),
			})
		}
	}
	return out, nil
}

// escapeGlob quotes the characters SCAN MATCH treats as pattern syntax.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// dedupSorted drops adjacent duplicates; SCAN may return a key twice.
func dedupSorted(keys []string) []string {
	if len(keys) < 2 {
		return keys
	}
	out := keys[:1]
	for _, k := range keys[1:] {
		if k != out[len(out)-1] {
			out = append(out, k)
		}
	}
	return out
}

var _ domain.LedgerStore = (*LedgerStore)(nil)
