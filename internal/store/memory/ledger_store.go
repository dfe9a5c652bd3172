// Package memory provides an in-process domain.LedgerStore for tests and
// ephemeral nodes.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
)

// LedgerStore keeps the ledger in a map guarded by a RWMutex. Values are
// copied on the way in and out so callers cannot alias stored bytes.
type LedgerStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewLedgerStore creates an empty LedgerStore.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{data: make(map[string][]byte)}
}

// Get returns the value stored under key.
func (s *LedgerStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("memory: get %s: %w", key, domain.ErrNotFound)
	}
	return clone(v), nil
}

// Put stores value under key, replacing any previous value.
func (s *LedgerStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = clone(value)
	return nil
}

// Delete removes key. Missing keys are ignored.
func (s *LedgerStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// List returns the entries under prefix sorted by key.
func (s *LedgerStore) List(_ context.Context, prefix string) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.LedgerEntry, 0)
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.LedgerEntry{Key: k, Value: clone(v)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Len returns the number of stored keys.
func (s *LedgerStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

var _ domain.LedgerStore = (*LedgerStore)(nil)
