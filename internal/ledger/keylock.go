package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
)

// KeyedMutex implements domain.LockManager inside a single process. Each key
// gets a one-slot channel that is created on first use and dropped once no
// caller holds or waits for it.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*keySlot
}

type keySlot struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*keySlot)}
}

// Acquire blocks until key is free or ctx is done. ttl is ignored: a local
// holder cannot disappear without its process.
func (k *KeyedMutex) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	slot := k.ref(key)

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		k.unref(key)
		return nil, fmt.Errorf("ledger: acquire %s: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.ch
			k.unref(key)
		})
	}, nil
}

// Len reports how many keys currently have holders or waiters.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}

func (k *KeyedMutex) ref(key string) *keySlot {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[key]
	if !ok {
		s = &keySlot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	return s
}

func (k *KeyedMutex) unref(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s := k.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}

var _ domain.LockManager = (*KeyedMutex)(nil)
