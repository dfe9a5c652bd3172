package memory

import (
	"context"
	"sync"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
)

// EventBus is an in-process domain.EventBus. Each subscriber gets a
// buffered channel; a subscriber whose buffer is full misses the message.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string]map[chan []byte]struct{}
	buffer int
}

// NewEventBus creates an EventBus with the given per-subscriber buffer.
func NewEventBus(buffer int) *EventBus {
	if buffer <= 0 {
		buffer = 128
	}
	return &EventBus{subs: make(map[string]map[chan []byte]struct{}), buffer: buffer}
}

// Publish delivers a copy of payload to every current subscriber of channel.
func (b *EventBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[channel] {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber that is removed and closed when ctx is done.
func (b *EventBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, b.buffer)
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[channel], ch)
		if len(b.subs[channel]) == 0 {
			delete(b.subs, channel)
		}
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

var _ domain.EventBus = (*EventBus)(nil)
